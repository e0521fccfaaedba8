// Package output renders run statistics for the terminal: a live progress
// line while the test runs and a summary report when it ends.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/torosent/crankswarm/internal/metrics"
)

// PrintReport outputs a human-readable summary report.
func PrintReport(w io.Writer, stats metrics.Stats) {
	fmt.Fprintln(w, "\n--- Load Test Results ---")
	fmt.Fprintf(w, "Total Requests:    %d\n", stats.Total)
	fmt.Fprintf(w, "Successful:        %d\n", stats.Successes)
	fmt.Fprintf(w, "Failed:            %d\n", stats.Failures)
	fmt.Fprintf(w, "User Errors:       %d\n", stats.UserErrors)
	fmt.Fprintf(w, "Duration:          %s\n", stats.Duration)
	fmt.Fprintf(w, "Requests/sec:      %.2f\n", stats.RequestsPerSec)
	fmt.Fprintln(w, "\nLatency:")
	fmt.Fprintf(w, "  Min:             %s\n", stats.MinLatency)
	fmt.Fprintf(w, "  Max:             %s\n", stats.MaxLatency)
	fmt.Fprintf(w, "  Mean:            %s\n", stats.MeanLatency)
	fmt.Fprintf(w, "  P50:             %s\n", stats.P50Latency)
	fmt.Fprintf(w, "  P90:             %s\n", stats.P90Latency)
	fmt.Fprintf(w, "  P99:             %s\n", stats.P99Latency)

	if len(stats.Requests) > 0 {
		fmt.Fprintln(w, "\nRequests:")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  Method\tName\t# reqs\t# fails\tAvg\tP50\tP99\tAvg size\treq/s")
		for _, r := range stats.Requests {
			fmt.Fprintf(tw, "  %s\t%s\t%d\t%d (%.1f%%)\t%s\t%s\t%s\t%.0f\t%.2f\n",
				r.Method, r.Name, r.Total, r.Failures, failureShare(r.Failures, r.Total),
				r.MeanLatency, r.P50Latency, r.P99Latency, r.AvgSize, r.RequestsPerSec)
		}
		_ = tw.Flush()
	}

	if len(stats.Errors) > 0 {
		fmt.Fprintln(w, "\nErrors:")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  # occurrences\tMethod\tName\tError")
		for _, e := range stats.Errors {
			method, name := e.Method, e.Name
			if method == "" && name == "" {
				method, name = "-", "(user)"
			}
			fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\n", e.Occurrences, method, name, e.Message)
		}
		_ = tw.Flush()
	}
}

// PrintJSONReport outputs a JSON-formatted report.
func PrintJSONReport(w io.Writer, stats metrics.Stats) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

func failureShare(failures, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(failures) / float64(total) * 100
}
