package httpclient

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/torosent/crankswarm/internal/config"
)

// payload is the request body a job declares. A body file is read once when
// the class is built; every request renders the same text with the session
// of the user issuing it.
type payload struct {
	text string
}

func loadPayload(job config.Job) (payload, error) {
	bodyFile := strings.TrimSpace(job.BodyFile)
	if job.Body != "" && bodyFile != "" {
		return payload{}, errors.New("body and body file cannot both be provided")
	}
	if bodyFile == "" {
		return payload{text: job.Body}, nil
	}

	info, err := os.Stat(bodyFile)
	if err != nil {
		return payload{}, fmt.Errorf("body file: %w", err)
	}
	if info.IsDir() {
		return payload{}, fmt.Errorf("body file %q is a directory", bodyFile)
	}
	data, err := os.ReadFile(bodyFile)
	if err != nil {
		return payload{}, fmt.Errorf("body file: %w", err)
	}
	return payload{text: string(data)}, nil
}

func (p payload) empty() bool { return p.text == "" }

// render substitutes vars and returns nil for an empty body so GET requests
// go out without a Content-Length.
func (p payload) render(vars map[string]string) io.Reader {
	if p.empty() {
		return nil
	}
	return strings.NewReader(Apply(p.text, vars))
}
