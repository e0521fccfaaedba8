package runner

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/torosent/crankswarm/internal/events"
)

// SoftRateLimit is the ramp rate above which a warning is logged.
const SoftRateLimit = 100

// Options configure a Runner.
type Options struct {
	Logger      *zap.Logger
	Bus         *events.Bus
	Host        string        // overrides every class host when set
	StopTimeout time.Duration // bound on awaiting one user's teardown
	QuitGrace   time.Duration // wait for background activities on quit
	// LimiterFactory builds the pacing limiter for a ramp pass; injectable for tests.
	LimiterFactory func(perSecond float64) *rate.Limiter
}

func (o *Options) normalize() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Bus == nil {
		o.Bus = events.NewBus(o.Logger)
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 5 * time.Second
	}
	if o.QuitGrace <= 0 {
		o.QuitGrace = 500 * time.Millisecond
	}
	if o.LimiterFactory == nil {
		o.LimiterFactory = func(perSecond float64) *rate.Limiter {
			if perSecond <= 0 {
				return rate.NewLimiter(rate.Inf, 1)
			}
			// Burst of one spaces every step 1/perSecond apart.
			return rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}
