package httpclient

import (
	"context"
	"fmt"

	"github.com/torosent/crankswarm/internal/auth"
	"github.com/torosent/crankswarm/internal/config"
	"github.com/torosent/crankswarm/internal/feeder"
	"github.com/torosent/crankswarm/internal/user"
)

// BuildClasses turns declared user classes into runnable ones whose jobs
// issue HTTP requests.
func BuildClasses(declared []config.UserClass, opts JobOptions) ([]*user.Class, error) {
	classes := make([]*user.Class, 0, len(declared))
	for _, uc := range declared {
		class := &user.Class{
			Name:   uc.Name,
			Weight: uc.Weight,
			Host:   uc.Host,
			Wait:   user.Between(uc.Wait.Min, uc.Wait.Max),
		}

		classOpts := opts
		provider, err := auth.New(uc.Auth, opts.Client)
		if err != nil {
			return nil, fmt.Errorf("user class %q: %w", uc.Name, err)
		}
		classOpts.Auth = provider

		if uc.Data.Path != "" {
			data, err := feeder.Load(uc.Data)
			if err != nil {
				return nil, fmt.Errorf("user class %q: %w", uc.Name, err)
			}
			class.OnStart = seedSession(data)
		}

		for _, jc := range uc.Jobs {
			job, err := NewJob(jc, uc.Headers, classOpts)
			if err != nil {
				return nil, fmt.Errorf("user class %q: %w", uc.Name, err)
			}
			class.Jobs = append(class.Jobs, job)
		}
		if err := class.Validate(); err != nil {
			return nil, err
		}
		classes = append(classes, class)
	}
	return classes, nil
}

// seedSession stores the user's data record in its session variables.
func seedSession(data *feeder.Feeder) user.Hook {
	return func(ctx context.Context, s *user.Session) error {
		record, err := data.Next(ctx)
		if err != nil {
			return fmt.Errorf("load user data: %w", err)
		}
		s.Merge(record)
		return nil
	}
}
