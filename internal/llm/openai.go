package llm

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
	"github.com/triagem-mail/triagem/internal/config"
)

const defaultCallTimeout = 30 * time.Second

// deterministicTemperature stands in for zero: go-openai omits a zero
// temperature from the request and the server then uses its own default.
const deterministicTemperature = math.SmallestNonzeroFloat32

// requestTemperature maps a configured temperature to the value sent
func requestTemperature(t float32) float32 {
	if t <= 0 {
		return deterministicTemperature
	}
	return t
}

// client bundles the OpenAI-compatible client with its breaker and per-call
// timeout. It is shared by the classifier and the generator.
type client struct {
	api     *openai.Client
	cb      *gobreaker.CircuitBreaker
	model   string
	timeout time.Duration
}

func newClient(name string, cfg config.Model, logger zerolog.Logger) *client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	log := logger.With().Str("component", name).Logger()
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures >= 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	}

	return &client{
		api:     openai.NewClientWithConfig(oc),
		cb:      gobreaker.NewCircuitBreaker(settings),
		model:   cfg.Model,
		timeout: timeout,
	}
}

// call runs fn under the breaker with the per-call timeout applied
func call[T any](ctx context.Context, c *client, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out.(T), nil
}
