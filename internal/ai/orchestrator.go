// ABOUTME: Provider registry with single-provider and fallback-chain streaming
// ABOUTME: Every stream it returns ends with exactly one Complete or Error event

package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/coven-relay/internal/metrics"
)

// OrchestratorOptions configures an Orchestrator.
type OrchestratorOptions struct {
	// FallbackChain lists provider ids in the order they are tried.
	FallbackChain []string
	// BufferTokens holds tokens back until a provider completes, so a failed
	// attempt never reaches the caller.
	BufferTokens bool
	Stats        *metrics.Stats
	Logger       *slog.Logger
}

// Orchestrator routes completion requests to providers.
type Orchestrator struct {
	providers    map[string]Provider
	order        []string
	chain        []string
	bufferTokens bool
	stats        *metrics.Stats
	logger       *slog.Logger
}

// NewOrchestrator registers providers. An empty fallback chain defaults to
// the registration order.
func NewOrchestrator(providers []Provider, opts OrchestratorOptions) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	o := &Orchestrator{
		providers:    make(map[string]Provider, len(providers)),
		bufferTokens: opts.BufferTokens,
		stats:        opts.Stats,
		logger:       opts.Logger.With("component", "ai"),
	}
	for _, p := range providers {
		o.providers[p.ID()] = p
		o.order = append(o.order, p.ID())
	}
	if len(opts.FallbackChain) > 0 {
		o.chain = append([]string(nil), opts.FallbackChain...)
	} else {
		o.chain = append([]string(nil), o.order...)
	}
	return o
}

// Provider looks up a provider by id.
func (o *Orchestrator) Provider(id string) (Provider, bool) {
	p, ok := o.providers[id]
	return p, ok
}

// Descriptors lists providers in registration order with live enabled status.
func (o *Orchestrator) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(o.order))
	for _, id := range o.order {
		p := o.providers[id]
		out = append(out, Descriptor{
			ID:          p.ID(),
			DisplayName: p.DisplayName(),
			Models:      p.Models(),
			Enabled:     p.Enabled(),
		})
	}
	return out
}

// StreamCompletion streams from one named provider without fallback.
// Unknown providers fail with ErrProviderNotFound and providers without a
// usable credential with ErrProviderUnavailable, before any stream starts.
func (o *Orchestrator) StreamCompletion(ctx context.Context, providerID, model string, msgs []Message, opts Options) (<-chan Event, error) {
	p, ok := o.providers[providerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, providerID)
	}
	if !p.Enabled() {
		return nil, fmt.Errorf("%w: %s", ErrProviderUnavailable, providerID)
	}
	if model == "" {
		model = firstModel(p)
	}

	in, err := p.Stream(ctx, model, msgs, opts)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 32)
	go func() {
		defer close(out)
		o.relay(ctx, in, out, p.ID(), model, 1)
	}()
	return out, nil
}

// relay forwards a provider stream and guarantees exactly one terminal event.
// Token sends stop once ctx is done; the terminal event is always delivered.
func (o *Orchestrator) relay(ctx context.Context, in <-chan Event, out chan<- Event, providerID, model string, attempt int) {
	terminated := false
	for ev := range in {
		if terminated {
			continue
		}
		ev.Provider = providerID
		if ev.Model == "" {
			ev.Model = model
		}
		ev.Attempt = attempt
		switch ev.Kind {
		case EventToken:
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		case EventComplete, EventError:
			if ev.Kind == EventError && ev.Err == nil {
				ev.Err = errors.New("provider reported an unspecified error")
			}
			out <- ev
			terminated = true
		}
	}
	if !terminated {
		out <- Event{Kind: EventError, Err: ErrStreamIncomplete, Provider: providerID, Model: model, Attempt: attempt}
	}
}

// StreamWithFallback tries the fallback chain in order. Providers that are
// unknown, disabled or have no models are skipped. A failure is swallowed
// while later providers remain; the caller sees EventReset if the failed
// provider had already streamed tokens. When the final provider in the chain
// fails its error is the terminal event; when no provider could be tried the
// terminal error is ErrAllProvidersFailed.
func (o *Orchestrator) StreamWithFallback(ctx context.Context, msgs []Message, opts Options) <-chan Event {
	chain := append([]string(nil), o.chain...)
	out := make(chan Event, 32)

	go func() {
		defer close(out)

		var (
			lastErr      error
			lastProvider string
			attempt      int
			dirty        bool // tokens from a failed attempt reached the caller
		)

		for i, id := range chain {
			if ctx.Err() != nil {
				out <- Event{Kind: EventError, Err: ctx.Err(), Provider: lastProvider, Attempt: attempt}
				return
			}

			p, ok := o.providers[id]
			if !ok || !p.Enabled() || firstModel(p) == "" {
				o.logger.Debug("skipping provider in fallback chain", "provider", id, "known", ok)
				continue
			}

			attempt++
			model := firstModel(p)
			if attempt > 1 {
				o.stats.Inc(metrics.AIFallbacks)
				if dirty {
					out <- Event{Kind: EventReset, Provider: id, Model: model, Attempt: attempt}
					dirty = false
				}
			}

			in, err := p.Stream(ctx, model, msgs, opts)
			if err != nil {
				lastErr, lastProvider = err, id
				o.logger.Warn("provider failed to start", "provider", id, "error", err, "remaining", len(chain)-i-1)
				continue
			}

			done, emitted, streamErr := o.attempt(ctx, in, out, id, model, attempt)
			if done {
				return
			}
			if emitted {
				dirty = true
			}
			lastErr, lastProvider = streamErr, id
			o.logger.Warn("provider failed, trying next", "provider", id, "error", streamErr, "remaining", len(chain)-i-1)
		}

		switch {
		case lastErr != nil && lastProvider == chain[len(chain)-1]:
			out <- Event{Kind: EventError, Err: lastErr, Provider: lastProvider, Attempt: attempt}
		case lastErr != nil:
			out <- Event{Kind: EventError, Err: fmt.Errorf("%w: last error from %s: %w", ErrAllProvidersFailed, lastProvider, lastErr), Provider: lastProvider, Attempt: attempt}
		default:
			out <- Event{Kind: EventError, Err: ErrAllProvidersFailed, Attempt: attempt}
		}
	}()

	return out
}

// attempt consumes one provider stream. It returns done=true after a
// Complete event has been forwarded. emitted reports whether any token from
// this attempt reached the caller.
func (o *Orchestrator) attempt(ctx context.Context, in <-chan Event, out chan<- Event, providerID, model string, attempt int) (done, emitted bool, err error) {
	var buffered []Event
	for ev := range in {
		if done || err != nil {
			continue
		}
		ev.Provider = providerID
		if ev.Model == "" {
			ev.Model = model
		}
		ev.Attempt = attempt

		switch ev.Kind {
		case EventToken:
			if o.bufferTokens {
				buffered = append(buffered, ev)
				continue
			}
			select {
			case out <- ev:
				emitted = true
			case <-ctx.Done():
			}
		case EventComplete:
			for _, b := range buffered {
				select {
				case out <- b:
				case <-ctx.Done():
				}
			}
			out <- ev
			done = true
		case EventError:
			err = ev.Err
			if err == nil {
				err = errors.New("provider reported an unspecified error")
			}
		}
	}
	if !done && err == nil {
		err = ErrStreamIncomplete
	}
	return done, emitted, err
}

func firstModel(p Provider) string {
	if models := p.Models(); len(models) > 0 {
		return models[0]
	}
	return ""
}
