package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// remoteRetries is how many times a single remote endpoint is retried before
// failover moves on. Local endpoints get none: a loopback server that refused
// once will refuse again faster than the backoff would sleep.
const remoteRetries = 2

// retryBaseDelay is the first backoff step for remote endpoint retries; each
// subsequent retry doubles it.
const retryBaseDelay = 500 * time.Millisecond

// AttemptFunc performs one call against one endpoint and returns its payload.
type AttemptFunc[T any] func(ctx context.Context, ep *Endpoint) (T, error)

// Run walks the role's endpoints in priority order, calling fn on each until
// one succeeds. The winning endpoint is marked healthy and returned with the
// payload.
//
// A failure whose kind is no_speech or cancelled is returned immediately —
// those describe the request, not the endpoint, so trying the next endpoint
// cannot help. Any other failure is recorded on the endpoint and failover
// continues; once every endpoint has failed, an [*AllFailedError] carrying
// one [Failure] per endpoint is returned.
//
// Cancellation is honoured between endpoint attempts and between retries.
func Run[T any](ctx context.Context, reg *Registry, role Role, fn AttemptFunc[T]) (T, *Endpoint, error) {
	var zero T

	eps := reg.Endpoints(role)
	if len(eps) == 0 {
		return zero, nil, fmt.Errorf("provider: no %s endpoints configured", role)
	}

	attempted := make([]Failure, 0, len(eps))
	for _, ep := range eps {
		if err := ctx.Err(); err != nil {
			return zero, nil, NewError(KindCancelled, "failover cancelled", err)
		}

		start := time.Now()
		result, err := attemptWithRetry(ctx, ep, fn)
		elapsed := time.Since(start)

		if err == nil {
			ep.MarkHealthy()
			return result, ep, nil
		}

		kind := KindOf(err)
		if kind.terminal() {
			return zero, ep, err
		}

		ep.MarkFailed(err.Error())
		attempted = append(attempted, Failure{
			Endpoint: ep.ID,
			Kind:     kind,
			Message:  err.Error(),
			Elapsed:  elapsed,
		})
		slog.Warn("endpoint failed, trying next",
			"role", role, "endpoint", ep.ID, "kind", kind, "error", err)
	}

	return zero, nil, &AllFailedError{Role: role, Attempts: attempted}
}

// attemptWithRetry applies the locality-aware retry policy: local endpoints
// get a single shot, remote ones up to remoteRetries extra attempts with
// exponential backoff.
func attemptWithRetry[T any](ctx context.Context, ep *Endpoint, fn AttemptFunc[T]) (T, error) {
	var zero T

	retries := 0
	if !ep.Local() {
		retries = remoteRetries
	}

	var lastErr error
	delay := retryBaseDelay
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return zero, NewError(KindCancelled, "retry cancelled", ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
			slog.Debug("retrying endpoint", "endpoint", ep.ID, "attempt", attempt)
		}

		result, err := fn(ctx, ep)
		if err == nil {
			return result, nil
		}
		if KindOf(err).terminal() {
			return zero, err
		}
		lastErr = err
	}
	return zero, lastErr
}
