package telephony

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Throttled caps the request rate to the provider API across all passes
// sharing one process. Waiting for a token honours ctx.
type Throttled struct {
	next    Provider
	limiter *rate.Limiter
}

var _ Provider = (*Throttled)(nil)

// NewThrottled allows perSecond requests with a burst of the same size.
// perSecond <= 0 disables throttling.
func NewThrottled(next Provider, perSecond float64) *Throttled {
	lim := rate.NewLimiter(rate.Inf, 0)
	if perSecond > 0 {
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return &Throttled{next: next, limiter: lim}
}

func (t *Throttled) Name() string { return t.next.Name() }

func (t *Throttled) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	if err := t.wait(ctx); err != nil {
		return PlaceCallResult{}, err
	}
	return t.next.PlaceCall(ctx, req)
}

func (t *Throttled) GetCallStatus(ctx context.Context, providerCallID string) (CallStatus, error) {
	if err := t.wait(ctx); err != nil {
		return CallStatus{}, err
	}
	return t.next.GetCallStatus(ctx, providerCallID)
}

func (t *Throttled) Hangup(ctx context.Context, providerCallID string) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	return t.next.Hangup(ctx, providerCallID)
}

func (t *Throttled) wait(ctx context.Context) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %v", ErrTimeout, err)
	}
	return nil
}
