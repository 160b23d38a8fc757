package telephony

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// CallAPI is the slice of the Twilio v2010 API the adapter uses.
// *openapi.ApiService satisfies it; tests substitute a fake.
type CallAPI interface {
	CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error)
	FetchCall(sid string, params *openapi.FetchCallParams) (*openapi.ApiV2010Call, error)
	UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error)
}

const defaultAPITimeout = 30 * time.Second

// TwilioProvider places and inspects calls through the Twilio REST API.
//
// NOTE: The SDK methods take no context. Each request runs in its own
// goroutine and the adapter stops waiting when the API timeout or ctx
// expires; the abandoned request finishes in the background.
type TwilioProvider struct {
	api     CallAPI
	timeout time.Duration
}

var _ Provider = (*TwilioProvider)(nil)

// NewTwilioProvider builds an adapter from account credentials.
func NewTwilioProvider(accountSID, authToken string, timeout time.Duration) *TwilioProvider {
	rc := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return NewTwilioProviderWithAPI(rc.Api, timeout)
}

func NewTwilioProviderWithAPI(api CallAPI, timeout time.Duration) *TwilioProvider {
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}
	return &TwilioProvider{api: api, timeout: timeout}
}

func (p *TwilioProvider) Name() string { return "twilio" }

func (p *TwilioProvider) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	if strings.TrimSpace(req.To) == "" || strings.TrimSpace(req.From) == "" {
		return PlaceCallResult{}, errors.New("telephony: to and from are required")
	}
	params := &openapi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(req.From)
	if req.AnswerDocument != "" {
		params.SetTwiml(req.AnswerDocument)
	} else {
		params.SetUrl(req.AnswerURL)
	}
	if req.StatusCallbackURL != "" {
		method := req.StatusCallbackMethod
		if method == "" {
			method = http.MethodPost
		}
		params.SetStatusCallback(req.StatusCallbackURL)
		params.SetStatusCallbackMethod(method)
		events := req.StatusEvents
		if len(events) == 0 {
			events = StatusEvents
		}
		params.SetStatusCallbackEvent(events)
	}
	if req.RingTimeoutSeconds > 0 {
		params.SetTimeout(req.RingTimeoutSeconds)
	}
	params.SetRecord(req.Record)

	call, err := p.do(ctx, func() (*openapi.ApiV2010Call, error) { return p.api.CreateCall(params) })
	if err != nil {
		return PlaceCallResult{}, err
	}
	if call == nil || call.Sid == nil || *call.Sid == "" {
		return PlaceCallResult{}, errors.New("telephony: twilio returned no call sid")
	}
	return PlaceCallResult{ProviderCallID: *call.Sid, Status: deref(call.Status)}, nil
}

func (p *TwilioProvider) GetCallStatus(ctx context.Context, providerCallID string) (CallStatus, error) {
	call, err := p.do(ctx, func() (*openapi.ApiV2010Call, error) {
		return p.api.FetchCall(providerCallID, &openapi.FetchCallParams{})
	})
	if err != nil {
		return CallStatus{}, err
	}
	if call == nil {
		return CallStatus{}, ErrCallNotFound
	}
	return callStatusFromTwilio(providerCallID, call), nil
}

// Hangup asks Twilio to end the call by moving it to completed.
func (p *TwilioProvider) Hangup(ctx context.Context, providerCallID string) error {
	params := &openapi.UpdateCallParams{}
	params.SetStatus("completed")
	_, err := p.do(ctx, func() (*openapi.ApiV2010Call, error) { return p.api.UpdateCall(providerCallID, params) })
	return err
}

type callResult struct {
	call *openapi.ApiV2010Call
	err  error
}

func (p *TwilioProvider) do(ctx context.Context, fn func() (*openapi.ApiV2010Call, error)) (*openapi.ApiV2010Call, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		c, err := fn()
		done <- callResult{call: c, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	case res := <-done:
		return res.call, translateTwilioError(res.err)
	}
}

func translateTwilioError(err error) error {
	if err == nil {
		return nil
	}
	var restErr *client.TwilioRestError
	if errors.As(err, &restErr) && (restErr.Status == http.StatusNotFound || restErr.Code == 20404) {
		return fmt.Errorf("%w: %s", ErrCallNotFound, restErr.Message)
	}
	return fmt.Errorf("telephony: twilio: %w", err)
}

func callStatusFromTwilio(sid string, c *openapi.ApiV2010Call) CallStatus {
	out := CallStatus{ProviderCallID: sid, Status: deref(c.Status)}
	if c.Sid != nil && *c.Sid != "" {
		out.ProviderCallID = *c.Sid
	}
	out.StartTime = parseTwilioTime(c.StartTime)
	out.EndTime = parseTwilioTime(c.EndTime)
	if c.Duration != nil {
		if d, err := strconv.Atoi(strings.TrimSpace(*c.Duration)); err == nil && d >= 0 {
			out.DurationSeconds = &d
		}
	}
	if c.Price != nil {
		if cents, ok := priceToCents(*c.Price); ok {
			out.PriceCents = &cents
		}
	}
	return out
}

// Twilio reports dates as RFC 1123 with a numeric zone.
func parseTwilioTime(s *string) *time.Time {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, time.RFC3339} {
		if t, err := time.Parse(layout, strings.TrimSpace(*s)); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// priceToCents converts Twilio's price string (negative for charges, e.g.
// "-0.01500") into a non-negative number of cents, rounded half up.
func priceToCents(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return int64(math.Round(math.Abs(f) * 100)), true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
