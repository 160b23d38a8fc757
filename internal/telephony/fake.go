package telephony

import (
	"context"
	"fmt"
	"sync"
)

// FakeProvider is an in-memory Provider for tests and local runs without
// provider credentials. Calls are scripted through SetStatus / FailNext*.
type FakeProvider struct {
	mu sync.Mutex

	seq      int
	calls    map[string]CallStatus
	placed   []PlaceCallRequest
	hangups  []string
	placeErr error
	queryErr map[string]error
}

var _ Provider = (*FakeProvider)(nil)

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{calls: map[string]CallStatus{}, queryErr: map[string]error{}}
}

func (f *FakeProvider) Name() string { return "fake" }

func (f *FakeProvider) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	if f.placeErr != nil {
		err := f.placeErr
		f.placeErr = nil
		return PlaceCallResult{}, err
	}
	f.seq++
	sid := fmt.Sprintf("CA%032d", f.seq)
	f.calls[sid] = CallStatus{ProviderCallID: sid, Status: "queued"}
	return PlaceCallResult{ProviderCallID: sid, Status: "queued"}, nil
}

func (f *FakeProvider) GetCallStatus(ctx context.Context, providerCallID string) (CallStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.queryErr[providerCallID]; ok {
		return CallStatus{}, err
	}
	st, ok := f.calls[providerCallID]
	if !ok {
		return CallStatus{}, ErrCallNotFound
	}
	return st, nil
}

func (f *FakeProvider) Hangup(ctx context.Context, providerCallID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, providerCallID)
	if err, ok := f.queryErr[providerCallID]; ok {
		return err
	}
	st, ok := f.calls[providerCallID]
	if !ok {
		return ErrCallNotFound
	}
	st.Status = "completed"
	f.calls[providerCallID] = st
	return nil
}

// SetStatus installs the provider-side truth for a call.
func (f *FakeProvider) SetStatus(st CallStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[st.ProviderCallID] = st
	delete(f.queryErr, st.ProviderCallID)
}

// FailQueries makes GetCallStatus and Hangup for sid return err.
func (f *FakeProvider) FailQueries(sid string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryErr[sid] = err
}

// FailNextPlace makes the next PlaceCall return err.
func (f *FakeProvider) FailNextPlace(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeErr = err
}

func (f *FakeProvider) Placed() []PlaceCallRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PlaceCallRequest(nil), f.placed...)
}

func (f *FakeProvider) Hangups() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.hangups...)
}
