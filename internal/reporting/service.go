package reporting

import (
	"context"
	"errors"
	"fmt"

	"call-orchestrator/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// DefaultMaxRecords bounds one summary read.
const DefaultMaxRecords = 10000

// CallLister is the read side of calls.Store that reporting needs.
//
// IMPORTANT:
// - Every query is scoped by user id; summaries never mix tenants.
type CallLister interface {
	List(ctx context.Context, f calls.Filter) ([]calls.CallRecord, error)
}

type Service struct {
	calls      CallLister
	MaxRecords int
}

func NewService(c CallLister) *Service { return &Service{calls: c, MaxRecords: DefaultMaxRecords} }

// CallsSummary totals the call records created inside req.Range.
func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.UserID == "" {
		return CallsSummary{}, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, fmt.Errorf("%w: range must have from < to", ErrInvalidRequest)
	}
	if s.calls == nil {
		return CallsSummary{}, errors.New("reporting: call store not configured")
	}
	limit := s.MaxRecords
	if limit <= 0 {
		limit = DefaultMaxRecords
	}

	rows, err := s.calls.List(ctx, calls.Filter{
		UserID:        req.UserID,
		CampaignID:    req.CampaignID,
		CreatedAfter:  req.Range.From,
		CreatedBefore: req.Range.To,
		Order:         calls.OrderCreatedAsc,
		Limit:         limit + 1,
	})
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{UserID: req.UserID, CampaignID: req.CampaignID, Range: req.Range}
	if len(rows) > limit {
		rows = rows[:limit]
		out.Truncated = true
	}
	ended := 0
	for _, r := range rows {
		out.TotalCalls++
		if r.RecordingURL != "" {
			out.RecordedCalls++
		}
		if r.FailureReason != "" {
			if out.FailureReasons == nil {
				out.FailureReasons = map[calls.FailureReason]int{}
			}
			out.FailureReasons[r.FailureReason]++
		}
		if r.Status.IsTerminal() {
			ended++
		}
		switch r.Status {
		case calls.StatusCompleted:
			out.CompletedCalls++
			out.TotalDurationSeconds += r.DurationSeconds
		case calls.StatusFailed:
			out.FailedCalls++
		case calls.StatusNoAnswer:
			out.NoAnswerCalls++
		case calls.StatusBusy:
			out.BusyCalls++
		case calls.StatusCancelled:
			out.CancelledCalls++
		case calls.StatusRetryScheduled:
			out.RetryScheduledCalls++
		default:
			out.ActiveCalls++
		}
	}
	if out.CompletedCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.CompletedCalls
	}
	if ended > 0 {
		out.ConnectionRate = float64(out.CompletedCalls) / float64(ended)
	}
	return out, nil
}
