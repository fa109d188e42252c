package reporting

import (
	"context"
	"errors"
	"time"

	"call-signaling/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository is the read side reporting needs; calls.Repository satisfies it.
// Implementations must filter by org.
type Repository interface {
	ListCalls(ctx context.Context, orgID string, from, to time.Time) ([]calls.Call, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.OrgID == "" {
		return CallsSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListCalls(ctx, req.OrgID, req.Range.From, req.Range.To)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{OrgID: req.OrgID, From: req.Range.From, To: req.Range.To}
	var talked, waited int64
	var talkedN, waitedN int64
	for _, c := range rows {
		out.TotalCalls++
		switch c.Status {
		case calls.StatusInitiated, calls.StatusRinging:
			out.RingingCalls++
		case calls.StatusAccepted:
			out.ActiveCalls++
		case calls.StatusEnded:
			out.EndedCalls++
		case calls.StatusDeclined:
			out.DeclinedCalls++
		case calls.StatusCanceled:
			out.CanceledCalls++
		case calls.StatusMissed:
			out.MissedCalls++
		}
		if c.AcceptedByUserID == "" {
			continue
		}
		out.AnsweredCalls++
		if out.AnsweredByResponder == nil {
			out.AnsweredByResponder = map[string]int{}
		}
		out.AnsweredByResponder[c.AcceptedByUserID]++
		if c.StartedAt != nil {
			waited += int64(c.StartedAt.Sub(c.CreatedAt).Seconds())
			waitedN++
			if c.EndedAt != nil && c.Status == calls.StatusEnded {
				talked += int64(c.EndedAt.Sub(*c.StartedAt).Seconds())
				talkedN++
			}
		}
	}
	out.TotalTalkSeconds = talked
	if talkedN > 0 {
		out.AverageTalkSeconds = talked / talkedN
	}
	if waitedN > 0 {
		out.AverageWaitSeconds = waited / waitedN
	}
	if out.TotalCalls > 0 {
		out.AnswerRate = float64(out.AnsweredCalls) / float64(out.TotalCalls)
	}
	return out, nil
}
