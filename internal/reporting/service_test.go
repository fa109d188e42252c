package reporting

import (
	"context"
	"errors"
	"testing"
	"time"

	"call-signaling/internal/calls"
)

func seed(t *testing.T, repo *calls.MemoryRepo, cs ...calls.Call) {
	t.Helper()
	for _, c := range cs {
		if err := repo.Create(context.Background(), c, nil); err != nil {
			t.Fatalf("seed %s: %v", c.ID, err)
		}
	}
}

func at(t time.Time) *time.Time { return &t }

func TestReporting_OrgIsolationAndRange(t *testing.T) {
	repo := calls.NewMemoryRepo()
	now := time.Unix(1700000000, 0).UTC()
	seed(t, repo,
		calls.Call{ID: "c1", OrgID: "o1", Status: calls.StatusMissed, CreatedByUserID: "u", CreatedAt: now},
		calls.Call{ID: "c2", OrgID: "o2", Status: calls.StatusMissed, CreatedByUserID: "u", CreatedAt: now},
		calls.Call{ID: "c3", OrgID: "o1", Status: calls.StatusMissed, CreatedByUserID: "u", CreatedAt: now.Add(2 * time.Hour)},
	)
	svc := NewService(repo)

	out, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{OrgID: "o1", Range: TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.TotalCalls != 1 || out.MissedCalls != 1 {
		t.Fatalf("unexpected summary %+v", out)
	}
}

func TestReporting_TalkTimeAndAnswerRate(t *testing.T) {
	repo := calls.NewMemoryRepo()
	now := time.Unix(1700000000, 0).UTC()
	seed(t, repo,
		calls.Call{ID: "a", OrgID: "o", Status: calls.StatusEnded, CreatedByUserID: "u", AcceptedByUserID: "r1",
			CreatedAt: now, StartedAt: at(now.Add(10 * time.Second)), EndedAt: at(now.Add(70 * time.Second))},
		calls.Call{ID: "b", OrgID: "o", Status: calls.StatusEnded, CreatedByUserID: "u", AcceptedByUserID: "r1",
			CreatedAt: now, StartedAt: at(now.Add(20 * time.Second)), EndedAt: at(now.Add(140 * time.Second))},
		calls.Call{ID: "c", OrgID: "o", Status: calls.StatusAccepted, CreatedByUserID: "u", AcceptedByUserID: "r2",
			CreatedAt: now, StartedAt: at(now.Add(30 * time.Second))},
		calls.Call{ID: "d", OrgID: "o", Status: calls.StatusDeclined, CreatedByUserID: "u", CreatedAt: now},
	)
	svc := NewService(repo)

	out, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{OrgID: "o", Range: TimeRange{From: now, To: now.Add(time.Hour)}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.TotalCalls != 4 || out.AnsweredCalls != 3 || out.ActiveCalls != 1 || out.DeclinedCalls != 1 {
		t.Fatalf("unexpected counts %+v", out)
	}
	if out.TotalTalkSeconds != 180 || out.AverageTalkSeconds != 90 {
		t.Fatalf("unexpected talk time total=%d avg=%d", out.TotalTalkSeconds, out.AverageTalkSeconds)
	}
	if out.AverageWaitSeconds != 20 {
		t.Fatalf("unexpected wait %d", out.AverageWaitSeconds)
	}
	if out.AnsweredByResponder["r1"] != 2 || out.AnswerRate != 0.75 {
		t.Fatalf("unexpected per-responder %+v rate=%v", out.AnsweredByResponder, out.AnswerRate)
	}
}

func TestReporting_RejectsBadRange(t *testing.T) {
	svc := NewService(calls.NewMemoryRepo())
	now := time.Now()
	_, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{OrgID: "o", Range: TimeRange{From: now, To: now}})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}
