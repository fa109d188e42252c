package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"call-signaling/pkg/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func seed(t *testing.T, d Directory, recs ...Availability) {
	t.Helper()
	for _, a := range recs {
		if err := d.SetAvailability(context.Background(), a); err != nil {
			t.Fatalf("seed %s: %v", a.UserID, err)
		}
	}
}

func TestResolve_ExplicitTargetByAlias(t *testing.T) {
	dir := NewMemoryDirectory()
	now := time.Now()
	seed(t, dir,
		Availability{UserID: "anithacs@college.edu", OrgID: "o1", Status: StatusAvailable, UpdatedAt: now},
		Availability{UserID: "r2", OrgID: "o1", Status: StatusAvailable, UpdatedAt: now},
	)
	r := NewResolver(dir, Aliases{"acs": "anithacs"}, logger.Discard())

	got, err := r.Resolve(context.Background(), Request{OrgID: "o1", RequesterID: "c1", Target: "ACS"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 1 || got[0] != "anithacs@college.edu" {
		t.Fatalf("unexpected candidates %v", got)
	}
}

func TestResolve_ExplicitTargetUnavailable(t *testing.T) {
	dir := NewMemoryDirectory()
	seed(t, dir,
		Availability{UserID: "r1", OrgID: "o1", Status: StatusBusy, UpdatedAt: time.Now()},
		Availability{UserID: "r2", OrgID: "o1", Status: StatusAvailable, UpdatedAt: time.Now()},
	)
	r := NewResolver(dir, nil, logger.Discard())

	got, err := r.Resolve(context.Background(), Request{OrgID: "o1", RequesterID: "c1", Target: "r1"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no candidates, got %v", got)
	}
}

func TestResolve_DepartmentFilterAndRecency(t *testing.T) {
	dir := NewMemoryDirectory()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seed(t, dir,
		Availability{UserID: "old", OrgID: "o1", Status: StatusAvailable, Skills: []string{"cse"}, UpdatedAt: base},
		Availability{UserID: "new", OrgID: "o1", Status: StatusAvailable, Skills: []string{"CSE", "ece"}, UpdatedAt: base.Add(time.Minute)},
		Availability{UserID: "other", OrgID: "o1", Status: StatusAvailable, Skills: []string{"mech"}, UpdatedAt: base},
		Availability{UserID: "foreign", OrgID: "o2", Status: StatusAvailable, Skills: []string{"cse"}, UpdatedAt: base},
	)
	r := NewResolver(dir, nil, logger.Discard())

	got, err := r.Resolve(context.Background(), Request{OrgID: "o1", Department: "cse"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 2 || got[0] != "new" || got[1] != "old" {
		t.Fatalf("unexpected candidates %v", got)
	}
}

func TestResolve_ExcludesRequester(t *testing.T) {
	dir := NewMemoryDirectory()
	seed(t, dir, Availability{UserID: "u1", OrgID: "o1", Status: StatusAvailable, UpdatedAt: time.Now()})
	r := NewResolver(dir, nil, logger.Discard())

	got, _ := r.Resolve(context.Background(), Request{OrgID: "o1", RequesterID: "u1"})
	if len(got) != 0 {
		t.Fatalf("requester must not be a candidate: %v", got)
	}
}

func TestMemoryDirectory_RejectsInvalid(t *testing.T) {
	dir := NewMemoryDirectory()
	err := dir.SetAvailability(context.Background(), Availability{UserID: "r1", OrgID: "o1", Status: "sleeping"})
	if !errors.Is(err, ErrInvalidAvailability) {
		t.Fatalf("expected ErrInvalidAvailability, got %v", err)
	}
}

func TestRedisDirectory_RoundTripAndFind(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	dir := NewRedisDirectory(rdb, "test")
	now := time.Now().UTC().Truncate(time.Millisecond)
	seed(t, dir,
		Availability{UserID: "r1", OrgID: "o1", Status: StatusAvailable, Skills: []string{"cse"}, UpdatedAt: now},
		Availability{UserID: "r2", OrgID: "o1", Status: StatusAway, UpdatedAt: now},
	)

	a, ok, err := dir.GetAvailability(context.Background(), "o1", "r2")
	if err != nil || !ok || a.Status != StatusAway {
		t.Fatalf("unexpected get: %+v ok=%v err=%v", a, ok, err)
	}
	if _, ok, _ := dir.GetAvailability(context.Background(), "o1", "nobody"); ok {
		t.Fatalf("expected miss")
	}

	got, err := dir.FindAvailable(context.Background(), "o1", []string{"cse"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 1 || got[0].UserID != "r1" {
		t.Fatalf("unexpected available set %+v", got)
	}
}
