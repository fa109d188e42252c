package routing

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// Status is a responder's self-reported availability.
type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusAway      Status = "away"
	StatusOffline   Status = "offline"
)

func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusBusy, StatusAway, StatusOffline:
		return true
	}
	return false
}

// Availability is one responder's record within an org.
type Availability struct {
	UserID    string    `json:"userId"`
	OrgID     string    `json:"orgId"`
	Status    Status    `json:"status"`
	Skills    []string  `json:"skills,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

var ErrInvalidAvailability = errors.New("routing: invalid availability")

func (a Availability) validate() error {
	if a.UserID == "" || a.OrgID == "" || !a.Status.Valid() {
		return ErrInvalidAvailability
	}
	return nil
}

// hasSkills reports whether a carries every skill in want (case-insensitive).
func (a Availability) hasSkills(want []string) bool {
	for _, w := range want {
		found := false
		for _, s := range a.Skills {
			if strings.EqualFold(s, w) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Directory is the availability directory consulted at routing time.
type Directory interface {
	SetAvailability(ctx context.Context, a Availability) error
	GetAvailability(ctx context.Context, orgID, userID string) (Availability, bool, error)
	// FindAvailable returns available responders in the org that carry all
	// of skills, most recently updated first.
	FindAvailable(ctx context.Context, orgID string, skills []string) ([]Availability, error)
}

// MemoryDirectory is the process-local Directory.
type MemoryDirectory struct {
	mu      sync.RWMutex
	records map[string]Availability
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{records: make(map[string]Availability)}
}

func memoryKey(orgID, userID string) string { return orgID + ":" + userID }

func (d *MemoryDirectory) SetAvailability(ctx context.Context, a Availability) error {
	if err := a.validate(); err != nil {
		return err
	}
	a.Skills = append([]string(nil), a.Skills...)
	d.mu.Lock()
	d.records[memoryKey(a.OrgID, a.UserID)] = a
	d.mu.Unlock()
	return nil
}

func (d *MemoryDirectory) GetAvailability(ctx context.Context, orgID, userID string) (Availability, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.records[memoryKey(orgID, userID)]
	return a, ok, nil
}

func (d *MemoryDirectory) FindAvailable(ctx context.Context, orgID string, skills []string) ([]Availability, error) {
	d.mu.RLock()
	var out []Availability
	for _, a := range d.records {
		if a.OrgID == orgID && a.Status == StatusAvailable && a.hasSkills(skills) {
			out = append(out, a)
		}
	}
	d.mu.RUnlock()
	sortByRecency(out)
	return out, nil
}

func sortByRecency(as []Availability) {
	sort.Slice(as, func(i, j int) bool {
		if as[i].UpdatedAt.Equal(as[j].UpdatedAt) {
			return as[i].UserID < as[j].UserID
		}
		return as[i].UpdatedAt.After(as[j].UpdatedAt)
	})
}
