package routing

import (
	"context"
	"log/slog"
	"strings"

	"call-signaling/pkg/logger"
)

// Request is what the resolver needs from a call request.
type Request struct {
	OrgID       string
	RequesterID string
	// Target is an explicit responder id, email or short code. Optional.
	Target string
	// Department filters the directory by skill when no target is given.
	Department string
}

// Aliases maps short codes to canonical responder ids.
type Aliases map[string]string

// Normalize maps a short code to its canonical id; anything else is returned
// trimmed and lower-cased.
func (a Aliases) Normalize(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	for k, v := range a {
		if strings.EqualFold(k, id) {
			return strings.ToLower(v)
		}
	}
	return id
}

// localPart returns the part of an email-style id before '@'.
func localPart(id string) string {
	if i := strings.IndexByte(id, '@'); i >= 0 {
		return id[:i]
	}
	return id
}

// Resolver turns a call request into an ordered list of candidate responder ids.
// Directory failures are returned; the caller treats them as zero candidates.
type Resolver struct {
	dir     Directory
	aliases Aliases
	log     *slog.Logger
}

func NewResolver(dir Directory, aliases Aliases, l *slog.Logger) *Resolver {
	return &Resolver{dir: dir, aliases: aliases, log: logger.Component(l, "routing")}
}

// Resolve never returns the requester as a candidate.
func (r *Resolver) Resolve(ctx context.Context, req Request) ([]string, error) {
	if strings.TrimSpace(req.Target) != "" {
		return r.resolveTarget(ctx, req)
	}

	var skills []string
	if d := strings.TrimSpace(req.Department); d != "" {
		skills = []string{d}
	}
	avail, err := r.dir.FindAvailable(ctx, req.OrgID, skills)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(avail))
	for _, a := range avail {
		if a.UserID == req.RequesterID {
			continue
		}
		out = append(out, a.UserID)
	}
	r.log.Debug("routed by directory", "org_id", req.OrgID, "department", req.Department, "candidates", len(out))
	return out, nil
}

func (r *Resolver) resolveTarget(ctx context.Context, req Request) ([]string, error) {
	want := r.aliases.Normalize(req.Target)
	avail, err := r.dir.FindAvailable(ctx, req.OrgID, nil)
	if err != nil {
		return nil, err
	}
	for _, a := range avail {
		id := strings.ToLower(a.UserID)
		if id != want && localPart(id) != want {
			continue
		}
		if a.UserID == req.RequesterID {
			break
		}
		r.log.Debug("routed to explicit target", "org_id", req.OrgID, "target", req.Target, "responder_id", a.UserID)
		return []string{a.UserID}, nil
	}
	r.log.Info("explicit target not available", "org_id", req.OrgID, "target", req.Target, "normalized", want)
	return nil, nil
}
