package auth

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxUserID ctxKey = iota
	ctxOrgID
	ctxRole
)

var ErrNoIdentity = errors.New("auth: identity not in context")

func WithIdentity(ctx context.Context, userID, orgID, role string) context.Context {
	ctx = context.WithValue(ctx, ctxUserID, userID)
	ctx = context.WithValue(ctx, ctxOrgID, orgID)
	ctx = context.WithValue(ctx, ctxRole, role)
	return ctx
}

func UserID(ctx context.Context) (string, error) {
	v := ctx.Value(ctxUserID)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("user_id not in context")
}

func OrgID(ctx context.Context) (string, error) {
	v := ctx.Value(ctxOrgID)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("org_id not in context")
}

func Role(ctx context.Context) (string, error) {
	v := ctx.Value(ctxRole)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("role not in context")
}

// IdentityFrom collects the three identity values; all must be present.
func IdentityFrom(ctx context.Context) (Identity, error) {
	uid, err := UserID(ctx)
	if err != nil {
		return Identity{}, ErrNoIdentity
	}
	oid, err := OrgID(ctx)
	if err != nil {
		return Identity{}, ErrNoIdentity
	}
	role, err := Role(ctx)
	if err != nil {
		return Identity{}, ErrNoIdentity
	}
	return Identity{UserID: uid, OrgID: oid, Role: role}, nil
}
