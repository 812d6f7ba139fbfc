// Package tenancy carries the calling tenant through request contexts.
package tenancy

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
)

// Header is the request header naming the calling tenant on management
// routes.
const Header = "X-Org-Id"

// ErrInvalidOrgID is returned for tenant ids outside [A-Za-z0-9_.:-]{1,64}.
var ErrInvalidOrgID = errors.New("tenancy: invalid org id")

var orgIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:\-]{1,64}$`)

type ctxKey struct{}

// WithOrgID stores the org id in context.
func WithOrgID(ctx context.Context, orgID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, orgID)
}

// OrgIDFromContext extracts the org id if present.
func OrgIDFromContext(ctx context.Context) (string, bool) {
	orgID, ok := ctx.Value(ctxKey{}).(string)
	return orgID, ok && orgID != ""
}

// FromHeader reads and validates the tenant header. An absent header
// returns "" and a nil error.
func FromHeader(h http.Header) (string, error) {
	orgID := strings.TrimSpace(h.Get(Header))
	if orgID == "" {
		return "", nil
	}
	if !orgIDPattern.MatchString(orgID) {
		return "", ErrInvalidOrgID
	}
	return orgID, nil
}
