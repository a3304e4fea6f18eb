// Package requestid carries the inbound request identifier through contexts.
package requestid

import (
	"context"
	"regexp"

	"github.com/google/uuid"
)

// Header is the HTTP header carrying the request id in both directions.
const Header = "X-Request-ID"

// maxLength bounds client-supplied ids.
const maxLength = 128

var validID = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

type contextKey struct{}

// With stores id in ctx.
func With(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// From returns the id stored in ctx, or "".
func From(ctx context.Context) string {
	if id, ok := ctx.Value(contextKey{}).(string); ok {
		return id
	}
	return ""
}

// Sanitize keeps a client-supplied id when it is short and plain, and
// otherwise returns a fresh UUID.
func Sanitize(candidate string) string {
	if candidate == "" || len(candidate) > maxLength || !validID.MatchString(candidate) {
		return uuid.NewString()
	}
	return candidate
}
