package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode"

	"github.com/webitel/im-fanout-service/internal/domain/model"
)

var ErrUnauthenticated = errors.New("unauthenticated")

const maxIdentityLen = 256

// Auther resolves the verified identity of a request. Credentials are never
// parsed here; the gateway in front of the service has already checked them.
type Auther interface {
	Inspect(ctx context.Context, h http.Header) (model.UserID, error)
}

// HeaderAuther trusts an identity header set by the upstream gateway.
type HeaderAuther struct {
	header string
}

func NewHeaderAuther(header string) *HeaderAuther {
	return &HeaderAuther{header: http.CanonicalHeaderKey(header)}
}

func (a *HeaderAuther) Inspect(_ context.Context, h http.Header) (model.UserID, error) {
	raw := strings.TrimSpace(h.Get(a.header))
	if raw == "" {
		return "", fmt.Errorf("%w: missing %s header", ErrUnauthenticated, a.header)
	}
	if len(raw) > maxIdentityLen {
		return "", fmt.Errorf("%w: identity longer than %d bytes", ErrUnauthenticated, maxIdentityLen)
	}
	if strings.ContainsFunc(raw, func(r rune) bool { return unicode.IsControl(r) || unicode.IsSpace(r) }) {
		return "", fmt.Errorf("%w: identity contains control or space characters", ErrUnauthenticated)
	}
	return model.UserID(raw), nil
}
