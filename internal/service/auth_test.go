package service

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/im-fanout-service/internal/domain/model"
)

func TestHeaderAuther(t *testing.T) {
	a := NewHeaderAuther("x-webitel-user")

	tests := []struct {
		name  string
		value string
		want  model.UserID
		ok    bool
	}{
		{"plain", "alice", "alice", true},
		{"trimmed", "  bob ", "bob", true},
		{"email-like", "carol@example.com", "carol@example.com", true},
		{"missing", "", "", false},
		{"inner space", "dave smith", "", false},
		{"control", "eve\x00", "", false},
		{"too long", strings.Repeat("a", maxIdentityLen+1), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.value != "" {
				h.Set("X-Webitel-User", tt.value)
			}
			got, err := a.Inspect(context.Background(), h)
			if !tt.ok {
				require.ErrorIs(t, err, ErrUnauthenticated)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
