// ABOUTME: Tests for origin normalization and the inbound allow-list
// ABOUTME: Validates exact matching, wildcard rejection, and the self-origin check

package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeOrigin(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"https://Site.Example/wp-admin/post.php?post=1", "https://site.example"},
		{"http://localhost:8080/", "http://localhost:8080"},
		{"  https://a.example  ", "https://a.example"},
		{"https://site.example:443/wp-admin", "https://site.example"},
		{"http://localhost:80", "http://localhost"},
		{"http://[::1]:80/", "http://[::1]"},
		{"https://site.example:8443", "https://site.example:8443"},
		{"http://site.example:443", "http://site.example:443"},
	}
	for _, tt := range tests {
		got, err := NormalizeOrigin(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestNormalizeOrigin_Rejects(t *testing.T) {
	for _, in := range []string{"*", "ftp://site.example", "site.example", "https://"} {
		_, err := NormalizeOrigin(in)
		assert.ErrorIs(t, err, ErrInvalidOrigin, in)
	}
}

func TestOriginPolicy(t *testing.T) {
	p := newOriginPolicy("https://site.example", "https://cdn.example", "http://localhost:3000")

	assert.True(t, p.admits("https://site.example"))
	assert.True(t, p.admits("https://SITE.example"))
	assert.True(t, p.admits("https://cdn.example"))
	assert.False(t, p.admits("https://site.example.evil"))
	assert.False(t, p.admits("http://site.example"), "scheme must match")
	assert.False(t, p.admits("https://site.example:8443"), "port must match")
	assert.True(t, p.admits("https://site.example:443"), "default port is elided")
	assert.False(t, p.admits("null"))
	assert.False(t, p.admits(""))

	assert.True(t, p.isSelf("http://localhost:3000"))
	assert.False(t, p.isSelf("https://site.example"))
}

func TestOriginPolicy_NoFallback(t *testing.T) {
	p := newOriginPolicy("https://site.example", "", "")

	assert.True(t, p.admits("https://site.example"))
	assert.False(t, p.isSelf(""))
	assert.Len(t, p.allowed, 1)
}
