// ABOUTME: Origin normalization and allow-list checks for cross-origin messages
// ABOUTME: Only the editor document origin and one configured fallback are admissible

package bridge

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidOrigin reports an origin that cannot be used as a message target.
var ErrInvalidOrigin = errors.New("invalid origin")

// NormalizeOrigin reduces a URL or origin to scheme://host[:port], dropping
// the scheme's default port.
// An empty input yields an empty origin.
func NormalizeOrigin(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	if raw == "*" {
		return "", fmt.Errorf("%w: wildcard is not allowed", ErrInvalidOrigin)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidOrigin, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: %q must use http or https", ErrInvalidOrigin, raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: %q has no host", ErrInvalidOrigin, raw)
	}
	scheme, host := strings.ToLower(u.Scheme), strings.ToLower(u.Host)
	if port, ok := defaultPorts[scheme]; ok {
		host = strings.TrimSuffix(host, port)
	}
	return scheme + "://" + host, nil
}

// defaultPorts are elided from origins, matching how browsers report them.
var defaultPorts = map[string]string{
	"http":  ":80",
	"https": ":443",
}

// originPolicy decides which inbound origins are admitted.
type originPolicy struct {
	self    string
	allowed []string
}

func newOriginPolicy(documentOrigin, fallbackOrigin, selfOrigin string) originPolicy {
	p := originPolicy{self: selfOrigin}
	for _, o := range []string{documentOrigin, fallbackOrigin} {
		if o != "" {
			p.allowed = append(p.allowed, o)
		}
	}
	return p
}

// isSelf reports whether origin is the hosting page itself.
func (p originPolicy) isSelf(origin string) bool {
	if p.self == "" {
		return false
	}
	normalized, err := NormalizeOrigin(origin)
	return err == nil && normalized == p.self
}

// admits reports whether origin is on the allow-list. Comparison is exact
// against the normalized origins; an unparsable origin is never admitted.
func (p originPolicy) admits(origin string) bool {
	normalized, err := NormalizeOrigin(origin)
	if err != nil || normalized == "" {
		return false
	}
	for _, allowed := range p.allowed {
		if normalized == allowed {
			return true
		}
	}
	return false
}
