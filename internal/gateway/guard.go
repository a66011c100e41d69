// ABOUTME: Same-origin guard for the browser-facing API routes
// ABOUTME: Refuses requests from other sites so only the host page can drive the editor host

package gateway

import (
	"fmt"
	"mime"
	"net/http"
)

// newOriginGuard trusts this server's own pages and, when set, the
// configured host origin.
func newOriginGuard(hostOrigin string) (*http.CrossOriginProtection, error) {
	guard := http.NewCrossOriginProtection()
	if hostOrigin != "" {
		if err := guard.AddTrustedOrigin(hostOrigin); err != nil {
			return nil, fmt.Errorf("trusting host origin: %w", err)
		}
	}
	return guard, nil
}

// sameOrigin wraps a handler that only the host page may call. Cross-site
// browser requests are refused by their Sec-Fetch-Site or Origin headers.
// POST bodies must be application/json, which a cross-site page cannot send
// without a preflight this server never answers.
func (g *Gateway) sameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := g.originGuard.Check(r); err != nil {
			g.logger.Warn("refusing cross-origin request",
				"path", r.URL.Path,
				"origin", r.Header.Get("Origin"),
				"sec_fetch_site", r.Header.Get("Sec-Fetch-Site"),
				"error", err)
			g.sendJSONError(w, http.StatusForbidden, "cross-origin request refused")
			return
		}
		if r.Method == http.MethodPost && !isJSON(r) {
			g.sendJSONError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
			return
		}
		next(w, r)
	}
}

func isJSON(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}
