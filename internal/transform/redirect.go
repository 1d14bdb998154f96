package transform

import (
	"net/http"

	"toolgate/internal/resolver"
)

// RewriteRedirect maps redirect targets that point at the tool's own host to
// gateway-local paths. Redirects to other hosts (OAuth providers, for
// example) are left alone so they can leave the gateway. h is modified in
// place; the body is not touched.
func RewriteRedirect(status int, h http.Header, m *resolver.Mapper) {
	if status >= 300 && status < 400 {
		if loc := h.Get("Location"); loc != "" {
			h.Set("Location", m.Rewrite(loc))
		}
	}
	if cl := h.Get("Content-Location"); cl != "" {
		h.Set("Content-Location", m.Rewrite(cl))
	}
	if refresh := h.Get("Refresh"); refresh != "" {
		h.Set("Refresh", rewriteRefresh(refresh, m))
	}
}
