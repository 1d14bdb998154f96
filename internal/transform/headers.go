package transform

import (
	"net/http"
	"strings"

	"toolgate/internal/resolver"
)

// droppedResponseHeaders never reach the client. Lengths and encodings change
// after rewriting or are unknown for streamed bodies; the rest are hop-by-hop
// or would pin policy on the gateway's own origin.
var droppedResponseHeaders = []string{
	"Content-Length",
	"Content-Encoding",
	"Transfer-Encoding",
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Connection",
	"Trailer",
	"Upgrade",
	"X-Frame-Options",
	"Strict-Transport-Security",
	"Alt-Svc",
}

var cspHeaders = []string{
	"Content-Security-Policy",
	"Content-Security-Policy-Report-Only",
}

// SanitizeHeaders returns a copy of the upstream headers that lets the
// response render inside the dashboard iframe.
func SanitizeHeaders(src http.Header, m *resolver.Mapper) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}

	for _, key := range droppedResponseHeaders {
		dst.Del(key)
	}
	for _, key := range cspHeaders {
		stripFrameAncestors(dst, key)
	}

	if cookies := dst.Values("Set-Cookie"); len(cookies) > 0 {
		rewritten := make([]string, 0, len(cookies))
		for _, c := range cookies {
			rewritten = append(rewritten, rewriteSetCookie(c, m))
		}
		dst["Set-Cookie"] = rewritten
	}

	dst.Set("X-Frame-Options", "ALLOWALL")
	dst.Set("Access-Control-Allow-Origin", "*")
	return dst
}

// stripFrameAncestors removes the frame-ancestors directive from every value
// of the CSP header key, dropping values left empty.
func stripFrameAncestors(h http.Header, key string) {
	vals := h.Values(key)
	if len(vals) == 0 {
		return
	}
	kept := make([]string, 0, len(vals))
	for _, v := range vals {
		var directives []string
		for _, d := range strings.Split(v, ";") {
			d = strings.TrimSpace(d)
			if d == "" {
				continue
			}
			name, _, _ := strings.Cut(d, " ")
			if strings.EqualFold(name, "frame-ancestors") {
				continue
			}
			directives = append(directives, d)
		}
		if len(directives) > 0 {
			kept = append(kept, strings.Join(directives, "; "))
		}
	}
	h.Del(key)
	for _, v := range kept {
		h.Add(key, v)
	}
}

// rewriteSetCookie scopes an upstream cookie to the tool's gateway base:
// Domain names the upstream host and is dropped, Path is moved under the base.
func rewriteSetCookie(cookie string, m *resolver.Mapper) string {
	parts := strings.Split(cookie, ";")
	out := make([]string, 0, len(parts))
	out = append(out, strings.TrimSpace(parts[0]))
	for _, attr := range parts[1:] {
		attr = strings.TrimSpace(attr)
		if attr == "" {
			continue
		}
		name, value, _ := strings.Cut(attr, "=")
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "domain":
			continue
		case "path":
			value = strings.TrimSpace(value)
			if !strings.HasPrefix(value, "/") {
				value = "/"
			}
			attr = "Path=" + m.Base() + value
		}
		out = append(out, attr)
	}
	return strings.Join(out, "; ")
}
