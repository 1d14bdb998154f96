// Package resolver maps gateway paths to upstream URLs and back.
//
// Inbound, a gateway path {mount}/{tool}/proxy/sub is resolved against the
// tool's scheme and host (not its configured path), so that root-relative
// asset references land on the right server. Outbound, URL references found
// in upstream content are rewritten to gateway-local paths when they point at
// the tool's own host, and left untouched otherwise.
package resolver

import (
	"net/url"
	"strings"

	"toolgate/internal/model"
)

// GatewayBase returns the gateway-local prefix under which a tool is served.
func GatewayBase(mountPrefix, toolID string) string {
	return strings.TrimSuffix(mountPrefix, "/") + "/" + toolID + "/proxy"
}

// Resolve returns the absolute upstream URL for a gateway sub-path.
//
// An empty subPath resolves to the tool's configured origin (its home page).
// Any other subPath is resolved against the origin's scheme and host only.
// subPath is expected in escaped form; rawQuery is appended as is.
func Resolve(tool model.ToolDescriptor, subPath, rawQuery string) string {
	if subPath == "" {
		u := *tool.Origin
		u.Fragment = ""
		u.RawFragment = ""
		if rawQuery != "" {
			if u.RawQuery != "" {
				u.RawQuery += "&" + rawQuery
			} else {
				u.RawQuery = rawQuery
			}
		}
		return u.String()
	}

	if subPath[0] != '/' {
		subPath = "/" + subPath
	}
	target := hostRoot(tool.Origin) + subPath
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

// Mapper rewrites references found in one tool's content to gateway paths.
type Mapper struct {
	base        string
	origin      *url.URL
	host        string
	longRunning []string
}

// NewMapper returns a Mapper for tool mounted under mountPrefix.
func NewMapper(mountPrefix string, tool model.ToolDescriptor) *Mapper {
	base := GatewayBase(mountPrefix, tool.ID)
	long := make([]string, 0, len(tool.LongRunningPaths))
	for _, p := range tool.LongRunningPaths {
		long = append(long, base+p)
	}
	return &Mapper{
		base:        base,
		origin:      tool.Origin,
		host:        canonicalHost(tool.Origin.Host),
		longRunning: long,
	}
}

// Base returns {mount}/{tool}/proxy.
func (m *Mapper) Base() string {
	return m.base
}

// LongRunningPrefixes returns the tool's long-running paths in gateway form.
func (m *Mapper) LongRunningPrefixes() []string {
	return m.longRunning
}

// Origin returns the tool's scheme://host.
func (m *Mapper) Origin() string {
	return hostRoot(m.origin)
}

// Rewrite maps a URL reference to its gateway-local form.
//
// Root-relative, same-host absolute and same-host protocol-relative
// references are rewritten; references to other hosts, relative references
// and non-HTTP schemes are returned byte-for-byte unchanged.
func (m *Mapper) Rewrite(ref string) string {
	s := strings.TrimSpace(ref)
	if s == "" {
		return ref
	}

	if strings.HasPrefix(s, "//") {
		rest, ok := m.sameHostRest(s[2:])
		if !ok {
			return ref
		}
		return m.local(rest)
	}
	if s[0] == '/' {
		if m.owns(s) {
			return ref
		}
		return m.base + s
	}

	scheme, rest, ok := splitScheme(s)
	if !ok || (scheme != "http" && scheme != "https") || !strings.HasPrefix(rest, "//") {
		return ref
	}
	tail, ok := m.sameHostRest(rest[2:])
	if !ok {
		return ref
	}
	return m.local(tail)
}

// local maps a same-host path to its gateway form. Paths already under the
// base map to themselves, as they do in root-relative form.
func (m *Mapper) local(p string) string {
	if m.owns(p) {
		return p
	}
	return m.base + p
}

// SameHost reports whether host (host[:port]) is the tool's host.
func (m *Mapper) SameHost(host string) bool {
	return canonicalHost(host) == m.host
}

// UpstreamReferer maps a Referer sent by the browser to the upstream URL the
// page was fetched from. Referers outside this tool's base map to the tool's
// root so upstream CSRF checks see their own origin.
func (m *Mapper) UpstreamReferer(ref string) string {
	root := hostRoot(m.origin)
	u, err := url.Parse(ref)
	if err != nil {
		return root + "/"
	}
	p := u.EscapedPath()
	switch {
	case p == m.base:
		return m.origin.String()
	case strings.HasPrefix(p, m.base+"/"):
		out := root + p[len(m.base):]
		if u.RawQuery != "" {
			out += "?" + u.RawQuery
		}
		return out
	default:
		return root + "/"
	}
}

// owns reports whether a root-relative path already points into the gateway base.
func (m *Mapper) owns(p string) bool {
	if !strings.HasPrefix(p, m.base) {
		return false
	}
	if len(p) == len(m.base) {
		return true
	}
	switch p[len(m.base)] {
	case '/', '?', '#':
		return true
	}
	return false
}

// sameHostRest splits "authority/rest" and returns the path-and-after part
// when the authority is the tool's host.
func (m *Mapper) sameHostRest(s string) (string, bool) {
	end := strings.IndexAny(s, "/?#")
	authority, rest := s, ""
	if end >= 0 {
		authority, rest = s[:end], s[end:]
	}
	if at := strings.LastIndexByte(authority, '@'); at >= 0 {
		authority = authority[at+1:]
	}
	if !m.SameHost(authority) {
		return "", false
	}
	if rest == "" || rest[0] != '/' {
		rest = "/" + rest
	}
	return rest, true
}

// splitScheme returns the lower-cased scheme and the remainder after ':'.
func splitScheme(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z':
		case '0' <= c && c <= '9', c == '+', c == '-', c == '.':
			if i == 0 {
				return "", "", false
			}
		case c == ':':
			if i == 0 {
				return "", "", false
			}
			return strings.ToLower(s[:i]), s[i+1:], true
		default:
			return "", "", false
		}
	}
	return "", "", false
}

func hostRoot(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

// canonicalHost lower-cases host and drops the default HTTP(S) ports.
func canonicalHost(host string) string {
	h := strings.ToLower(host)
	h = strings.TrimSuffix(h, ":80")
	h = strings.TrimSuffix(h, ":443")
	return h
}
