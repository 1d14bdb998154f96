package transform

import (
	"regexp"
	"strings"

	"toolgate/internal/resolver"
)

var (
	cssURLPattern    = regexp.MustCompile(`(?i)url\(\s*(?:"([^"]*)"|'([^']*)'|([^)"'\s]*))\s*\)`)
	cssImportPattern = regexp.MustCompile(`(?i)@import\s+(?:"([^"]*)"|'([^']*)')`)
)

// rewriteCSS maps url() and @import references in a stylesheet fragment.
func rewriteCSS(css string, m *resolver.Mapper) string {
	css = replaceQuoted(cssURLPattern, css, m)
	return replaceQuoted(cssImportPattern, css, m)
}

// replaceQuoted rewrites the URL captured by re in whichever of its groups
// matched, leaving the quoting and surrounding syntax intact.
func replaceQuoted(re *regexp.Regexp, s string, m *resolver.Mapper) string {
	matches := re.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, loc := range matches {
		for g := 1; 2*g+1 < len(loc); g++ {
			start, end := loc[2*g], loc[2*g+1]
			if start < 0 {
				continue
			}
			b.WriteString(s[last:start])
			b.WriteString(m.Rewrite(s[start:end]))
			last = end
			break
		}
	}
	b.WriteString(s[last:])
	return b.String()
}

// rewriteSrcset maps each candidate URL of a srcset attribute. The original
// value is returned when nothing changed.
func rewriteSrcset(srcset string, m *resolver.Mapper) string {
	candidates := strings.Split(srcset, ",")
	changed := false
	for i, c := range candidates {
		c = strings.TrimSpace(c)
		u, descriptor, _ := strings.Cut(c, " ")
		rewritten := m.Rewrite(u)
		if rewritten != u {
			changed = true
		}
		candidates[i] = strings.TrimSpace(rewritten + " " + descriptor)
	}
	if !changed {
		return srcset
	}
	return strings.Join(candidates, ", ")
}

// rewriteRefresh maps the URL of a Refresh header or meta refresh content
// such as "5; url=/login".
func rewriteRefresh(content string, m *resolver.Mapper) string {
	sep := strings.IndexAny(content, ";,")
	if sep < 0 {
		return content
	}
	delay, rest := content[:sep], strings.TrimSpace(content[sep+1:])
	if len(rest) < 3 || !strings.EqualFold(rest[:3], "url") {
		return content
	}
	target := strings.TrimSpace(rest[3:])
	if !strings.HasPrefix(target, "=") {
		return content
	}
	target = strings.TrimSpace(target[1:])
	target = strings.Trim(target, `"'`)
	return strings.TrimSpace(delay) + "; url=" + m.Rewrite(target)
}
