package transform

import (
	"regexp"
	"strings"

	"toolgate/internal/resolver"
)

const (
	// locRef matches the page's own location, never top or parent.
	locRef = `(?:(?:window|document|self)\.)?location`
	// jsLiteral captures a single- or double-quoted string without escapes.
	jsLiteral = `(?:'([^'\\\n]*)'|"([^"\\\n]*)")`
)

// navigationRules find string literals the page navigates to. Group 1 is
// the single-quoted value, group 2 the double-quoted one.
var navigationRules = []*regexp.Regexp{
	// location = '/x', window.location.href = "/x"
	regexp.MustCompile(`(?:^|[^\w.$])` + locRef + `(?:\.href)?\s*=\s*` + jsLiteral),
	// location.assign('/x'), document.location.replace("/x")
	regexp.MustCompile(`(?:^|[^\w.$])` + locRef + `\.(?:assign|replace)\(\s*` + jsLiteral),
}

// rewriteNavigations maps literal navigation targets in inline script
// through m, so buttons that set location stay inside the gateway. Targets
// built at runtime are left alone.
func rewriteNavigations(js string, m *resolver.Mapper) string {
	for _, re := range navigationRules {
		js = spliceLiterals(js, re, m)
	}
	return js
}

func spliceLiterals(js string, re *regexp.Regexp, m *resolver.Mapper) string {
	matches := re.FindAllStringSubmatchIndex(js, -1)
	if matches == nil {
		return js
	}

	var b strings.Builder
	b.Grow(len(js) + 64)
	last := 0
	for _, loc := range matches {
		start, end := loc[2], loc[3]
		if start < 0 {
			start, end = loc[4], loc[5]
		}
		b.WriteString(js[last:start])
		b.WriteString(m.Rewrite(js[start:end]))
		last = end
	}
	b.WriteString(js[last:])
	return b.String()
}
