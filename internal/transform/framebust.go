package transform

import "regexp"

const (
	// topRef matches references to the embedding window.
	topRef = `(?:window\.)?(?:top|parent)(?:\.location)?`
	// selfRef matches references to the document's own window or location.
	selfRef = `(?:(?:window|document)\.)?(?:self|window|location)(?:\.location)?(?:\.href)?`
	// lead keeps member accesses such as el.top from matching.
	lead = `(^|[^\w.$])`
)

var frameBustRules = []struct {
	re   *regexp.Regexp
	repl string
}{
	// if (top !== self), if (window.self != window.top)
	{regexp.MustCompile(lead + topRef + `\s*!==?\s*` + selfRef + `\b`), "${1}false"},
	{regexp.MustCompile(lead + selfRef + `\s*!==?\s*` + topRef + `\b`), "${1}false"},
	// if (parent.frames.length > 0)
	{regexp.MustCompile(lead + `(?:window\.)?(?:top|parent)\.frames\.length\s*>\s*0\b`), "${1}false"},
	// top.location = self.location, top.location.href = document.location.href
	{regexp.MustCompile(lead + `(?:window\.)?top\.location(?:\.href)?\s*=\s*` + selfRef + `\b`), "${1}void 0"},
	// top.location.replace(location.href)
	{regexp.MustCompile(lead + `(?:window\.)?top\.location\.replace\(\s*` + selfRef + `\s*\)`), "${1}void 0"},
}

// neutralizeFrameBusting disables the common script idioms that detect
// framing and navigate the top window away from the dashboard. Matching is
// textual and best-effort; obfuscated checks are not recognized.
func neutralizeFrameBusting(js string) string {
	for _, rule := range frameBustRules {
		js = rule.re.ReplaceAllString(js, rule.repl)
	}
	return js
}
