package transform

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"

	"toolgate/internal/resolver"
)

// ErrRewriteFailure is returned when a document cannot be decoded or
// tokenized. Callers fall back to the unmodified bytes.
var ErrRewriteFailure = errors.New("html rewrite failed")

// urlAttrs lists, per element, the attributes holding a single URL.
var urlAttrs = map[string][]string{
	"a":      {"href"},
	"area":   {"href"},
	"link":   {"href"},
	"base":   {"href"},
	"img":    {"src"},
	"script": {"src"},
	"iframe": {"src"},
	"frame":  {"src"},
	"embed":  {"src"},
	"source": {"src"},
	"track":  {"src"},
	"audio":  {"src"},
	"video":  {"src", "poster"},
	"input":  {"src", "formaction"},
	"button": {"formaction"},
	"form":   {"action"},
	"object": {"data"},
	"body":   {"background"},
	"table":  {"background"},
	"td":     {"background"},
	"th":     {"background"},
	"image":  {"href", "xlink:href"},
	"use":    {"href", "xlink:href"},
}

var jsScriptTypes = map[string]bool{
	"":                         true,
	"text/javascript":          true,
	"application/javascript":   true,
	"application/x-javascript": true,
	"text/ecmascript":          true,
	"application/ecmascript":   true,
	"module":                   true,
}

// RewriteHTML rewrites a complete HTML document for serving under m's base.
// The result is always UTF-8 whatever the source charset was.
//
// URL-bearing attributes, inline styles, <style> blocks and meta refresh
// targets are mapped through m. Inline scripts have frame-busting idioms
// neutralized and literal location targets mapped. A fetch/XHR shim is
// placed at the top of the document and a form interceptor before </body>,
// or at the end when there is none.
// Tokens that need no change are copied byte-for-byte.
func (t *Transformer) RewriteHTML(body []byte, contentType string, m *resolver.Mapper) ([]byte, error) {
	doc, err := decodeUTF8(body, contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRewriteFailure, err)
	}

	z := html.NewTokenizer(bytes.NewReader(doc))
	var out bytes.Buffer
	out.Grow(len(doc) + 4096)

	var (
		rawText      string // element whose raw text comes next: script or style
		scriptIsJS   bool
		shimWritten  bool
		formsWritten bool
	)

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if !errors.Is(z.Err(), io.EOF) {
				return nil, fmt.Errorf("%w: %w", ErrRewriteFailure, z.Err())
			}
			if !formsWritten {
				out.WriteString(t.formInterceptor(m))
			}
			return out.Bytes(), nil

		case html.StartTagToken, html.SelfClosingTagToken:
			// Token lower-cases names in the tokenizer's buffer, so keep the
			// original bytes first.
			raw := bytes.Clone(z.Raw())
			tok := z.Token()

			if !shimWritten && (tok.Data == "body" || tok.Data == "script") {
				out.WriteString(headShim(m))
				shimWritten = true
			}
			if rewriteAttrs(&tok, m) {
				out.WriteString(tok.String())
			} else {
				out.Write(raw)
			}
			if !shimWritten && tok.Data == "head" {
				out.WriteString(headShim(m))
				shimWritten = true
			}

			rawText = ""
			if tt == html.StartTagToken && (tok.Data == "script" || tok.Data == "style") {
				rawText = tok.Data
				scriptIsJS = tok.Data == "script" && isJSScript(tok)
			}

		case html.TextToken:
			text := z.Raw()
			switch {
			case rawText == "style":
				out.WriteString(rewriteCSS(string(text), m))
			case rawText == "script" && scriptIsJS:
				out.WriteString(rewriteNavigations(neutralizeFrameBusting(string(text)), m))
			default:
				out.Write(text)
			}
			rawText = ""

		case html.EndTagToken:
			raw := bytes.Clone(z.Raw())
			name, _ := z.TagName()
			if !formsWritten && string(name) == "body" {
				out.WriteString(t.formInterceptor(m))
				formsWritten = true
			}
			out.Write(raw)
			rawText = ""

		default:
			out.Write(z.Raw())
		}
	}
}

// rewriteAttrs maps URL-bearing attributes of tok in place and reports
// whether anything changed.
func rewriteAttrs(tok *html.Token, m *resolver.Mapper) bool {
	changed := false
	names := urlAttrs[tok.Data]
	refresh := tok.Data == "meta" && isRefresh(tok)

	for i := range tok.Attr {
		a := &tok.Attr[i]
		if a.Namespace != "" {
			continue
		}
		var v string
		switch {
		case a.Key == "style":
			v = rewriteCSS(a.Val, m)
		case a.Key == "srcset" && (tok.Data == "img" || tok.Data == "source"):
			v = rewriteSrcset(a.Val, m)
		case refresh && a.Key == "content":
			v = rewriteRefresh(a.Val, m)
		case slices.Contains(names, a.Key):
			v = m.Rewrite(a.Val)
		default:
			continue
		}
		if v != a.Val {
			a.Val = v
			changed = true
		}
	}
	return changed
}

func isRefresh(tok *html.Token) bool {
	for _, a := range tok.Attr {
		if a.Key == "http-equiv" && strings.EqualFold(strings.TrimSpace(a.Val), "refresh") {
			return true
		}
	}
	return false
}

func isJSScript(tok html.Token) bool {
	for _, a := range tok.Attr {
		if a.Key == "type" {
			return jsScriptTypes[MediaType(a.Val)]
		}
	}
	return true
}

// decodeUTF8 converts body to UTF-8 using the charset from contentType, a
// BOM or a <meta> declaration. Bodies that claim or default to UTF-8 but are
// not valid UTF-8, or that look binary, are rejected rather than mangled.
func decodeUTF8(body []byte, contentType string) ([]byte, error) {
	enc, name, certain := charset.DetermineEncoding(body, contentType)
	if !strings.HasPrefix(name, "utf-16") && bytes.IndexByte(body[:min(len(body), sniffLen)], 0) >= 0 {
		return nil, errors.New("body looks binary")
	}
	if !certain && utf8.Valid(body) {
		return body, nil
	}
	if name == "utf-8" {
		if !utf8.Valid(body) {
			return nil, errors.New("body is not valid utf-8")
		}
		return body, nil
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return out, nil
}
