package transform

import (
	"bufio"
	"mime"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// sniffLen matches the prefix http.DetectContentType looks at.
const sniffLen = 512

// MediaType returns the lower-cased media type of a Content-Type value
// without parameters.
func MediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
		mt = strings.ToLower(strings.TrimSpace(mt))
	}
	return mt
}

// IsHTML reports whether contentType declares an HTML document.
func IsHTML(contentType string) bool {
	switch MediaType(contentType) {
	case "text/html", "application/xhtml+xml":
		return true
	}
	return false
}

// SniffContentType guesses the type of a body with no declared Content-Type
// from its first bytes, or returns "" for an empty body. The bytes stay
// buffered in br.
func SniffContentType(br *bufio.Reader) string {
	head, _ := br.Peek(sniffLen)
	if len(head) == 0 {
		return ""
	}
	return detectMIME(head)
}

func detectMIME(head []byte) string {
	if len(head) == 0 {
		return "application/octet-stream"
	}
	mt := http.DetectContentType(head)
	if mt != "application/octet-stream" {
		return mt
	}
	return mimetype.Detect(head).String()
}
