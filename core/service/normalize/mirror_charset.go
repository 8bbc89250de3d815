package normalize

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/gogs/chardet"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

// minDetectConfidence is the chardet score below which a guess is ignored.
const minDetectConfidence = 30

// getEncodingByName resolves a MIME charset label. Returns nil for unknown labels.
func getEncodingByName(charset string) encoding.Encoding {
	name := strings.ToLower(strings.Trim(strings.TrimSpace(charset), `"'`))
	if name == "" {
		return nil
	}
	if enc, err := htmlindex.Get(name); err == nil && enc != nil {
		return enc
	}
	if enc, err := ianaindex.MIME.Encoding(name); err == nil && enc != nil {
		return enc
	}
	return nil
}

// isUTF8Label reports whether charset names UTF-8 or plain ASCII.
func isUTF8Label(charset string) bool {
	switch strings.ToLower(strings.TrimSpace(charset)) {
	case "utf-8", "utf8", "us-ascii", "ascii":
		return true
	}
	return false
}

// decodeBody converts a part body to UTF-8 using its declared charset.
// Undeclared or mislabeled bodies that are not valid UTF-8 go through detection.
func decodeBody(data []byte, charset string) string {
	if len(data) == 0 {
		return ""
	}
	if charset == "" || isUTF8Label(charset) {
		if utf8.Valid(data) {
			return string(data)
		}
		return detectAndDecode(data)
	}

	enc := getEncodingByName(charset)
	if enc == nil {
		if utf8.Valid(data) {
			return string(data)
		}
		return detectAndDecode(data)
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return sanitizeUTF8(string(data))
	}
	return string(out)
}

// detectAndDecode guesses the charset of non-UTF-8 bytes.
// Falls back to Windows-1252, which maps every byte.
func detectAndDecode(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}

	detector := chardet.NewTextDetector()
	if res, err := detector.DetectBest(data); err == nil && res.Confidence >= minDetectConfidence {
		if enc := getEncodingByName(res.Charset); enc != nil {
			if out, err := enc.NewDecoder().Bytes(data); err == nil && utf8.Valid(out) {
				return string(out)
			}
		}
	}

	if enc := getEncodingByName("windows-1252"); enc != nil {
		if out, err := enc.NewDecoder().Bytes(data); err == nil {
			return string(out)
		}
	}
	return sanitizeUTF8(string(data))
}

// sanitizeUTF8 replaces invalid sequences with U+FFFD.
func sanitizeUTF8(s string) string {
	return strings.ToValidUTF8(s, "�")
}

// charsetReader plugs x/text decoders into mime.WordDecoder.
func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	if isUTF8Label(charset) {
		return input, nil
	}
	enc := getEncodingByName(charset)
	if enc == nil {
		return nil, fmt.Errorf("unsupported charset %q", charset)
	}
	return transform.NewReader(input, enc.NewDecoder()), nil
}
