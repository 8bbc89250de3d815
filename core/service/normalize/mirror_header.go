package normalize

import (
	"mime"
	"net/mail"
	"regexp"
	"strings"

	"mirror_server/core/domain"
)

var (
	wordDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

	// encodedWord matches one RFC 2047 token: =?charset?B|Q?text?=
	encodedWord = regexp.MustCompile(`=\?([^?\s]+)\?([bBqQ])\?([^?]*)\?=`)

	angleAddr = regexp.MustCompile(`<([^<>@\s]+@[^<>\s]+)>`)
)

// DecodeHeader decodes every encoded word in s. Tokens that fail to decode
// (bad base64, unknown charset) are kept verbatim. Whitespace between two
// successfully decoded adjacent words is dropped.
func DecodeHeader(s string) string {
	matches := encodedWord.FindAllStringIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	last := 0
	prevDecoded := false
	for _, m := range matches {
		gap := s[last:m[0]]
		token := s[m[0]:m[1]]
		decoded, err := wordDecoder.Decode(token)

		if !(prevDecoded && err == nil && strings.TrimSpace(gap) == "") {
			b.WriteString(gap)
		}
		if err != nil {
			b.WriteString(token)
			prevDecoded = false
		} else {
			b.WriteString(decoded)
			prevDecoded = true
		}
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

// ParseAddress parses a single "Name" <addr> or bare addr. Never fails:
// unparseable input ends up in Email as-is.
func ParseAddress(s string) domain.Address {
	s = strings.TrimSpace(s)
	if s == "" {
		return domain.Address{}
	}
	parser := mail.AddressParser{WordDecoder: wordDecoder}
	if addr, err := parser.Parse(s); err == nil {
		return domain.Address{Name: DecodeHeader(addr.Name), Email: strings.ToLower(addr.Address)}
	}
	return looseAddress(s)
}

// ParseAddressList parses a comma separated list, respecting quoted commas.
func ParseAddressList(s string) []domain.Address {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parser := mail.AddressParser{WordDecoder: wordDecoder}
	if list, err := parser.ParseList(s); err == nil {
		out := make([]domain.Address, 0, len(list))
		for _, a := range list {
			out = append(out, domain.Address{Name: DecodeHeader(a.Name), Email: strings.ToLower(a.Address)})
		}
		return out
	}

	// one bad entry should not drop the rest
	var out []domain.Address
	for _, part := range splitAddressList(s) {
		if addr := ParseAddress(part); addr.Email != "" || addr.Name != "" {
			out = append(out, addr)
		}
	}
	return out
}

// looseAddress recovers what it can from a malformed address.
func looseAddress(s string) domain.Address {
	if m := angleAddr.FindStringSubmatchIndex(s); m != nil {
		name := strings.TrimSpace(s[:m[0]])
		name = strings.Trim(name, `"' `)
		return domain.Address{
			Name:  DecodeHeader(name),
			Email: strings.ToLower(s[m[2]:m[3]]),
		}
	}
	s = strings.Trim(s, `<>"' `)
	if strings.Contains(s, "@") && !strings.ContainsAny(s, " \t") {
		return domain.Address{Email: strings.ToLower(s)}
	}
	return domain.Address{Email: s}
}

// splitAddressList splits on commas outside quotes, angle brackets and comments.
func splitAddressList(s string) []string {
	var (
		parts   []string
		cur     strings.Builder
		quoted  bool
		angle   int
		comment int
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && quoted:
			escaped = true
		case r == '"' && comment == 0:
			quoted = !quoted
		case quoted:
		case r == '<':
			angle++
		case r == '>' && angle > 0:
			angle--
		case r == '(':
			comment++
		case r == ')' && comment > 0:
			comment--
		case r == ',' && angle == 0 && comment == 0:
			if p := strings.TrimSpace(cur.String()); p != "" {
				parts = append(parts, p)
			}
			cur.Reset()
			continue
		}
		cur.WriteRune(r)
	}
	if p := strings.TrimSpace(cur.String()); p != "" {
		parts = append(parts, p)
	}
	return parts
}
