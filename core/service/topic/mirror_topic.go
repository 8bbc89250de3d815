// Package topic groups messages into conversation topics by normalized subject.
package topic

import (
	"context"
	"regexp"
	"strings"

	"mirror_server/core/port/out"
)

// replyPrefix matches one leading reply/forward marker, including localized and numbered forms
// such as "Re:", "FWD:", "AW:", "Re[2]:", "Re(3):", "回复：", "Отв:".
var replyPrefix = regexp.MustCompile(`(?i)^` + ws + `*(` +
	`re|fw|fwd|aw|wg|sv|vs|vb|tr|rv|ref|antw|odp|res|enc|rif|` +
	`回复|答复|回覆|转发|轉寄|轉發|답장|전달|返信|転送|` +
	`ответ|отв|пересл` +
	`)` + ws + `*(\[\d+\]|\(\d+\))?` + ws + `*[:：]`)

// ws matches the same runes strings.TrimSpace strips (RE2 \s alone is ASCII only).
const ws = `[\s\v\p{Z}\x{0085}]`

var spaces = regexp.MustCompile(ws + `+`)

// Normalize strips every leading reply/forward marker, folds whitespace and case.
// Normalize(Normalize(s)) == Normalize(s).
func Normalize(subject string) string {
	s := subject
	for {
		loc := replyPrefix.FindStringIndex(s)
		if loc == nil {
			break
		}
		s = s[loc[1]:]
	}
	s = spaces.ReplaceAllString(s, " ")
	return strings.ToLower(strings.TrimSpace(s))
}

// Aggregator maintains per-account topic counts.
type Aggregator struct{}

func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Record maps subject to its topic inside the caller's transaction, bumping the count.
// Returns "" without writing when the subject normalizes to nothing.
func (a *Aggregator) Record(ctx context.Context, tx out.TopicWriter, accountID, subject string) (string, error) {
	name := Normalize(subject)
	if name == "" {
		return "", nil
	}
	return tx.IncrementTopic(ctx, accountID, name)
}
