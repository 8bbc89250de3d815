package topic

import (
	"context"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		want    string
	}{
		{"plain", "Hello", "hello"},
		{"single reply", "Re: Hello", "hello"},
		{"upper reply", "RE: Hello", "hello"},
		{"nested reply", "Re: Re: Hello", "hello"},
		{"forward chain", "Fwd: RE: fw: Hello", "hello"},
		{"numbered reply", "Re[2]: Hello", "hello"},
		{"parenthesized count", "Re(3): Hello", "hello"},
		{"german", "AW: WG: Angebot", "angebot"},
		{"chinese fullwidth colon", "回复：会议", "会议"},
		{"korean", "답장: 회의", "회의"},
		{"russian", "Отв: Привет", "привет"},
		{"space before colon", "Re : Hello", "hello"},
		{"whitespace folded", "  Re:   Hello    World  ", "hello world"},
		{"prefix inside text kept", "Hello Re: World", "hello re: world"},
		{"word starting with re kept", "Report: Q3", "report: q3"},
		{"only prefix", "Re:", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.subject); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.subject, got, tt.want)
			}
		})
	}
}

func TestNormalize_SameKeyForReplies(t *testing.T) {
	want := Normalize("Hello")
	for _, s := range []string{"Re: Re: Hello", "RE: Hello", "Fwd: Hello", "hello"} {
		if got := Normalize(s); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", s, got, want)
		}
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	subjects := []string{
		"Re: Re: Hello",
		"Fwd:   RE:  Quarterly   report",
		"AW: Re[2]: Termin",
		"回复：回复：会议",
		"Re: Re: ",
		"Meeting notes",
		"Re:\u00a0Re: Hello",
		"回复：\u3000Re: 会议安排",
		"Re:\u2003Fwd: Budget",
	}
	for _, s := range subjects {
		once := Normalize(s)
		if twice := Normalize(once); twice != once {
			t.Errorf("Normalize not idempotent for %q: %q then %q", s, once, twice)
		}
	}
}

func TestNormalize_UnicodeSpaces(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		want    string
	}{
		{"nbsp after marker", "Re:\u00a0Re: Hello", "hello"},
		{"ideographic space", "回复：\u3000Re: 会议安排", "会议安排"},
		{"em space", "Re:\u2003Fwd: Budget", "budget"},
		{"nbsp before marker", "\u00a0Fwd:\u00a0Plan", "plan"},
		{"unicode spaces folded", "Weekly\u2003\u00a0sync", "weekly sync"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.subject); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.subject, got, tt.want)
			}
		})
	}
}

type fakeTopicWriter struct {
	counts map[string]int
}

func (f *fakeTopicWriter) IncrementTopic(_ context.Context, accountID, name string) (string, error) {
	if f.counts == nil {
		f.counts = make(map[string]int)
	}
	f.counts[accountID+"/"+name]++
	return "topic:" + name, nil
}

func TestAggregator_Record(t *testing.T) {
	agg := NewAggregator()
	w := &fakeTopicWriter{}
	ctx := context.Background()

	for _, s := range []string{"Hello", "Re: Hello", "RE: RE: hello"} {
		id, err := agg.Record(ctx, w, "acc-1", s)
		if err != nil {
			t.Fatalf("Record(%q) error = %v", s, err)
		}
		if id != "topic:hello" {
			t.Errorf("Record(%q) id = %q, want topic:hello", s, id)
		}
	}
	if got := w.counts["acc-1/hello"]; got != 3 {
		t.Errorf("count = %d, want 3", got)
	}

	id, err := agg.Record(ctx, w, "acc-1", "Re:")
	if err != nil || id != "" {
		t.Errorf("Record(empty subject) = (%q, %v), want no topic", id, err)
	}
}
