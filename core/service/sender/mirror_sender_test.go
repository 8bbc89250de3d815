package sender

import (
	"context"
	"math/rand"
	"testing"

	"mirror_server/core/domain"
)

type fakeSenderWriter struct {
	groups map[string]*domain.SenderGroup
}

func (f *fakeSenderWriter) RecordSender(_ context.Context, accountID string, s domain.SenderSighting) error {
	if f.groups == nil {
		f.groups = make(map[string]*domain.SenderGroup)
	}
	key := accountID + "/" + s.Email
	g, ok := f.groups[key]
	if !ok {
		g = &domain.SenderGroup{AccountID: accountID, Email: s.Email}
		f.groups[key] = g
	}
	Merge(g, s)
	return nil
}

func TestMerge_Monotonic(t *testing.T) {
	timestamps := []int64{1700000005000, 1700000001000, 1700000009000, 1700000003000, 1700000007000}

	for seed := int64(0); seed < 20; seed++ {
		order := append([]int64(nil), timestamps...)
		r := rand.New(rand.NewSource(seed))
		r.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		g := &domain.SenderGroup{}
		for _, ts := range order {
			Merge(g, domain.SenderSighting{Email: "a@example.com", Timestamp: ts})
		}
		if g.LastMessageAt != 1700000009000 {
			t.Errorf("seed %d: LastMessageAt = %d, want max", seed, g.LastMessageAt)
		}
		if g.MessageCount != int64(len(order)) {
			t.Errorf("seed %d: MessageCount = %d, want %d", seed, g.MessageCount, len(order))
		}
	}
}

func TestMerge_NameNeverRegresses(t *testing.T) {
	tests := []struct {
		name      string
		sightings []string
		want      string
	}{
		{"first non-empty wins", []string{"Alice", "Alice Smith"}, "Alice"},
		{"empty does not erase", []string{"Alice", ""}, "Alice"},
		{"filled after empty", []string{"", "Alice"}, "Alice"},
		{"all empty", []string{"", ""}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &domain.SenderGroup{}
			for i, n := range tt.sightings {
				Merge(g, domain.SenderSighting{Email: "a@example.com", Name: n, Timestamp: int64(i)})
			}
			if g.Name != tt.want {
				t.Errorf("Name = %q, want %q", g.Name, tt.want)
			}
		})
	}
}

func TestAggregator_Record(t *testing.T) {
	agg := NewAggregator()
	w := &fakeSenderWriter{}
	ctx := context.Background()

	if err := agg.Record(ctx, w, "acc", " bob@Example.com ", "Bob", 10); err != nil {
		t.Fatal(err)
	}
	if err := agg.Record(ctx, w, "acc", "", "Nobody", 20); err != nil {
		t.Fatal(err)
	}

	if len(w.groups) != 1 {
		t.Fatalf("groups = %d, want 1", len(w.groups))
	}
	g := w.groups["acc/bob@Example.com"]
	if g == nil {
		t.Fatal("sender group for bob not recorded")
	}
	if g.Domain != "example.com" {
		t.Errorf("Domain = %q, want example.com", g.Domain)
	}
}
