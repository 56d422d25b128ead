package domain

import (
	"strings"
	"testing"
)

func TestParseCents(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"5.20", 520, false},
		{"50", 5000, false},
		{"0.5", 50, false},
		{".05", 5, false},
		{" 10.00 ", 1000, false},
		{"-3.10", -310, false},
		{"1.234", 0, true},
		{"abc", 0, true},
		{"5.-1", 0, true},
		{"", 0, true},
		{"184467440737095517", 0, true},
		{"92233720368547758.07", 0, true},
		{"92233720368547757", 9223372036854775700, false},
	}
	for _, tt := range tests {
		got, err := ParseCents(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseCents(%q) expected error, got %d", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseCents(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseCents(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestFormatCents(t *testing.T) {
	t.Parallel()

	if got := FormatCents(4480); got != "44.80" {
		t.Fatalf("FormatCents(4480) = %q", got)
	}
	if got := FormatCents(-5); got != "-0.05" {
		t.Fatalf("FormatCents(-5) = %q", got)
	}
}

func TestEffectiveAffinityClamps(t *testing.T) {
	t.Parallel()

	rels := []Relationship{
		{Scope: ScopeAcquaintance, Affinity: 90},
		{Scope: GroupScope("g1"), Affinity: 15},
	}
	if got := EffectiveAffinity(rels); got != 100 {
		t.Fatalf("expected clamp to 100, got %d", got)
	}
	rels[1].Affinity = -120
	if got := EffectiveAffinity(rels); got != 0 {
		t.Fatalf("expected clamp to 0, got %d", got)
	}
}

func TestGroupMentions(t *testing.T) {
	t.Parallel()
	g := &Group{Members: []Member{
		{ID: UserAccount, Name: "Me"},
		{ID: "a1", Name: "Alice"},
		{ID: "a2", Name: "Bob"},
		{ID: "a3", Name: "Carol"},
	}}

	ids, all := g.Mentions("@alice hi", "")
	if all || len(ids) != 1 || ids[0] != "a1" {
		t.Fatalf("unexpected mentions %v %v", ids, all)
	}

	ids, all = g.Mentions("hey @ALL look", "a2")
	if !all || len(ids) != 2 {
		t.Fatalf("expected everyone but the speaker, got %v", ids)
	}

	if ids, _ := g.Mentions("no mentions here @Me", ""); len(ids) != 0 {
		t.Fatalf("the user is never a mention target, got %v", ids)
	}

	if ids, _ := g.Mentions("mail alice@example.com or @Bobby", ""); len(ids) != 0 {
		t.Fatalf("expected no mentions inside longer words, got %v", ids)
	}

	ids, _ = g.Mentions("@Carol, and @bob!", "")
	if len(ids) != 2 || ids[0] != "a2" || ids[1] != "a3" {
		t.Fatalf("expected punctuation to end a mention, got %v", ids)
	}
}

func TestGroupMentionsTokenBoundaries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		members []Member
		text    string
		wantIDs []string
		wantAll bool
	}{
		{
			name:    "name starting with all",
			members: []Member{{ID: "a1", Name: "Allen"}, {ID: "a2", Name: "Bob"}, {ID: "a3", Name: "Al"}},
			text:    "@Allen hi",
			wantIDs: []string{"a1"},
		},
		{
			name:    "longer name wins over prefix",
			members: []Member{{ID: "a1", Name: "Alice"}, {ID: "a3", Name: "Al"}},
			text:    "@Alice hi",
			wantIDs: []string{"a1"},
		},
		{
			name:    "short name on its own",
			members: []Member{{ID: "a1", Name: "Alice"}, {ID: "a3", Name: "Al"}},
			text:    "thanks @al.",
			wantIDs: []string{"a3"},
		},
		{
			name:    "all at end of text",
			members: []Member{{ID: "a1", Name: "Allen"}, {ID: "a2", Name: "Bob"}},
			text:    "dinner? @all",
			wantIDs: []string{"a1", "a2"},
			wantAll: true,
		},
		{
			name:    "mention by id",
			members: []Member{{ID: "a1", Name: "Alice"}, {ID: "a2", Name: "Bob"}},
			text:    "@a2 what do you think",
			wantIDs: []string{"a2"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &Group{Members: append([]Member{{ID: UserAccount, Name: "Me"}}, tt.members...)}
			ids, all := g.Mentions(tt.text, "")
			if all != tt.wantAll {
				t.Fatalf("all = %v, want %v", all, tt.wantAll)
			}
			if strings.Join(ids, ",") != strings.Join(tt.wantIDs, ",") {
				t.Fatalf("ids = %v, want %v", ids, tt.wantIDs)
			}
		})
	}
}
