package directive

import (
	"strings"
	"testing"
)

func TestParseRecognizesEveryTag(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Directive
	}{
		{"[TIMER:15]", Timer{Minutes: 15}},
		{"[timer: 2.5 ]", Timer{Minutes: 2.5}},
		{"[TRANSFER:5.20|Sorry!]", Transfer{Amount: 520, Note: "Sorry!"}},
		{"[transfer:3]", Transfer{Amount: 300}},
		{"[MOMENT:sunset again]", Moment{Text: "sunset again"}},
		{"[DIARY:he ignored me]", Diary{Text: "he ignored me"}},
		{"[UNLOCK_DIARY]", UnlockDiary{}},
		{"[DIARY_PASSWORD:0420]", DiaryPassword{Value: "0420"}},
		{"[AFFINITY:+5]", Affinity{Delta: 5}},
		{"[AFFINITY:-12]", Affinity{Delta: -12}},
		{"[PRESSURE:2]", Pressure{Level: 2}},
		{"[PRESSURE:9]", Pressure{Level: 4}},
		{"[MOMENT_LIKE:m-1]", MomentLike{MomentID: "m-1"}},
		{"[MOMENT_COMMENT:m-1:so pretty: really]", MomentComment{MomentID: "m-1", Text: "so pretty: really"}},
		{"[CHAR_AFFINITY:bob:-3]", CharAffinity{TargetID: "bob", Delta: -3}},
	}
	for _, tt := range tests {
		res := Parse("hi " + tt.in + " there")
		if len(res.Tokens) != 1 {
			t.Fatalf("%s: expected one token, got %d", tt.in, len(res.Tokens))
		}
		if res.Tokens[0].Directive != tt.want {
			t.Fatalf("%s: got %#v, want %#v", tt.in, res.Tokens[0].Directive, tt.want)
		}
		if res.Visible != "hi there" {
			t.Fatalf("%s: visible = %q", tt.in, res.Visible)
		}
	}
}

func TestParseMalformedIsStripped(t *testing.T) {
	t.Parallel()
	res := Parse("ok [TIMER:soon] [TRANSFER:-4|x] [CHAR_AFFINITY:bob] [MOMENT:]")
	if res.Visible != "ok" {
		t.Fatalf("visible = %q", res.Visible)
	}
	if len(res.Tokens) != 4 {
		t.Fatalf("expected 4 tokens, got %d", len(res.Tokens))
	}
	for _, tok := range res.Tokens {
		if _, ok := tok.Directive.(Malformed); !ok {
			t.Fatalf("expected Malformed, got %#v", tok.Directive)
		}
	}
}

func TestParseLeavesUnknownBrackets(t *testing.T) {
	t.Parallel()
	res := Parse("[smiles] look [link](x) [TIMER:5] [ unclosed")
	if res.Visible != "[smiles] look [link](x) [ unclosed" {
		t.Fatalf("visible = %q", res.Visible)
	}
	if len(res.Tokens) != 1 {
		t.Fatalf("expected 1 token, got %d", len(res.Tokens))
	}
}

func TestParseNestedOpenBracket(t *testing.T) {
	t.Parallel()
	res := Parse("[note [MOOD] [AFFINITY:+1]")
	if res.Visible != "[note [MOOD]" {
		t.Fatalf("visible = %q", res.Visible)
	}
	if len(res.Tokens) != 1 || res.Tokens[0].Directive != (Affinity{Delta: 1}) {
		t.Fatalf("unexpected tokens: %#v", res.Tokens)
	}
}

func TestVisibleNeverContainsTags(t *testing.T) {
	t.Parallel()
	in := "Where are you?[PRESSURE:3]\n[DIARY:waiting]I miss you\n[moment_like:a][MOMENT_LIKE:b]\n[UnLoCk_DiArY]"
	res := Parse(in)
	upper := strings.ToUpper(res.Visible)
	for _, k := range []Kind{KindPressure, KindDiary, KindMomentLike, KindUnlockDiary} {
		if strings.Contains(upper, string(k)) {
			t.Fatalf("visible text still has %s: %q", k, res.Visible)
		}
	}
	bubbles := Bubbles(res.Visible)
	if len(bubbles) != 2 || bubbles[0] != "Where are you?" || bubbles[1] != "I miss you" {
		t.Fatalf("unexpected bubbles %q", bubbles)
	}
}

func TestCollectOrderingAndContext(t *testing.T) {
	t.Parallel()
	res := Parse("[TIMER:5][TIMER:9][AFFINITY:+2][AFFINITY:-8][MOMENT_LIKE:a][MOMENT_LIKE:b]" +
		"[MOMENT_COMMENT:a:hi][CHAR_AFFINITY:bob:+4][PRESSURE:x]")

	direct := Collect(res.Tokens, Direct)
	if direct.Timer == nil || direct.Timer.Minutes != 5 {
		t.Fatalf("expected first timer, got %+v", direct.Timer)
	}
	if direct.Affinity == nil || direct.Affinity.Delta != 2 {
		t.Fatalf("expected first affinity, got %+v", direct.Affinity)
	}
	if len(direct.Likes) != 2 || len(direct.Comments) != 1 {
		t.Fatalf("repeatable directives lost: %+v", direct)
	}
	if len(direct.CharAffinities) != 0 || len(direct.Ignored) != 1 {
		t.Fatalf("CHAR_AFFINITY must be ignored in direct chats: %+v", direct)
	}
	if len(direct.Malformed) != 1 || direct.Pressure != nil {
		t.Fatalf("malformed pressure must not apply: %+v", direct)
	}

	group := Collect(res.Tokens, Group)
	if group.Timer != nil || len(group.Ignored) != 2 {
		t.Fatalf("TIMER must be ignored in groups: %+v", group)
	}
	if len(group.CharAffinities) != 1 || group.CharAffinities[0].TargetID != "bob" {
		t.Fatalf("unexpected char affinities: %+v", group.CharAffinities)
	}
}

func TestPlanEmpty(t *testing.T) {
	t.Parallel()
	if !Collect(Parse("just text [hmm]").Tokens, Direct).Empty() {
		t.Fatal("expected empty plan")
	}
	if Collect(Parse("[UNLOCK_DIARY]").Tokens, Direct).Empty() {
		t.Fatal("expected non-empty plan")
	}
}
