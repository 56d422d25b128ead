package directive

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ashureev/companions/internal/domain"
)

// Token is a recognized tag and its byte span in the source text.
type Token struct {
	Directive Directive
	Start     int
	End       int
}

// Result is the outcome of parsing one generated turn.
type Result struct {
	Tokens  []Token
	Visible string
}

type argParser func(arg string, hasArg bool) (Directive, error)

var parsers = map[Kind]argParser{
	KindTimer:         parseTimer,
	KindTransfer:      parseTransfer,
	KindMoment:        textArg(func(s string) Directive { return Moment{Text: s} }),
	KindDiary:         textArg(func(s string) Directive { return Diary{Text: s} }),
	KindUnlockDiary:   func(string, bool) (Directive, error) { return UnlockDiary{}, nil },
	KindDiaryPassword: textArg(func(s string) Directive { return DiaryPassword{Value: s} }),
	KindAffinity:      parseAffinity,
	KindPressure:      parsePressure,
	KindMomentLike:    textArg(func(s string) Directive { return MomentLike{MomentID: s} }),
	KindMomentComment: parseMomentComment,
	KindCharAffinity:  parseCharAffinity,
}

// Parse lexes text and returns every recognized tag in source order plus the
// text with all recognized tags removed.
func Parse(text string) Result {
	var (
		res  Result
		out  strings.Builder
		last int
	)
	for i := 0; i < len(text); {
		open := strings.IndexByte(text[i:], '[')
		if open < 0 {
			break
		}
		open += i
		closeRel := strings.IndexByte(text[open+1:], ']')
		if closeRel < 0 {
			break
		}
		end := open + 1 + closeRel
		body := text[open+1 : end]
		if nested := strings.LastIndexByte(body, '['); nested >= 0 {
			i = open + 1 + nested
			continue
		}

		d, ok := lex(body)
		if !ok {
			i = end + 1
			continue
		}
		res.Tokens = append(res.Tokens, Token{Directive: d, Start: open, End: end + 1})
		out.WriteString(text[last:open])
		last = end + 1
		i = last
	}
	out.WriteString(text[last:])
	res.Visible = tidy(out.String())
	return res
}

func lex(body string) (Directive, bool) {
	name, arg, hasArg := strings.Cut(body, ":")
	kind := Kind(strings.ToUpper(strings.TrimSpace(name)))
	parse, ok := parsers[kind]
	if !ok {
		return nil, false
	}
	arg = strings.TrimSpace(arg)
	d, err := parse(arg, hasArg)
	if err != nil {
		return Malformed{Tag: kind, Raw: body, Reason: err.Error()}, true
	}
	return d, true
}

// tidy trims the whitespace left behind by removed tags on each line.
func tidy(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.Join(strings.Fields(l), " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Bubbles splits visible text into one message per non-blank line.
func Bubbles(visible string) []string {
	var out []string
	for _, line := range strings.Split(visible, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func textArg(build func(string) Directive) argParser {
	return func(arg string, hasArg bool) (Directive, error) {
		if !hasArg || arg == "" {
			return nil, fmt.Errorf("missing argument")
		}
		return build(arg), nil
	}
}

func parseTimer(arg string, _ bool) (Directive, error) {
	v, err := strconv.ParseFloat(arg, 64)
	if err != nil || v <= 0 {
		return nil, fmt.Errorf("invalid minutes %q", arg)
	}
	return Timer{Minutes: v}, nil
}

func parseTransfer(arg string, _ bool) (Directive, error) {
	amount, note, _ := strings.Cut(arg, "|")
	amount = strings.TrimLeft(strings.TrimSpace(amount), "$¥￥")
	cents, err := domain.ParseCents(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q", amount)
	}
	if cents <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return Transfer{Amount: cents, Note: strings.TrimSpace(note)}, nil
}

func parseSigned(arg string) (int, error) {
	return strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(arg), "+"))
}

func parseAffinity(arg string, _ bool) (Directive, error) {
	n, err := parseSigned(arg)
	if err != nil {
		return nil, fmt.Errorf("invalid delta %q", arg)
	}
	return Affinity{Delta: n}, nil
}

func parsePressure(arg string, _ bool) (Directive, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("invalid level %q", arg)
	}
	return Pressure{Level: domain.ClampPressure(n)}, nil
}

func parseMomentComment(arg string, _ bool) (Directive, error) {
	id, text, ok := strings.Cut(arg, ":")
	id, text = strings.TrimSpace(id), strings.TrimSpace(text)
	if !ok || id == "" || text == "" {
		return nil, fmt.Errorf("expected <id>:<text>")
	}
	return MomentComment{MomentID: id, Text: text}, nil
}

func parseCharAffinity(arg string, _ bool) (Directive, error) {
	id, delta, ok := strings.Cut(arg, ":")
	id = strings.TrimSpace(id)
	if !ok || id == "" {
		return nil, fmt.Errorf("expected <id>:<delta>")
	}
	n, err := parseSigned(delta)
	if err != nil {
		return nil, fmt.Errorf("invalid delta %q", delta)
	}
	return CharAffinity{TargetID: id, Delta: n}, nil
}
