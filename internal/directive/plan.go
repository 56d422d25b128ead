package directive

// Context selects which directives a turn may apply.
type Context int

const (
	// Direct is a one-to-one conversation with the user.
	Direct Context = iota
	// Group is a multi-member group chat.
	Group
)

// Plan is the ordered set of side effects extracted from one turn. Single
// directives keep their first occurrence; repeatable ones keep all.
type Plan struct {
	Timer          *Timer
	Transfer       *Transfer
	Moment         *Moment
	Diary          *Diary
	UnlockDiary    bool
	DiaryPassword  *DiaryPassword
	Affinity       *Affinity
	Pressure       *Pressure
	Likes          []MomentLike
	Comments       []MomentComment
	CharAffinities []CharAffinity

	// Malformed and Ignored are reported, never applied.
	Malformed []Malformed
	Ignored   []Directive
}

// Collect folds tokens into a Plan. TIMER only applies to direct
// conversations and CHAR_AFFINITY only to groups; others are Ignored.
func Collect(tokens []Token, ctx Context) Plan {
	var p Plan
	for _, tok := range tokens {
		switch d := tok.Directive.(type) {
		case Timer:
			if ctx != Direct {
				p.Ignored = append(p.Ignored, d)
			} else if p.Timer == nil {
				p.Timer = &d
			}
		case Transfer:
			if p.Transfer == nil {
				p.Transfer = &d
			}
		case Moment:
			if p.Moment == nil {
				p.Moment = &d
			}
		case Diary:
			if p.Diary == nil {
				p.Diary = &d
			}
		case UnlockDiary:
			p.UnlockDiary = true
		case DiaryPassword:
			if p.DiaryPassword == nil {
				p.DiaryPassword = &d
			}
		case Affinity:
			if p.Affinity == nil {
				p.Affinity = &d
			}
		case Pressure:
			if p.Pressure == nil {
				p.Pressure = &d
			}
		case MomentLike:
			p.Likes = append(p.Likes, d)
		case MomentComment:
			p.Comments = append(p.Comments, d)
		case CharAffinity:
			if ctx != Group {
				p.Ignored = append(p.Ignored, d)
			} else {
				p.CharAffinities = append(p.CharAffinities, d)
			}
		case Malformed:
			p.Malformed = append(p.Malformed, d)
		}
	}
	return p
}

// Empty reports whether the plan applies nothing.
func (p Plan) Empty() bool {
	return p.Timer == nil && p.Transfer == nil && p.Moment == nil && p.Diary == nil &&
		!p.UnlockDiary && p.DiaryPassword == nil && p.Affinity == nil && p.Pressure == nil &&
		len(p.Likes) == 0 && len(p.Comments) == 0 && len(p.CharAffinities) == 0
}
