// Package directive lexes bracketed directive tags out of generated text.
//
// A tag is one bracket pair whose content starts with a known name,
// optionally followed by ':' and an argument, e.g. [TIMER:15] or
// [MOMENT_COMMENT:42:nice]. Names are case-insensitive. Bracket content with
// an unknown name is ordinary text and is left untouched.
package directive

// Kind names a directive tag.
type Kind string

const (
	KindTimer         Kind = "TIMER"
	KindTransfer      Kind = "TRANSFER"
	KindMoment        Kind = "MOMENT"
	KindDiary         Kind = "DIARY"
	KindUnlockDiary   Kind = "UNLOCK_DIARY"
	KindDiaryPassword Kind = "DIARY_PASSWORD"
	KindAffinity      Kind = "AFFINITY"
	KindPressure      Kind = "PRESSURE"
	KindMomentLike    Kind = "MOMENT_LIKE"
	KindMomentComment Kind = "MOMENT_COMMENT"
	KindCharAffinity  Kind = "CHAR_AFFINITY"
)

// Directive is one parsed tag. The concrete types below form a closed set.
type Directive interface {
	Kind() Kind
}

// Timer requests the next proactive cycle after Minutes.
type Timer struct{ Minutes float64 }

// Transfer sends Amount minor units to the user.
type Transfer struct {
	Amount int64
	Note   string
}

// Moment publishes a social-feed post.
type Moment struct{ Text string }

// Diary appends a private diary entry.
type Diary struct{ Text string }

// UnlockDiary lets the user read the diary.
type UnlockDiary struct{}

// DiaryPassword sets or replaces the diary password.
type DiaryPassword struct{ Value string }

// Affinity adjusts agent to user affinity by Delta.
type Affinity struct{ Delta int }

// Pressure sets the pressure level to Level.
type Pressure struct{ Level int }

// MomentLike toggles a like on a post.
type MomentLike struct{ MomentID string }

// MomentComment comments on a post.
type MomentComment struct {
	MomentID string
	Text     string
}

// CharAffinity adjusts the group-scoped affinity towards another member.
type CharAffinity struct {
	TargetID string
	Delta    int
}

// Malformed is a recognized tag whose argument could not be parsed. It is
// stripped from the visible text like any other recognized tag.
type Malformed struct {
	Tag    Kind
	Raw    string
	Reason string
}

func (Timer) Kind() Kind         { return KindTimer }
func (Transfer) Kind() Kind      { return KindTransfer }
func (Moment) Kind() Kind        { return KindMoment }
func (Diary) Kind() Kind         { return KindDiary }
func (UnlockDiary) Kind() Kind   { return KindUnlockDiary }
func (DiaryPassword) Kind() Kind { return KindDiaryPassword }
func (Affinity) Kind() Kind      { return KindAffinity }
func (Pressure) Kind() Kind      { return KindPressure }
func (MomentLike) Kind() Kind    { return KindMomentLike }
func (MomentComment) Kind() Kind { return KindMomentComment }
func (CharAffinity) Kind() Kind  { return KindCharAffinity }
func (m Malformed) Kind() Kind   { return m.Tag }
