package session

import (
	"time"

	"cast-and-keep/server/internal/fish"
)

// State is the per-player fishing state machine. Idle is the absence of a
// session; the server only materialises sessions from Waiting onward.
type State int

const (
	StateIdle State = iota
	StateCasting
	StateWaiting
	StateBiteWindow
	StateResolving
	StateSuccess
	StateFailure
)

var stateNames = map[State]string{
	StateIdle:       "idle",
	StateCasting:    "casting",
	StateWaiting:    "waiting",
	StateBiteWindow: "bite_window",
	StateResolving:  "resolving",
	StateSuccess:    "success",
	StateFailure:    "failure",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether the state ends a session.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailure
}

// Quality grades a successful catch by how fast the reaction was relative to
// the species' timing window. Escaped marks a failed catch.
type Quality string

const (
	QualityPerfect Quality = "perfect"
	QualityGreat   Quality = "great"
	QualityNormal  Quality = "normal"
	QualityEscaped Quality = "escaped"
)

// RewardMultiplier scales the species' base reward value.
func (q Quality) RewardMultiplier() float64 {
	switch q {
	case QualityPerfect:
		return 2.0
	case QualityGreat:
		return 1.5
	case QualityNormal:
		return 1.0
	default:
		return 0
	}
}

// Session is one in-flight fishing attempt. Fields are fixed at cast time;
// only State mutates afterwards, and only under the manager lock.
type Session struct {
	ID           string
	PlayerID     string
	State        State
	CastAt       time.Time
	BiteAt       time.Time
	MissDeadline time.Time
	Candidate    fish.Species
}

// CastReceipt is the server's answer to a cast request. The candidate fish is
// deliberately absent: it is not revealed before resolution.
type CastReceipt struct {
	SessionID   string        `json:"sessionId"`
	WaitTime    time.Duration `json:"-"`
	MissTimeout time.Duration `json:"-"`
	DailyUsed   int           `json:"dailyCastsUsed"`
}

// FishSummary is the slice of a species a client is allowed to see.
type FishSummary struct {
	ID     string      `json:"id"`
	Name   string      `json:"name"`
	Rarity fish.Rarity `json:"rarity"`
}

// Result is the stored outcome of a resolved session. It is computed once and
// cached; duplicate resolve calls replay it verbatim.
type Result struct {
	SessionID      string      `json:"sessionId"`
	PlayerID       string      `json:"playerId"`
	Success        bool        `json:"success"`
	Fish           FishSummary `json:"fish"`
	Quality        Quality     `json:"quality"`
	ReactionMillis int64       `json:"reactionMillis"`
	Reward         int         `json:"reward"`
	ResolvedAt     time.Time   `json:"resolvedAt"`
}
