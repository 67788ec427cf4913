package moderation

import (
	"errors"
	"time"

	"github.com/whisper/pairing/internal/matching"
	"github.com/whisper/pairing/internal/store"
)

// DefaultThreshold is the report count at which a participant is blocked
// automatically.
const DefaultThreshold = 3

var (
	ErrSelfReport    = errors.New("moderation: participant cannot report themselves")
	ErrUnknownAction = errors.New("moderation: unknown resolution action")
)

// Action is an administrator's resolution of a report.
type Action string

const (
	ActionBlock           Action = "block"
	ActionIgnore          Action = "ignore"
	ActionForceEndSession Action = "force-end-session"
)

// Block sources for metrics and logs.
const (
	sourceAuto  = "auto"
	sourceAdmin = "admin"
)

// ReportOutcome is the result of filing a report.
type ReportOutcome struct {
	Report store.Report `json:"report"`
	// Count is the reported participant's report count after this report.
	Count   int                  `json:"count"`
	Blocked bool                 `json:"blocked"`
	Evicted matching.EvictResult `json:"evicted"`
	// EndedSession is set when the reporter's own session was ended because
	// of the report.
	EndedSession string `json:"endedSession,omitempty"`
}

// BlockOutcome is the result of blocking a participant.
type BlockOutcome struct {
	ParticipantID  string               `json:"participantId"`
	AlreadyBlocked bool                 `json:"alreadyBlocked,omitempty"`
	Evicted        matching.EvictResult `json:"evicted"`
}

// Stats combines store counters with the engine's live state.
type Stats struct {
	store.Stats
	Queued         int `json:"queued"`
	ActiveSessions int `json:"activeSessions"`
	// BlockThreshold is the report count that triggers an automatic block.
	BlockThreshold int `json:"blockThreshold"`
}

// History is everything known about one participant.
type History struct {
	Participant store.Participant `json:"participant"`
	Blocked     bool              `json:"blocked"`
	Live        matching.Status   `json:"live"`
	Reports     []store.Report    `json:"reports"`
	// Archived holds pruned reports against the participant.
	Archived []store.Report `json:"archived,omitempty"`
}

// Warning is the result of warning a participant.
type Warning struct {
	ParticipantID string    `json:"participantId"`
	Count         int       `json:"count"`
	At            time.Time `json:"at"`
}
