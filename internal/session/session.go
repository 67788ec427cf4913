// Package session tracks active one-on-one sessions in memory. It keeps a
// symmetric partner index, arms an inactivity timer per session and reports
// why each session ended.
package session

import (
	"errors"
	"time"
)

// Reason explains why a session ended.
type Reason string

const (
	ReasonUserStopped    Reason = "user_stopped"
	ReasonReported       Reason = "reported"
	ReasonAdminForce     Reason = "admin_force"
	ReasonTimeout        Reason = "timeout"
	ReasonPartnerBlocked Reason = "partner_blocked"
)

// DefaultTimeout is the inactivity window after which a session ends.
const DefaultTimeout = 30 * time.Minute

var (
	// ErrAlreadyPaired is returned when either participant already has an
	// active session.
	ErrAlreadyPaired = errors.New("session: participant already paired")

	// ErrSelfPair is returned when both sides of a session are the same id.
	ErrSelfPair = errors.New("session: cannot pair a participant with itself")
)

// Session is an active pairing of two participants.
type Session struct {
	ID           string    `json:"id"`
	A            string    `json:"a"`
	B            string    `json:"b"`
	StartedAt    time.Time `json:"startedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Partner returns the other side of the session, or "" if id is not a
// member.
func (s Session) Partner(id string) string {
	switch id {
	case s.A:
		return s.B
	case s.B:
		return s.A
	}
	return ""
}

// Ended describes a session that has just been terminated.
type Ended struct {
	Session Session
	// By is the participant the session was ended through. For timeouts it
	// is side A.
	By      string
	Partner string
	Reason  Reason
	EndedAt time.Time
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// Scheduler arms timers. The default uses time.AfterFunc.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealScheduler returns the wall-clock scheduler.
func RealScheduler() Scheduler { return realScheduler{} }
