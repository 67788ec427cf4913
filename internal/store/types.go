package store

import "time"

// Participant is the durable record of someone who has used the service.
type Participant struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Handle       string     `json:"handle,omitempty"`
	Locale       string     `json:"locale,omitempty"`
	JoinedAt     time.Time  `json:"joinTime"`
	LastActive   time.Time  `json:"lastActive"`
	ReportCount  int        `json:"reportCount"`
	WarningCount int        `json:"warningCount,omitempty"`
	LastWarning  *time.Time `json:"lastWarning,omitempty"`

	// Blocked mirrors Block Set membership. It is filled on read and never
	// persisted with the record.
	Blocked bool `json:"-"`
}

// Ref returns the identifying subset of p used inside reports.
func (p Participant) Ref() PartyRef {
	return PartyRef{ID: p.ID, Name: p.Name, Handle: p.Handle}
}

// essential strips everything compaction does not keep.
func (p Participant) essential() Participant {
	return Participant{
		ID:          p.ID,
		Name:        p.Name,
		Handle:      p.Handle,
		JoinedAt:    p.JoinedAt,
		LastActive:  p.LastActive,
		ReportCount: p.ReportCount,
	}
}

// Profile is what the gateway knows about a participant when they act.
type Profile struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Handle string `json:"handle,omitempty"`
	Locale string `json:"locale,omitempty"`
}

// ParticipantUpdate is a partial update; nil fields are left unchanged.
type ParticipantUpdate struct {
	Name         *string
	Handle       *string
	Locale       *string
	WarningCount *int
	LastWarning  *time.Time
}

// PartyRef identifies one side of a report.
type PartyRef struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Handle string `json:"handle,omitempty"`
}

// ReportStatus is the lifecycle state of a report.
type ReportStatus string

const (
	ReportPending ReportStatus = "pending"
	ReportBlocked ReportStatus = "blocked"
	ReportIgnored ReportStatus = "ignored"
)

// Valid reports whether s is a known status.
func (s ReportStatus) Valid() bool {
	switch s {
	case ReportPending, ReportBlocked, ReportIgnored:
		return true
	}
	return false
}

// Report is one participant flagging another. Everything except the
// resolution fields is immutable once created.
type Report struct {
	ID        int64        `json:"id"`
	Reporter  PartyRef     `json:"reporter"`
	Reported  PartyRef     `json:"reported"`
	Reason    string       `json:"reason,omitempty"`
	CreatedAt time.Time    `json:"timestamp"`
	Status    ReportStatus `json:"status"`
	ActionBy  string       `json:"actionBy,omitempty"`
	ActionAt  *time.Time   `json:"actionDate,omitempty"`
}

// Involves reports whether id is the reporter or the reported party.
func (r Report) Involves(id string) bool {
	return r.Reporter.ID == id || r.Reported.ID == id
}

// NewReport is the input to Store.AddReport.
type NewReport struct {
	Reporter PartyRef
	Reported PartyRef
	Reason   string
}

// ReportFilter narrows ListReports. Zero fields match everything.
type ReportFilter struct {
	Status     ReportStatus
	ReportedID string
	// InvolvedID matches reports where the id is reporter or reported.
	InvolvedID string
	// Before matches reports created strictly before this instant.
	Before time.Time
}

// Match reports whether r satisfies f.
func (f ReportFilter) Match(r Report) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.ReportedID != "" && r.Reported.ID != f.ReportedID {
		return false
	}
	if f.InvolvedID != "" && !r.Involves(f.InvolvedID) {
		return false
	}
	if !f.Before.IsZero() && !r.CreatedAt.Before(f.Before) {
		return false
	}
	return true
}

// Stats are the store-level counters surfaced to administrators.
type Stats struct {
	Participants   int `json:"participants"`
	Blocked        int `json:"blocked"`
	Reports        int `json:"reports"`
	PendingReports int `json:"pendingReports"`
}
