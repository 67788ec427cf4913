// Package store defines the durable moderation state shared by the pairing
// engine: participant records, the block set and the report log. Backends
// live in sub-packages (filestore, boltstore) and implement Store.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a participant or report does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrCorrupt marks a persisted collection that could not be decoded.
	// Backends recover from it internally (backup + reinit) and only use it
	// for logging and metrics.
	ErrCorrupt = errors.New("store: collection corrupt")

	// ErrOversize is returned when a collection still exceeds the size
	// ceiling after compaction. The previously persisted state is intact.
	ErrOversize = errors.New("store: collection exceeds size ceiling")

	// ErrInvalidID is returned for empty participant ids.
	ErrInvalidID = errors.New("store: empty participant id")
)

// Collection names, used in file names, bucket names, logs and metric labels.
const (
	CollectionParticipants = "participants"
	CollectionBlocked      = "blocked"
	CollectionReports      = "reports"
)

// Store is the moderation store contract. Every write is atomic from the
// caller's point of view: it either becomes visible to the next read or
// leaves the prior state untouched.
type Store interface {
	// UpsertParticipant creates or refreshes a participant from a profile.
	// JoinedAt and ReportCount of an existing record are preserved.
	UpsertParticipant(ctx context.Context, p Profile) (Participant, error)
	GetParticipant(ctx context.Context, id string) (Participant, error)
	// UpdateParticipant merges the non-nil fields of u and always refreshes
	// LastActive.
	UpdateParticipant(ctx context.Context, id string, u ParticipantUpdate) (Participant, error)

	IsBlocked(ctx context.Context, id string) (bool, error)
	Block(ctx context.Context, id string) error
	Unblock(ctx context.Context, id string) error
	BlockedIDs(ctx context.Context) ([]string, error)

	// AddReport persists a pending report and increments the reported
	// participant's report count. It returns the stored report and the new
	// count.
	AddReport(ctx context.Context, r NewReport) (Report, int, error)
	GetReport(ctx context.Context, id int64) (Report, error)
	ResolveReport(ctx context.Context, id int64, status ReportStatus, actor string) (Report, error)
	// ListReports returns reports matching f, newest first. limit <= 0
	// means no limit.
	ListReports(ctx context.Context, f ReportFilter, limit int) ([]Report, error)

	Stats(ctx context.Context) (Stats, error)

	// SweepParticipants removes participants whose last activity is before
	// cutoff and who have never been reported. It returns how many were
	// removed.
	SweepParticipants(ctx context.Context, cutoff time.Time) (int, error)
	// SweepReports removes reports created before cutoff and returns them.
	SweepReports(ctx context.Context, cutoff time.Time) ([]Report, error)

	Close() error
}
