package store

import (
	"sort"
	"time"
)

// Compaction defaults used when the size ceiling is hit.
const (
	DefaultMaxBytes            = 50 << 20
	DefaultCompactParticipants = 5000
	DefaultCompactReports      = 1000
)

// NextReportID returns a time-derived id that is strictly greater than last.
func NextReportID(last int64, now time.Time) int64 {
	id := now.UnixMilli()
	if id <= last {
		id = last + 1
	}
	return id
}

// MergeProfile builds the participant record for an upsert. existing may be
// nil for a first-time participant.
func MergeProfile(existing *Participant, p Profile, now time.Time) Participant {
	out := Participant{
		ID:         p.ID,
		Name:       p.Name,
		Handle:     p.Handle,
		Locale:     p.Locale,
		JoinedAt:   now,
		LastActive: now,
	}
	if existing != nil {
		out.JoinedAt = existing.JoinedAt
		out.ReportCount = existing.ReportCount
		out.WarningCount = existing.WarningCount
		out.LastWarning = existing.LastWarning
		if out.JoinedAt.IsZero() {
			out.JoinedAt = now
		}
	}
	return out
}

// ApplyUpdate merges u into p and refreshes LastActive.
func ApplyUpdate(p Participant, u ParticipantUpdate, now time.Time) Participant {
	if u.Name != nil {
		p.Name = *u.Name
	}
	if u.Handle != nil {
		p.Handle = *u.Handle
	}
	if u.Locale != nil {
		p.Locale = *u.Locale
	}
	if u.WarningCount != nil {
		p.WarningCount = *u.WarningCount
	}
	if u.LastWarning != nil {
		t := *u.LastWarning
		p.LastWarning = &t
	}
	p.LastActive = now
	return p
}

// ReportedParticipant returns the record to store for a newly reported
// party. Participants swept by retention are recreated from the report
// reference so their count keeps accumulating.
func ReportedParticipant(existing *Participant, ref PartyRef, now time.Time) Participant {
	if existing != nil {
		p := *existing
		p.ReportCount++
		p.LastActive = now
		return p
	}
	return Participant{
		ID:          ref.ID,
		Name:        ref.Name,
		Handle:      ref.Handle,
		JoinedAt:    now,
		LastActive:  now,
		ReportCount: 1,
	}
}

// lastSeen is the activity timestamp used for ranking and retention.
func lastSeen(p Participant) time.Time {
	if !p.LastActive.IsZero() {
		return p.LastActive
	}
	return p.JoinedAt
}

// Retained reports whether the retention sweep keeps p. Reported
// participants are always kept for audit.
func Retained(p Participant, cutoff time.Time) bool {
	return p.ReportCount > 0 || lastSeen(p).After(cutoff)
}

// CompactParticipants keeps the keep most recently active participants,
// reduced to their essential fields.
func CompactParticipants(all map[string]Participant, keep int) map[string]Participant {
	ranked := make([]Participant, 0, len(all))
	for _, p := range all {
		ranked = append(ranked, p)
	}
	sort.Slice(ranked, func(i, j int) bool {
		return lastSeen(ranked[i]).After(lastSeen(ranked[j]))
	})
	if keep >= 0 && len(ranked) > keep {
		ranked = ranked[:keep]
	}

	out := make(map[string]Participant, len(ranked))
	for _, p := range ranked {
		out[p.ID] = p.essential()
	}
	return out
}

// CompactReports keeps the keep newest reports, preserving order.
func CompactReports(reports []Report, keep int) []Report {
	if keep < 0 || len(reports) <= keep {
		return reports
	}
	sorted := make([]Report, len(reports))
	copy(sorted, reports)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return sorted[len(sorted)-keep:]
}

// SelectReports filters reports and returns them newest first, truncated to
// limit when limit > 0.
func SelectReports(reports []Report, f ReportFilter, limit int) []Report {
	out := make([]Report, 0)
	for _, r := range reports {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
