package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNextReportID(t *testing.T) {
	assert.Equal(t, t0.UnixMilli(), NextReportID(0, t0))
	assert.Equal(t, t0.UnixMilli()+1, NextReportID(t0.UnixMilli(), t0))
	// Clock going backwards still yields a larger id.
	assert.Equal(t, t0.UnixMilli()+6, NextReportID(t0.UnixMilli()+5, t0.Add(-time.Hour)))
}

func TestMergeProfile_KeepsCounters(t *testing.T) {
	warned := t0.Add(-time.Hour)
	existing := &Participant{
		ID:           "u1",
		Name:         "Old",
		JoinedAt:     t0.Add(-48 * time.Hour),
		ReportCount:  2,
		WarningCount: 1,
		LastWarning:  &warned,
	}

	p := MergeProfile(existing, Profile{ID: "u1", Name: "New", Locale: "fr"}, t0)
	assert.Equal(t, "New", p.Name)
	assert.Equal(t, "fr", p.Locale)
	assert.Equal(t, existing.JoinedAt, p.JoinedAt)
	assert.Equal(t, t0, p.LastActive)
	assert.Equal(t, 2, p.ReportCount)
	assert.Equal(t, 1, p.WarningCount)
	assert.Equal(t, &warned, p.LastWarning)

	fresh := MergeProfile(nil, Profile{ID: "u2", Name: "Bo"}, t0)
	assert.Equal(t, t0, fresh.JoinedAt)
	assert.Zero(t, fresh.ReportCount)
}

func TestReportedParticipant(t *testing.T) {
	p := ReportedParticipant(nil, PartyRef{ID: "b", Name: "B", Handle: "bee"}, t0)
	assert.Equal(t, 1, p.ReportCount)
	assert.Equal(t, "bee", p.Handle)

	p = ReportedParticipant(&p, PartyRef{ID: "b"}, t0.Add(time.Minute))
	assert.Equal(t, 2, p.ReportCount)
	assert.Equal(t, "B", p.Name, "existing profile wins over the report reference")
}

func TestRetained(t *testing.T) {
	cutoff := t0.Add(-30 * 24 * time.Hour)

	assert.True(t, Retained(Participant{LastActive: t0}, cutoff))
	assert.False(t, Retained(Participant{LastActive: cutoff.Add(-time.Second)}, cutoff))
	assert.True(t, Retained(Participant{LastActive: cutoff.Add(-time.Hour), ReportCount: 1}, cutoff))
	// Records without lastActive fall back to the join time.
	assert.False(t, Retained(Participant{JoinedAt: cutoff.Add(-time.Hour)}, cutoff))
}

func TestCompactParticipants(t *testing.T) {
	all := map[string]Participant{
		"a": {ID: "a", LastActive: t0.Add(-3 * time.Hour), Locale: "en"},
		"b": {ID: "b", LastActive: t0.Add(-1 * time.Hour), Locale: "en", WarningCount: 2},
		"c": {ID: "c", LastActive: t0.Add(-2 * time.Hour), Locale: "en"},
	}

	out := CompactParticipants(all, 2)
	require.Len(t, out, 2)
	assert.Contains(t, out, "b")
	assert.Contains(t, out, "c")
	assert.Empty(t, out["b"].Locale)
	assert.Zero(t, out["b"].WarningCount)
}

func TestCompactReports(t *testing.T) {
	reports := []Report{{ID: 3}, {ID: 1}, {ID: 2}}
	out := CompactReports(reports, 2)
	assert.Equal(t, []Report{{ID: 2}, {ID: 3}}, out)

	assert.Len(t, CompactReports(reports, 10), 3)
}

func TestSelectReports(t *testing.T) {
	reports := []Report{
		{ID: 1, CreatedAt: t0, Status: ReportPending, Reporter: PartyRef{ID: "a"}, Reported: PartyRef{ID: "b"}},
		{ID: 2, CreatedAt: t0.Add(time.Minute), Status: ReportBlocked, Reporter: PartyRef{ID: "c"}, Reported: PartyRef{ID: "b"}},
		{ID: 3, CreatedAt: t0.Add(2 * time.Minute), Status: ReportPending, Reporter: PartyRef{ID: "b"}, Reported: PartyRef{ID: "d"}},
	}

	out := SelectReports(reports, ReportFilter{}, 0)
	require.Len(t, out, 3)
	assert.Equal(t, int64(3), out[0].ID)

	out = SelectReports(reports, ReportFilter{Status: ReportPending}, 0)
	assert.Len(t, out, 2)

	out = SelectReports(reports, ReportFilter{InvolvedID: "b"}, 2)
	require.Len(t, out, 2)
	assert.Equal(t, int64(3), out[0].ID)

	out = SelectReports(reports, ReportFilter{Before: t0.Add(time.Minute)}, 0)
	require.Len(t, out, 1)
	assert.Equal(t, int64(1), out[0].ID)
}

func TestReportStatusValid(t *testing.T) {
	assert.True(t, ReportPending.Valid())
	assert.True(t, ReportBlocked.Valid())
	assert.True(t, ReportIgnored.Valid())
	assert.False(t, ReportStatus("archived").Valid())
}
