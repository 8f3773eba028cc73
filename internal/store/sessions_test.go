package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claudebroker/internal/core"
)

func TestSessionCreateAndGet(t *testing.T) {
	sessions := OpenSessions(t.TempDir())
	sess, err := sessions.Create(NewSession{Model: "m1", ProjectPath: "/work"})
	require.NoError(t, err)

	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, core.SessionStatusActive, sess.Status)
	assert.Zero(t, sess.TotalCostUSD)
	assert.Zero(t, sess.MessagesCount)

	got, err := sessions.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "m1", got.Model)
}

func TestSessionCreateHonorsExplicitID(t *testing.T) {
	sessions := OpenSessions(t.TempDir())
	sess, err := sessions.Create(NewSession{ID: "executor-issued", Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "executor-issued", sess.ID)
}

func TestSessionGetUnknown(t *testing.T) {
	sessions := OpenSessions(t.TempDir())
	_, err := sessions.Get("nope")
	require.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestSessionAccrual(t *testing.T) {
	sessions := OpenSessions(t.TempDir())
	sess, err := sessions.Create(NewSession{Model: "m"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = sessions.AddCost(sess.ID, 0.01)
		require.NoError(t, err)
		_, err = sessions.IncrementMessages(sess.ID)
		require.NoError(t, err)
	}

	got, err := sessions.Get(sess.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.03, got.TotalCostUSD, 1e-9)
	assert.Equal(t, 3, got.MessagesCount)
}

func TestSessionListOrdersByRecentActivity(t *testing.T) {
	sessions := OpenSessions(t.TempDir())
	older, err := sessions.Create(NewSession{Model: "m"})
	require.NoError(t, err)
	newer, err := sessions.Create(NewSession{Model: "m"})
	require.NoError(t, err)

	// Touch the older session so it becomes the most recently updated.
	time.Sleep(5 * time.Millisecond)
	_, err = sessions.IncrementMessages(older.ID)
	require.NoError(t, err)

	list, err := sessions.List(SessionFilter{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, older.ID, list[0].ID)
	assert.Equal(t, newer.ID, list[1].ID)
}

func TestSessionListFilters(t *testing.T) {
	sessions := OpenSessions(t.TempDir())
	a, err := sessions.Create(NewSession{Model: "m", ProjectPath: "/a"})
	require.NoError(t, err)
	_, err = sessions.Create(NewSession{Model: "m", ProjectPath: "/b"})
	require.NoError(t, err)

	archived := core.SessionStatusArchived
	_, err = sessions.Update(a.ID, SessionPatch{Status: &archived})
	require.NoError(t, err)

	list, err := sessions.List(SessionFilter{Status: &archived})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)

	list, err = sessions.List(SessionFilter{ProjectPath: "/b"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "/b", list[0].ProjectPath)
}

func TestSessionSearch(t *testing.T) {
	sessions := OpenSessions(t.TempDir())
	tagged, err := sessions.Create(NewSession{
		Model:    "m",
		Metadata: map[string]any{"label": "Nightly Refactor"},
	})
	require.NoError(t, err)
	_, err = sessions.Create(NewSession{Model: "m"})
	require.NoError(t, err)

	// Metadata match is case-insensitive.
	found, err := sessions.Search("nightly", 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, tagged.ID, found[0].ID)

	// Id substring match.
	found, err = sessions.Search(tagged.ID[:8], 0)
	require.NoError(t, err)
	require.NotEmpty(t, found)
	assert.Equal(t, tagged.ID, found[0].ID)
}

func TestSessionCleanup(t *testing.T) {
	sessions := OpenSessions(t.TempDir())
	stale, err := sessions.Create(NewSession{Model: "m"})
	require.NoError(t, err)
	fresh, err := sessions.Create(NewSession{Model: "m"})
	require.NoError(t, err)

	past := time.Now().UTC().AddDate(0, 0, -45)
	require.NoError(t, sessions.doc.Update(func(d *sessionsDoc) error {
		for i := range d.Sessions {
			if d.Sessions[i].ID == stale.ID {
				d.Sessions[i].UpdatedAt = past
			}
		}
		return nil
	}))

	deleted, err := sessions.Cleanup(30)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = sessions.Get(stale.ID)
	require.ErrorIs(t, err, core.ErrSessionNotFound)
	_, err = sessions.Get(fresh.ID)
	require.NoError(t, err)
}

func TestSessionStats(t *testing.T) {
	sessions := OpenSessions(t.TempDir())
	a, err := sessions.Create(NewSession{Model: "m"})
	require.NoError(t, err)
	b, err := sessions.Create(NewSession{Model: "m"})
	require.NoError(t, err)

	_, err = sessions.AddCost(a.ID, 1.5)
	require.NoError(t, err)
	_, err = sessions.IncrementMessages(a.ID)
	require.NoError(t, err)
	archived := core.SessionStatusArchived
	_, err = sessions.Update(b.ID, SessionPatch{Status: &archived})
	require.NoError(t, err)

	stats, err := sessions.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Archived)
	assert.InDelta(t, 1.5, stats.TotalCostUSD, 1e-9)
	assert.Equal(t, 1, stats.TotalMessages)
}
