package journal

import (
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), log)
	if err != nil {
		t.Fatalf("failed to open test journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordAcceptAndOutcome(t *testing.T) {
	j := newTestJournal(t)

	accepted := time.Now()
	id, err := j.RecordAccept("127.0.0.1:50000", accepted)
	require.NoError(t, err)

	entry, err := j.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:50000", entry.Peer)
	assert.Equal(t, accepted.UnixMicro(), entry.AcceptedAt)
	assert.Nil(t, entry.FinishedAt)
	assert.Nil(t, entry.Error)

	finished := accepted.Add(3 * time.Millisecond)
	require.NoError(t, j.RecordOutcome(id, finished, 5, 5, nil))

	entry, err = j.Get(id)
	require.NoError(t, err)
	require.NotNil(t, entry.FinishedAt)
	assert.Equal(t, finished.UnixMicro(), *entry.FinishedAt)
	assert.Equal(t, int64(5), entry.BytesRead)
	assert.Equal(t, int64(5), entry.BytesWritten)
	assert.Nil(t, entry.Error)
}

func TestRecordOutcomeStoresError(t *testing.T) {
	j := newTestJournal(t)

	id, err := j.RecordAccept("127.0.0.1:50001", time.Now())
	require.NoError(t, err)
	require.NoError(t, j.RecordOutcome(id, time.Now(), 0, 0, errors.New("connection reset by peer")))

	entry, err := j.Get(id)
	require.NoError(t, err)
	require.NotNil(t, entry.Error)
	assert.Equal(t, "connection reset by peer", *entry.Error)

	failures, err := j.CountFailures()
	require.NoError(t, err)
	assert.Equal(t, int64(1), failures)
}

func TestRecordOutcomeUnknownID(t *testing.T) {
	j := newTestJournal(t)

	err := j.RecordOutcome(999, time.Now(), 0, 0, nil)
	assert.ErrorIs(t, err, ErrEntryNotFound)

	_, err = j.Get(999)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestListReturnsAcceptOrder(t *testing.T) {
	j := newTestJournal(t)

	base := time.Now()
	for i := 0; i < 3; i++ {
		_, err := j.RecordAccept("peer", base.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, err)
	}

	entries, err := j.List(10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i := 1; i < len(entries); i++ {
		assert.Less(t, entries[i-1].ID, entries[i].ID)
		assert.Less(t, entries[i-1].AcceptedAt, entries[i].AcceptedAt)
	}

	limited, err := j.List(2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestPrune(t *testing.T) {
	j := newTestJournal(t)

	_, err := j.RecordAccept("old", time.Now().Add(-48*time.Hour))
	require.NoError(t, err)
	_, err = j.RecordAccept("new", time.Now())
	require.NoError(t, err)

	removed, err := j.Prune(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	entries, err := j.List(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "new", entries[0].Peer)
}

func TestReopenKeepsSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	log := logrus.New()
	log.SetOutput(io.Discard)

	j, err := Open(path, log)
	require.NoError(t, err)
	_, err = j.RecordAccept("peer", time.Now())
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j, err = Open(path, log)
	require.NoError(t, err)
	defer j.Close()

	version, err := currentVersion(j.conn)
	require.NoError(t, err)

	migrations, err := loadMigrations()
	require.NoError(t, err)
	assert.Equal(t, migrations[len(migrations)-1].Version, version)

	entries, err := j.List(10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
