package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempWAL(t *testing.T) (*WAL, string) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := Open(path, false)
	require.NoError(t, err)
	return w, path
}

func TestAppendAndReplay(t *testing.T) {
	w, _ := tempWAL(t)

	for i := 1; i <= 5; i++ {
		cmd := []byte(fmt.Sprintf(`{"op":%d}`, i))
		require.NoError(t, w.Append(int64(i), 1, cmd))
	}

	var got []Record
	require.NoError(t, w.Replay(func(rec Record) error {
		got = append(got, rec)
		return nil
	}))

	require.Len(t, got, 5)
	for i, rec := range got {
		assert.Equal(t, uint64(i+1), rec.Seq)
		assert.Equal(t, int64(i+1), rec.Index)
		assert.True(t, rec.Verify())
	}

	require.NoError(t, w.Close())
}

func TestReopenResumesSequence(t *testing.T) {
	w, path := tempWAL(t)
	require.NoError(t, w.Append(1, 1, []byte(`{}`)))
	require.NoError(t, w.Append(2, 1, []byte(`{}`)))
	require.NoError(t, w.Close())

	reopened, err := Open(path, false)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, uint64(2), reopened.LastSeq())
	require.NoError(t, reopened.Append(3, 1, []byte(`{}`)))

	count := 0
	require.NoError(t, reopened.Replay(func(rec Record) error {
		count++
		assert.Equal(t, uint64(count), rec.Seq)
		return nil
	}))
	assert.Equal(t, 3, count)
}

func TestReplayDetectsCorruption(t *testing.T) {
	w, path := tempWAL(t)
	require.NoError(t, w.Append(1, 1, []byte(`{"payload":"important"}`)))
	require.NoError(t, w.Close())

	// Flip bytes in the middle of the record.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(data), 22)
	data[20], data[21] = 'X', 'X'
	require.NoError(t, os.WriteFile(path, data, 0o644))

	reopened, err := Open(path, false)
	require.NoError(t, err)
	defer reopened.Close()

	err = reopened.Replay(func(rec Record) error { return nil })
	assert.Error(t, err)
}

func TestRotateStartsFresh(t *testing.T) {
	w, path := tempWAL(t)
	require.NoError(t, w.Append(1, 1, []byte(`{}`)))
	require.NoError(t, w.Rotate())
	defer w.Close()

	assert.Equal(t, uint64(0), w.LastSeq())

	count := 0
	require.NoError(t, w.Replay(func(rec Record) error {
		count++
		return nil
	}))
	assert.Equal(t, 0, count, "rotated log starts empty")

	// The old records are preserved in a backup alongside.
	matches, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.NotEmpty(t, matches)
}

func TestAppendAfterCloseFails(t *testing.T) {
	w, _ := tempWAL(t)
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Append(1, 1, []byte(`{}`)), ErrClosed)
}
