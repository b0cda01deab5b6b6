package pidlock

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	home := t.TempDir()

	lock, err := Acquire(home, "127.0.0.1:6767")
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), lock.Record().PID)

	path := Path(home, "127.0.0.1:6767")
	assert.FileExists(t, path)
	assert.Equal(t, "127.0.0.1_6767.pid", filepath.Base(path))

	require.NoError(t, lock.Release())
	assert.NoFileExists(t, path)
}

func TestAcquireReacquireSameProcess(t *testing.T) {
	home := t.TempDir()

	first, err := Acquire(home, "127.0.0.1:6767")
	require.NoError(t, err)
	defer first.Release()

	// The same process may re-acquire its own lock.
	second, err := Acquire(home, "127.0.0.1:6767")
	require.NoError(t, err)
	assert.Equal(t, first.Record().PID, second.Record().PID)
}

func TestAcquireCollisionWithLivePid(t *testing.T) {
	home := t.TempDir()
	path := Path(home, "127.0.0.1:6767")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	// PID 1 is always alive and never ours.
	other := Record{PID: 1, StartedAt: time.Now().UTC(), Listen: "127.0.0.1:6767"}
	data, err := json.Marshal(other)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Acquire(home, "127.0.0.1:6767")
	require.Error(t, err)

	var collision *CollisionError
	require.ErrorAs(t, err, &collision)
	assert.Equal(t, 1, collision.Existing.PID)
}

func TestAcquireReclaimsStaleLock(t *testing.T) {
	home := t.TempDir()
	path := Path(home, "127.0.0.1:6767")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	stale := Record{PID: 999999999, StartedAt: time.Now().UTC(), Listen: "127.0.0.1:6767"}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	lock, err := Acquire(home, "127.0.0.1:6767")
	require.NoError(t, err)
	defer lock.Release()
	assert.Equal(t, os.Getpid(), lock.Record().PID)
}

func TestAcquireReclaimsUnreadableLock(t *testing.T) {
	home := t.TempDir()
	path := Path(home, "127.0.0.1:6767")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	lock, err := Acquire(home, "127.0.0.1:6767")
	require.NoError(t, err)
	defer lock.Release()
}

func TestReleaseLeavesForeignLock(t *testing.T) {
	home := t.TempDir()

	lock, err := Acquire(home, "127.0.0.1:6767")
	require.NoError(t, err)

	// Simulate another process taking over the file.
	path := Path(home, "127.0.0.1:6767")
	other := Record{PID: 1, StartedAt: time.Now().UTC(), Listen: "127.0.0.1:6767"}
	data, err := json.Marshal(other)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	require.NoError(t, lock.Release())
	assert.FileExists(t, path, "release must not delete a lock it no longer owns")
}

func TestListGarbageCollectsStale(t *testing.T) {
	home := t.TempDir()

	live, err := Acquire(home, "127.0.0.1:6767")
	require.NoError(t, err)
	defer live.Release()

	stalePath := Path(home, "127.0.0.1:7878")
	stale := Record{PID: 999999999, StartedAt: time.Now().UTC(), Listen: "127.0.0.1:7878"}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(stalePath, data, 0o644))

	records, err := List(home)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, os.Getpid(), records[0].PID)
	assert.NoFileExists(t, stalePath)
}

func TestReadUnlockedAddress(t *testing.T) {
	home := t.TempDir()
	record, err := Read(home, "127.0.0.1:6767")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestLegacyMigration(t *testing.T) {
	home := t.TempDir()
	legacy := filepath.Join(home, "junction.pid")
	record := Record{PID: os.Getpid(), StartedAt: time.Now().UTC(), Listen: "127.0.0.1:6767"}
	data, err := json.Marshal(record)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(legacy, data, 0o644))

	lock, err := Acquire(home, "127.0.0.1:6767")
	require.NoError(t, err)
	defer lock.Release()

	assert.NoFileExists(t, legacy)
	assert.Equal(t, os.Getpid(), lock.Record().PID)
}
