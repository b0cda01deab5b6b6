// Package pidlock guarantees a single daemon owns a given listen address.
// Each lock is a JSON file under <home>/pids/ created with O_EXCL; a stale
// file left by a dead process is detected and reclaimed.
package pidlock

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// Record is the content of a lock file.
type Record struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
	Hostname  string    `json:"hostname"`
	UID       int       `json:"uid"`
	SockPath  string    `json:"sockPath,omitempty"`
	Listen    string    `json:"listen"`
}

// CollisionError reports that another live process holds the lock.
type CollisionError struct {
	Existing Record
	Path     string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("listen address %s is locked by pid %d (started %s)",
		e.Existing.Listen, e.Existing.PID, e.Existing.StartedAt.Format(time.RFC3339))
}

// Lock is an acquired PID lock.
type Lock struct {
	path   string
	record Record
}

// lockKey derives the lock file name from a listen address. host:port maps to
// host_port.pid; anything else (unix socket paths) is hashed.
func lockKey(listen string) string {
	clean := strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(listen)
	if clean == "" || len(clean) > 100 || strings.HasPrefix(clean, ".") {
		sum := sha256.Sum256([]byte(listen))
		clean = hex.EncodeToString(sum[:])[:16]
	}
	return clean + ".pid"
}

// Path returns the lock file path for a listen address.
func Path(home, listen string) string {
	return filepath.Join(home, "pids", lockKey(listen))
}

// Acquire takes the lock for a listen address. On collision with a live
// owner it returns a *CollisionError; a stale lock is deleted and the
// acquisition retried once.
func Acquire(home, listen string) (*Lock, error) {
	dir := filepath.Join(home, "pids")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create pid dir: %w", err)
	}
	migrateLegacy(home, dir, listen)

	path := filepath.Join(dir, lockKey(listen))
	hostname, _ := os.Hostname()
	record := Record{
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC(),
		Hostname:  hostname,
		UID:       os.Getuid(),
		Listen:    listen,
	}

	for attempt := 0; attempt < 2; attempt++ {
		err := writeExclusive(path, record)
		if err == nil {
			return &Lock{path: path, record: record}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}

		existing, readErr := readRecord(path)
		if readErr != nil {
			// Unreadable lock file counts as stale.
			_ = os.Remove(path)
			continue
		}
		if existing.PID == record.PID {
			// Re-acquire by the same process.
			return &Lock{path: path, record: *existing}, nil
		}
		if pidAlive(existing.PID) {
			return nil, &CollisionError{Existing: *existing, Path: path}
		}
		_ = os.Remove(path)
	}
	return nil, fmt.Errorf("pid lock %s: could not acquire after stale cleanup", path)
}

// Release deletes the lock file, but only while this process still owns it.
func (l *Lock) Release() error {
	existing, err := readRecord(l.path)
	if err != nil {
		return nil
	}
	if existing.PID != l.record.PID {
		return nil
	}
	return os.Remove(l.path)
}

// Record returns the owner record.
func (l *Lock) Record() Record {
	return l.record
}

// List enumerates the lock records under home, garbage-collecting stale ones.
func List(home string) ([]Record, error) {
	dir := filepath.Join(home, "pids")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pid") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		record, err := readRecord(path)
		if err != nil || !pidAlive(record.PID) {
			_ = os.Remove(path)
			continue
		}
		out = append(out, *record)
	}
	return out, nil
}

// Read returns the current lock record for a listen address, or nil when the
// address is unlocked or the lock is stale.
func Read(home, listen string) (*Record, error) {
	record, err := readRecord(Path(home, listen))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if !pidAlive(record.PID) {
		return nil, nil
	}
	return record, nil
}

// migrateLegacy moves a pre-1.0 <home>/junction.pid into the pids directory.
func migrateLegacy(home, dir, listen string) {
	legacy := filepath.Join(home, "junction.pid")
	if _, err := os.Stat(legacy); err != nil {
		return
	}
	target := filepath.Join(dir, lockKey(listen))
	if _, err := os.Stat(target); err == nil {
		_ = os.Remove(legacy)
		return
	}
	_ = os.Rename(legacy, target)
}

func writeExclusive(path string, record Record) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(record); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("write pid lock: %w", err)
	}
	return f.Close()
}

func readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("parse pid lock %s: %w", path, err)
	}
	if record.PID <= 0 {
		return nil, fmt.Errorf("pid lock %s has no pid", path)
	}
	return &record, nil
}

// pidAlive probes a pid with signal 0.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
