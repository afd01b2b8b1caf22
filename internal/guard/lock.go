package guard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"overseer/internal/config"
	"overseer/internal/domain"
	"overseer/internal/repo"
)

// ErrLockTimeout means contention exceeded the wait budget. Callers may retry
// with backoff.
var ErrLockTimeout = errors.New("lock timeout")

// ErrReleaseDenied means the presented lock ID does not match the current
// holder. The lock is left in place; callers report the attempt as a
// security anomaly.
var ErrReleaseDenied = errors.New("release denied")

type LockTimeoutError struct {
	FilePath string
	Waited   time.Duration
}

func (e LockTimeoutError) Error() string {
	return fmt.Sprintf("lock on %s not acquired within %s", e.FilePath, e.Waited)
}

func (e LockTimeoutError) Is(target error) bool { return target == ErrLockTimeout }

// LockManager serializes writers per document path. Locks self-expire so a
// crashed holder never wedges the path.
type LockManager interface {
	Acquire(ctx context.Context, filePath, owner string) (domain.DocumentLock, error)
	Release(ctx context.Context, filePath, lockID string) error
	ForceRelease(ctx context.Context, filePath string) (domain.DocumentLock, error)
	Holder(ctx context.Context, filePath string) (domain.DocumentLock, error)
}

// FileLockManager implements LockManager with an atomic create-if-absent
// file primitive. It is cooperative and crash tolerant rather than
// kernel-level, because the protected resource is visible to multiple
// independent processes that may terminate abnormally.
type FileLockManager struct {
	Dir     string
	TTL     time.Duration
	Poll    time.Duration
	Timeout time.Duration
	Now     func() time.Time
}

func NewFileLockManager(dir string, cfg *config.Config) *FileLockManager {
	return &FileLockManager{
		Dir:     dir,
		TTL:     time.Duration(cfg.Documents.LockTTLSeconds) * time.Second,
		Poll:    time.Duration(cfg.Documents.LockPollMillis) * time.Millisecond,
		Timeout: time.Duration(cfg.Documents.LockTimeoutSeconds) * time.Second,
		Now:     time.Now,
	}
}

func (m *FileLockManager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// lockPath keys the handle by a stable hash of the target path so arbitrary
// document paths map to flat names under Dir.
func (m *FileLockManager) lockPath(filePath string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(filePath)))
	return filepath.Join(m.Dir, hex.EncodeToString(sum[:])+".lock")
}

// Acquire attempts the atomic create, reclaiming expired locks, and polls
// until the wait budget runs out.
func (m *FileLockManager) Acquire(ctx context.Context, filePath, owner string) (domain.DocumentLock, error) {
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return domain.DocumentLock{}, err
	}
	handle := m.lockPath(filePath)
	deadline := m.now().Add(m.Timeout)
	for {
		lock, err := m.tryAcquire(handle, filePath, owner)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return domain.DocumentLock{}, err
		}
		if existing, readErr := readLockFile(handle); readErr == nil {
			if expired(existing, m.now()) {
				// Abandoned by a dead holder; reclaim and retry immediately.
				_ = os.Remove(handle)
				continue
			}
		}
		if m.now().After(deadline) {
			return domain.DocumentLock{}, LockTimeoutError{FilePath: filePath, Waited: m.Timeout}
		}
		select {
		case <-ctx.Done():
			return domain.DocumentLock{}, ctx.Err()
		case <-time.After(m.Poll):
		}
	}
}

func (m *FileLockManager) tryAcquire(handle, filePath, owner string) (domain.DocumentLock, error) {
	now := m.now().UTC()
	lock := domain.DocumentLock{
		LockID:     uuid.NewString(),
		FilePath:   filePath,
		Owner:      owner,
		AcquiredAt: now.Format(time.RFC3339),
		ExpiresAt:  now.Add(m.TTL).Format(time.RFC3339),
	}
	f, err := os.OpenFile(handle, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return domain.DocumentLock{}, err
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(lock); err != nil {
		f.Close()
		os.Remove(handle)
		return domain.DocumentLock{}, err
	}
	if err := f.Close(); err != nil {
		os.Remove(handle)
		return domain.DocumentLock{}, err
	}
	return lock, nil
}

// Release removes the lock only when the presented ID matches the holder.
func (m *FileLockManager) Release(ctx context.Context, filePath, lockID string) error {
	handle := m.lockPath(filePath)
	existing, err := readLockFile(handle)
	if err != nil {
		if os.IsNotExist(err) {
			return repo.ErrNotFound
		}
		return err
	}
	if existing.LockID != lockID {
		return fmt.Errorf("%w: lock on %s held by another owner", ErrReleaseDenied, filePath)
	}
	return os.Remove(handle)
}

// ForceRelease removes the lock regardless of holder and returns what was
// evicted so the caller can log it.
func (m *FileLockManager) ForceRelease(ctx context.Context, filePath string) (domain.DocumentLock, error) {
	handle := m.lockPath(filePath)
	existing, err := readLockFile(handle)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.DocumentLock{}, repo.ErrNotFound
		}
		return domain.DocumentLock{}, err
	}
	if err := os.Remove(handle); err != nil {
		return domain.DocumentLock{}, err
	}
	return existing, nil
}

// Holder returns the current live lock for a path, or ErrNotFound when the
// path is free or the lock has expired.
func (m *FileLockManager) Holder(ctx context.Context, filePath string) (domain.DocumentLock, error) {
	existing, err := readLockFile(m.lockPath(filePath))
	if err != nil {
		if os.IsNotExist(err) {
			return domain.DocumentLock{}, repo.ErrNotFound
		}
		return domain.DocumentLock{}, err
	}
	if expired(existing, m.now()) {
		return domain.DocumentLock{}, repo.ErrNotFound
	}
	return existing, nil
}

func readLockFile(handle string) (domain.DocumentLock, error) {
	data, err := os.ReadFile(handle)
	if err != nil {
		return domain.DocumentLock{}, err
	}
	var lock domain.DocumentLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return domain.DocumentLock{}, err
	}
	return lock, nil
}

func expired(lock domain.DocumentLock, now time.Time) bool {
	expiresAt, err := time.Parse(time.RFC3339, lock.ExpiresAt)
	if err != nil {
		// Unreadable expiry means an interrupted write; treat as abandoned.
		return true
	}
	return now.After(expiresAt)
}
