package guard

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"overseer/internal/domain"
	"overseer/internal/repo"
)

// ErrChainIntegrity marks a changelog tamper or break. Never auto-recovered;
// surfaced at CRITICAL severity.
var ErrChainIntegrity = errors.New("chain integrity violation")

type ChainIntegrityError struct {
	EntryID int64
}

func (e ChainIntegrityError) Error() string {
	return fmt.Sprintf("changelog chain broken at entry %d", e.EntryID)
}

func (e ChainIntegrityError) Is(target error) bool { return target == ErrChainIntegrity }

// Digest links an entry to its predecessor. Any out-of-band edit breaks the
// link for every subsequent entry.
func Digest(previousDigest, body string) string {
	sum := sha256.Sum256([]byte(previousDigest + body))
	return hex.EncodeToString(sum[:])
}

// Chain appends to and verifies the hash-chained changelog.
type Chain struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (c Chain) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Append writes one entry inside the caller's transaction, linking it to the
// current tail. The chain is global, so per-path document locks do not order
// appends; transactions begin with the write lock held (see db.Open), which
// serializes the read-tail-then-insert pair across paths and connections.
func (c Chain) Append(ctx context.Context, tx *sql.Tx, body, result, filePath string, grade PathGrade, actorID string) (domain.ChangelogEntry, error) {
	prev := domain.GenesisDigest
	last, err := c.Repo.LastChangelogEntry(ctx, tx)
	if err == nil {
		prev = last.CurrentDigest
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.ChangelogEntry{}, err
	}
	entry := domain.ChangelogEntry{
		TS:             c.now().UTC().Format(time.RFC3339),
		PreviousDigest: prev,
		Body:           body,
		CurrentDigest:  Digest(prev, body),
		Result:         result,
		FilePath:       filePath,
		Grade:          string(grade),
		ActorID:        actorID,
	}
	entry.ID, err = c.Repo.InsertChangelogEntry(ctx, tx, entry)
	if err != nil {
		return domain.ChangelogEntry{}, err
	}
	return entry, nil
}

// VerifyResult reports the outcome of an end-to-end chain walk. BreakAt is
// the first entry whose link does not hold.
type VerifyResult struct {
	Valid   bool   `json:"valid"`
	Entries int    `json:"entries"`
	BreakAt *int64 `json:"break_at,omitempty"`
}

// Verify re-walks the whole sequence and checks every digest link. It stops
// at the first break; everything after a break is unverifiable anyway.
func (c Chain) Verify(ctx context.Context) (VerifyResult, error) {
	res := VerifyResult{Valid: true}
	expected := domain.GenesisDigest
	err := c.Repo.WalkChangelog(ctx, func(e domain.ChangelogEntry) error {
		res.Entries++
		if e.PreviousDigest != expected || Digest(e.PreviousDigest, e.Body) != e.CurrentDigest {
			res.Valid = false
			id := e.ID
			res.BreakAt = &id
			return ChainIntegrityError{EntryID: e.ID}
		}
		expected = e.CurrentDigest
		return nil
	})
	if err != nil && !errors.Is(err, ErrChainIntegrity) {
		return VerifyResult{}, err
	}
	return res, nil
}
