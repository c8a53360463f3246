package taskrun

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxIdempotencyKeyLength is the longest accepted key, in characters.
const MaxIdempotencyKeyLength = 128

// NormalizeKey trims the raw header value. ok is false when no key was
// supplied.
func NormalizeKey(raw string) (key string, ok bool, err error) {
	key = strings.TrimSpace(raw)
	if key == "" {
		return "", false, nil
	}
	if utf8.RuneCountInString(key) > MaxIdempotencyKeyLength {
		return "", false, ErrInvalidIdempotencyKey
	}
	return key, true, nil
}

// Fingerprint hashes the fields that make two start requests equivalent.
func Fingerprint(taskID, agentID int64) string {
	sum := sha256.Sum256([]byte(strconv.FormatInt(taskID, 10) + ":" + strconv.FormatInt(agentID, 10)))
	return hex.EncodeToString(sum[:])
}

// Guard deduplicates start requests by idempotency key.
type Guard struct {
	now func() time.Time
}

// NewGuard returns a guard stamping records with the wall clock.
func NewGuard() *Guard {
	return &Guard{now: time.Now}
}

// Lookup returns the run previously registered under key, nil when the key
// is unused, or ErrIdempotencyConflict when the key belongs to a different
// request.
func (g *Guard) Lookup(ctx context.Context, tx Tx, key, fingerprint string) (*Run, error) {
	rec, err := tx.FindIdempotency(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	if rec.RequestHash != fingerprint {
		return nil, ErrIdempotencyConflict
	}
	run, err := tx.GetRun(ctx, rec.RunID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrTaskRunNotFound
	}
	return run, nil
}

// Register maps key to run. When another request registered the key first
// the winner's run is returned instead. If the winner cannot be read back the
// uniqueness violation is returned unchanged.
func (g *Guard) Register(ctx context.Context, tx Tx, key, fingerprint string, run *Run) (*Run, error) {
	err := tx.InsertIdempotency(ctx, &IdempotencyRecord{
		Key:         key,
		RequestHash: fingerprint,
		RunID:       run.ID,
		CreatedAt:   g.now().UTC(),
	})
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, ErrIdempotencyKeyTaken) {
		return nil, err
	}
	winner, lookupErr := g.Lookup(ctx, tx, key, fingerprint)
	if lookupErr != nil {
		return nil, lookupErr
	}
	if winner == nil {
		return nil, err
	}
	return winner, nil
}
