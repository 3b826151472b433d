// Package idempotency tracks which source ids have already been notified.
//
// Each source id maps to one key. While a dispatch is in flight the key holds
// a pending marker with a lease; after a successful dispatch it holds the
// finalized SubmissionRecord, which is never overwritten or deleted.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"

	"taskrelay/internal/models"
	"taskrelay/internal/store"
)

// ErrClaimInFlight means another request holds the claim for the source id.
var ErrClaimInFlight = errors.New("idempotency: submission already in flight")

// DuplicateError is returned when the source id was already finalized.
type DuplicateError struct {
	Existing models.SubmissionRecord
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("idempotency: %s already submitted at %s", e.Existing.SourceID, e.Existing.CompletedAt.Format(time.RFC3339))
}

// Claim is the lease a request holds between Claim and Finalize/Release.
type Claim struct {
	SourceID string
	Token    string
	marker   []byte // stored pending entry; unique per token
}

// entry is the stored value. A finalized entry serializes exactly like a
// SubmissionRecord; a pending one additionally carries the claim token.
type entry struct {
	models.SubmissionRecord
	Claim     string     `json:"claim,omitempty"`
	ClaimedAt *time.Time `json:"claimedAt,omitempty"`
}

type Store struct {
	kv        store.KV
	namespace string
	claimTTL  time.Duration
	Now       func() time.Time
}

func New(kv store.KV, namespace string, claimTTL time.Duration) *Store {
	return &Store{kv: kv, namespace: namespace, claimTTL: claimTTL, Now: time.Now}
}

func (s *Store) key(sid string) string {
	return s.namespace + ":" + sid
}

func (s *Store) load(ctx context.Context, sid string) (*entry, error) {
	raw, err := s.kv.Get(ctx, s.key(sid))
	if err != nil {
		return nil, err
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", sid, err)
	}
	return &e, nil
}

// Lookup returns the finalized record for sid. Pending claims are reported as absent.
func (s *Store) Lookup(ctx context.Context, sid string) (*models.SubmissionRecord, bool, error) {
	e, err := s.load(ctx, sid)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup %s: %w", sid, err)
	}
	if !e.Done {
		return nil, false, nil
	}
	rec := e.SubmissionRecord
	return &rec, true, nil
}

// Claim atomically reserves sid for one dispatch. The reservation expires
// after the claim TTL so a crashed request cannot block the sid forever.
func (s *Store) Claim(ctx context.Context, sid string) (*Claim, error) {
	now := s.Now().UTC()
	token := ksuid.New().String()
	raw, err := json.Marshal(entry{
		SubmissionRecord: models.SubmissionRecord{SourceID: sid},
		Claim:            token,
		ClaimedAt:        &now,
	})
	if err != nil {
		return nil, err
	}

	// Two attempts: the competing entry may expire between SetNX and Get.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.kv.SetNX(ctx, s.key(sid), raw, s.claimTTL)
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", sid, err)
		}
		if ok {
			return &Claim{SourceID: sid, Token: token, marker: raw}, nil
		}
		e, err := s.load(ctx, sid)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", sid, err)
		}
		if e.Done {
			return nil, &DuplicateError{Existing: e.SubmissionRecord}
		}
		return nil, ErrClaimInFlight
	}
	return nil, ErrClaimInFlight
}

// Finalize replaces the pending marker with the done record. Every write is
// conditional on the value just read, so a finalized record is never
// overwritten even when two holders race after a lease expiry.
func (s *Store) Finalize(ctx context.Context, c *Claim, rec models.SubmissionRecord) error {
	rec.SourceID = c.SourceID
	rec.Done = true
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := s.key(c.SourceID)

	// Fast path: our own marker is still in place.
	if c.marker != nil {
		ok, err := s.kv.CompareAndSwap(ctx, key, c.marker, raw, 0)
		if err != nil {
			return fmt.Errorf("finalize %s: %w", c.SourceID, err)
		}
		if ok {
			return nil
		}
	}

	// The lease expired during dispatch. The push still happened, so record
	// it over an absent key or over another pending claim.
	for attempt := 0; attempt < 3; attempt++ {
		current, err := s.kv.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			ok, err := s.kv.SetNX(ctx, key, raw, 0)
			if err != nil {
				return fmt.Errorf("finalize %s: %w", c.SourceID, err)
			}
			if ok {
				return nil
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("finalize %s: %w", c.SourceID, err)
		}
		var e entry
		if err := json.Unmarshal(current, &e); err != nil {
			return fmt.Errorf("decode %s: %w", c.SourceID, err)
		}
		if e.Done {
			return &DuplicateError{Existing: e.SubmissionRecord}
		}
		ok, err := s.kv.CompareAndSwap(ctx, key, current, raw, 0)
		if err != nil {
			return fmt.Errorf("finalize %s: %w", c.SourceID, err)
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("finalize %s: %w", c.SourceID, ErrClaimInFlight)
}

// Release drops our pending claim so the sid can be retried. Claims held by
// other requests and finalized records are left alone.
func (s *Store) Release(ctx context.Context, c *Claim) error {
	if c.marker == nil {
		return nil
	}
	if _, err := s.kv.CompareAndDelete(ctx, s.key(c.SourceID), c.marker); err != nil {
		return fmt.Errorf("release %s: %w", c.SourceID, err)
	}
	return nil
}

// ClaimAndFinalize writes rec only if nothing is stored for its sid yet, in a
// single conditional write. It reports the existing record on conflict.
func (s *Store) ClaimAndFinalize(ctx context.Context, rec models.SubmissionRecord) (bool, *models.SubmissionRecord, error) {
	rec.Done = true
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, nil, err
	}
	ok, err := s.kv.SetNX(ctx, s.key(rec.SourceID), raw, 0)
	if err != nil {
		return false, nil, fmt.Errorf("finalize %s: %w", rec.SourceID, err)
	}
	if ok {
		return true, nil, nil
	}
	e, err := s.load(ctx, rec.SourceID)
	if err != nil {
		return false, nil, fmt.Errorf("finalize %s: %w", rec.SourceID, err)
	}
	if !e.Done {
		return false, nil, ErrClaimInFlight
	}
	existing := e.SubmissionRecord
	return false, &existing, nil
}
