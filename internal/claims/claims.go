// Package claims holds the single table of exclusive write-control grants.
// Every surface (multiplexed socket, dedicated socket, REST) reads and
// mutates the same Table.
package claims

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/tchow-twistedxcom/tmux-collab/internal/protocol"
)

var (
	// ErrNotOperator is returned when the requester's role is below operator.
	ErrNotOperator = errors.New("operator role required")
	// ErrClaimed is returned when another user holds the claim.
	ErrClaimed = errors.New("session is claimed by another user")
	// ErrNotClaimed is returned when no claim exists (or the caller lacks it).
	ErrNotClaimed = errors.New("session is not claimed")
	// ErrPermissionDenied is returned when releasing someone else's claim
	// without admin role.
	ErrPermissionDenied = errors.New("only the holder or an admin can release")
)

// Claim is an exclusive write-control grant over one session.
type Claim struct {
	Session    string
	UserID     string
	UserName   string
	AcquiredAt time.Time
	ExpiresAt  time.Time // zero means no expiry
}

// Expired reports whether c has an expiry at or before now.
func (c Claim) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Wire converts c to its protocol form.
func (c Claim) Wire() protocol.Claim {
	w := protocol.Claim{
		Session:    c.Session,
		UserID:     c.UserID,
		UserName:   c.UserName,
		AcquiredAt: c.AcquiredAt,
	}
	if !c.ExpiresAt.IsZero() {
		exp := c.ExpiresAt
		w.ExpiresAt = &exp
	}
	return w
}

// Outcome describes what Acquire did.
type Outcome int

const (
	Granted Outcome = iota + 1
	AlreadyHeld
	Overridden
)

// AcquireResult is returned by a successful Acquire.
type AcquireResult struct {
	Outcome Outcome
	Claim   Claim
	// Previous is the dispossessed claim when Outcome is Overridden.
	Previous *Claim
}

// Table is the claim table. One mutex covers every read-then-write.
type Table struct {
	mu     sync.Mutex
	claims map[string]Claim
	ttl    time.Duration
	now    func() time.Time
}

// NewTable returns an empty table. A positive ttl gives new claims an expiry.
func NewTable(ttl time.Duration) *Table {
	return &Table{
		claims: make(map[string]Claim),
		ttl:    ttl,
		now:    time.Now,
	}
}

// SetClock replaces the time source (tests).
func (t *Table) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// activeLocked returns the live claim for session; expired claims are absent.
func (t *Table) activeLocked(session string) (Claim, bool) {
	c, ok := t.claims[session]
	if !ok || c.Expired(t.now()) {
		return Claim{}, false
	}
	return c, true
}

// Acquire grants session to who. Claiming a session already held by who is a
// successful no-op; an admin takes over someone else's claim; anyone else is
// rejected with ErrClaimed.
func (t *Table) Acquire(session string, who protocol.Identity) (AcquireResult, error) {
	if !who.Role.AtLeast(protocol.RoleOperator) {
		return AcquireResult{}, ErrNotOperator
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	cur, held := t.activeLocked(session)
	if held && cur.UserID == who.UserID {
		return AcquireResult{Outcome: AlreadyHeld, Claim: cur}, nil
	}
	if held && !who.Role.AtLeast(protocol.RoleAdmin) {
		return AcquireResult{}, ErrClaimed
	}

	next := Claim{
		Session:    session,
		UserID:     who.UserID,
		UserName:   who.UserName,
		AcquiredAt: now,
	}
	if t.ttl > 0 {
		next.ExpiresAt = now.Add(t.ttl)
	}
	t.claims[session] = next

	if held {
		prev := cur
		return AcquireResult{Outcome: Overridden, Claim: next, Previous: &prev}, nil
	}
	return AcquireResult{Outcome: Granted, Claim: next}, nil
}

// Release removes the claim on session if who holds it or is an admin.
// The table is unchanged on error.
func (t *Table) Release(session string, who protocol.Identity) (Claim, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, held := t.activeLocked(session)
	if !held {
		return Claim{}, ErrNotClaimed
	}
	if cur.UserID != who.UserID && !who.Role.AtLeast(protocol.RoleAdmin) {
		return Claim{}, ErrPermissionDenied
	}
	delete(t.claims, session)
	return cur, nil
}

// Remove drops the claim on session unconditionally (session destroyed).
func (t *Table) Remove(session string) (Claim, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, held := t.activeLocked(session)
	delete(t.claims, session)
	return cur, held
}

// ReleaseAllFor drops every claim held by userID.
func (t *Table) ReleaseAllFor(userID string) []Claim {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Claim
	for s, c := range t.claims {
		if c.UserID != userID {
			continue
		}
		delete(t.claims, s)
		if !c.Expired(t.now()) {
			out = append(out, c)
		}
	}
	sortClaims(out)
	return out
}

// Expire drops and returns claims whose expiry has passed.
func (t *Table) Expire() []Claim {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var out []Claim
	for s, c := range t.claims {
		if c.Expired(now) {
			delete(t.claims, s)
			out = append(out, c)
		}
	}
	sortClaims(out)
	return out
}

// Clear drops every claim.
func (t *Table) Clear() []Claim {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var out []Claim
	for _, c := range t.claims {
		if !c.Expired(now) {
			out = append(out, c)
		}
	}
	t.claims = make(map[string]Claim)
	sortClaims(out)
	return out
}

// Get returns the live claim on session.
func (t *Table) Get(session string) (Claim, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeLocked(session)
}

// Holder returns the user id holding session. It satisfies the dedicated
// transport's claim lookup.
func (t *Table) Holder(session string) (string, bool) {
	c, ok := t.Get(session)
	return c.UserID, ok
}

// List returns live claims sorted by session.
func (t *Table) List() []Claim {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := make([]Claim, 0, len(t.claims))
	for _, c := range t.claims {
		if !c.Expired(now) {
			out = append(out, c)
		}
	}
	sortClaims(out)
	return out
}

func sortClaims(cs []Claim) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].Session < cs[j].Session })
}
