package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Session table errors, mirroring the control-plane error taxonomy.
var (
	// ErrNotFound is returned when the session is unknown or expired
	ErrNotFound = errors.New("session not found")

	// ErrUnauthorized is returned when the presented secret is wrong
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidLease is returned when the requested lease is below the minimum
	ErrInvalidLease = errors.New("invalid lease duration")

	// ErrInvalidSlot is returned when a slot index is out of range
	ErrInvalidSlot = errors.New("invalid slot index")

	// ErrSlotOccupied is returned on an address rebind conflict under the
	// pinned policy
	ErrSlotOccupied = errors.New("slot occupied")
)

// Pinning selects how the data plane treats a datagram from a new source
// address for an already-bound slot.
type Pinning uint8

const (
	// PinningPinned rejects datagrams from addresses other than the one
	// first bound.
	PinningPinned Pinning = iota

	// PinningMobile rebinds the slot to the newest authenticated source
	// address.
	PinningMobile
)

// String returns the config name of the policy.
func (p Pinning) String() string {
	if p == PinningMobile {
		return "mobile"
	}
	return "pinned"
}

// ParsePinning parses a policy name from configuration.
func ParsePinning(s string) (Pinning, error) {
	switch s {
	case "pinned":
		return PinningPinned, nil
	case "mobile":
		return PinningMobile, nil
	default:
		return PinningPinned, fmt.Errorf("invalid address_pinning: %q (must be pinned or mobile)", s)
	}
}

// Config holds session table parameters.
type Config struct {
	// MinLease is the minimum lease a client may request.
	MinLease time.Duration

	// MaxLease caps both the granted lease and total renewal.
	MaxLease time.Duration

	// RateBytesPerSec limits per-session forwarding bandwidth (0 = unlimited).
	RateBytesPerSec int64

	// RateBurstBytes is the token bucket burst size.
	RateBurstBytes int

	// Pinning is the address rebinding policy.
	Pinning Pinning
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinLease:        10 * time.Second,
		MaxLease:        10 * time.Minute,
		RateBytesPerSec: 1 << 20, // 1 MiB/s
		RateBurstBytes:  256 << 10,
		Pinning:         PinningPinned,
	}
}

// shardCount is the number of lock shards in the table. Sharding keeps
// per-session operations from contending across unrelated sessions; a single
// table-wide lock would serialize the entire data plane.
const shardCount = 64

type shard struct {
	mu       sync.RWMutex
	sessions map[ID]*Session
}

// Table is the concurrent session table. It exclusively owns all Session
// records; the control and data planes resolve transient references through
// Get and never hold long-lived pointers across lease boundaries.
type Table struct {
	cfg    Config
	shards [shardCount]shard

	// now is replaceable in tests.
	now func() time.Time
}

// NewTable creates an empty session table.
func NewTable(cfg Config) *Table {
	t := &Table{
		cfg: cfg,
		now: time.Now,
	}
	for i := range t.shards {
		t.shards[i].sessions = make(map[ID]*Session)
	}
	return t
}

func (t *Table) shardFor(id ID) *shard {
	return &t.shards[id[0]%shardCount]
}

// Pinning returns the configured address rebinding policy.
func (t *Table) Pinning() Pinning {
	return t.cfg.Pinning
}

// Allocate creates a new session with a fresh ID and slot secrets. The
// requested lease is clamped to [MinLease, MaxLease]; requests below the
// minimum are rejected with ErrInvalidLease.
func (t *Table) Allocate(lease time.Duration) (*Session, error) {
	if lease < t.cfg.MinLease {
		return nil, fmt.Errorf("%w: %s below minimum %s", ErrInvalidLease, lease, t.cfg.MinLease)
	}
	if lease > t.cfg.MaxLease {
		lease = t.cfg.MaxLease
	}

	var secrets [NumSlots]Secret
	for i := range secrets {
		s, err := NewSecret()
		if err != nil {
			return nil, err
		}
		secrets[i] = s
	}

	now := t.now()

	// ID collisions are negligible at 128 bits but the loop keeps Allocate
	// correct under any entropy source.
	for {
		id, err := NewID()
		if err != nil {
			return nil, err
		}

		sess := &Session{
			id:            id,
			secrets:       secrets,
			createdAt:     now,
			lease:         lease,
			maxDeadline:   now.Add(t.cfg.MaxLease),
			state:         StatePending,
			lastActivity:  now,
			leaseDeadline: now.Add(lease),
		}
		if t.cfg.RateBytesPerSec > 0 {
			sess.limiter = rate.NewLimiter(rate.Limit(t.cfg.RateBytesPerSec), t.cfg.RateBurstBytes)
		}

		sh := t.shardFor(id)
		sh.mu.Lock()
		if _, exists := sh.sessions[id]; exists {
			sh.mu.Unlock()
			continue
		}
		sh.sessions[id] = sess
		sh.mu.Unlock()

		return sess, nil
	}
}

// Get looks up a live session. A session being removed concurrently is
// either observed fully or not at all.
func (t *Table) Get(id ID) (*Session, bool) {
	sh := t.shardFor(id)
	sh.mu.RLock()
	sess, ok := sh.sessions[id]
	sh.mu.RUnlock()
	return sess, ok
}

// Bind verifies slot ownership from the control plane. The slot's UDP
// address is still learned from the first authenticated datagram; the TCP
// connection's remote address is never trusted for it. A successful Bind
// proves possession of the slot secret and refreshes session activity.
func (t *Table) Bind(id ID, slotIdx int, secret Secret) error {
	if slotIdx < 0 || slotIdx >= NumSlots {
		return fmt.Errorf("%w: slot %d out of range", ErrInvalidSlot, slotIdx)
	}

	sess, ok := t.Get(id)
	if !ok {
		return ErrNotFound
	}
	if !sess.secrets[slotIdx].Equal(secret) {
		return ErrUnauthorized
	}

	return sess.touchLive(t.now())
}

// Refresh extends the session lease. Either slot secret authorizes the
// refresh. The new deadline never exceeds created_at + MaxLease.
func (t *Table) Refresh(id ID, secret Secret) (time.Time, error) {
	sess, ok := t.Get(id)
	if !ok {
		return time.Time{}, ErrNotFound
	}
	if sess.authenticate(secret) < 0 {
		return time.Time{}, ErrUnauthorized
	}
	if sess.State() == StateExpiring {
		return time.Time{}, ErrNotFound
	}

	return sess.refresh(t.now()), nil
}

// Release transitions the session to Expiring and removes it from the table
// immediately. Subsequent datagrams for the session are dropped without
// waiting for a reaper pass; a second Release returns ErrNotFound.
func (t *Table) Release(id ID, secret Secret) error {
	sh := t.shardFor(id)

	sh.mu.Lock()
	sess, ok := sh.sessions[id]
	if !ok {
		sh.mu.Unlock()
		return ErrNotFound
	}
	if sess.authenticate(secret) < 0 {
		sh.mu.Unlock()
		return ErrUnauthorized
	}
	delete(sh.sessions, id)
	sh.mu.Unlock()

	sess.expire()
	return nil
}

// Sweep removes every session whose lease deadline has passed or that is
// marked Expiring, and returns the number removed. Removal is atomic with
// respect to concurrent lookups.
func (t *Table) Sweep(now time.Time) int {
	removed := 0
	for i := range t.shards {
		sh := &t.shards[i]

		sh.mu.Lock()
		for id, sess := range sh.sessions {
			if sess.expired(now) {
				delete(sh.sessions, id)
				sess.expire()
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of live sessions.
func (t *Table) Len() int {
	n := 0
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// Stats summarizes the table for health reporting.
type Stats struct {
	Pending int `json:"pending_sessions"`
	Active  int `json:"active_sessions"`
}

// Stats counts live sessions by state.
func (t *Table) Stats() Stats {
	var st Stats
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.RLock()
		for _, sess := range sh.sessions {
			switch sess.State() {
			case StateActive:
				st.Active++
			case StatePending:
				st.Pending++
			}
		}
		sh.mu.RUnlock()
	}
	return st
}
