package session

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// NumSlots is the number of peer slots per session. A relay session binds
// exactly two endpoints.
const NumSlots = 2

// State describes where a session is in its lifecycle.
type State uint8

const (
	// StatePending means the session is allocated but fewer than two peer
	// addresses are bound. Data-plane traffic is dropped.
	StatePending State = iota

	// StateActive means both peer addresses are bound and forwarding is
	// enabled.
	StateActive

	// StateExpiring means the session is marked for removal. No further
	// forwarding happens even before the reaper removes the entry.
	StateExpiring
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateExpiring:
		return "expiring"
	default:
		return "unknown"
	}
}

// Session is the unit of relay state. All mutable fields are guarded by mu;
// per-session operations are linearized through it while unrelated sessions
// never contend.
type Session struct {
	id        ID
	secrets   [NumSlots]Secret
	createdAt time.Time
	lease     time.Duration
	// maxDeadline caps lease renewal at createdAt + max_lease.
	maxDeadline time.Time
	limiter     *rate.Limiter

	mu            sync.Mutex
	state         State
	addrs         [NumSlots]netip.AddrPort
	lastActivity  time.Time
	leaseDeadline time.Time
}

// ID returns the session identifier.
func (s *Session) ID() ID {
	return s.id
}

// SlotSecret returns the authentication secret for the given slot.
func (s *Session) SlotSecret(i int) Secret {
	return s.secrets[i]
}

// CreatedAt returns the allocation time.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Lease returns the granted lease duration.
func (s *Session) Lease() time.Duration {
	return s.lease
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Deadline returns the current lease deadline.
func (s *Session) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaseDeadline
}

// LastActivity returns the time of the most recent control refresh or
// forwarded datagram.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// SlotAddr returns the bound address for a slot, if any.
func (s *Session) SlotAddr(i int) (netip.AddrPort, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.addrs[i].IsValid() {
		return netip.AddrPort{}, false
	}
	return s.addrs[i], true
}

// authenticate reports which slot the secret belongs to, or -1. Both
// comparisons always run so timing does not reveal the matching slot.
func (s *Session) authenticate(secret Secret) int {
	match := -1
	for i := range s.secrets {
		if s.secrets[i].Equal(secret) {
			match = i
		}
	}
	return match
}

// touch advances lastActivity. The timestamp never moves backwards.
func (s *Session) touch(now time.Time) {
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
}

// touchLive advances lastActivity on a control-plane request. An Expiring
// session is reported as gone.
func (s *Session) touchLive(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateExpiring {
		return ErrNotFound
	}

	s.touch(now)
	return nil
}

// BindAddr records the observed source address for a slot. It is called by
// the data plane on the first authenticated datagram from the slot, and on
// later datagrams when the source address changed. With pinning enabled a
// changed address is rejected; otherwise the slot follows the peer
// (NAT rebinding / mobility).
//
// The returned rebound flag is true when the call changed the stored
// address.
func (s *Session) BindAddr(i int, addr netip.AddrPort, pinned bool, now time.Time) (rebound bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateExpiring {
		return false, ErrNotFound
	}

	cur := s.addrs[i]
	switch {
	case !cur.IsValid():
		// First binding for this slot.
	case cur == addr:
		s.touch(now)
		return false, nil
	case pinned:
		return false, ErrSlotOccupied
	}

	s.addrs[i] = addr
	s.touch(now)

	if s.state == StatePending && s.addrs[0].IsValid() && s.addrs[1].IsValid() {
		s.state = StateActive
	}

	return cur.IsValid(), nil
}

// ForwardTarget returns the counterpart address for a datagram arriving on
// slot i. It reports false when the session is not Active or the other slot
// is unbound; the caller must then drop the datagram silently.
func (s *Session) ForwardTarget(i int, now time.Time) (netip.AddrPort, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return netip.AddrPort{}, false
	}

	other := s.addrs[1-i]
	if !other.IsValid() {
		return netip.AddrPort{}, false
	}

	s.touch(now)
	return other, true
}

// AllowN consumes n bytes from the session's token bucket. Sessions without
// a configured limit always succeed.
func (s *Session) AllowN(now time.Time, n int) bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.AllowN(now, n)
}

// refresh extends the lease deadline by the original lease duration from
// now, capped at createdAt + max_lease.
func (s *Session) refresh(now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline := now.Add(s.lease)
	if deadline.After(s.maxDeadline) {
		deadline = s.maxDeadline
	}
	s.leaseDeadline = deadline
	s.touch(now)
	return deadline
}

// expire transitions the session to Expiring. Transient references held by
// the data plane observe the state change immediately and stop forwarding.
func (s *Session) expire() {
	s.mu.Lock()
	s.state = StateExpiring
	s.mu.Unlock()
}

// expired reports whether the session should be swept at the given time.
func (s *Session) expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateExpiring || s.leaseDeadline.Before(now)
}
