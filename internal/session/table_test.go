package session

import (
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		MinLease:        10 * time.Second,
		MaxLease:        time.Minute,
		RateBytesPerSec: 0,
		Pinning:         PinningPinned,
	}
}

func mustAllocate(t *testing.T, tbl *Table, lease time.Duration) *Session {
	t.Helper()
	sess, err := tbl.Allocate(lease)
	if err != nil {
		t.Fatalf("Allocate(%v) error = %v", lease, err)
	}
	return sess
}

func addr(s string) netip.AddrPort {
	return netip.MustParseAddrPort(s)
}

// ============================================================================
// Allocation
// ============================================================================

func TestTable_Allocate(t *testing.T) {
	tbl := NewTable(testConfig())

	sess := mustAllocate(t, tbl, 30*time.Second)

	if sess.ID().IsZero() {
		t.Error("allocated session has zero ID")
	}
	if sess.State() != StatePending {
		t.Errorf("State() = %v, want %v", sess.State(), StatePending)
	}
	if sess.Lease() != 30*time.Second {
		t.Errorf("Lease() = %v, want 30s", sess.Lease())
	}
	if sess.SlotSecret(0).Equal(sess.SlotSecret(1)) {
		t.Error("slot secrets must differ")
	}

	got, ok := tbl.Get(sess.ID())
	if !ok || got != sess {
		t.Error("Get() did not return the allocated session")
	}
}

func TestTable_AllocateLeaseBelowMinimum(t *testing.T) {
	tbl := NewTable(testConfig())

	if _, err := tbl.Allocate(time.Second); err == nil {
		t.Fatal("expected error for lease below minimum")
	} else if !errors.Is(err, ErrInvalidLease) {
		t.Errorf("error = %v, want ErrInvalidLease", err)
	}

	if tbl.Len() != 0 {
		t.Errorf("Len() = %d after rejected allocation, want 0", tbl.Len())
	}
}

func TestTable_AllocateLeaseClampedToMax(t *testing.T) {
	tbl := NewTable(testConfig())

	sess := mustAllocate(t, tbl, time.Hour)
	if sess.Lease() != time.Minute {
		t.Errorf("Lease() = %v, want clamp to %v", sess.Lease(), time.Minute)
	}
}

func TestTable_AllocateUniqueIDs(t *testing.T) {
	tbl := NewTable(testConfig())

	seen := make(map[ID]bool)
	for i := 0; i < 100; i++ {
		sess := mustAllocate(t, tbl, 30*time.Second)
		if seen[sess.ID()] {
			t.Fatalf("duplicate session ID %s", sess.ID())
		}
		seen[sess.ID()] = true
	}
}

func TestTable_AllocateConcurrent(t *testing.T) {
	tbl := NewTable(testConfig())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := tbl.Allocate(30 * time.Second); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if tbl.Len() != 800 {
		t.Errorf("Len() = %d, want 800", tbl.Len())
	}
}

// ============================================================================
// Bind / address binding
// ============================================================================

func TestTable_Bind(t *testing.T) {
	tbl := NewTable(testConfig())
	sess := mustAllocate(t, tbl, 30*time.Second)

	if err := tbl.Bind(sess.ID(), 0, sess.SlotSecret(0)); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	// Correct secret on the wrong slot is rejected.
	if err := tbl.Bind(sess.ID(), 1, sess.SlotSecret(0)); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Bind(wrong slot secret) = %v, want ErrUnauthorized", err)
	}

	if err := tbl.Bind(ID{0xff}, 0, sess.SlotSecret(0)); !errors.Is(err, ErrNotFound) {
		t.Errorf("Bind(unknown session) = %v, want ErrNotFound", err)
	}

	if err := tbl.Bind(sess.ID(), NumSlots, sess.SlotSecret(0)); !errors.Is(err, ErrInvalidSlot) {
		t.Errorf("Bind(out-of-range slot) = %v, want ErrInvalidSlot", err)
	}
	if err := tbl.Bind(sess.ID(), -1, sess.SlotSecret(0)); !errors.Is(err, ErrInvalidSlot) {
		t.Errorf("Bind(negative slot) = %v, want ErrInvalidSlot", err)
	}
}

func TestTable_BindRefreshesActivity(t *testing.T) {
	tbl := NewTable(testConfig())
	sess := mustAllocate(t, tbl, 30*time.Second)

	later := sess.LastActivity().Add(5 * time.Second)
	tbl.now = func() time.Time { return later }

	if err := tbl.Bind(sess.ID(), 0, sess.SlotSecret(0)); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if !sess.LastActivity().Equal(later) {
		t.Errorf("LastActivity() = %v, want %v", sess.LastActivity(), later)
	}
}

func TestSession_BindAddrActivates(t *testing.T) {
	tbl := NewTable(testConfig())
	sess := mustAllocate(t, tbl, 30*time.Second)
	now := time.Now()

	if _, err := sess.BindAddr(0, addr("10.0.0.1:1000"), true, now); err != nil {
		t.Fatalf("BindAddr(slot 0) error = %v", err)
	}
	if sess.State() != StatePending {
		t.Errorf("State() = %v after one slot, want Pending", sess.State())
	}

	if _, err := sess.BindAddr(1, addr("10.0.0.2:2000"), true, now); err != nil {
		t.Fatalf("BindAddr(slot 1) error = %v", err)
	}
	if sess.State() != StateActive {
		t.Errorf("State() = %v after both slots, want Active", sess.State())
	}

	got, ok := sess.SlotAddr(1)
	if !ok || got != addr("10.0.0.2:2000") {
		t.Errorf("SlotAddr(1) = %v, %v", got, ok)
	}
}

func TestSession_BindAddrPinnedRejectsRebind(t *testing.T) {
	tbl := NewTable(testConfig())
	sess := mustAllocate(t, tbl, 30*time.Second)
	now := time.Now()

	if _, err := sess.BindAddr(0, addr("10.0.0.1:1000"), true, now); err != nil {
		t.Fatal(err)
	}

	// Same address is a no-op.
	if rebound, err := sess.BindAddr(0, addr("10.0.0.1:1000"), true, now); err != nil || rebound {
		t.Errorf("BindAddr(same addr) = %v, %v; want false, nil", rebound, err)
	}

	// New address is rejected under the pinned policy.
	if _, err := sess.BindAddr(0, addr("10.9.9.9:1000"), true, now); !errors.Is(err, ErrSlotOccupied) {
		t.Errorf("BindAddr(new addr, pinned) = %v, want ErrSlotOccupied", err)
	}
}

func TestSession_BindAddrMobileRebinds(t *testing.T) {
	tbl := NewTable(testConfig())
	sess := mustAllocate(t, tbl, 30*time.Second)
	now := time.Now()

	if _, err := sess.BindAddr(0, addr("10.0.0.1:1000"), false, now); err != nil {
		t.Fatal(err)
	}

	rebound, err := sess.BindAddr(0, addr("10.9.9.9:1000"), false, now)
	if err != nil {
		t.Fatalf("BindAddr(new addr, mobile) error = %v", err)
	}
	if !rebound {
		t.Error("expected rebound = true")
	}

	got, _ := sess.SlotAddr(0)
	if got != addr("10.9.9.9:1000") {
		t.Errorf("SlotAddr(0) = %v, want rebound address", got)
	}
}

// ============================================================================
// Forwarding gate
// ============================================================================

func TestSession_ForwardTargetRequiresActive(t *testing.T) {
	tbl := NewTable(testConfig())
	sess := mustAllocate(t, tbl, 30*time.Second)
	now := time.Now()

	// Pending with one bound slot: no forwarding.
	sess.BindAddr(0, addr("10.0.0.1:1000"), true, now)
	if _, ok := sess.ForwardTarget(0, now); ok {
		t.Error("ForwardTarget returned a target for a Pending session")
	}

	sess.BindAddr(1, addr("10.0.0.2:2000"), true, now)
	target, ok := sess.ForwardTarget(0, now)
	if !ok {
		t.Fatal("ForwardTarget failed for Active session")
	}
	if target != addr("10.0.0.2:2000") {
		t.Errorf("ForwardTarget(0) = %v, want slot 1 address", target)
	}

	target, ok = sess.ForwardTarget(1, now)
	if !ok || target != addr("10.0.0.1:1000") {
		t.Errorf("ForwardTarget(1) = %v, %v, want slot 0 address", target, ok)
	}

	// Expiring: forwarding stops immediately.
	sess.expire()
	if _, ok := sess.ForwardTarget(0, now); ok {
		t.Error("ForwardTarget returned a target for an Expiring session")
	}
}

func TestSession_ForwardTouchesActivity(t *testing.T) {
	tbl := NewTable(testConfig())
	sess := mustAllocate(t, tbl, 30*time.Second)
	now := time.Now()

	sess.BindAddr(0, addr("10.0.0.1:1000"), true, now)
	sess.BindAddr(1, addr("10.0.0.2:2000"), true, now)

	later := now.Add(5 * time.Second)
	sess.ForwardTarget(0, later)
	if got := sess.LastActivity(); !got.Equal(later) {
		t.Errorf("LastActivity() = %v, want %v", got, later)
	}

	// Activity never moves backwards.
	sess.ForwardTarget(0, now)
	if got := sess.LastActivity(); !got.Equal(later) {
		t.Errorf("LastActivity() moved backwards to %v", got)
	}
}

// ============================================================================
// Refresh / Release / Sweep
// ============================================================================

func TestTable_Refresh(t *testing.T) {
	tbl := NewTable(testConfig())
	sess := mustAllocate(t, tbl, 30*time.Second)

	deadline, err := tbl.Refresh(sess.ID(), sess.SlotSecret(1))
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if !deadline.Equal(sess.Deadline()) {
		t.Error("returned deadline does not match session deadline")
	}

	if _, err := tbl.Refresh(sess.ID(), Secret{}); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Refresh(bad secret) = %v, want ErrUnauthorized", err)
	}
	if _, err := tbl.Refresh(ID{0x01}, sess.SlotSecret(0)); !errors.Is(err, ErrNotFound) {
		t.Errorf("Refresh(unknown session) = %v, want ErrNotFound", err)
	}
}

func TestTable_RefreshNeverExceedsMaxLease(t *testing.T) {
	cfg := testConfig()
	tbl := NewTable(cfg)
	sess := mustAllocate(t, tbl, 30*time.Second)

	cap := sess.CreatedAt().Add(cfg.MaxLease)

	// Pretend time has advanced close to the renewal cap.
	tbl.now = func() time.Time { return sess.CreatedAt().Add(50 * time.Second) }

	deadline, err := tbl.Refresh(sess.ID(), sess.SlotSecret(0))
	if err != nil {
		t.Fatal(err)
	}
	if deadline.After(cap) {
		t.Errorf("deadline %v exceeds created_at + max_lease %v", deadline, cap)
	}
	if !deadline.Equal(cap) {
		t.Errorf("deadline = %v, want capped at %v", deadline, cap)
	}
}

func TestTable_Release(t *testing.T) {
	tbl := NewTable(testConfig())
	sess := mustAllocate(t, tbl, 30*time.Second)

	if err := tbl.Release(sess.ID(), Secret{}); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Release(bad secret) = %v, want ErrUnauthorized", err)
	}

	if err := tbl.Release(sess.ID(), sess.SlotSecret(0)); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	// Removed immediately; data plane holders see Expiring.
	if _, ok := tbl.Get(sess.ID()); ok {
		t.Error("Get() found a released session")
	}
	if sess.State() != StateExpiring {
		t.Errorf("State() = %v after release, want Expiring", sess.State())
	}

	// Idempotence: second release reports NotFound, never panics.
	if err := tbl.Release(sess.ID(), sess.SlotSecret(0)); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Release() = %v, want ErrNotFound", err)
	}
}

func TestTable_RefreshAfterReleaseNotFound(t *testing.T) {
	tbl := NewTable(testConfig())
	sess := mustAllocate(t, tbl, 30*time.Second)

	tbl.Release(sess.ID(), sess.SlotSecret(0))

	if _, err := tbl.Refresh(sess.ID(), sess.SlotSecret(0)); !errors.Is(err, ErrNotFound) {
		t.Errorf("Refresh(released) = %v, want ErrNotFound", err)
	}
}

func TestTable_Sweep(t *testing.T) {
	tbl := NewTable(testConfig())
	s1 := mustAllocate(t, tbl, 30*time.Second)
	s2 := mustAllocate(t, tbl, 30*time.Second)
	s2.expire()

	removed := tbl.Sweep(time.Now())
	if removed != 1 {
		t.Errorf("Sweep() removed %d, want 1 (only the Expiring session)", removed)
	}
	if _, ok := tbl.Get(s2.ID()); ok {
		t.Error("swept session still visible")
	}
	if _, ok := tbl.Get(s1.ID()); !ok {
		t.Error("live session was swept")
	}
}

func TestTable_SweepExpiredByDeadline(t *testing.T) {
	tbl := NewTable(testConfig())
	sess := mustAllocate(t, tbl, 30*time.Second)

	if removed := tbl.Sweep(sess.CreatedAt().Add(time.Second)); removed != 0 {
		t.Errorf("Sweep before deadline removed %d sessions", removed)
	}

	removed := tbl.Sweep(sess.CreatedAt().Add(31 * time.Second))
	if removed != 1 {
		t.Errorf("Sweep after deadline removed %d, want 1", removed)
	}
	if _, ok := tbl.Get(sess.ID()); ok {
		t.Error("expired session still visible after sweep")
	}
}

// ============================================================================
// Rate limiting and stats
// ============================================================================

func TestSession_AllowN(t *testing.T) {
	cfg := testConfig()
	cfg.RateBytesPerSec = 1000
	cfg.RateBurstBytes = 1000
	tbl := NewTable(cfg)

	sess := mustAllocate(t, tbl, 30*time.Second)
	now := time.Now()

	if !sess.AllowN(now, 1000) {
		t.Error("first burst should be allowed")
	}
	if sess.AllowN(now, 1000) {
		t.Error("second burst at the same instant should be dropped")
	}
	if !sess.AllowN(now.Add(time.Second), 900) {
		t.Error("bucket should refill after a second")
	}

	// Cross-session isolation: a fresh session has a full bucket.
	other := mustAllocate(t, tbl, 30*time.Second)
	if !other.AllowN(now, 1000) {
		t.Error("rate limit leaked across sessions")
	}
}

func TestSession_AllowNUnlimited(t *testing.T) {
	tbl := NewTable(testConfig())
	sess := mustAllocate(t, tbl, 30*time.Second)

	for i := 0; i < 10; i++ {
		if !sess.AllowN(time.Now(), 1<<20) {
			t.Fatal("unlimited session dropped a datagram")
		}
	}
}

func TestTable_Stats(t *testing.T) {
	tbl := NewTable(testConfig())
	now := time.Now()

	mustAllocate(t, tbl, 30*time.Second)
	active := mustAllocate(t, tbl, 30*time.Second)
	active.BindAddr(0, addr("10.0.0.1:1"), true, now)
	active.BindAddr(1, addr("10.0.0.2:2"), true, now)

	st := tbl.Stats()
	if st.Pending != 1 || st.Active != 1 {
		t.Errorf("Stats() = %+v, want 1 pending, 1 active", st)
	}
}
