package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(Config{})
	t.Cleanup(m.Close)
	return m
}

func TestAcquire_Uncontended(t *testing.T) {
	m := newTestManager(t)

	res := m.Acquire(context.Background(), "agent-1", "/src/main.go", ModeExclusive, AcquireOptions{})
	require.True(t, res.Acquired)
	require.True(t, m.IsLocked("/src/main.go"))
	require.Equal(t, []string{"agent-1"}, m.GetHolders("/src/main.go"))
}

func TestAcquire_AlreadyHeldIsIdempotent(t *testing.T) {
	m := newTestManager(t)

	require.True(t, m.Acquire(context.Background(), "agent-1", "/a", ModeExclusive, AcquireOptions{}).Acquired)
	res := m.Acquire(context.Background(), "agent-1", "/a", ModeExclusive, AcquireOptions{})
	require.True(t, res.Acquired)
	require.Equal(t, "already held", res.Reason)
}

func TestAcquire_ExclusiveConflict(t *testing.T) {
	m := newTestManager(t)

	require.True(t, m.Acquire(context.Background(), "agent-1", "/a", ModeExclusive, AcquireOptions{}).Acquired)

	res := m.Acquire(context.Background(), "agent-2", "/a", ModeExclusive, AcquireOptions{})
	require.False(t, res.Acquired)
	require.Equal(t, []string{"agent-1"}, res.ConflictingHolders)
}

func TestAcquire_SharedJoins(t *testing.T) {
	m := newTestManager(t)

	require.True(t, m.Acquire(context.Background(), "agent-1", "/a", ModeShared, AcquireOptions{}).Acquired)
	require.True(t, m.Acquire(context.Background(), "agent-2", "/a", ModeShared, AcquireOptions{}).Acquired)
	require.Equal(t, []string{"agent-1", "agent-2"}, m.GetHolders("/a"))

	// Exclusive over shared still conflicts.
	res := m.Acquire(context.Background(), "agent-3", "/a", ModeExclusive, AcquireOptions{})
	require.False(t, res.Acquired)
	require.Len(t, res.ConflictingHolders, 2)
}

func TestRelease(t *testing.T) {
	m := newTestManager(t)

	require.True(t, m.Acquire(context.Background(), "agent-1", "/a", ModeExclusive, AcquireOptions{}).Acquired)
	require.True(t, m.Release("agent-1", "/a"))
	require.False(t, m.IsLocked("/a"))

	require.False(t, m.Release("agent-1", "/a"), "releasing an unheld lock reports false")
	require.False(t, m.Release("stranger", "/a"))
}

func TestRelease_SharedPrimaryTransfersOwnership(t *testing.T) {
	m := newTestManager(t)

	require.True(t, m.Acquire(context.Background(), "agent-1", "/a", ModeShared, AcquireOptions{}).Acquired)
	require.True(t, m.Acquire(context.Background(), "agent-2", "/a", ModeShared, AcquireOptions{}).Acquired)
	require.True(t, m.Acquire(context.Background(), "agent-3", "/a", ModeShared, AcquireOptions{}).Acquired)

	// Primary releases; agent-2 becomes primary and the lock survives.
	require.True(t, m.Release("agent-1", "/a"))
	require.Equal(t, []string{"agent-2", "agent-3"}, m.GetHolders("/a"))

	// Secondary releases out of order.
	require.True(t, m.Release("agent-3", "/a"))
	require.Equal(t, []string{"agent-2"}, m.GetHolders("/a"))

	require.True(t, m.Release("agent-2", "/a"))
	require.False(t, m.IsLocked("/a"))
}

func TestAcquire_WaitFIFO(t *testing.T) {
	m := newTestManager(t)

	require.True(t, m.Acquire(context.Background(), "holder", "/a", ModeExclusive, AcquireOptions{}).Acquired)

	var mu sync.Mutex
	var order []string
	ready := make(chan struct{}, 2)
	done := make(chan struct{}, 2)

	waitAcquire := func(id string) {
		ready <- struct{}{}
		res := m.Acquire(context.Background(), id, "/a", ModeExclusive, AcquireOptions{
			Wait:        true,
			WaitTimeout: 5 * time.Second,
		})
		require.True(t, res.Acquired)
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
		m.Release(id, "/a")
		done <- struct{}{}
	}

	go waitAcquire("first")
	<-ready
	time.Sleep(50 * time.Millisecond) // let "first" enqueue before "second"
	go waitAcquire("second")
	<-ready
	time.Sleep(50 * time.Millisecond)

	m.Release("holder", "/a")

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("queued waiter never granted")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"first", "second"}, order, "grant order must be FIFO")
}

func TestAcquire_WaitTimeout(t *testing.T) {
	m := newTestManager(t)

	require.True(t, m.Acquire(context.Background(), "holder", "/a", ModeExclusive, AcquireOptions{}).Acquired)

	start := time.Now()
	res := m.Acquire(context.Background(), "waiter", "/a", ModeExclusive, AcquireOptions{
		Wait:        true,
		WaitTimeout: 80 * time.Millisecond,
	})
	require.False(t, res.Acquired)
	require.Equal(t, "wait timeout", res.Reason)
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	// The abandoned waiter must not be granted later.
	m.Release("holder", "/a")
	time.Sleep(50 * time.Millisecond)
	require.False(t, m.IsLocked("/a"))
}

func TestAcquire_WaitCancelled(t *testing.T) {
	m := newTestManager(t)

	require.True(t, m.Acquire(context.Background(), "holder", "/a", ModeExclusive, AcquireOptions{}).Acquired)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	res := m.Acquire(ctx, "waiter", "/a", ModeExclusive, AcquireOptions{
		Wait:        true,
		WaitTimeout: 5 * time.Second,
	})
	require.False(t, res.Acquired)
	require.Equal(t, "cancelled", res.Reason)
}

func TestPromote_SharedWaitersGrantedTogether(t *testing.T) {
	m := newTestManager(t)

	require.True(t, m.Acquire(context.Background(), "holder", "/a", ModeExclusive, AcquireOptions{}).Acquired)

	granted := make(chan string, 2)
	for _, id := range []string{"s1", "s2"} {
		id := id
		go func() {
			res := m.Acquire(context.Background(), id, "/a", ModeShared, AcquireOptions{
				Wait:        true,
				WaitTimeout: 5 * time.Second,
			})
			require.True(t, res.Acquired)
			granted <- id
		}()
	}
	time.Sleep(100 * time.Millisecond) // let both enqueue

	m.Release("holder", "/a")

	for i := 0; i < 2; i++ {
		select {
		case <-granted:
		case <-time.After(5 * time.Second):
			t.Fatal("shared waiter not granted alongside head")
		}
	}
	require.Len(t, m.GetHolders("/a"), 2)
}

func TestReleaseAll(t *testing.T) {
	m := newTestManager(t)

	require.True(t, m.Acquire(context.Background(), "agent-1", "/a", ModeExclusive, AcquireOptions{}).Acquired)
	require.True(t, m.Acquire(context.Background(), "agent-1", "/b", ModeExclusive, AcquireOptions{}).Acquired)
	require.True(t, m.Acquire(context.Background(), "agent-2", "/c", ModeShared, AcquireOptions{}).Acquired)
	require.True(t, m.Acquire(context.Background(), "agent-1", "/c", ModeShared, AcquireOptions{}).Acquired)

	require.Equal(t, 3, m.ReleaseAll("agent-1"))
	require.False(t, m.IsLocked("/a"))
	require.False(t, m.IsLocked("/b"))
	require.Equal(t, []string{"agent-2"}, m.GetHolders("/c"))

	require.Equal(t, 0, m.ReleaseAll("agent-1"))
}

func TestGetConflicts(t *testing.T) {
	m := newTestManager(t)

	require.Nil(t, m.GetConflicts("/a", ModeExclusive), "free resource has no conflict")

	require.True(t, m.Acquire(context.Background(), "agent-1", "/a", ModeShared, AcquireOptions{}).Acquired)
	require.Nil(t, m.GetConflicts("/a", ModeShared), "shared over shared is compatible")

	c := m.GetConflicts("/a", ModeExclusive)
	require.NotNil(t, c)
	require.Equal(t, ModeShared, c.HeldMode)
	require.Equal(t, ModeExclusive, c.RequestedMode)
	require.Equal(t, []string{"agent-1"}, c.Holders)
}

func TestSweepExpired_ReclaimsAndPromotes(t *testing.T) {
	m := newTestManager(t)

	require.True(t, m.Acquire(context.Background(), "holder", "/a", ModeExclusive, AcquireOptions{
		Timeout: 10 * time.Millisecond,
	}).Acquired)

	granted := make(chan Result, 1)
	go func() {
		granted <- m.Acquire(context.Background(), "waiter", "/a", ModeExclusive, AcquireOptions{
			Wait:        true,
			WaitTimeout: 5 * time.Second,
		})
	}()
	time.Sleep(50 * time.Millisecond) // let the waiter enqueue and the hold expire

	m.sweepExpired(time.Now())

	select {
	case res := <-granted:
		require.True(t, res.Acquired)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not promoted after expiry sweep")
	}
	require.Equal(t, []string{"waiter"}, m.GetHolders("/a"))
}

func TestAcquireKey_TypedKeysDistinct(t *testing.T) {
	m := newTestManager(t)

	fileKey := Key{Type: TypeFile, Name: "build"}
	cmdKey := Key{Type: TypeCommand, Name: "build"}

	require.True(t, m.AcquireKey(context.Background(), "agent-1", fileKey, ModeExclusive, AcquireOptions{}).Acquired)
	require.True(t, m.AcquireKey(context.Background(), "agent-2", cmdKey, ModeExclusive, AcquireOptions{}).Acquired,
		"same name under a different type is a different resource")
}

func TestClose_UnblocksWaiters(t *testing.T) {
	m := NewManager(Config{})

	require.True(t, m.Acquire(context.Background(), "holder", "/a", ModeExclusive, AcquireOptions{}).Acquired)

	result := make(chan Result, 1)
	go func() {
		result <- m.Acquire(context.Background(), "waiter", "/a", ModeExclusive, AcquireOptions{
			Wait:        true,
			WaitTimeout: 10 * time.Second,
		})
	}()
	time.Sleep(50 * time.Millisecond)

	m.Close()

	select {
	case res := <-result:
		require.False(t, res.Acquired)
		require.Equal(t, "manager closed", res.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not unblocked by Close")
	}
}
