package lock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/zjrosen/conclave/internal/log"
)

// Defaults applied by NewManager when the corresponding Config field is zero.
const (
	DefaultHoldTimeout   = 5 * time.Minute
	DefaultWaitTimeout   = 30 * time.Second
	DefaultSweepInterval = 10 * time.Second
)

// Config holds construction options for the lock manager.
type Config struct {
	// HoldTimeout is the default auto-release timeout for held locks.
	HoldTimeout time.Duration

	// WaitTimeout is the default bound on blocking Acquire calls.
	WaitTimeout time.Duration

	// SweepInterval controls how often expired locks are reclaimed.
	SweepInterval time.Duration
}

// record is the single lock record for a resource. Invariant: an exclusive
// record has no shared slice; a shared record's holder is the primary and
// shared lists the secondaries in acquisition order.
type record struct {
	key        Key
	holder     string
	mode       Mode
	acquiredAt time.Time
	timeout    time.Duration
	shared     []string
}

func (r *record) holders() []string {
	out := make([]string, 0, 1+len(r.shared))
	out = append(out, r.holder)
	out = append(out, r.shared...)
	return out
}

func (r *record) holds(holderID string) bool {
	return r.holder == holderID || slices.Contains(r.shared, holderID)
}

// waiter is one queued acquire request. The grant channel is closed by the
// manager when the lock is granted; granting also removes the waiter from
// the queue, so a waiter removed by timeout can never be granted twice.
type waiter struct {
	holderID string
	mode     Mode
	timeout  time.Duration
	grant    chan struct{}
	granted  bool
}

// Manager serializes access to named resources. All methods are safe for
// concurrent use; a single mutex makes every compatibility-check-then-grant
// sequence atomic.
type Manager struct {
	mu      sync.Mutex
	locks   map[string]*record
	waiters map[string][]*waiter

	holdTimeout time.Duration
	waitTimeout time.Duration

	done   chan struct{}
	closed sync.Once
	wg     sync.WaitGroup
}

// NewManager creates a lock manager and starts its expiry sweep. Call Close
// to stop the sweep.
func NewManager(cfg Config) *Manager {
	if cfg.HoldTimeout <= 0 {
		cfg.HoldTimeout = DefaultHoldTimeout
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	m := &Manager{
		locks:       make(map[string]*record),
		waiters:     make(map[string][]*waiter),
		holdTimeout: cfg.HoldTimeout,
		waitTimeout: cfg.WaitTimeout,
		done:        make(chan struct{}),
	}

	m.wg.Add(1)
	go m.sweepLoop(cfg.SweepInterval)

	return m
}

// Acquire requests a lock on a raw resource string, inferring the resource
// type unless opts.Type overrides it. See AcquireKey.
func (m *Manager) Acquire(ctx context.Context, holderID, resource string, mode Mode, opts AcquireOptions) Result {
	return m.AcquireKey(ctx, holderID, KeyFor(resource, opts.Type), mode, opts)
}

// AcquireKey requests a lock on a typed resource key.
//
// A request is compatible with an existing lock iff the requester already
// holds it, or both the held and requested modes are shared. Compatible
// shared requests append the holder idempotently. Incompatible requests
// fail immediately unless opts.Wait is set, in which case the caller is
// queued FIFO and blocks until whichever comes first: the grant, the wait
// timeout, or ctx cancellation.
func (m *Manager) AcquireKey(ctx context.Context, holderID string, key Key, mode Mode, opts AcquireOptions) Result {
	holdTimeout := opts.Timeout
	if holdTimeout <= 0 {
		holdTimeout = m.holdTimeout
	}

	m.mu.Lock()

	rec, held := m.locks[key.String()]
	if !held {
		m.locks[key.String()] = &record{
			key:        key,
			holder:     holderID,
			mode:       mode,
			acquiredAt: time.Now(),
			timeout:    holdTimeout,
		}
		m.mu.Unlock()
		log.Debug(log.CatLock, "lock acquired", "resource", key.String(), "holder", holderID, "mode", mode)
		return Result{Acquired: true}
	}

	if rec.holds(holderID) {
		m.mu.Unlock()
		return Result{Acquired: true, Reason: "already held"}
	}

	if rec.mode == ModeShared && mode == ModeShared {
		rec.shared = append(rec.shared, holderID)
		m.mu.Unlock()
		log.Debug(log.CatLock, "shared lock joined", "resource", key.String(), "holder", holderID)
		return Result{Acquired: true}
	}

	if !opts.Wait {
		holders := rec.holders()
		m.mu.Unlock()
		return Result{
			Acquired:           false,
			Reason:             "held " + string(rec.mode),
			ConflictingHolders: holders,
		}
	}

	w := &waiter{
		holderID: holderID,
		mode:     mode,
		timeout:  holdTimeout,
		grant:    make(chan struct{}),
	}
	m.waiters[key.String()] = append(m.waiters[key.String()], w)
	m.mu.Unlock()

	waitTimeout := opts.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = m.waitTimeout
	}
	timer := time.NewTimer(waitTimeout)
	defer timer.Stop()

	select {
	case <-w.grant:
		return Result{Acquired: true}
	case <-timer.C:
		return m.abandonWait(key, w, "wait timeout")
	case <-ctx.Done():
		return m.abandonWait(key, w, "cancelled")
	case <-m.done:
		return Result{Acquired: false, Reason: "manager closed"}
	}
}

// abandonWait removes a waiter that gave up. If the grant raced ahead of
// the timeout the waiter already owns the lock, and the grant wins.
func (m *Manager) abandonWait(key Key, w *waiter, reason string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w.granted {
		return Result{Acquired: true}
	}

	queue := m.waiters[key.String()]
	for i, qw := range queue {
		if qw == w {
			m.waiters[key.String()] = append(queue[:i:i], queue[i+1:]...)
			break
		}
	}
	if len(m.waiters[key.String()]) == 0 {
		delete(m.waiters, key.String())
	}

	log.Debug(log.CatLock, "lock wait abandoned", "resource", key.String(), "holder", w.holderID, "reason", reason)
	return Result{Acquired: false, Reason: reason}
}

// Release gives up a holder's interest in a resource. When the primary
// holder releases a shared lock that still has secondaries, ownership
// transfers to the next shared holder in FIFO order instead of releasing
// the lock. Only when the last holder releases is the record deleted and
// the next waiter granted. Returns false if the holder was not party to the
// lock.
func (m *Manager) Release(holderID, resource string) bool {
	return m.ReleaseKey(holderID, KeyFor(resource, ""))
}

// ReleaseKey releases a typed resource key. See Release.
func (m *Manager) ReleaseKey(holderID string, key Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(holderID, key.String())
}

// releaseLocked does the release/transfer/promote dance.
// Caller must hold m.mu.
func (m *Manager) releaseLocked(holderID, resourceKey string) bool {
	rec, ok := m.locks[resourceKey]
	if !ok || !rec.holds(holderID) {
		return false
	}

	switch {
	case rec.holder == holderID && len(rec.shared) > 0:
		// Transfer primary ownership to the next shared holder.
		rec.holder = rec.shared[0]
		rec.shared = rec.shared[1:]
		log.Debug(log.CatLock, "lock ownership transferred",
			"resource", resourceKey, "from", holderID, "to", rec.holder)
	case rec.holder == holderID:
		delete(m.locks, resourceKey)
		log.Debug(log.CatLock, "lock released", "resource", resourceKey, "holder", holderID)
		m.promoteLocked(rec.key)
	default:
		// Secondary shared holder.
		idx := slices.Index(rec.shared, holderID)
		rec.shared = append(rec.shared[:idx:idx], rec.shared[idx+1:]...)
	}
	return true
}

// promoteLocked grants the resource to queued waiters in FIFO order: the
// head waiter always wins, and when it requested shared mode, immediately
// following shared waiters join it. Caller must hold m.mu, and the resource
// must be unlocked.
func (m *Manager) promoteLocked(key Key) {
	queue := m.waiters[key.String()]
	if len(queue) == 0 {
		return
	}

	head := queue[0]
	queue = queue[1:]
	rec := &record{
		key:        key,
		holder:     head.holderID,
		mode:       head.mode,
		acquiredAt: time.Now(),
		timeout:    head.timeout,
	}
	head.granted = true
	close(head.grant)

	if head.mode == ModeShared {
		for len(queue) > 0 && queue[0].mode == ModeShared {
			next := queue[0]
			queue = queue[1:]
			rec.shared = append(rec.shared, next.holderID)
			next.granted = true
			close(next.grant)
		}
	}

	m.locks[key.String()] = rec
	if len(queue) == 0 {
		delete(m.waiters, key.String())
	} else {
		m.waiters[key.String()] = queue
	}
	log.Debug(log.CatLock, "waiter promoted", "resource", key.String(), "holder", head.holderID, "mode", head.mode)
}

// ReleaseAll releases or transfers every lock the holder is party to and
// returns the count. Used by the coordinator when an agent terminates.
func (m *Manager) ReleaseAll(holderID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for resourceKey, rec := range m.locks {
		if rec.holds(holderID) {
			if m.releaseLocked(holderID, resourceKey) {
				count++
			}
		}
	}
	return count
}

// GetConflicts reports the conflict an acquire in the given mode would hit,
// or nil when the resource is free or compatible.
func (m *Manager) GetConflicts(resource string, mode Mode) *Conflict {
	return m.GetConflictsKey(KeyFor(resource, ""), mode)
}

// GetConflictsKey is the typed-key form of GetConflicts.
func (m *Manager) GetConflictsKey(key Key, mode Mode) *Conflict {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.locks[key.String()]
	if !ok {
		return nil
	}
	if rec.mode == ModeShared && mode == ModeShared {
		return nil
	}
	return &Conflict{
		Resource:      rec.key,
		HeldMode:      rec.mode,
		Holders:       rec.holders(),
		RequestedMode: mode,
	}
}

// GetHolders returns every current holder of a resource, primary first.
func (m *Manager) GetHolders(resource string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.locks[KeyFor(resource, "").String()]
	if !ok {
		return nil
	}
	return rec.holders()
}

// IsLocked reports whether any holder currently locks the resource.
func (m *Manager) IsLocked(resource string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.locks[KeyFor(resource, "").String()]
	return ok
}

// sweepLoop reclaims locks held longer than their timeout and promotes the
// next waiter.
func (m *Manager) sweepLoop(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepExpired(time.Now())
		case <-m.done:
			return
		}
	}
}

// sweepExpired removes expired lock records as of now.
func (m *Manager) sweepExpired(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for resourceKey, rec := range m.locks {
		if now.Sub(rec.acquiredAt) <= rec.timeout {
			continue
		}
		log.Warn(log.CatLock, "lock expired",
			"resource", resourceKey, "holder", rec.holder, "held", now.Sub(rec.acquiredAt))
		delete(m.locks, resourceKey)
		m.promoteLocked(rec.key)
	}
}

// Close stops the expiry sweep and unblocks all waiters with a
// manager-closed result. Close is idempotent.
func (m *Manager) Close() {
	m.closed.Do(func() {
		close(m.done)
		m.wg.Wait()
	})
}
