package bus

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/conclave/internal/log"
)

// ErrPermissionDenied is returned when a caller attempts to overwrite or
// delete a readonly shared-state entry it does not own.
var ErrPermissionDenied = errors.New("permission denied")

// StateEntry is one shared key-value record. Version increments on every
// successful write and is monotonically increasing for the lifetime of the
// key. Only the owner may overwrite a readonly entry; anyone may overwrite a
// non-readonly entry (last writer wins).
type StateEntry struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	Owner     string    `json:"owner"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"` // zero = never
	ReadOnly  bool      `json:"readonly"`
}

// StateChangePayload is published on ChannelState after a successful
// SetState or DeleteState.
type StateChangePayload struct {
	Key     string `json:"key"`
	Owner   string `json:"owner"`
	Version int    `json:"version"`
	Deleted bool   `json:"deleted,omitempty"`
}

// StateOptions customizes a SetState call.
type StateOptions struct {
	// ReadOnly restricts future overwrites and deletes to the owner.
	ReadOnly bool
	// TTL expires the entry after the given duration. Zero means never.
	TTL time.Duration
}

// stateStore wraps go-cache with the ownership and versioning rules the bus
// requires. The cache's janitor handles expiry sweeps; the mutex in front of
// it makes the readonly-check-then-write sequence atomic.
type stateStore struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

func newStateStore(cleanupInterval time.Duration) *stateStore {
	return &stateStore{
		cache: gocache.New(gocache.NoExpiration, cleanupInterval),
	}
}

func (s *stateStore) close() {
	s.cache.Flush()
}

// SetState creates or overwrites a shared-state entry. It fails with
// ErrPermissionDenied when the existing entry is readonly and owned by a
// different agent, leaving the entry untouched. On success the entry's
// version is bumped and a state-change event is published.
func (b *MessageBus) SetState(key string, value any, owner string, opts StateOptions) error {
	b.state.mu.Lock()

	version := 1
	createdAt := time.Now()
	if existing, ok := b.state.get(key); ok {
		if existing.ReadOnly && existing.Owner != owner {
			b.state.mu.Unlock()
			return fmt.Errorf("state key %q is readonly and owned by %q: %w",
				key, existing.Owner, ErrPermissionDenied)
		}
		version = existing.Version + 1
		createdAt = existing.CreatedAt
	}

	now := time.Now()
	entry := &StateEntry{
		Key:       key,
		Value:     value,
		Owner:     owner,
		Version:   version,
		CreatedAt: createdAt,
		UpdatedAt: now,
		ReadOnly:  opts.ReadOnly,
	}

	ttl := gocache.NoExpiration
	if opts.TTL > 0 {
		ttl = opts.TTL
		entry.ExpiresAt = now.Add(opts.TTL)
	}
	b.state.cache.Set(key, entry, ttl)
	b.state.mu.Unlock()

	log.Debug(log.CatBus, "state set", "key", key, "owner", owner, "version", version)
	b.Publish(owner, ChannelState, StateChangePayload{
		Key:     key,
		Owner:   owner,
		Version: version,
	}, PublishOptions{Type: TypeNotification})

	return nil
}

// GetState returns the value for a key. Expired entries are treated as
// absent; go-cache evicts them lazily on read and in its janitor sweep.
func (b *MessageBus) GetState(key string) (any, bool) {
	entry, ok := b.GetStateEntry(key)
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// GetStateEntry returns a copy of the full entry for a key.
func (b *MessageBus) GetStateEntry(key string) (StateEntry, bool) {
	b.state.mu.Lock()
	defer b.state.mu.Unlock()

	entry, ok := b.state.get(key)
	if !ok {
		return StateEntry{}, false
	}
	return *entry, true
}

// DeleteState removes a key. The readonly ownership rule from SetState
// applies: a readonly entry may only be deleted by its owner.
func (b *MessageBus) DeleteState(key, requester string) error {
	b.state.mu.Lock()

	existing, ok := b.state.get(key)
	if !ok {
		b.state.mu.Unlock()
		return nil
	}
	if existing.ReadOnly && existing.Owner != requester {
		b.state.mu.Unlock()
		return fmt.Errorf("state key %q is readonly and owned by %q: %w",
			key, existing.Owner, ErrPermissionDenied)
	}
	b.state.cache.Delete(key)
	b.state.mu.Unlock()

	b.Publish(requester, ChannelState, StateChangePayload{
		Key:     key,
		Owner:   existing.Owner,
		Version: existing.Version,
		Deleted: true,
	}, PublishOptions{Type: TypeNotification})

	return nil
}

// StateEntries returns copies of all live entries whose key starts with
// prefix, sorted by key. An empty prefix matches everything. Used by the
// coordinator to harvest discoveries mirrored into state.
func (b *MessageBus) StateEntries(prefix string) []StateEntry {
	b.state.mu.Lock()
	defer b.state.mu.Unlock()

	var out []StateEntry
	for key, item := range b.state.cache.Items() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if entry, ok := item.Object.(*StateEntry); ok {
			out = append(out, *entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// get reads a live entry. Caller must hold s.mu.
func (s *stateStore) get(key string) (*StateEntry, bool) {
	v, ok := s.cache.Get(key)
	if !ok {
		return nil, false
	}
	entry, ok := v.(*StateEntry)
	if !ok {
		return nil, false
	}
	return entry, true
}
