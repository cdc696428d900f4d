// Package lock provides exclusive/shared locking over named workspace
// resources (files, directories, shell commands, network endpoints) with
// FIFO wait queues and timeout-based auto-release.
//
// Locks are acquired by the execution layer on behalf of an agent; the
// coordinator releases everything a terminating agent still holds via
// ReleaseAll. Grant order to waiters is strictly FIFO per resource; message
// and agent priority are never consulted.
package lock

import (
	"net/url"
	"strings"
	"time"
)

// Mode is the access mode requested for a resource.
type Mode string

const (
	// ModeExclusive grants a single holder.
	ModeExclusive Mode = "exclusive"
	// ModeShared allows any number of shared holders, none of which may
	// also hold the resource exclusively.
	ModeShared Mode = "shared"
)

// ResourceType classifies a lockable resource.
type ResourceType string

const (
	TypeFile      ResourceType = "file"
	TypeDirectory ResourceType = "directory"
	TypeCommand   ResourceType = "command"
	TypeNetwork   ResourceType = "network"
)

// Key is an explicit, typed resource identifier. Typed keys are the primary
// API; InferType exists as a compatibility fallback for callers that only
// have a raw string.
type Key struct {
	Type ResourceType
	Name string
}

// String renders the key in "type:name" form, e.g. "file:/tmp/a.txt".
func (k Key) String() string {
	return string(k.Type) + ":" + k.Name
}

// InferType guesses the resource type from the shape of a raw resource
// string: URL scheme means network, trailing path separator means
// directory, any path separator means file, anything else is treated as a
// shell command. The heuristic is ambiguous for logical lock names; prefer
// an explicit Key.
func InferType(resource string) ResourceType {
	if u, err := url.Parse(resource); err == nil && u.Scheme != "" && u.Host != "" {
		return TypeNetwork
	}
	if strings.ContainsAny(resource, `/\`) {
		if strings.HasSuffix(resource, "/") || strings.HasSuffix(resource, `\`) {
			return TypeDirectory
		}
		return TypeFile
	}
	return TypeCommand
}

// KeyFor builds a Key for a raw resource string, inferring the type when
// typ is empty.
func KeyFor(resource string, typ ResourceType) Key {
	if typ == "" {
		typ = InferType(resource)
	}
	return Key{Type: typ, Name: resource}
}

// AcquireOptions customizes an Acquire call.
type AcquireOptions struct {
	// Type overrides resource-type inference for string resources.
	Type ResourceType

	// Timeout is how long the lock may be held before the expiry sweep
	// reclaims it. Zero uses the manager default.
	Timeout time.Duration

	// Wait queues the caller behind an incompatible lock instead of
	// failing immediately.
	Wait bool

	// WaitTimeout bounds how long a waiting caller blocks. Zero uses the
	// manager default.
	WaitTimeout time.Duration
}

// Result reports the outcome of an Acquire call. Conflicts and wait
// timeouts are values, not errors.
type Result struct {
	Acquired           bool
	Reason             string
	ConflictingHolders []string
}

// Conflict describes an incompatible existing lock.
type Conflict struct {
	Resource      Key
	HeldMode      Mode
	Holders       []string
	RequestedMode Mode
}

// Resolution is an advisory strategy for handling a conflict. Callers
// decide whether to honor it.
type Resolution string

const (
	ResolveWait  Resolution = "wait"
	ResolveSkip  Resolution = "skip"
	ResolveQueue Resolution = "queue"
	ResolveAbort Resolution = "abort"
)

// ResolveConflict maps a conflict to a suggested strategy: file and
// directory contention is usually transient (wait), command locks serialize
// naturally (queue), and network endpoints are best skipped and retried by
// the caller. Unknown types abort.
func ResolveConflict(c Conflict) Resolution {
	switch c.Resource.Type {
	case TypeFile, TypeDirectory:
		return ResolveWait
	case TypeCommand:
		return ResolveQueue
	case TypeNetwork:
		return ResolveSkip
	default:
		return ResolveAbort
	}
}
