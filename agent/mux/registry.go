// Package mux decides which protocol a freshly accepted connection speaks
// and installs that protocol's pipeline on it, once.
package mux

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/portmux/portmux/agent/channel"
)

// Verdict is a descriptor's opinion on a byte prefix.
type Verdict uint8

const (
	// NeedMore means the prefix is too short to decide.
	NeedMore Verdict = iota
	// Match means the prefix belongs to the protocol.
	Match
	// NoMatch means the prefix can never belong to the protocol.
	NoMatch
)

func (v Verdict) String() string {
	switch v {
	case NeedMore:
		return "need-more"
	case Match:
		return "match"
	case NoMatch:
		return "no-match"
	default:
		return fmt.Sprintf("verdict(%d)", uint8(v))
	}
}

// Descriptor describes one protocol spoken on the shared port.
//
// Sniff is given a read-only view of the first bytes of a connection and
// must not retain it. Matching is done on fixed markers so that at most one
// descriptor matches any prefix; Order only breaks ties.
type Descriptor struct {
	Name  string
	Order int

	Sniff func(peek []byte) Verdict

	// Install sets the protocol's decoder and handler on ch. It runs on the
	// channel loop, and the bytes that were sniffed are decoded by the
	// installed decoder right after it returns.
	Install func(ch *channel.Channel) error
}

// CanSupport reports whether peek is enough to bind the connection to d.
func (d Descriptor) CanSupport(peek []byte) bool {
	return d.Sniff(peek) == Match
}

// MatchPrefix returns a sniff func for protocols that open with a fixed
// marker.
func MatchPrefix(marker []byte) func(peek []byte) Verdict {
	return func(peek []byte) Verdict {
		if len(peek) < len(marker) {
			if bytes.HasPrefix(marker, peek) {
				return NeedMore
			}
			return NoMatch
		}
		if bytes.HasPrefix(peek, marker) {
			return Match
		}
		return NoMatch
	}
}

var (
	ErrDuplicateProtocol  = errors.New("mux: protocol already registered")
	ErrInvalidDescriptor  = errors.New("mux: descriptor needs a name, a sniff func and an install func")
	ErrUnknownProtocol    = errors.New("mux: unknown protocol")
	ErrNoProtocol         = errors.New("mux: no protocol matched")
	ErrSniffLimitExceeded = errors.New("mux: sniff limit exceeded")
)

type entry struct {
	Descriptor
	seq int
}

// Registry is the process wide, ordered set of protocol descriptors.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	seq     int

	fallback        string
	fallbackTimeout time.Duration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds d. Descriptors are immutable once registered.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" || d.Sniff == nil || d.Install == nil {
		return ErrInvalidDescriptor
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.Name == d.Name {
			return fmt.Errorf("%w: %s", ErrDuplicateProtocol, d.Name)
		}
	}
	r.entries = append(r.entries, entry{Descriptor: d, seq: r.seq})
	r.seq++
	sort.SliceStable(r.entries, func(i, j int) bool {
		if r.entries[i].Order != r.entries[j].Order {
			return r.entries[i].Order < r.entries[j].Order
		}
		return r.entries[i].seq < r.entries[j].seq
	})
	return nil
}

// SetIdleFallback names the descriptor installed when a connection stays
// silent for timeout. It serves protocols where the server speaks first.
func (r *Registry) SetIdleFallback(name string, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.lookupLocked(name); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProtocol, name)
	}
	r.fallback = name
	r.fallbackTimeout = timeout
	return nil
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupLocked(name)
}

func (r *Registry) lookupLocked(name string) (Descriptor, bool) {
	for _, e := range r.entries {
		if e.Name == name {
			return e.Descriptor, true
		}
	}
	return Descriptor{}, false
}

// Descriptors returns the registered descriptors in evaluation order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Descriptor
	}
	return out
}

// Select evaluates every descriptor against peek in order. It returns the
// first match, or a nil descriptor and whether a later prefix could still
// match.
func (r *Registry) Select(peek []byte) (d *Descriptor, undecided bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range r.entries {
		switch r.entries[i].Sniff(peek) {
		case Match:
			d := r.entries[i].Descriptor
			return &d, false
		case NeedMore:
			undecided = true
		}
	}
	return nil, undecided
}

func (r *Registry) idleFallback() (Descriptor, time.Duration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.fallback == "" {
		return Descriptor{}, 0, false
	}
	d, ok := r.lookupLocked(r.fallback)
	return d, r.fallbackTimeout, ok
}
