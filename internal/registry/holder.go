package registry

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrVersionConflict is returned when a swap would move the active rulebook
// backwards or change it without a version bump.
var ErrVersionConflict = errors.New("rulebook version conflict")

// Holder keeps the active registry. Readers take one snapshot per
// assessment; Swap replaces the whole registry atomically.
type Holder struct {
	current atomic.Pointer[Registry]
}

// NewHolder creates a holder with an initial registry.
func NewHolder(initial *Registry) *Holder {
	h := &Holder{}
	h.current.Store(initial)
	return h
}

// Current returns the active registry.
func (h *Holder) Current() *Registry {
	return h.current.Load()
}

// Swap installs next and returns the registry it replaced. It refuses a lower
// version, and a same-version rulebook whose content differs.
func (h *Holder) Swap(next *Registry) (*Registry, error) {
	if next == nil {
		return nil, fmt.Errorf("registry is required")
	}
	for {
		prev := h.current.Load()
		if err := checkSwap(prev, next); err != nil {
			return nil, err
		}
		if h.current.CompareAndSwap(prev, next) {
			return prev, nil
		}
	}
}

// CanSwap reports the error Swap would return for next right now, without
// installing it.
func (h *Holder) CanSwap(next *Registry) error {
	if next == nil {
		return fmt.Errorf("registry is required")
	}
	return checkSwap(h.current.Load(), next)
}

func checkSwap(prev, next *Registry) error {
	if prev == nil {
		return nil
	}
	switch cmp := next.SemVer().Compare(prev.SemVer()); {
	case cmp < 0:
		return fmt.Errorf("%w: rulebook version %s is older than active version %s", ErrVersionConflict, next.Version(), prev.Version())
	case cmp == 0 && next.Digest() != prev.Digest():
		return fmt.Errorf("%w: rulebook version %s changed without a version bump", ErrVersionConflict, next.Version())
	}
	return nil
}
