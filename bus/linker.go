package bus

import (
	"errors"
	"fmt"
	"sync"
)

// ErrLink reports an invalid link request.
var ErrLink = errors.New("bus: invalid link")

type link struct {
	src         *Line
	dst         *Line
	unsubscribe func()
}

// Linker propagates writes from source lines to sink lines.
//
// Lock and Unlock expose the linkage lock shared by every component rebinding
// lines. Link and Unlink expect the caller to hold it so a remove/add pair is
// applied atomically with respect to other rebinding components.
type Linker struct {
	mu sync.Mutex

	linksMu sync.RWMutex
	links   []*link
}

// NewLinker creates an empty linker.
func NewLinker() *Linker {
	return &Linker{}
}

func (k *Linker) Lock()   { k.mu.Lock() }
func (k *Linker) Unlock() { k.mu.Unlock() }

// Link connects src to dst: dst immediately takes over the current values of
// src and follows every subsequent write. A failed Link leaves no link
// installed.
func (k *Linker) Link(src, dst *Line) error {
	if err := k.check(src, dst); err != nil {
		return err
	}
	if err := dst.SetVoltages(src.Voltages()...); err != nil {
		return fmt.Errorf("%w: %s to %s: %w", ErrLink, src.Name(), dst.Name(), err)
	}
	k.linksMu.Lock()
	k.links = append(k.links, subscribe(&link{src: src, dst: dst}))
	k.linksMu.Unlock()
	return nil
}

// Relink replaces every link line participates in with a link from src to
// dst. When the new link is rejected the previous links are restored.
func (k *Linker) Relink(line, src, dst *Line) error {
	removed := k.detach(line)
	if err := k.Link(src, dst); err != nil {
		k.linksMu.Lock()
		for _, entry := range removed {
			k.links = append(k.links, subscribe(entry))
		}
		k.linksMu.Unlock()
		return err
	}
	return nil
}

// Unlink removes every link the line participates in, as source or sink.
func (k *Linker) Unlink(line *Line) {
	k.detach(line)
}

func (k *Linker) check(src, dst *Line) error {
	if src == nil || dst == nil {
		return fmt.Errorf("%w: nil line", ErrLink)
	}
	if src == dst {
		return fmt.Errorf("%w: %s linked to itself", ErrLink, src.Name())
	}
	if src.Width() != dst.Width() {
		return fmt.Errorf("%w: width %d of %s does not match width %d of %s", ErrLink, src.Width(), src.Name(), dst.Width(), dst.Name())
	}
	if dst.Closed() {
		return fmt.Errorf("%w: %w: %s", ErrLink, ErrClosed, dst.Name())
	}
	k.linksMu.RLock()
	defer k.linksMu.RUnlock()
	if k.reachesLocked(dst, src) {
		return fmt.Errorf("%w: linking %s to %s creates a cycle", ErrLink, src.Name(), dst.Name())
	}
	return nil
}

func (k *Linker) detach(line *Line) []*link {
	if line == nil {
		return nil
	}
	k.linksMu.Lock()
	defer k.linksMu.Unlock()
	var removed []*link
	kept := k.links[:0]
	for _, entry := range k.links {
		if entry.src == line || entry.dst == line {
			entry.unsubscribe()
			removed = append(removed, entry)
			continue
		}
		kept = append(kept, entry)
	}
	for i := len(kept); i < len(k.links); i++ {
		k.links[i] = nil
	}
	k.links = kept
	return removed
}

func subscribe(entry *link) *link {
	dst := entry.dst
	entry.unsubscribe = entry.src.Subscribe(func(values []float64) error {
		return dst.SetVoltages(values...)
	})
	return entry
}

// Linked reports whether a direct link from src to dst exists.
func (k *Linker) Linked(src, dst *Line) bool {
	k.linksMu.RLock()
	defer k.linksMu.RUnlock()
	for _, entry := range k.links {
		if entry.src == src && entry.dst == dst {
			return true
		}
	}
	return false
}

func (k *Linker) reachesLocked(from, to *Line) bool {
	seen := make(map[*Line]struct{})
	stack := []*Line{from}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if current == to {
			return true
		}
		if _, ok := seen[current]; ok {
			continue
		}
		seen[current] = struct{}{}
		for _, entry := range k.links {
			if entry.src == current {
				stack = append(stack, entry.dst)
			}
		}
	}
	return false
}
