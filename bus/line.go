package bus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrClosed is returned when a write targets a closed line.
	ErrClosed = errors.New("bus: line closed")
	// ErrWidth is returned when the number of supplied voltages does not match
	// the line width.
	ErrWidth = errors.New("bus: width mismatch")
)

// Listener observes writes on a line. The slice must not be retained.
type Listener func(values []float64) error

// Line models a shared signal line with a fixed number of terminals.
//
// A line is either analog (arbitrary voltages) or digital (levels). Writes
// are propagated synchronously to every subscribed listener after the internal
// state has been updated. Lines are safe for concurrent use.
type Line struct {
	name   string
	analog bool

	mu        sync.RWMutex
	volts     []float64
	listeners map[uint64]Listener
	nextID    atomic.Uint64
	closed    atomic.Bool
}

// NewLine creates a line with the given width. Widths below one are raised to one.
func NewLine(name string, width int, analog bool) *Line {
	if width < 1 {
		width = 1
	}
	return &Line{
		name:      name,
		analog:    analog,
		volts:     make([]float64, width),
		listeners: make(map[uint64]Listener),
	}
}

func (l *Line) Name() string { return l.name }

// Width returns the terminal count.
func (l *Line) Width() int { return len(l.volts) }

// Analog reports whether the line carries analog voltages.
func (l *Line) Analog() bool { return l.analog }

// Voltage returns the voltage of terminal i. Out of range terminals read as 0.
func (l *Line) Voltage(i int) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i < 0 || i >= len(l.volts) {
		return 0
	}
	return l.volts[i]
}

// Voltages returns a copy of all terminal voltages.
func (l *Line) Voltages() []float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]float64, len(l.volts))
	copy(out, l.volts)
	return out
}

// Differential returns V(0) - V(1) for lines with at least two terminals and
// V(0) otherwise.
func (l *Line) Differential() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.volts) < 2 {
		return l.volts[0]
	}
	return l.volts[0] - l.volts[1]
}

// High reports whether terminal 0 carries a logic high level.
func (l *Line) High() bool {
	return l.Voltage(0) >= 0.5
}

// SetVoltages writes all terminals at once and notifies listeners.
func (l *Line) SetVoltages(values ...float64) error {
	if l.closed.Load() {
		return fmt.Errorf("%w: %s", ErrClosed, l.name)
	}
	l.mu.Lock()
	if len(values) != len(l.volts) {
		l.mu.Unlock()
		return fmt.Errorf("%w: line %s has %d terminals, got %d values", ErrWidth, l.name, len(l.volts), len(values))
	}
	copy(l.volts, values)
	snapshot := make([]float64, len(l.volts))
	copy(snapshot, l.volts)
	listeners := make([]Listener, 0, len(l.listeners))
	for _, listener := range l.listeners {
		listeners = append(listeners, listener)
	}
	l.mu.Unlock()

	var errs []error
	for _, listener := range listeners {
		if err := listener(snapshot); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetVoltageAll writes the signal terminal and drives every further terminal
// with the ground value.
func (l *Line) SetVoltageAll(signal, ground float64) error {
	values := make([]float64, l.Width())
	values[0] = signal
	for i := 1; i < len(values); i++ {
		values[i] = ground
	}
	return l.SetVoltages(values...)
}

// Subscribe registers a listener and returns a function removing it again.
func (l *Line) Subscribe(listener Listener) func() {
	if listener == nil {
		return func() {}
	}
	id := l.nextID.Add(1) - 1
	l.mu.Lock()
	l.listeners[id] = listener
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}
}

// Close marks the line closed. Subsequent writes fail with ErrClosed.
func (l *Line) Close() {
	l.closed.Store(true)
}

// Closed reports whether Close has been called.
func (l *Line) Closed() bool { return l.closed.Load() }
