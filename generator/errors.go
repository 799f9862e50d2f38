package generator

import "errors"

var (
	// ErrInvalidArgument is returned by setters for values outside their domain.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrLinkage is returned when a bus handle has the wrong shape for a binding.
	ErrLinkage = errors.New("linkage error")
	// ErrTerminated is returned when starting a generator that has already stopped.
	ErrTerminated = errors.New("generator terminated")
	// ErrRunning is returned when starting a generator twice.
	ErrRunning = errors.New("generator already running")
)
