package serviceio

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/siggen/bus"
	"github.com/timzifer/siggen/config"
)

// Source drives voltages into a line, typically a modulation or enable input.
//
// A source decides when it is due, performs the update and exposes
// diagnostic status. Perform returns the number of errors encountered.
type Source interface {
	ID() string
	Due(now time.Time) bool
	Perform(now time.Time, logger zerolog.Logger) int
	SetDisabled(disabled bool)
	Status() SourceStatus
	Close()
}

// SourceStatus describes the last activity of a source.
type SourceStatus struct {
	ID           string
	Driver       string
	Line         string
	Disabled     bool
	NextRun      time.Time
	LastRun      time.Time
	LastDuration time.Duration
	LastValues   []float64
}

// Sink mirrors a line to an external system.
//
// Sinks are invoked by the service cycle on a regular cadence.
// Implementations should tolerate transient failures and must handle repeated
// calls to Commit as well as Close.
type Sink interface {
	ID() string
	Commit(now time.Time, logger zerolog.Logger) int
	SetDisabled(disabled bool)
	Status() SinkStatus
	Close()
}

// SinkStatus describes the last activity of a sink.
type SinkStatus struct {
	ID           string
	Driver       string
	Line         string
	Disabled     bool
	LastValue    float64
	LastWrite    time.Time
	LastAttempt  time.Time
	LastDuration time.Duration
}

// Dependencies are handed to source and sink factories.
type Dependencies struct {
	Lines *bus.Registry
}

// SourceFactory constructs a Source from its configuration.
type SourceFactory func(cfg config.SourceConfig, deps Dependencies) (Source, error)

// SinkFactory constructs a Sink from its configuration.
type SinkFactory func(cfg config.MirrorConfig, deps Dependencies) (Sink, error)
