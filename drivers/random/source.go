package random

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

// entropy yields uniform samples in [0, 1).
type entropy interface {
	Float64() (float64, error)
}

type seeded struct {
	rng *rand.Rand
}

func (s seeded) Float64() (float64, error) { return s.rng.Float64(), nil }

type cryptoEntropy struct{}

// Float64 keeps the top 53 bits of a crypto/rand word.
func (cryptoEntropy) Float64() (float64, error) {
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("secure source: %w", err)
	}
	return float64(binary.LittleEndian.Uint64(buf[:])>>11) / (1 << 53), nil
}

// newEntropy selects a generator by name. A nil seed seeds from the clock.
func newEntropy(name string, seed *int64) (entropy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "pseudo", "pcg", "math":
		s := uint64(time.Now().UnixNano())
		if seed != nil {
			s = uint64(*seed)
		}
		return seeded{rng: rand.New(rand.NewPCG(s, s^0x9e3779b97f4a7c15))}, nil
	case "secure", "crypto":
		return cryptoEntropy{}, nil
	default:
		return nil, fmt.Errorf("unknown random source %q", name)
	}
}

func uniform(e entropy, lo, hi float64) (float64, error) {
	if lo == hi {
		return lo, nil
	}
	u, err := e.Float64()
	if err != nil {
		return 0, err
	}
	return lo + (hi-lo)*u, nil
}

// bernoulli reports true with probability p. The bounds short-circuit so
// p = 1 never reads entropy.
func bernoulli(e entropy, p float64) (bool, error) {
	switch {
	case p <= 0:
		return false, nil
	case p >= 1:
		return true, nil
	}
	u, err := e.Float64()
	if err != nil {
		return false, err
	}
	return u < p, nil
}
