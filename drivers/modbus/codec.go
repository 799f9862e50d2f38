package modbus

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var errRange = errors.New("modbus: value out of register range")

// registerCodec converts between voltages and 16 bit register words.
type registerCodec struct {
	scale  decimal.Decimal
	signed bool
	swap   bool
}

// Encode rounds volts/scale half away from zero into a register word.
func (c registerCodec) Encode(volts float64) (uint16, error) {
	if math.IsNaN(volts) || math.IsInf(volts, 0) {
		return 0, fmt.Errorf("%w: %v", errRange, volts)
	}
	counts := decimal.NewFromFloat(volts).Div(c.scale).Round(0).IntPart()
	var word uint16
	if c.signed {
		if counts < math.MinInt16 || counts > math.MaxInt16 {
			return 0, fmt.Errorf("%w: %v V is %d counts", errRange, volts, counts)
		}
		word = uint16(int16(counts))
	} else {
		if counts < 0 || counts > math.MaxUint16 {
			return 0, fmt.Errorf("%w: %v V is %d counts", errRange, volts, counts)
		}
		word = uint16(counts)
	}
	if c.swap {
		word = word>>8 | word<<8
	}
	return word, nil
}

// Decode converts a register word back into volts.
func (c registerCodec) Decode(word uint16) float64 {
	if c.swap {
		word = word>>8 | word<<8
	}
	var counts int64
	if c.signed {
		counts = int64(int16(word))
	} else {
		counts = int64(word)
	}
	volts, _ := decimal.NewFromInt(counts).Mul(c.scale).Float64()
	return volts
}
