package mqtt

import "time"

// Sample is a differential voltage observed on a line.
type Sample struct {
	Value     float64
	Timestamp time.Time
}
