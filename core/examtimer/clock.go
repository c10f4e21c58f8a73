package examtimer

import "time"

// Clock tells the current time. Readings returned by Now must carry Go's monotonic
// clock reading so that elapsed time survives wall-clock adjustments.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// SystemClock returns the process clock.
func SystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}
