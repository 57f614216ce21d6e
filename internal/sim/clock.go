package sim

import "time"

// Ticker abstracts a repeating timer so tests can drive ticks without
// wall-clock sleeps.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock produces tickers. The engine never touches time.NewTicker
// directly.
type Clock interface {
	NewTicker(d time.Duration) Ticker
}

// RealClock is the production Clock backed by the time package.
type RealClock struct{}

// NewTicker returns a ticker firing every d.
func (RealClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }
