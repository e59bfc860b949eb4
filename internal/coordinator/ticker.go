package coordinator

import "time"

// Ticker delivers ticks until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory creates a ticker firing every interval.
type TickerFactory func(interval time.Duration) Ticker

type timeTicker struct {
	ticker *time.Ticker
}

// NewTimeTicker is the TickerFactory backed by time.Ticker.
func NewTimeTicker(interval time.Duration) Ticker {
	return timeTicker{ticker: time.NewTicker(interval)}
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}
