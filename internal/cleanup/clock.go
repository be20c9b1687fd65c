package cleanup

import "time"

// Clock は Scheduler が使う時刻源です。
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker は time.Ticker の差し替え可能な形です。
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock は実時間の Clock です。
type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}

func (RealClock) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }
