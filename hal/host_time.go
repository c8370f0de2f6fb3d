//go:build !tinygo

package hal

import "time"

// DefaultTickPeriod is the host scheduler tick period (100 Hz).
const DefaultTickPeriod = 10 * time.Millisecond

type hostTime struct {
	ch     chan uint64
	seq    uint64
	period time.Duration

	now  func() time.Time
	last time.Time
	acc  time.Duration
}

func newHostTime() *hostTime {
	return &hostTime{ch: make(chan uint64, 1024), period: DefaultTickPeriod, now: time.Now}
}

func (t *hostTime) Ticks() <-chan uint64 { return t.ch }

func (t *hostTime) setPeriod(d time.Duration) {
	if d > 0 {
		t.period = d
	}
}

// step converts wall time elapsed since the previous call into ticks. The
// first call always emits one tick.
func (t *hostTime) step() {
	now := t.now()
	if t.last.IsZero() {
		t.last = now
		t.acc = 0
		t.stepN(1)
		return
	}

	t.acc += now.Sub(t.last)
	t.last = now

	ticks := uint64(t.acc / t.period)
	if ticks == 0 {
		return
	}
	t.acc = t.acc % t.period
	t.stepN(ticks)
}

func (t *hostTime) stepN(n uint64) {
	for i := uint64(0); i < n; i++ {
		t.seq++
		select {
		case t.ch <- t.seq:
		default:
		}
	}
}
