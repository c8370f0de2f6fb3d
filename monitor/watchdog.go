package monitor

// OnIdle is the idle-path hook. It records the tick for the watchdog and, once
// EpochTicks have passed since the epoch start, stores the loads of the
// finished epoch and starts a new one.
//
// Restarts happen only here, so an epoch is never cut short by a burst that
// starves the idle path and the table dumped on a watchdog trip still covers
// the whole hang.
func (m *Monitor) OnIdle(tick uint32) {
	m.lastIdle.Store(tick)

	if m.cfg.EpochTicks == 0 || !m.cpuAvailable() {
		return
	}
	if tick-m.epochStartTick.Load() >= m.cfg.EpochTicks {
		m.sample(false, nil)
		m.StartMeasurement()
	}
}

// OnTick is the tick hook, called from interrupt context.
//
// If more than MaxTicksWithoutIdle ticks have passed since the idle path last
// ran, a task is assumed to be hanging: the CPU table is dumped and the
// monitor escalates with ReasonInfiniteLoop. The unsigned difference stays
// correct across tick counter wraparound.
func (m *Monitor) OnTick(tick uint32) {
	if limit := m.cfg.MaxTicksWithoutIdle; limit > 0 && m.fatalReason.Load() == 0 {
		if tick-m.lastIdle.Load() > limit {
			m.escalate(ReasonInfiniteLoop, func(p *Printer) {
				p.Printf("")
				p.Printf("ERROR: One task seems to be hanging (consumes all CPU power) !!!")
				m.printCPUUsageFromISR()
			})
		}
	}

	if h := m.cfg.TickHandler; h != nil {
		h.HandleTick(tick)
	}
}

// LastIdle returns the tick at which the idle path last ran.
func (m *Monitor) LastIdle() uint32 {
	return m.lastIdle.Load()
}
