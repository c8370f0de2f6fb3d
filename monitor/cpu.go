package monitor

// loadPercent converts a task's run-time counter into a percentage of the
// epoch. The integer division truncates, so loads under-report by up to one
// percent. elapsed is clamped to 1 so a report taken right after an epoch
// start cannot divide by zero, and the result is clamped to 100 because a task
// can accrue counter time while the counter sampling itself is stopped.
func loadPercent(runTime, elapsed uint32) uint8 {
	if elapsed == 0 {
		elapsed = 1
	}
	p := uint64(runTime) * 100 / uint64(elapsed)
	if p > 100 {
		p = 100
	}
	return uint8(p)
}

type cpuRow struct {
	handle TaskHandle
	load   uint8
	cycles uint32
}

func (m *Monitor) cpuAvailable() bool {
	return m.stats != nil
}

func (m *Monitor) cpuUnavailable(p *Printer) {
	p.Printf("INFO: Cannot report CPU usage: run-time statistics are not available")
}

// StartMeasurement starts a new measurement epoch: it records the current
// counter value and tick, and clears every registered task's run-time counter.
// The counter is stopped meanwhile so the epoch start cannot tear.
func (m *Monitor) StartMeasurement() { m.startMeasurement(m.con.Locked) }

// StartMeasurementTo is StartMeasurement for a caller already printing
// through p.
func (m *Monitor) StartMeasurementTo(p *Printer) { m.startMeasurement(p.Locked) }

func (m *Monitor) startMeasurement(locked func(func(p *Printer))) {
	if !m.cpuAvailable() {
		locked(m.cpuUnavailable)
		return
	}

	m.sched.EnterCritical()
	defer m.sched.ExitCritical()

	m.counter.Stop()
	m.epochStartCount.Store(m.counter.Value())
	m.epochStartTick.Store(m.sched.TickCount())
	n := int(m.count.Load())
	for i := 0; i < n; i++ {
		m.stats.ClearRunTimeCounter(TaskHandle(m.slots[i].handle.Load()))
	}
	m.counter.Start()
}

// elapsed returns counter cycles since the epoch start. The subtraction wraps
// with the 32-bit counter. Outside interrupt context the gate is held so the
// read cannot restart the counter in the middle of StartMeasurement.
func (m *Monitor) elapsed(isr bool) uint32 {
	if !isr {
		m.sched.EnterCritical()
		defer m.sched.ExitCritical()
	}
	m.counter.Stop()
	now := m.counter.Value()
	m.counter.Start()
	return now - m.epochStartCount.Load()
}

// sample computes every task's load over the current epoch, stores it in the
// registry and hands each row to visit (if non-nil). Normal and interrupt
// context share this path and differ only in whether the gate is taken.
func (m *Monitor) sample(isr bool, visit func(row cpuRow)) {
	elapsed := m.elapsed(isr)
	for i := 0; ; i++ {
		h, ok := m.handleAt(i, isr)
		if !ok {
			return
		}
		if h == 0 {
			continue
		}

		cycles := m.stats.RunTimeCounter(h)
		row := cpuRow{handle: h, load: loadPercent(cycles, elapsed), cycles: cycles}
		m.storeRow(i, row, isr)
		if visit != nil {
			visit(row)
		}
	}
}

// storeRow writes row into slot i unless the slot changed owner since the
// handle was read.
func (m *Monitor) storeRow(i int, row cpuRow, isr bool) {
	if !isr {
		m.sched.EnterCritical()
		defer m.sched.ExitCritical()
	}
	if i >= int(m.count.Load()) {
		return
	}
	s := &m.slots[i]
	if TaskHandle(s.handle.Load()) != row.handle {
		return
	}
	s.load.Store(uint32(row.load))
	s.cycles.Store(row.cycles)
}

// Refresh recomputes the stored load of every task over the current epoch.
func (m *Monitor) Refresh() {
	if !m.cpuAvailable() {
		return
	}
	m.sample(false, nil)
}

// PrintCPUUsage prints the name, load, priority and run-time cycles of every
// task.
//
// With idle-path epoch restarts enabled the stored loads of the last complete
// epoch are printed; otherwise the current epoch is sampled first.
func (m *Monitor) PrintCPUUsage() { m.con.Locked(m.PrintCPUUsageTo) }

// PrintCPUUsageTo is PrintCPUUsage for a caller already printing through p.
func (m *Monitor) PrintCPUUsageTo(p *Printer) {
	if !m.cpuAvailable() {
		m.cpuUnavailable(p)
		return
	}
	m.printCPUHeader(p)
	if m.cfg.EpochTicks == 0 {
		m.sample(false, func(row cpuRow) { m.printCPURow(p, row) })
		return
	}
	m.ForEach(func(rec Record) bool {
		m.printCPURow(p, cpuRow{handle: rec.Handle, load: rec.Load, cycles: rec.Cycles})
		return true
	})
}

// printCPUUsageFromISR dumps a freshly sampled table without the gate or the
// print lock. Used by the watchdog before escalating.
func (m *Monitor) printCPUUsageFromISR() {
	p := m.con.Unsafe()
	if !m.cpuAvailable() {
		m.cpuUnavailable(p)
		return
	}
	m.printCPUHeader(p)
	m.sample(true, func(row cpuRow) { m.printCPURow(p, row) })
}

func (m *Monitor) printCPUHeader(p *Printer) {
	p.Printf("CPU-Usage:")
	p.Printf("%-20s %4s %5s %10s", "Name", "CPU%", "Prio", "Cycles")
}

func (m *Monitor) printCPURow(p *Printer, row cpuRow) {
	info := m.sched.TaskInfo(row.handle)
	p.Printf("%-20s %3d%% %5d %10d", info.Name, row.load, info.Priority, row.cycles)
}

// CPULoad returns the stored load of h in percent, or 0 if h is not
// registered.
func (m *Monitor) CPULoad(h TaskHandle) uint8 {
	m.sched.EnterCritical()
	defer m.sched.ExitCritical()

	i := m.indexLocked(h, int(m.count.Load()))
	if i < 0 {
		return 0
	}
	return uint8(m.slots[i].load.Load())
}

// CPUUsage appends a snapshot of every registry entry to dst.
func (m *Monitor) CPUUsage(dst []Record) []Record {
	m.ForEach(func(rec Record) bool {
		dst = append(dst, rec)
		return true
	})
	return dst
}

// EpochStart returns the counter value and tick at which the current epoch
// began.
func (m *Monitor) EpochStart() (count, tick uint32) {
	return m.epochStartCount.Load(), m.epochStartTick.Load()
}
