package monitor

// PrintStackWatermarks prints the minimum free stack ever observed for every
// task, in words.
//
// Finding a watermark is slow, so both the gate and the print lock are
// released between tasks: higher priority work is never held off, at the cost
// of a best-effort snapshot.
func (m *Monitor) PrintStackWatermarks() { m.printStackWatermarks(m.con.Locked) }

// PrintStackWatermarksTo is PrintStackWatermarks for a caller already
// printing through p. The gate is still released between tasks.
func (m *Monitor) PrintStackWatermarksTo(p *Printer) { m.printStackWatermarks(p.Locked) }

func (m *Monitor) printStackWatermarks(locked func(func(p *Printer))) {
	if m.stacks == nil {
		locked(func(p *Printer) {
			p.Printf("INFO: Cannot print stack watermarks: stack inspection is not available")
		})
		return
	}

	locked(func(p *Printer) { p.Printf("Stack-Watermarks:") })
	m.ForEach(func(rec Record) bool {
		wm := m.stacks.StackHighWaterMark(rec.Handle)
		locked(func(p *Printer) { p.Printf("%-20s %d", rec.Name, wm) })
		return true
	})
}
