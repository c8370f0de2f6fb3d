package monitor

// OnAlloc is the allocator hook for a successful allocation of size bytes.
func (m *Monitor) OnAlloc(size uint32) {
	m.sched.EnterCritical()
	m.heap.Add(-int64(size))
	m.sched.ExitCritical()
}

// OnFree is the allocator hook for freeing size bytes.
//
// Freeing more than was allocated is a caller bug and is not detected.
func (m *Monitor) OnFree(size uint32) {
	m.sched.EnterCritical()
	m.heap.Add(int64(size))
	m.sched.ExitCritical()
}

// RemainingHeap returns the estimated number of free heap bytes. It says
// nothing about fragmentation.
func (m *Monitor) RemainingHeap() int64 {
	return m.heap.Load()
}

// PrintHeap prints RemainingHeap.
func (m *Monitor) PrintHeap() { m.con.Locked(m.PrintHeapTo) }

// PrintHeapTo is PrintHeap for a caller already printing through p.
func (m *Monitor) PrintHeapTo(p *Printer) {
	p.Printf("FreeHeap [bytes]: %d", m.RemainingHeap())
}
