package monitor

import "sync/atomic"

// Record is a snapshot of one registry entry.
type Record struct {
	Handle TaskHandle
	Name   string
	// Load is the CPU load in percent over the last refreshed epoch.
	Load uint8
	// Cycles is the raw run-time counter value behind Load.
	Cycles uint32
}

// slot is one registry entry. handle, load and cycles are atomics so interrupt
// context can snapshot them without the gate; name is only touched under the
// gate.
type slot struct {
	handle atomic.Uintptr
	load   atomic.Uint32
	cycles atomic.Uint32
	name   string
}

func (s *slot) set(h TaskHandle, name string, load uint8, cycles uint32) {
	s.handle.Store(uintptr(h))
	s.name = name
	s.load.Store(uint32(load))
	s.cycles.Store(cycles)
}

func (s *slot) moveFrom(o *slot) {
	s.set(TaskHandle(o.handle.Load()), o.name, uint8(o.load.Load()), o.cycles.Load())
}

func (s *slot) record() Record {
	return Record{
		Handle: TaskHandle(s.handle.Load()),
		Name:   s.name,
		Load:   uint8(s.load.Load()),
		Cycles: s.cycles.Load(),
	}
}

// OnTaskCreated appends a task to the registry. Exceeding the configured
// capacity escalates with ReasonTooManyTasks and does not return. Registering a
// handle that is already present is ignored.
//
// It may be called before the scheduler starts.
func (m *Monitor) OnTaskCreated(h TaskHandle, name string) {
	m.sched.EnterCritical()
	n := int(m.count.Load())
	if m.indexLocked(h, n) >= 0 {
		m.sched.ExitCritical()
		return
	}
	if n >= len(m.slots) {
		m.sched.ExitCritical()
		m.escalate(ReasonTooManyTasks, func(p *Printer) {
			p.Printf("ERROR: Created more tasks than allowed (%s) !!!", ReasonTooManyTasks)
		})
		return
	}
	m.slots[n].set(h, name, 0, 0)
	m.count.Store(int32(n + 1))
	m.sched.ExitCritical()
}

// OnTaskDeleted removes a task and shifts the survivors left so the registry
// stays dense and in registration order. Unknown handles are ignored.
func (m *Monitor) OnTaskDeleted(h TaskHandle) {
	m.sched.EnterCritical()
	defer m.sched.ExitCritical()

	n := int(m.count.Load())
	i := m.indexLocked(h, n)
	if i < 0 {
		return
	}
	for j := i; j < n-1; j++ {
		m.slots[j].moveFrom(&m.slots[j+1])
	}
	m.slots[n-1].set(0, "", 0, 0)
	m.count.Store(int32(n - 1))
}

// Count returns the number of registered tasks.
func (m *Monitor) Count() int {
	m.sched.EnterCritical()
	n := int(m.count.Load())
	m.sched.ExitCritical()
	return n
}

// ForEach visits the registry in registration order until visit returns false.
//
// The gate is held only while one entry is copied out, so visit may be slow
// (printing) without holding off the scheduler. Entries added or removed
// between visits may be seen or skipped.
func (m *Monitor) ForEach(visit func(rec Record) bool) {
	for i := 0; ; i++ {
		m.sched.EnterCritical()
		if i >= int(m.count.Load()) {
			m.sched.ExitCritical()
			return
		}
		rec := m.slots[i].record()
		m.sched.ExitCritical()

		if !visit(rec) {
			return
		}
	}
}

// indexLocked returns the slot index holding h, or -1. The gate must be held.
func (m *Monitor) indexLocked(h TaskHandle, n int) int {
	for i := 0; i < n; i++ {
		if TaskHandle(m.slots[i].handle.Load()) == h {
			return i
		}
	}
	return -1
}

// handleAt returns the handle in slot i. From interrupt context the gate is
// not taken and the count and handle are read as an atomic snapshot.
func (m *Monitor) handleAt(i int, isr bool) (TaskHandle, bool) {
	if !isr {
		m.sched.EnterCritical()
		defer m.sched.ExitCritical()
	}
	if i >= int(m.count.Load()) {
		return 0, false
	}
	return TaskHandle(m.slots[i].handle.Load()), true
}
