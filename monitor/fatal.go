package monitor

// Reason classifies a fatal condition.
type Reason uint8

const (
	ReasonStackOverflow Reason = iota + 1
	ReasonMallocFailed
	ReasonInfiniteLoop
	ReasonTooManyTasks
)

func (r Reason) String() string {
	switch r {
	case ReasonStackOverflow:
		return "stack overflow"
	case ReasonMallocFailed:
		return "malloc failed"
	case ReasonInfiniteLoop:
		return "infinite loop"
	case ReasonTooManyTasks:
		return "too many tasks"
	default:
		return "unknown"
	}
}

// OnStackOverflow is the scheduler's stack overflow hook. It does not return.
func (m *Monitor) OnStackOverflow(h TaskHandle, name string) {
	m.escalate(ReasonStackOverflow, func(p *Printer) {
		p.Printf("")
		p.Printf("ERROR: Stack Overflow in '%s' !!!", name)
	})
}

// OnAllocFailed is the allocator's failure hook; h is the requesting task (0
// before the scheduler starts). It does not return.
func (m *Monitor) OnAllocFailed(h TaskHandle) {
	name := "<none>"
	if h != 0 {
		name = m.sched.TaskInfo(h).Name
	}
	m.escalate(ReasonMallocFailed, func(p *Printer) {
		p.Printf("")
		p.Printf("ERROR: Memory Allocation Failed in '%s' !!!", name)
	})
}

// Fatal reports whether the fatal path has fired and for what reason.
func (m *Monitor) Fatal() (Reason, bool) {
	r := Reason(m.fatalReason.Load())
	return r, r != 0
}

// escalate is the single fatal path. The first caller prints through the
// unlocked printer, suspends the scheduler, runs the user handler and halts.
// Any later caller halts straight away. It never returns.
func (m *Monitor) escalate(reason Reason, report func(p *Printer)) {
	if !m.fatalReason.CompareAndSwap(0, uint32(reason)) {
		m.halt()
	}

	report(m.con.Unsafe())
	m.sched.SuspendAll()
	if h := m.cfg.FatalHandler; h != nil {
		h.HandleFatal(reason)
	}
	m.halt()
}

func (m *Monitor) halt() {
	m.halter.Halt()
	// A Halter that returns still must not hand control back.
	select {}
}
