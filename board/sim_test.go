package board

import "testing"

type countHandler struct {
	rollovers map[Timer]int
	captures  []Capture
	rx        int
}

func newCountHandler() *countHandler {
	return &countHandler{rollovers: make(map[Timer]int)}
}

func (h *countHandler) Rollover(t Timer)    { h.rollovers[t]++ }
func (h *countHandler) Captured(ch Capture) { h.captures = append(h.captures, ch) }
func (h *countHandler) RxReady()            { h.rx++ }

func TestSimTimerRollover(t *testing.T) {
	sim := NewSim()
	h := newCountHandler()
	sim.Bind(h)
	sim.TimerStart(CycleTimer)

	sim.AdvanceCycles(0xffff)
	if got := sim.TimerValue(CycleTimer); got != 0xffff {
		t.Errorf("value %#x, want 0xffff", got)
	}
	if h.rollovers[CycleTimer] != 0 {
		t.Error("rollover before wrap")
	}
	sim.AdvanceCycles(1)
	if got := sim.TimerValue(CycleTimer); got != 0 {
		t.Errorf("value %#x after wrap, want 0", got)
	}
	if h.rollovers[CycleTimer] != 1 {
		t.Errorf("rollovers %d, want 1", h.rollovers[CycleTimer])
	}
	sim.AdvanceCycles(3 * 65536)
	if h.rollovers[CycleTimer] != 4 {
		t.Errorf("rollovers %d, want 4", h.rollovers[CycleTimer])
	}
}

func TestSimTickGatedOnClock(t *testing.T) {
	sim := NewSim()
	sim.TimerStart(TickTimer)
	sim.TimerStart(CycleTimer)
	sim.Tick(10)
	if got := sim.TimerValue(TickTimer); got != 0 {
		t.Errorf("tick timer advanced to %d without a clock", got)
	}
	if got := sim.TimerValue(CycleTimer); got != 160 {
		t.Errorf("cycle timer %d, want 160", got)
	}
	sim.StartClock()
	sim.Tick(10)
	if got := sim.TimerValue(TickTimer); got != 10 {
		t.Errorf("tick timer %d, want 10", got)
	}
}

func TestSimCaptureEdges(t *testing.T) {
	sim := NewSim()
	h := newCountHandler()
	sim.Bind(h)
	sim.TimerStart(TickTimer)
	sim.TimerStart(CycleTimer)
	sim.CaptureArm(CaptureHIO, RisingEdge)

	// Falling edge must not fire a rising-edge capture.
	sim.Lower(PinHIO)
	if len(h.captures) != 0 {
		t.Fatalf("captures %v on falling edge", h.captures)
	}
	sim.StartClock()
	sim.Tick(42)
	sim.Raise(PinHIO)
	if len(h.captures) != 1 || h.captures[0] != CaptureHIO {
		t.Fatalf("captures %v, want [HIO]", h.captures)
	}
	if got := sim.CaptureLatched(CaptureHIO); got != 42 {
		t.Errorf("latched %d, want 42", got)
	}
	// Disarmed units stay quiet.
	sim.CaptureDisarm(CaptureHIO)
	sim.Lower(PinHIO)
	sim.Raise(PinHIO)
	if len(h.captures) != 1 {
		t.Fatalf("captures %v after disarm", h.captures)
	}
}

func TestSimUARTGate(t *testing.T) {
	sim := NewSim()
	h := newCountHandler()
	sim.Bind(h)
	sim.Recv(0x3b)
	if h.rx != 0 {
		t.Error("rx delivered while disabled")
	}
	sim.UARTEnable(true)
	sim.RecvFlags(0x90, RxParityError)
	if h.rx != 1 {
		t.Fatalf("rx count %d, want 1", h.rx)
	}
	b, flags, ok := sim.UARTDrain()
	if !ok || b != 0x90 || flags != RxParityError {
		t.Fatalf("drain: %#02x %v %v", b, flags, ok)
	}
	sim.UARTEnable(false)
	if _, _, ok := sim.UARTDrain(); ok {
		t.Error("queue survived disable")
	}
}
