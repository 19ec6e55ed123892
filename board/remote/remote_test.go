package remote

import (
	"testing"
	"time"

	"cardprobe.dev/board"
	"periph.io/x/conn/v3/physic"
)

type recordHandler struct {
	captures  chan board.Capture
	rollovers chan board.Timer
	rx        chan struct{}
}

func newRecordHandler() *recordHandler {
	return &recordHandler{
		captures:  make(chan board.Capture, 16),
		rollovers: make(chan board.Timer, 64),
		rx:        make(chan struct{}, 16),
	}
}

func (h *recordHandler) Captured(ch board.Capture) { h.captures <- ch }
func (h *recordHandler) Rollover(t board.Timer)    { h.rollovers <- t }
func (h *recordHandler) RxReady()                  { h.rx <- struct{}{} }

const waitTimeout = 5 * time.Second

func wait[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func openSim(t *testing.T) (*Probe, *Simulator, *recordHandler) {
	t.Helper()
	sim := NewSimulator()
	p, err := New(sim)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })
	h := newRecordHandler()
	p.Bind(h)
	return p, sim, h
}

func TestHello(t *testing.T) {
	p, _, _ := openSim(t)
	if got, want := p.CycleRate(), 16*physic.MegaHertz; got != want {
		t.Errorf("cycle rate %v, want %v", got, want)
	}
	if !p.PinRead(board.PinHRST) || !p.PinRead(board.PinHIO) {
		t.Error("HRST/HIO not high on an idle bus")
	}
	if p.PinRead(board.PinVBUS) {
		t.Error("VBUS high on an idle bus")
	}
}

func TestCaptureEvent(t *testing.T) {
	p, sim, h := openSim(t)
	p.TimerSetPeriod(board.TickTimer, 0xffff)
	p.TimerSetPeriod(board.CycleTimer, 0xffff)
	p.TimerStart(board.TickTimer)
	p.TimerStart(board.CycleTimer)
	p.CaptureArm(board.CaptureCLK, board.RisingEdge)

	sim.AdvanceCycles(1234)
	sim.StartClock()

	if ch := wait(t, h.captures, "CLK capture"); ch != board.CaptureCLK {
		t.Fatalf("captured %v, want CLK", ch)
	}
	if got := p.CaptureLatched(board.CaptureCLK); got != 1234 {
		t.Errorf("latched %d, want 1234", got)
	}
	if got := p.TimerValue(board.CycleTimer); got != 1234 {
		t.Errorf("cycle shadow %d, want 1234", got)
	}

	// An unarmed edge produces no event.
	p.CaptureDisarm(board.CaptureCLK)
	sim.Lower(board.PinCLK)
	sim.StartClock()
	select {
	case ch := <-h.captures:
		t.Fatalf("unexpected capture %v", ch)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEdgeFilter(t *testing.T) {
	p, sim, h := openSim(t)
	p.TimerStart(board.TickTimer)
	p.CaptureArm(board.CaptureHIO, board.RisingEdge)

	// The falling edge must not trigger a rising-edge capture.
	sim.Lower(board.PinHIO)
	select {
	case ch := <-h.captures:
		t.Fatalf("unexpected capture %v", ch)
	case <-time.After(50 * time.Millisecond):
	}
	sim.Raise(board.PinHIO)
	if ch := wait(t, h.captures, "HIO capture"); ch != board.CaptureHIO {
		t.Fatalf("captured %v, want HIO", ch)
	}
}

func TestRollover(t *testing.T) {
	p, sim, h := openSim(t)
	p.TimerSetPeriod(board.CycleTimer, 0xffff)
	p.TimerStart(board.CycleTimer)
	sim.AdvanceCycles(3 * 65536)
	for i := 0; i < 3; i++ {
		if got := wait(t, h.rollovers, "rollover"); got != board.CycleTimer {
			t.Fatalf("rollover of %v, want cycle timer", got)
		}
	}
}

func TestReceive(t *testing.T) {
	p, sim, h := openSim(t)
	p.UARTConfigure(1489)
	if got := sim.BRG(); got != 1489 {
		t.Errorf("sim BRG %d, want 1489", got)
	}

	// Bytes are dropped until the receiver is enabled.
	sim.Recv(0x55)
	p.UARTEnable(true)
	if !sim.UARTEnabled() {
		t.Fatal("sim UART not enabled")
	}
	sim.Recv(0x3b)
	sim.RecvFlags(0x90, board.RxParityError)

	wait(t, h.rx, "rx ready")
	b, flags, ok := p.UARTDrain()
	if !ok || b != 0x3b || flags != 0 {
		t.Fatalf("drain: got %#02x flags %v ok %v, want 3b", b, flags, ok)
	}
	wait(t, h.rx, "rx ready")
	b, flags, ok = p.UARTDrain()
	if !ok || b != 0x90 || flags != board.RxParityError {
		t.Fatalf("drain: got %#02x flags %v ok %v, want 90 parity", b, flags, ok)
	}
	if _, _, ok := p.UARTDrain(); ok {
		t.Error("drain succeeded on an empty queue")
	}
}

func TestPinShadow(t *testing.T) {
	p, sim, h := openSim(t)
	sim.SetPin(board.PinVBUS, true)
	// The pin frame precedes any later event; synchronize on one.
	p.TimerStart(board.TickTimer)
	p.CaptureArm(board.CaptureHRST, board.FallingEdge)
	sim.Lower(board.PinHRST)
	wait(t, h.captures, "HRST capture")
	if !p.PinRead(board.PinVBUS) {
		t.Error("VBUS shadow not updated")
	}
	if p.PinRead(board.PinHRST) {
		t.Error("HRST shadow not updated")
	}
}
