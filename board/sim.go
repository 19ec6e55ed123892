package board

import "periph.io/x/conn/v3/physic"

// Sim is a simulated probe board. Tests inject bus activity through
// StartClock, Tick, Raise and Recv; peripheral side effects and
// interrupt callbacks happen synchronously on the calling goroutine.
type Sim struct {
	h Handler

	rate          physic.Frequency
	cyclesPerTick uint32

	pins    [NumPins]bool
	timers  [NumTimers]simTimer
	caps    [NumCaptures]simCapture
	clockOn bool

	uartOn  bool
	uartBRG uint16
	rxq     []simRx
}

type simTimer struct {
	value   uint16
	period  uint16
	running bool
}

type simCapture struct {
	armed   bool
	edge    Edge
	latched uint16
}

type simRx struct {
	b     byte
	flags RxFlags
}

// NewSim returns a board with an idle bus: no power on VBUS, HRST and
// HIO released high. The host cycle clock runs at 16 MHz, and the
// simulated card clock at 1 MHz (16 cycles per tick) until changed
// with SetCyclesPerTick.
func NewSim() *Sim {
	s := &Sim{
		rate:          16 * physic.MegaHertz,
		cyclesPerTick: 16,
	}
	s.pins[PinHRST] = true
	s.pins[PinHIO] = true
	for i := range s.timers {
		s.timers[i].period = 0xffff
	}
	return s
}

// SetCyclesPerTick sets the ratio between the host cycle clock and
// the simulated card clock.
func (s *Sim) SetCyclesPerTick(n uint32) {
	if n == 0 {
		panic("sim: zero cycles per tick")
	}
	s.cyclesPerTick = n
}

// SetPin drives a bus line to the given level without generating
// edge events.
func (s *Sim) SetPin(p Pin, level bool) {
	s.pins[p] = level
}

// StartClock applies the card clock: the first rising edge triggers
// the CLK capture unit, and subsequent Tick calls advance TickTimer.
func (s *Sim) StartClock() {
	s.clockOn = true
	s.pins[PinCLK] = true
	s.capture(CaptureCLK, RisingEdge)
}

// StopClock halts the card clock.
func (s *Sim) StopClock() {
	s.clockOn = false
	s.pins[PinCLK] = false
}

// Tick advances the bus by n card clock cycles. TickTimer gains n
// counts if the clock is running; CycleTimer gains n times the
// cycles-per-tick ratio. Rollover interrupts fire per 16-bit wrap.
func (s *Sim) Tick(n uint32) {
	if s.clockOn {
		s.advance(TickTimer, n)
	}
	s.advance(CycleTimer, n*s.cyclesPerTick)
}

// AdvanceCycles advances the host cycle clock alone, as elapses
// before the card clock starts.
func (s *Sim) AdvanceCycles(n uint32) {
	s.advance(CycleTimer, n)
}

func (s *Sim) advance(t Timer, n uint32) {
	tm := &s.timers[t]
	if !tm.running {
		return
	}
	span := uint32(tm.period) + 1
	total := uint32(tm.value) + n
	for total >= span {
		total -= span
		if s.h != nil {
			s.h.Rollover(t)
		}
	}
	tm.value = uint16(total)
}

// Raise drives p high, triggering its capture unit on the rising
// edge. HRST and HIO captures latch TickTimer.
func (s *Sim) Raise(p Pin) {
	if s.pins[p] {
		return
	}
	s.pins[p] = true
	if ch, ok := captureFor(p); ok {
		s.capture(ch, RisingEdge)
	}
}

// Lower drives p low, triggering its capture unit on the falling
// edge.
func (s *Sim) Lower(p Pin) {
	if !s.pins[p] {
		return
	}
	s.pins[p] = false
	if ch, ok := captureFor(p); ok {
		s.capture(ch, FallingEdge)
	}
}

func captureFor(p Pin) (Capture, bool) {
	switch p {
	case PinCLK:
		return CaptureCLK, true
	case PinHRST:
		return CaptureHRST, true
	case PinHIO:
		return CaptureHIO, true
	}
	return 0, false
}

// captureTimer is the timer a capture unit latches from.
func captureTimer(ch Capture) Timer {
	if ch == CaptureCLK {
		return CycleTimer
	}
	return TickTimer
}

func (s *Sim) capture(ch Capture, e Edge) {
	c := &s.caps[ch]
	if !c.armed || c.edge != e {
		return
	}
	c.latched = s.timers[captureTimer(ch)].value
	if s.h != nil {
		s.h.Captured(ch)
	}
}

// Recv delivers a byte from the card as received by the UART.
// Dropped while the UART is disabled, as real silicon would.
func (s *Sim) Recv(b byte) {
	s.RecvFlags(b, 0)
}

// RecvFlags delivers a byte tagged with receive error flags.
func (s *Sim) RecvFlags(b byte, flags RxFlags) {
	if !s.uartOn {
		return
	}
	s.rxq = append(s.rxq, simRx{b, flags})
	if s.h != nil {
		s.h.RxReady()
	}
}

// BRG returns the divisor last programmed with UARTConfigure.
func (s *Sim) BRG() uint16 {
	return s.uartBRG
}

// UARTEnabled reports whether the receiver is listening.
func (s *Sim) UARTEnabled() bool {
	return s.uartOn
}

// Board interface.

func (s *Sim) Bind(h Handler) {
	s.h = h
}

func (s *Sim) TimerReset(t Timer) {
	s.timers[t].value = 0
}

func (s *Sim) TimerStart(t Timer) {
	s.timers[t].running = true
}

func (s *Sim) TimerStop(t Timer) {
	s.timers[t].running = false
}

func (s *Sim) TimerSetPeriod(t Timer, period uint16) {
	s.timers[t].period = period
}

func (s *Sim) TimerValue(t Timer) uint16 {
	return s.timers[t].value
}

func (s *Sim) CaptureArm(ch Capture, e Edge) {
	s.caps[ch].armed = true
	s.caps[ch].edge = e
}

func (s *Sim) CaptureDisarm(ch Capture) {
	s.caps[ch].armed = false
}

func (s *Sim) CaptureLatched(ch Capture) uint16 {
	return s.caps[ch].latched
}

func (s *Sim) UARTConfigure(brg uint16) {
	s.uartBRG = brg
}

func (s *Sim) UARTEnable(on bool) {
	s.uartOn = on
	if !on {
		s.rxq = s.rxq[:0]
	}
}

func (s *Sim) UARTDrain() (byte, RxFlags, bool) {
	if len(s.rxq) == 0 {
		return 0, 0, false
	}
	rx := s.rxq[0]
	s.rxq = s.rxq[1:]
	return rx.b, rx.flags, true
}

func (s *Sim) PinRead(p Pin) bool {
	return s.pins[p]
}

func (s *Sim) CycleRate() physic.Frequency {
	return s.rate
}
