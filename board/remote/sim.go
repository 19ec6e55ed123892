package remote

import (
	"encoding/binary"
	"io"
	"sync"

	"cardprobe.dev/board"
)

// Simulator emulates probe hardware behind the serial link: command
// frames written to it configure simulated peripherals, and injected
// bus activity comes back out as event frames.
type Simulator struct {
	mu     sync.Mutex
	cond   *sync.Cond
	closed bool
	// pending holds emitted event frames not yet read.
	pending []byte

	timers        [board.NumTimers]simTimer
	caps          [board.NumCaptures]simCapture
	pins          [board.NumPins]bool
	clockOn       bool
	cyclesPerTick uint32

	uartOn bool
	brg    uint16
}

type simTimer struct {
	value   uint16
	period  uint16
	running bool
}

type simCapture struct {
	armed bool
	edge  board.Edge
}

// simCycleHz is the simulated probe's cycle clock.
const simCycleHz = 16_000_000

// NewSimulator returns a probe emulator with an idle bus and a 1 MHz
// simulated card clock.
func NewSimulator() *Simulator {
	s := &Simulator{cyclesPerTick: 16}
	s.cond = sync.NewCond(&s.mu)
	s.pins[board.PinHRST] = true
	s.pins[board.PinHIO] = true
	for i := range s.timers {
		s.timers[i].period = 0xffff
	}
	return s
}

func (s *Simulator) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.pending) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *Simulator) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(p)
	for len(p) > 0 {
		cmd := p[0]
		argn, ok := commandLen(cmd)
		if !ok || len(p) < 1+argn {
			return n - len(p), io.ErrUnexpectedEOF
		}
		s.execute(cmd, p[1:1+argn])
		p = p[1+argn:]
	}
	return n, nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
	return nil
}

// commandLen returns the argument length of a command.
func commandLen(cmd byte) (int, bool) {
	switch cmd {
	case cmdHello:
		return 0, true
	case cmdTimerReset, cmdTimerStart, cmdTimerStop:
		return 1, true
	case cmdTimerPeriod:
		return 3, true
	case cmdCaptureArm:
		return 2, true
	case cmdCaptureDisarm, cmdUARTEnable:
		return 1, true
	case cmdUARTConfig:
		return 2, true
	}
	return 0, false
}

func (s *Simulator) execute(cmd byte, args []byte) {
	switch cmd {
	case cmdHello:
		var pins byte
		for i, level := range s.pins {
			if level {
				pins |= 1 << i
			}
		}
		var hz [4]byte
		binary.LittleEndian.PutUint32(hz[:], simCycleHz)
		s.emit(evHello, protocolVersion, hz[0], hz[1], hz[2], hz[3], pins)
	case cmdTimerReset:
		s.timers[args[0]].value = 0
	case cmdTimerStart:
		s.timers[args[0]].running = true
	case cmdTimerStop:
		s.timers[args[0]].running = false
	case cmdTimerPeriod:
		s.timers[args[0]].period = binary.LittleEndian.Uint16(args[1:])
	case cmdCaptureArm:
		s.caps[args[0]] = simCapture{armed: true, edge: board.Edge(args[1])}
	case cmdCaptureDisarm:
		s.caps[args[0]].armed = false
	case cmdUARTConfig:
		s.brg = binary.LittleEndian.Uint16(args)
	case cmdUARTEnable:
		s.uartOn = args[0] != 0
	}
}

// emit queues an event frame for the host.
func (s *Simulator) emit(frame ...byte) {
	if s.closed {
		return
	}
	s.pending = append(s.pending, frame...)
	s.cond.Broadcast()
}

// StartClock applies the simulated card clock.
func (s *Simulator) StartClock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clockOn = true
	s.pins[board.PinCLK] = true
	s.capture(board.CaptureCLK, board.RisingEdge)
}

// Tick advances the bus by n card clock cycles.
func (s *Simulator) Tick(n uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clockOn {
		s.advance(board.TickTimer, n)
	}
	s.advance(board.CycleTimer, n*s.cyclesPerTick)
}

// AdvanceCycles advances the cycle clock alone.
func (s *Simulator) AdvanceCycles(n uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance(board.CycleTimer, n)
}

func (s *Simulator) advance(t board.Timer, n uint32) {
	tm := &s.timers[t]
	if !tm.running {
		return
	}
	span := uint32(tm.period) + 1
	total := uint32(tm.value) + n
	for total >= span {
		total -= span
		s.emit(evRollover, byte(t))
	}
	tm.value = uint16(total)
}

// SetPin drives a line without an edge event.
func (s *Simulator) SetPin(p board.Pin, level bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins[p] = level
	s.emitPin(p)
}

// Raise drives p high, firing its capture unit on the rising edge.
func (s *Simulator) Raise(p board.Pin) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pins[p] {
		return
	}
	s.pins[p] = true
	s.emitPin(p)
	if ch, ok := captureForPin(p); ok {
		s.capture(ch, board.RisingEdge)
	}
}

// Lower drives p low, firing its capture unit on the falling edge.
func (s *Simulator) Lower(p board.Pin) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pins[p] {
		return
	}
	s.pins[p] = false
	s.emitPin(p)
	if ch, ok := captureForPin(p); ok {
		s.capture(ch, board.FallingEdge)
	}
}

func (s *Simulator) emitPin(p board.Pin) {
	var level byte
	if s.pins[p] {
		level = 1
	}
	s.emit(evPin, byte(p), level)
}

func captureForPin(p board.Pin) (board.Capture, bool) {
	switch p {
	case board.PinCLK:
		return board.CaptureCLK, true
	case board.PinHRST:
		return board.CaptureHRST, true
	case board.PinHIO:
		return board.CaptureHIO, true
	}
	return 0, false
}

func (s *Simulator) capture(ch board.Capture, e board.Edge) {
	c := s.caps[ch]
	if !c.armed || c.edge != e {
		return
	}
	src := board.TickTimer
	if ch == board.CaptureCLK {
		src = board.CycleTimer
	}
	latched := s.timers[src].value
	tick := s.timers[board.TickTimer].value
	cycle := s.timers[board.CycleTimer].value
	s.emit(evCapture, byte(ch),
		byte(latched), byte(latched>>8),
		byte(tick), byte(tick>>8),
		byte(cycle), byte(cycle>>8))
}

// Recv delivers a byte received by the probe's UART.
func (s *Simulator) Recv(b byte) {
	s.RecvFlags(b, 0)
}

// RecvFlags delivers a byte tagged with receive error flags.
func (s *Simulator) RecvFlags(b byte, flags board.RxFlags) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.uartOn {
		return
	}
	s.emit(evRx, b, byte(flags))
}

// BRG returns the divisor last programmed over the link.
func (s *Simulator) BRG() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.brg
}

// UARTEnabled reports whether the probe's receiver is listening.
func (s *Simulator) UARTEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uartOn
}
