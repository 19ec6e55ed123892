// Package iso7816 implements a passive sniffer for the contact smart
// card protocol of ISO/IEC 7816-3. It watches the CLK, RST and I/O
// lines of a host/card session, measures the session's elementary
// time unit from the reset sequence, programs the probe's UART with
// the measured rate and records the card's Answer To Reset.
//
// The sniffer cannot join a session in progress: the data rate is
// only learnable by observing a cold reset from the first clock edge.
//
// Startup sequence, as seen by the session state machine:
//   - Offline: bus is inactive
//   - host drives HRST low, applies power and then clock
//   - first rising clock edge is captured against the cycle
//     timer -> Reset
//   - Reset: card activation
//   - card lets I/O rise at or before 200 ticks from clock start
//   - host releases HRST at or after 400 ticks; tick and cycle
//     counts are read, the baud divisor computed and the UART
//     armed -> ATR
//   - ATR: the card answers; bytes feed the ATR parser -> Idle
package iso7816

import (
	"fmt"
	"io"
	"sync/atomic"

	"cardprobe.dev/board"
	"cardprobe.dev/ring"
)

// State is the sniffer session state.
type State int32

const (
	// StateManual: automatic operation is disabled.
	StateManual State = iota
	// StateOffline: armed, waiting for the first clock edge.
	StateOffline
	// StateReset: host has initiated a cold reset.
	StateReset
	// StateATR: card is sending its answer to reset.
	StateATR
	// StateIdle: session active, waiting for a command.
	StateIdle
	// StateCommand: command in progress.
	StateCommand
)

func (s State) String() string {
	switch s {
	case StateManual:
		return "manual"
	case StateOffline:
		return "offline"
	case StateReset:
		return "reset"
	case StateATR:
		return "atr"
	case StateIdle:
		return "idle"
	case StateCommand:
		return "command"
	}
	return "invalid"
}

const (
	atrMax       = 32
	noteRingSize = 32
	rxRingSize   = 128

	// timerSpan is the count range of the 16-bit timers running at
	// their full period.
	timerSpan = 1 << 16
)

type rxByte struct {
	b     byte
	flags board.RxFlags
}

// Sniffer is an ISO 7816-3 bus sniffer bound to a probe board.
//
// The session state machine owns the peripheral configuration: all
// peripheral mutation happens inside transition, which runs either in
// the interrupt that fired the transition or, for Start and Stop, on
// the foreground. Interrupt handlers otherwise only disarm their own
// one-shot capture units, program the UART divisor when reset ends,
// and push to the rings.
type Sniffer struct {
	b board.Board
	w io.Writer

	session atomic.Int32

	multTick  atomic.Uint32
	multCycle atomic.Uint32

	startCycles uint32
	rateTicks   uint32
	rateCycles  uint32
	brg         uint16

	resetAck uint32
	resetEnd uint32

	atr    [atrMax]byte
	atrLen int
	parser atrParser
	// rxNext is the state entered when the receive parser reports
	// completion.
	rxNext State

	notes *ring.Ring[Note]
	rx    *ring.Ring[rxByte]

	history []Note
	prof    profiler
}

// New returns a sniffer driving b and reporting to w.
func New(b board.Board, w io.Writer) *Sniffer {
	return &Sniffer{
		b:     b,
		w:     w,
		notes: ring.New[Note](noteRingSize),
		rx:    ring.New[rxByte](rxRingSize),
	}
}

// State returns the current session state.
func (s *Sniffer) State() State {
	return State(s.session.Load())
}

func (s *Sniffer) setState(st State) {
	s.session.Store(int32(st))
}

// Setup binds the sniffer to its peripherals and leaves the session
// in the manual state. Must be called before Start.
func (s *Sniffer) Setup() {
	s.b.Bind(s)
	s.b.TimerSetPeriod(board.TickTimer, 0xffff)
	s.b.TimerSetPeriod(board.CycleTimer, 0xffff)
}

// Cleanup stops any active session and releases the peripherals.
func (s *Sniffer) Cleanup() {
	if s.State() != StateManual {
		s.transition(StateManual)
	}
	s.b.TimerStop(board.TickTimer)
	s.b.TimerStop(board.CycleTimer)
	s.b.Bind(nil)
}

// Start arms the sniffer. The bus must be idle: a session in progress
// cannot be monitored because the reset sequence carries the protocol
// parameters. Refusals and later events report through Periodic or
// direct prints; Start has no error return.
func (s *Sniffer) Start() {
	if s.State() != StateManual {
		fmt.Fprintln(s.w, "already started")
		return
	}
	if s.busActive() {
		fmt.Fprintln(s.w, "!!! the bus appears to be active, not starting")
		fmt.Fprintln(s.w, "We can't start monitoring an active session because we")
		fmt.Fprintln(s.w, "need to observe the reset sequence in order to know the")
		fmt.Fprintln(s.w, "protocol parameters that are in use.")
		return
	}
	s.resetSession()
	s.transition(StateOffline)
}

// busActive reports whether something is driving the bus: power on
// VBUS, or HRST or HIO held low. An idle bus is unpowered with both
// open-collector lines released high.
func (s *Sniffer) busActive() bool {
	return s.b.PinRead(board.PinVBUS) ||
		!s.b.PinRead(board.PinHRST) ||
		!s.b.PinRead(board.PinHIO)
}

func (s *Sniffer) resetSession() {
	s.multTick.Store(0)
	s.multCycle.Store(0)
	s.startCycles = 0
	s.rateTicks = 0
	s.rateCycles = 0
	s.brg = 0
	s.resetAck = 0
	s.resetEnd = 0
	s.atrLen = 0
	s.parser = atrParser{}
	s.rxNext = StateManual
	s.notes.Reset()
	s.rx.Reset()
	s.history = s.history[:0]
	s.prof.reset()
}

// Stop returns the session to manual from any state and prints the
// session summary. The rings are preserved; queued events still drain
// on the next Periodic. No-op when already manual.
func (s *Sniffer) Stop() {
	if s.State() == StateManual {
		return
	}
	s.transition(StateManual)

	fmt.Fprintf(s.w, "tick rollovers: %d, cycle rollovers: %d\n",
		s.multTick.Load(), s.multCycle.Load())
	fmt.Fprint(s.w, "ATR bytes:")
	hexdump(s.w, s.atr[:s.atrLen])
	s.prof.dump(s.w)
}

// Pins describes the probe pinout.
func (s *Sniffer) Pins() string {
	return "CLK\t-\tRST\tI/O"
}

// Send transmits a byte on the command path. The command states are
// declared but the write path is reserved; Send reports false until
// one exists.
func (s *Sniffer) Send(byte) bool {
	return false
}

// ATR returns a copy of the answer to reset received so far.
func (s *Sniffer) ATR() []byte {
	atr := make([]byte, s.atrLen)
	copy(atr, s.atr[:s.atrLen])
	return atr
}

// Rate returns the measured tick and cycle counts of the reset
// interval and the baud divisor computed from them. Zero until a
// reset has been observed.
func (s *Sniffer) Rate() (ticks, cycles uint32, brg uint16) {
	return s.rateTicks, s.rateCycles, s.brg
}

// ResetTimings returns the tick counts at which the card acknowledged
// reset and the host released HRST.
func (s *Sniffer) ResetTimings() (ack, end uint32) {
	return s.resetAck, s.resetEnd
}

// Rollovers returns the 16-bit wrap counts of the two timers.
func (s *Sniffer) Rollovers() (tick, cycle uint32) {
	return s.multTick.Load(), s.multCycle.Load()
}

// History returns the notification codes drained so far this session,
// oldest first.
func (s *Sniffer) History() []Note {
	h := make([]Note, len(s.history))
	copy(h, s.history)
	return h
}

// transition moves the session to next, tearing down the peripherals
// of the leaving state before setting up the entering state.
//
// For most settings one state is torn down and then another set up.
// A few settings would cause issues if they were briefly cleared;
// instead the setup of every state writes them to the correct value,
// which may be the current one:
//
//	the UART enable    clearing it could drop a character
//	the HIO capture    stays armed from Offline through Reset so
//	                   the reset acknowledge edge is never missed;
//	                   its events are gated on the session state
func (s *Sniffer) transition(next State) {
	s.profile("> transition")

	switch s.State() {
	case StateManual:
		// No teardown, everything is already stopped.
	case StateOffline:
		s.b.CaptureDisarm(board.CaptureCLK)
	case StateReset:
		// No teardown yet.
	case StateATR:
		s.rxNext = StateManual
		s.b.UARTEnable(false)
	case StateIdle, StateCommand:
		// Reserved for the command path.
	}

	switch next {
	case StateManual:
		s.b.UARTEnable(false)
		s.b.CaptureDisarm(board.CaptureCLK)
		s.b.CaptureDisarm(board.CaptureHRST)
		s.b.CaptureDisarm(board.CaptureHIO)
	case StateOffline:
		s.b.UARTEnable(false) // no IO while the clock is stopped
		s.b.TimerReset(board.TickTimer)
		s.b.TimerStart(board.TickTimer)
		s.b.TimerReset(board.CycleTimer)
		s.b.TimerStart(board.CycleTimer)
		s.b.CaptureArm(board.CaptureCLK, board.RisingEdge)
		// Armed now, handled once the clock has started.
		s.b.CaptureArm(board.CaptureHIO, board.RisingEdge)
	case StateReset:
		s.b.UARTEnable(false) // the IO line is undefined
		s.b.CaptureArm(board.CaptureHRST, board.RisingEdge)
	case StateATR:
		s.rx.Reset()
		s.parser = atrParser{}
		s.rxNext = StateIdle
		s.b.UARTEnable(true)
	case StateIdle, StateCommand:
		// The command path is reserved; the receiver stays off.
		s.b.UARTEnable(false)
	}

	s.setState(next)

	s.profile("< transition")
}

// Rollover implements board.Handler. It runs at the highest interrupt
// priority and must stay trivial.
func (s *Sniffer) Rollover(t board.Timer) {
	switch t {
	case board.TickTimer:
		s.multTick.Add(1)
	case board.CycleTimer:
		s.multCycle.Add(1)
	}
}

// counter returns the rollover-extended 32-bit value of t. The
// multiplier is read on both sides of the counter read and the read
// retried on a straddled rollover, which keeps the invariant intact
// even if rollovers are not strictly higher priority than the caller.
func (s *Sniffer) counter(t board.Timer) uint32 {
	mult := &s.multTick
	if t == board.CycleTimer {
		mult = &s.multCycle
	}
	for {
		m := mult.Load()
		v := s.b.TimerValue(t)
		if mult.Load() == m {
			return uint32(v) + m*timerSpan
		}
	}
}

// Captured implements board.Handler.
func (s *Sniffer) Captured(ch board.Capture) {
	switch ch {
	case board.CaptureCLK:
		if s.State() == StateOffline {
			s.clockStarted()
		}
	case board.CaptureHIO:
		// Gated until the clock has started; a stray edge while
		// offline is not a reset acknowledge.
		if s.State() == StateReset {
			s.resetAcked()
		}
	case board.CaptureHRST:
		if s.State() == StateReset {
			s.resetEnded()
		}
	}
}

func (s *Sniffer) clockStarted() {
	s.profile("> clk start")

	// The latched cycle count is the zero point of the rate
	// measurement.
	s.startCycles = uint32(s.b.CaptureLatched(board.CaptureCLK))
	s.multCycle.Store(0)
	s.rateTicks = 0
	s.multTick.Store(0)

	// One-shot trigger.
	s.b.CaptureDisarm(board.CaptureCLK)

	// Clock started, beginning of the cold reset sequence.
	s.notify(NoteClkStart)
	s.transition(StateReset)

	s.profile("< clk start")
}

func (s *Sniffer) resetAcked() {
	s.profile("> reset ack")

	// Tick count at which the card let I/O rise.
	s.resetAck = uint32(s.b.CaptureLatched(board.CaptureHIO)) +
		s.multTick.Load()*timerSpan

	// One-shot trigger.
	s.b.CaptureDisarm(board.CaptureHIO)

	s.notify(NoteResetAck)

	s.profile("< reset ack")
}

// RxReady implements board.Handler. Received bytes are published on
// the receive ring; during ATR they also feed the parser.
func (s *Sniffer) RxReady() {
	s.profile("> rx")

	for {
		b, flags, ok := s.b.UARTDrain()
		if !ok {
			break
		}
		s.rx.Push(rxByte{b, flags})
		if s.State() != StateATR {
			continue
		}
		switch s.atrRead(b) {
		case readAbort:
			s.profile("* rx abort")
			s.transition(StateManual)
		case readDone:
			s.profile("* rx done")
			s.transition(s.rxNext)
		}
	}

	s.profile("< rx")
}
