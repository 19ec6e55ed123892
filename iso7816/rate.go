package iso7816

import (
	"math"

	"cardprobe.dev/board"
	"periph.io/x/conn/v3/physic"
)

// brgFactor relates the measured cycles-per-tick ratio to the UART
// baud divisor: one ETU is 372 clock ticks and the high-speed baud
// generator divides by 4, so 372/4 = 93 cycles of divisor per cycle
// of ratio.
const brgFactor = 93

// brgFor computes the baud-rate divisor from a measured cycle/tick
// pair. ticks must be non-zero.
func brgFor(cycles, ticks uint32) uint16 {
	return uint16(math.Round(brgFactor*float64(cycles)/float64(ticks) + 1))
}

// clockKHz converts a tick/cycle measurement to the card clock
// frequency in KHz, given the cycle clock rate.
func clockKHz(rate physic.Frequency, ticks, cycles uint32) uint32 {
	if cycles == 0 {
		return 0
	}
	hz := uint64(rate / physic.Hertz)
	return uint32(hz * uint64(ticks) / uint64(cycles) / 1000)
}

// resetEnded runs in the HRST capture interrupt. It completes the
// rate measurement and programs the UART. The card may start its
// answer as soon as 400 ticks after reset release, between 1.3k and
// 6.4k cycles depending on the clock rate, so the divisor is computed
// here rather than deferred to the foreground.
func (s *Sniffer) resetEnded() {
	s.profile("> reset end")

	// One-shot trigger.
	s.b.CaptureDisarm(board.CaptureHRST)

	// Read the two counters as close together as possible.
	cycles := s.counter(board.CycleTimer)
	ticks := s.counter(board.TickTimer)

	// The cycle timer free-runs from before the clock started.
	cycles -= s.startCycles

	if ticks == 0 {
		// HRST cannot legitimately rise before a clock edge has
		// been counted; never divide by the tick count here.
		s.notify(NoteConfused)
		s.transition(StateManual)
		return
	}

	s.brg = brgFor(cycles, ticks)
	s.b.UARTConfigure(s.brg)

	s.profile("* brg set")

	s.rateCycles = cycles
	s.rateTicks = ticks

	// Tick count at which reset ended.
	s.resetEnd = uint32(s.b.CaptureLatched(board.CaptureHRST)) +
		s.multTick.Load()*timerSpan

	s.notify(NoteResetEnd)
	s.notify(NoteClkRate)
	s.transition(StateATR)

	s.profile("< reset end")
}
