// Package board defines the peripheral surface of an ISO 7816 probe:
// three sniffed signal lines, two 16-bit tick counters, three edge
// capture units and a UART listening on the I/O line. Front-ends such
// as the Raspberry Pi header or the simulator implement Board; the
// sniffer core drives peripherals only through it.
package board

import "periph.io/x/conn/v3/physic"

// Timer identifies one of the two free-running 16-bit counters.
type Timer int

const (
	// TickTimer counts rising edges on CLK, synchronous to the
	// card clock.
	TickTimer Timer = iota
	// CycleTimer counts host cycles at CycleRate.
	CycleTimer

	NumTimers
)

// Capture identifies an edge capture unit. Each unit latches a timer
// value at the configured edge: the CLK unit latches CycleTimer, the
// HRST and HIO units latch TickTimer.
type Capture int

const (
	CaptureCLK Capture = iota
	CaptureHRST
	CaptureHIO

	NumCaptures
)

// Pin identifies a sniffed signal line.
type Pin int

const (
	PinCLK Pin = iota
	PinHRST
	PinHIO
	PinVBUS

	NumPins
)

// Edge selects the signal edge a capture unit triggers on.
type Edge int

const (
	RisingEdge Edge = iota
	FallingEdge
)

// RxFlags carries the per-byte receive error status of the UART.
type RxFlags uint8

const (
	RxParityError RxFlags = 1 << iota
	RxFramingError
)

// Handler receives peripheral interrupts. Implementations must not
// block. Rollover is delivered at the highest priority and may
// preempt the other callbacks; Captured and RxReady never preempt
// each other.
type Handler interface {
	// Rollover fires once per 16-bit wrap of t.
	Rollover(t Timer)
	// Captured fires when an armed capture unit latches an edge.
	Captured(ch Capture)
	// RxReady fires when the UART has received at least one byte.
	RxReady()
}

// Board is the peripheral set of a probe. All operations are
// non-blocking and callable from any interrupt priority at or above
// their own.
type Board interface {
	// Bind attaches the interrupt handler; nil detaches it.
	Bind(h Handler)

	TimerReset(t Timer)
	TimerStart(t Timer)
	TimerStop(t Timer)
	// TimerSetPeriod sets the wrap period register. The counter
	// counts 0..period inclusive.
	TimerSetPeriod(t Timer, period uint16)
	TimerValue(t Timer) uint16

	CaptureArm(ch Capture, e Edge)
	CaptureDisarm(ch Capture)
	// CaptureLatched returns the timer value latched at the most
	// recent captured edge of ch.
	CaptureLatched(ch Capture) uint16

	// UARTConfigure programs the receiver for 8 data bits, even
	// parity, 2 stop bits at the rate selected by the high-speed
	// baud-rate divisor brg.
	UARTConfigure(brg uint16)
	UARTEnable(on bool)
	// UARTDrain removes one received byte, with its error flags.
	UARTDrain() (byte, RxFlags, bool)

	PinRead(p Pin) bool

	// CycleRate is the frequency CycleTimer counts at.
	CycleRate() physic.Frequency
}
