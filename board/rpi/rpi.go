//go:build linux

// Package rpi implements the probe board on the Raspberry Pi header.
// The sniffed lines and VBUS sense are GPIOs watched through
// periph.io; the I/O line is additionally wired to a serial port that
// serves as the 8E2 receiver, reprogrammed with the measured rate.
//
// The cycle timer is synthesized from the monotonic clock at a
// nominal 16 MHz and the tick timer counts CLK edges as the kernel
// delivers them, which tops out well below card clock rates. The
// header front-end therefore suits slowed-down replay rigs; a live
// bus needs the remote probe hardware.
package rpi

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"cardprobe.dev/board"
)

// cycleHz is the synthetic cycle clock rate.
const cycleHz = 16_000_000

const timerSpan = 1 << 16

// Config names the header resources. Zero fields take the defaults.
type Config struct {
	// GPIO names, as known to the gpio registry.
	CLK, HRST, HIO, VBUS string
	// UART is the serial device wired to the I/O line.
	UART string
}

var defaultConfig = Config{
	CLK:  "GPIO17",
	HRST: "GPIO27",
	HIO:  "GPIO22",
	VBUS: "GPIO23",
	UART: "/dev/ttyAMA0",
}

type Board struct {
	handler atomic.Pointer[handlerRef]

	pins [board.NumPins]gpio.PinIO
	caps [board.NumCaptures]captureState

	tick  tickTimer
	cycle cycleTimer

	uart *uart

	quit chan struct{}
	wg   sync.WaitGroup
}

type handlerRef struct {
	h board.Handler
}

type captureState struct {
	armed   atomic.Bool
	edge    atomic.Int32
	latched atomic.Uint32
}

// tickTimer counts CLK edges delivered by the watcher goroutine.
type tickTimer struct {
	running atomic.Bool
	count   atomic.Uint64
}

// cycleTimer derives a 16-bit counter from the monotonic clock.
type cycleTimer struct {
	mu      sync.Mutex
	running bool
	epoch   time.Time
	base    uint64
}

func (t *cycleTimer) cycles() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return t.base
	}
	elapsed := time.Since(t.epoch)
	return t.base + uint64(elapsed)*cycleHz/uint64(time.Second)
}

func (t *cycleTimer) setRunning(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		elapsed := time.Since(t.epoch)
		t.base += uint64(elapsed) * cycleHz / uint64(time.Second)
	}
	t.running = on
	t.epoch = time.Now()
}

// Open binds the header pins and the serial receiver.
func Open(cfg Config) (*Board, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("rpi: %w", err)
	}
	def := defaultConfig
	if cfg.CLK == "" {
		cfg.CLK = def.CLK
	}
	if cfg.HRST == "" {
		cfg.HRST = def.HRST
	}
	if cfg.HIO == "" {
		cfg.HIO = def.HIO
	}
	if cfg.VBUS == "" {
		cfg.VBUS = def.VBUS
	}
	if cfg.UART == "" {
		cfg.UART = def.UART
	}

	b := &Board{quit: make(chan struct{})}
	names := [board.NumPins]string{
		board.PinCLK:  cfg.CLK,
		board.PinHRST: cfg.HRST,
		board.PinHIO:  cfg.HIO,
		board.PinVBUS: cfg.VBUS,
	}
	for p, name := range names {
		pin := gpioreg.ByName(name)
		if pin == nil {
			return nil, fmt.Errorf("rpi: no pin %q", name)
		}
		if err := pin.In(gpio.PullNoChange, gpio.BothEdges); err != nil {
			return nil, fmt.Errorf("rpi: %s: %w", name, err)
		}
		b.pins[p] = pin
	}

	u, err := openUART(cfg.UART, b)
	if err != nil {
		return nil, fmt.Errorf("rpi: %w", err)
	}
	b.uart = u

	for _, w := range []struct {
		pin board.Pin
		ch  board.Capture
	}{
		{board.PinCLK, board.CaptureCLK},
		{board.PinHRST, board.CaptureHRST},
		{board.PinHIO, board.CaptureHIO},
	} {
		b.wg.Add(1)
		go b.watch(w.pin, w.ch)
	}
	b.wg.Add(1)
	go b.cycleRollovers()

	return b, nil
}

// Close releases the pins and the serial port.
func (b *Board) Close() error {
	close(b.quit)
	err := b.uart.close()
	for _, pin := range b.pins {
		pin.Halt()
	}
	b.wg.Wait()
	return err
}

func (b *Board) loadHandler() board.Handler {
	ref := b.handler.Load()
	if ref == nil {
		return nil
	}
	return ref.h
}

// watch delivers edges on one sniffed line: it counts CLK ticks and
// fires the line's capture unit when armed.
func (b *Board) watch(p board.Pin, ch board.Capture) {
	defer b.wg.Done()
	pin := b.pins[p]
	level := pin.Read()
	for {
		select {
		case <-b.quit:
			return
		default:
		}
		if !pin.WaitForEdge(time.Second) {
			continue
		}
		newLevel := pin.Read()
		if newLevel == level {
			continue
		}
		level = newLevel
		rising := level == gpio.High

		if p == board.PinCLK && rising && b.tick.running.Load() {
			n := b.tick.count.Add(1)
			if n%timerSpan == 0 {
				if h := b.loadHandler(); h != nil {
					h.Rollover(board.TickTimer)
				}
			}
		}

		c := &b.caps[ch]
		if !c.armed.Load() {
			continue
		}
		want := board.Edge(c.edge.Load()) == board.RisingEdge
		if rising != want {
			continue
		}
		src := board.TickTimer
		if ch == board.CaptureCLK {
			src = board.CycleTimer
		}
		c.latched.Store(uint32(b.TimerValue(src)))
		if h := b.loadHandler(); h != nil {
			h.Captured(ch)
		}
	}
}

// cycleRollovers synthesizes the cycle timer's wrap interrupts. One
// wrap of the 16-bit counter at 16 MHz is 4.096 ms.
func (b *Board) cycleRollovers() {
	defer b.wg.Done()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	var last uint64
	for {
		select {
		case <-b.quit:
			return
		case <-ticker.C:
		}
		wraps := b.cycle.cycles() / timerSpan
		if wraps < last {
			// The timer was reset.
			last = wraps
			continue
		}
		for ; last < wraps; last++ {
			if h := b.loadHandler(); h != nil {
				h.Rollover(board.CycleTimer)
			}
		}
	}
}

// Board interface.

func (b *Board) Bind(h board.Handler) {
	if h == nil {
		b.handler.Store(nil)
		return
	}
	b.handler.Store(&handlerRef{h})
}

func (b *Board) TimerReset(t board.Timer) {
	switch t {
	case board.TickTimer:
		b.tick.count.Store(0)
	case board.CycleTimer:
		b.cycle.mu.Lock()
		b.cycle.base = 0
		b.cycle.epoch = time.Now()
		b.cycle.mu.Unlock()
	}
}

func (b *Board) TimerStart(t board.Timer) {
	switch t {
	case board.TickTimer:
		b.tick.running.Store(true)
	case board.CycleTimer:
		b.cycle.setRunning(true)
	}
}

func (b *Board) TimerStop(t board.Timer) {
	switch t {
	case board.TickTimer:
		b.tick.running.Store(false)
	case board.CycleTimer:
		b.cycle.setRunning(false)
	}
}

func (b *Board) TimerSetPeriod(t board.Timer, period uint16) {
	// Both synthetic timers run at the full 16-bit span; shorter
	// periods have no users on this front-end.
}

func (b *Board) TimerValue(t board.Timer) uint16 {
	switch t {
	case board.TickTimer:
		return uint16(b.tick.count.Load())
	case board.CycleTimer:
		return uint16(b.cycle.cycles())
	}
	return 0
}

func (b *Board) CaptureArm(ch board.Capture, e board.Edge) {
	b.caps[ch].edge.Store(int32(e))
	b.caps[ch].armed.Store(true)
}

func (b *Board) CaptureDisarm(ch board.Capture) {
	b.caps[ch].armed.Store(false)
}

func (b *Board) CaptureLatched(ch board.Capture) uint16 {
	return uint16(b.caps[ch].latched.Load())
}

func (b *Board) UARTConfigure(brg uint16) {
	b.uart.configure(brg)
}

func (b *Board) UARTEnable(on bool) {
	b.uart.enable(on)
}

func (b *Board) UARTDrain() (byte, board.RxFlags, bool) {
	return b.uart.drain()
}

func (b *Board) PinRead(p board.Pin) bool {
	return b.pins[p].Read() == gpio.High
}

func (b *Board) CycleRate() physic.Frequency {
	return cycleHz * physic.Hertz
}
