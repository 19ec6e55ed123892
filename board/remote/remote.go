// Package remote implements the probe board over a serial link to
// external probe hardware. The probe streams edge captures, counter
// rollovers and received bytes as compact frames; peripheral
// configuration flows the other way as single commands.
//
// Counter values travel inside the event frames, sampled by the probe
// at the event itself, so reads on the host side never block: the
// driver answers TimerValue and PinRead from shadow state updated by
// the frame reader.
package remote

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"cardprobe.dev/board"
	"periph.io/x/conn/v3/physic"
)

// Event frames, probe to host.
const (
	evHello    = 0x01 // version, rate u32, pin states
	evCapture  = 0x02 // channel, latched u16, tick u16, cycle u16
	evRollover = 0x03 // timer
	evRx       = 0x04 // byte, flags
	evPin      = 0x05 // pin, level
)

// Command frames, host to probe.
const (
	cmdHello         = 0x10
	cmdTimerReset    = 0x11 // timer
	cmdTimerStart    = 0x12 // timer
	cmdTimerStop     = 0x13 // timer
	cmdTimerPeriod   = 0x14 // timer, period u16
	cmdCaptureArm    = 0x15 // channel, edge
	cmdCaptureDisarm = 0x16 // channel
	cmdUARTConfig    = 0x17 // brg u16
	cmdUARTEnable    = 0x18 // on
)

const protocolVersion = 1

// Probe is a board.Board talking to probe hardware over rw.
type Probe struct {
	rw io.ReadWriteCloser

	wmu sync.Mutex

	handler atomic.Pointer[handlerRef]
	rate    physic.Frequency

	shadow struct {
		sync.Mutex
		timers  [board.NumTimers]uint16
		latched [board.NumCaptures]uint16
		pins    [board.NumPins]bool
	}

	rxq struct {
		sync.Mutex
		q []rxEntry
	}

	done chan struct{}
	err  error
}

type handlerRef struct {
	h board.Handler
}

type rxEntry struct {
	b     byte
	flags board.RxFlags
}

// New performs the hello exchange on rw and starts the frame reader.
func New(rw io.ReadWriteCloser) (*Probe, error) {
	p := &Probe{
		rw:   rw,
		done: make(chan struct{}),
	}
	if err := p.hello(); err != nil {
		rw.Close()
		return nil, fmt.Errorf("remote: %w", err)
	}
	go p.readFrames()
	return p, nil
}

func (p *Probe) hello() error {
	if err := p.command(cmdHello); err != nil {
		return err
	}
	var frame [7]byte
	if _, err := io.ReadFull(p.rw, frame[:]); err != nil {
		return err
	}
	if frame[0] != evHello {
		return fmt.Errorf("unexpected hello frame %#02x", frame[0])
	}
	if v := frame[1]; v != protocolVersion {
		return fmt.Errorf("protocol version %d, want %d", v, protocolVersion)
	}
	hz := binary.LittleEndian.Uint32(frame[2:])
	p.rate = physic.Frequency(hz) * physic.Hertz
	pins := frame[6]
	p.shadow.Lock()
	for i := range p.shadow.pins {
		p.shadow.pins[i] = pins&(1<<i) != 0
	}
	p.shadow.Unlock()
	return nil
}

// Close shuts the link down. Pending reads fail and no further
// callbacks are delivered.
func (p *Probe) Close() error {
	p.Bind(nil)
	err := p.rw.Close()
	<-p.done
	return err
}

// Err returns the error that stopped the frame reader, if any.
func (p *Probe) Err() error {
	select {
	case <-p.done:
		if p.err != io.EOF && !errors.Is(p.err, os.ErrClosed) {
			return p.err
		}
		return nil
	default:
		return nil
	}
}

func (p *Probe) command(cmd byte, args ...byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	frame := append([]byte{cmd}, args...)
	if _, err := p.rw.Write(frame); err != nil {
		return fmt.Errorf("remote: command %#02x: %w", cmd, err)
	}
	return nil
}

func (p *Probe) readFrames() {
	defer close(p.done)
	var buf [8]byte
	for {
		if _, err := io.ReadFull(p.rw, buf[:1]); err != nil {
			p.err = err
			return
		}
		n, ok := frameLen(buf[0])
		if !ok {
			p.err = fmt.Errorf("remote: unknown frame %#02x", buf[0])
			return
		}
		if _, err := io.ReadFull(p.rw, buf[1:n]); err != nil {
			p.err = err
			return
		}
		p.dispatch(buf[:n])
	}
}

// frameLen returns the total frame length of an event type.
func frameLen(ev byte) (int, bool) {
	switch ev {
	case evHello:
		return 7, true
	case evCapture:
		return 8, true
	case evRollover:
		return 2, true
	case evRx:
		return 3, true
	case evPin:
		return 3, true
	}
	return 0, false
}

func (p *Probe) dispatch(frame []byte) {
	h := p.loadHandler()
	switch frame[0] {
	case evCapture:
		ch := board.Capture(frame[1])
		if ch >= board.NumCaptures {
			return
		}
		latched := binary.LittleEndian.Uint16(frame[2:])
		tick := binary.LittleEndian.Uint16(frame[4:])
		cycle := binary.LittleEndian.Uint16(frame[6:])
		p.shadow.Lock()
		p.shadow.latched[ch] = latched
		p.shadow.timers[board.TickTimer] = tick
		p.shadow.timers[board.CycleTimer] = cycle
		p.shadow.Unlock()
		if h != nil {
			h.Captured(ch)
		}
	case evRollover:
		t := board.Timer(frame[1])
		if t >= board.NumTimers {
			return
		}
		if h != nil {
			h.Rollover(t)
		}
	case evRx:
		p.rxq.Lock()
		p.rxq.q = append(p.rxq.q, rxEntry{frame[1], board.RxFlags(frame[2])})
		p.rxq.Unlock()
		if h != nil {
			h.RxReady()
		}
	case evPin:
		pin := board.Pin(frame[1])
		if pin >= board.NumPins {
			return
		}
		p.shadow.Lock()
		p.shadow.pins[pin] = frame[2] != 0
		p.shadow.Unlock()
	}
}

func (p *Probe) loadHandler() board.Handler {
	ref := p.handler.Load()
	if ref == nil {
		return nil
	}
	return ref.h
}

// Board interface.

func (p *Probe) Bind(h board.Handler) {
	if h == nil {
		p.handler.Store(nil)
		return
	}
	p.handler.Store(&handlerRef{h})
}

func (p *Probe) TimerReset(t board.Timer) {
	p.command(cmdTimerReset, byte(t))
	p.shadow.Lock()
	p.shadow.timers[t] = 0
	p.shadow.Unlock()
}

func (p *Probe) TimerStart(t board.Timer) {
	p.command(cmdTimerStart, byte(t))
}

func (p *Probe) TimerStop(t board.Timer) {
	p.command(cmdTimerStop, byte(t))
}

func (p *Probe) TimerSetPeriod(t board.Timer, period uint16) {
	p.command(cmdTimerPeriod, byte(t), byte(period), byte(period>>8))
}

func (p *Probe) TimerValue(t board.Timer) uint16 {
	p.shadow.Lock()
	defer p.shadow.Unlock()
	return p.shadow.timers[t]
}

func (p *Probe) CaptureArm(ch board.Capture, e board.Edge) {
	p.command(cmdCaptureArm, byte(ch), byte(e))
}

func (p *Probe) CaptureDisarm(ch board.Capture) {
	p.command(cmdCaptureDisarm, byte(ch))
}

func (p *Probe) CaptureLatched(ch board.Capture) uint16 {
	p.shadow.Lock()
	defer p.shadow.Unlock()
	return p.shadow.latched[ch]
}

func (p *Probe) UARTConfigure(brg uint16) {
	p.command(cmdUARTConfig, byte(brg), byte(brg>>8))
}

func (p *Probe) UARTEnable(on bool) {
	var v byte
	if on {
		v = 1
	}
	p.command(cmdUARTEnable, v)
	if !on {
		p.rxq.Lock()
		p.rxq.q = p.rxq.q[:0]
		p.rxq.Unlock()
	}
}

func (p *Probe) UARTDrain() (byte, board.RxFlags, bool) {
	p.rxq.Lock()
	defer p.rxq.Unlock()
	if len(p.rxq.q) == 0 {
		return 0, 0, false
	}
	e := p.rxq.q[0]
	p.rxq.q = p.rxq.q[1:]
	return e.b, e.flags, true
}

func (p *Probe) PinRead(pin board.Pin) bool {
	p.shadow.Lock()
	defer p.shadow.Unlock()
	return p.shadow.pins[pin]
}

func (p *Probe) CycleRate() physic.Frequency {
	return p.rate
}
