//go:build linux

package rpi

import (
	"fmt"
	"sync"

	serial "github.com/daedaluz/goserial"

	"cardprobe.dev/board"
)

// uart is the 8E2 receiver on the I/O line. The measured session rate
// is f/372 and never a standard baud, so the port is programmed
// through termios2 with a custom speed. It runs raw with INPCK and
// PARMRK: receive errors arrive in-band as 0xff 0x00 escapes.
type uart struct {
	port *serial.Port
	b    *Board

	mu  sync.Mutex
	on  bool
	q   []rxEntry
	esc escState
}

type rxEntry struct {
	b     byte
	flags board.RxFlags
}

type escState int

const (
	escNone escState = iota
	escMark // seen 0xff
	escErr  // seen 0xff 0x00, next byte had an error
)

func openUART(dev string, b *Board) (*uart, error) {
	port, err := serial.Open(dev, serial.NewOptions())
	if err != nil {
		return nil, fmt.Errorf("uart %s: %w", dev, err)
	}
	u := &uart{port: port, b: b}
	go u.readLoop()
	return u, nil
}

func (u *uart) close() error {
	return u.port.Close()
}

// configure reprograms the port from the measured baud divisor:
// baud = cycle rate / (4 * (brg - 1)).
func (u *uart) configure(brg uint16) {
	if brg <= 1 {
		return
	}
	baud := uint32(cycleHz / (4 * (uint32(brg) - 1)))
	attrs, err := u.port.GetAttr2()
	if err != nil {
		return
	}
	attrs.MakeRaw()
	attrs.Cflag |= serial.CREAD | serial.CLOCAL
	// 8 data bits, even parity, 2 stop bits.
	attrs.Cflag |= serial.PARENB | serial.CSTOPB
	attrs.Cflag &= ^serial.PARODD
	// Mark receive errors in-band.
	attrs.Iflag &= ^serial.IGNPAR
	attrs.Iflag |= serial.INPCK | serial.PARMRK
	attrs.SetCustomSpeed(baud)
	u.port.SetAttr2(serial.TCSANOW, attrs)
}

func (u *uart) enable(on bool) {
	u.mu.Lock()
	u.on = on
	if !on {
		u.q = u.q[:0]
		u.esc = escNone
	}
	u.mu.Unlock()
}

func (u *uart) drain() (byte, board.RxFlags, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.q) == 0 {
		return 0, 0, false
	}
	e := u.q[0]
	u.q = u.q[1:]
	return e.b, e.flags, true
}

func (u *uart) readLoop() {
	buf := make([]byte, 64)
	for {
		n, err := u.port.Read(buf)
		if err != nil {
			return
		}
		if u.push(buf[:n]) {
			if h := u.b.loadHandler(); h != nil {
				h.RxReady()
			}
		}
	}
}

// push decodes PARMRK escapes and queues the received bytes. The
// line discipline marks parity and framing errors identically, so an
// errored byte carries both flags.
func (u *uart) push(data []byte) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.on {
		u.esc = escNone
		return false
	}
	before := len(u.q)
	for _, c := range data {
		switch u.esc {
		case escNone:
			if c == 0xff {
				u.esc = escMark
				continue
			}
			u.q = append(u.q, rxEntry{b: c})
		case escMark:
			switch c {
			case 0xff:
				// Escaped literal 0xff.
				u.q = append(u.q, rxEntry{b: 0xff})
				u.esc = escNone
			case 0x00:
				u.esc = escErr
			default:
				// Not a recognized escape; keep both bytes.
				u.q = append(u.q, rxEntry{b: 0xff}, rxEntry{b: c})
				u.esc = escNone
			}
		case escErr:
			u.q = append(u.q, rxEntry{
				b:     c,
				flags: board.RxParityError | board.RxFramingError,
			})
			u.esc = escNone
		}
	}
	return len(u.q) > before
}
