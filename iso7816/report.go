package iso7816

import (
	"fmt"
	"io"

	"cardprobe.dev/board"
)

// Periodic drains the notification and receive rings, printing one
// line per event. It is the only consumer of the rings and runs on
// the foreground, invoked by the outer polling loop.
func (s *Sniffer) Periodic() {
	for {
		n, ok := s.notes.Pop()
		if !ok {
			break
		}
		s.history = append(s.history, n)
		s.report(n)
	}

	if s.notes.TakeOverflow() {
		fmt.Fprintln(s.w, "!!! notification buffer overflowed")
	}

	for {
		rx, ok := s.rx.Pop()
		if !ok {
			break
		}
		fmt.Fprintf(s.w, "read %02x%s\n", rx.b, rxTags(rx.flags))
	}
	if s.rx.TakeOverflow() {
		fmt.Fprintln(s.w, "!!! receive buffer overflowed")
	}
}

func (s *Sniffer) report(n Note) {
	switch n {
	case NoteClkStart:
		fmt.Fprintf(s.w, "** bus clock started, begin cold reset, %dc\n",
			s.startCycles)

	case NoteClkRate:
		fmt.Fprintf(s.w, "** clock rate %d KHz, BRG = %d, %dt = %dc\n",
			clockKHz(s.b.CycleRate(), s.rateTicks, s.rateCycles),
			s.brg, s.rateTicks, s.rateCycles)

	case NoteResetAck:
		fmt.Fprintf(s.w, "** device acknowledged reset at %dt\n", s.resetAck)

	case NoteResetEnd:
		fmt.Fprintf(s.w, "** host released RST at %dt\n", s.resetEnd)

	case NoteInverseCoding:
		fmt.Fprintln(s.w, "!!! device uses inverse coding, aborting")

	case NoteATROverflow:
		fmt.Fprintln(s.w, "!!! received more than 32 bytes for ATR, aborting")

	case NoteATRInvalid:
		fmt.Fprintln(s.w, "!!! invalid or unsupported value in ATR, aborting")
		fmt.Fprint(s.w, "ATR received so far:")
		hexdump(s.w, s.atr[:s.atrLen])

	case NoteATRDone:
		fmt.Fprintf(s.w, "** ATR complete, %d bytes:", s.atrLen)
		hexdump(s.w, s.atr[:s.atrLen])

	case NoteConfused:
		fmt.Fprintln(s.w, "!!! sniffer confused, aborting")

	default:
		fmt.Fprintf(s.w, "!!! received unknown notification %#x\n", uint8(n))
	}
}

// rxTags renders the per-byte receive error flags: "p" for a parity
// error, "f" for a framing error.
func rxTags(flags board.RxFlags) string {
	parity := flags&board.RxParityError != 0
	framing := flags&board.RxFramingError != 0
	switch {
	case parity && framing:
		return " pf"
	case parity:
		return " p"
	case framing:
		return " f"
	}
	return ""
}

func hexdump(w io.Writer, b []byte) {
	if len(b) == 0 {
		fmt.Fprintln(w, " (none)")
		return
	}
	fmt.Fprintf(w, " % 02x\n", b)
}
