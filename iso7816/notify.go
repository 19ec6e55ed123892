package iso7816

// Note is an asynchronous notification code sent from interrupt
// context to the foreground reporter.
type Note uint8

const (
	// NoteConfused reports an invariant violation, such as the ATR
	// parser finding itself in an undefined mode.
	NoteConfused Note = iota
	// NoteClkStart reports the first clock edge on CLK, the
	// beginning of a cold reset.
	NoteClkStart
	// NoteClkRate reports a completed clock rate measurement.
	NoteClkRate
	// NoteResetAck reports the card acknowledging reset by letting
	// the I/O line rise.
	NoteResetAck
	// NoteResetEnd reports the host releasing HRST.
	NoteResetEnd
	// NoteInverseCoding reports an ATR in the unsupported inverse
	// convention.
	NoteInverseCoding
	// NoteATROverflow reports an ATR longer than the buffer.
	NoteATROverflow
	// NoteATRInvalid reports an ATR byte the parser rejects.
	NoteATRInvalid
	// NoteATRDone reports a completely received ATR.
	NoteATRDone
)

func (n Note) String() string {
	switch n {
	case NoteConfused:
		return "CONFUSED"
	case NoteClkStart:
		return "CLK_START"
	case NoteClkRate:
		return "CLK_RATE"
	case NoteResetAck:
		return "RESET_ACK"
	case NoteResetEnd:
		return "RESET_END"
	case NoteInverseCoding:
		return "INVERSE_CODING"
	case NoteATROverflow:
		return "ATR_OVERFLOW"
	case NoteATRInvalid:
		return "ATR_INVALID"
	case NoteATRDone:
		return "ATR_DONE"
	}
	return "UNKNOWN"
}

// notify queues a code for the foreground reporter. Ring overflow is
// recorded by the ring itself and reported on the next drain.
func (s *Sniffer) notify(n Note) {
	s.notes.Push(n)
}
