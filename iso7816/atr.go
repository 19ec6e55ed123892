package iso7816

// The answer to reset opens with the convention byte TS, then the
// format byte T0 whose low nibble is the count of historical bytes.
// Interface bytes TA/TB/TC/TD follow in groups; bits 4-7 of the most
// recent TD byte (T0 for the first group) announce which of the next
// group's bytes are present, and a set bit 7 chains another TD. A
// check byte TCK closes the answer when the low nibble of the last
// reference byte is non-zero: the last TD announcing a protocol other
// than T=0, or, in an answer without TD bytes, T0 announcing any
// historical bytes.

type readResult int

const (
	readOK readResult = iota
	readDone
	readAbort
)

type atrMode int

const (
	modeTS atrMode = iota
	modeTD
	modeTA
	modeTB
	modeTC
	modeTK
)

const (
	atrDirect  = 0x3b
	atrInverse = 0x3f
)

type atrParser struct {
	mode atrMode
	// offset indexes the reference byte: the most recent TD, or T0.
	offset int
	// remaining counts historical and check bytes left to consume.
	remaining int
}

// atrPresence lists the interface bytes of a group in wire order with
// the reference byte bit announcing each.
var atrPresence = [...]struct {
	mode atrMode
	bit  byte
}{
	{modeTA, 0x10},
	{modeTB, 0x20},
	{modeTC, 0x40},
	{modeTD, 0x80},
}

// atrRead consumes one received byte. It runs in the UART receive
// interrupt while the session is in the ATR state.
func (s *Sniffer) atrRead(b byte) readResult {
	s.profile("* atr read")

	if s.atrLen >= atrMax {
		s.notify(NoteATROverflow)
		return readAbort
	}
	s.atr[s.atrLen] = b
	s.atrLen++

	switch s.parser.mode {
	case modeTS:
		switch b {
		case atrDirect:
			s.parser.mode = modeTD
			return readOK
		case atrInverse:
			s.notify(NoteInverseCoding)
			return readAbort
		default:
			s.notify(NoteATRInvalid)
			return readAbort
		}

	case modeTD:
		s.parser.offset = s.atrLen - 1
		return s.atrNext(0)
	case modeTA:
		return s.atrNext(1)
	case modeTB:
		return s.atrNext(2)
	case modeTC:
		return s.atrNext(3)

	case modeTK:
		s.parser.remaining--
		if s.parser.remaining > 0 {
			return readOK
		}
		s.notify(NoteATRDone)
		return readDone

	default:
		// Shouldn't happen, but...
		s.notify(NoteConfused)
		return readAbort
	}
}

// atrNext advances to the next interface byte the reference byte
// announces, scanning the presence bits from the given position. With
// the group exhausted and no further TD chained, what remains is the
// historical bytes plus a check byte when the reference byte's low
// nibble is non-zero (for T0, that nibble is the historical count).
func (s *Sniffer) atrNext(from int) readResult {
	ref := s.atr[s.parser.offset]
	for _, p := range atrPresence[from:] {
		if ref&p.bit != 0 {
			s.parser.mode = p.mode
			return readOK
		}
	}
	n := int(s.atr[1] & 0x0f)
	if ref&0x0f != 0 {
		n++
	}
	if n > 0 {
		s.parser.mode = modeTK
		s.parser.remaining = n
		return readOK
	}
	s.notify(NoteATRDone)
	return readDone
}
