// Package trace stores observed card sessions as CBOR records for
// post-mortem tooling.
package trace

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Record is one observed session: the measured reset timings and
// rate, the answer to reset and the notification codes the session
// produced, in order.
type Record struct {
	// Time is the capture time in Unix seconds.
	Time       int64  `cbor:"1,keyasint,omitempty"`
	CycleHz    uint64 `cbor:"2,keyasint"`
	RateTicks  uint32 `cbor:"3,keyasint"`
	RateCycles uint32 `cbor:"4,keyasint"`
	BRG        uint16 `cbor:"5,keyasint"`
	ResetAck   uint32 `cbor:"6,keyasint"`
	ResetEnd   uint32 `cbor:"7,keyasint"`
	ATR        []byte `cbor:"8,keyasint"`
	Events     []byte `cbor:"9,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort: cbor.SortCanonical,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Encode writes r to w in canonical CBOR.
func Encode(w io.Writer, r *Record) error {
	data, err := encMode.Marshal(r)
	if err != nil {
		return fmt.Errorf("trace: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("trace: %w", err)
	}
	return nil
}

// Decode reads one record from rd.
func Decode(rd io.Reader) (*Record, error) {
	data, err := io.ReadAll(rd)
	if err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}
	r := new(Record)
	if err := decMode.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}
	return r, nil
}
