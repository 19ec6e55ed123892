package trace

import (
	"bytes"
	"reflect"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	records := []*Record{
		{
			Time:       1712345678,
			CycleHz:    16_000_000,
			RateTicks:  500,
			RateCycles: 8000,
			BRG:        1489,
			ResetAck:   100,
			ResetEnd:   500,
			ATR:        []byte{0x3b, 0x90, 0x00},
			Events:     []byte{1, 3, 4, 2, 8},
		},
		{
			// Aborted session: no rate, partial ATR.
			CycleHz: 16_000_000,
			ATR:     []byte{0x3f},
			Events:  []byte{1, 3, 4, 2, 5},
		},
	}
	for i, r := range records {
		buf := new(bytes.Buffer)
		if err := Encode(buf, r); err != nil {
			t.Fatalf("record %d: encode: %v", i, err)
		}
		got, err := Decode(bytes.NewReader(buf.Bytes()))
		if err != nil {
			t.Fatalf("record %d: decode: %v", i, err)
		}
		if !reflect.DeepEqual(got, r) {
			t.Errorf("record %d: round trip\ngot  %+v\nwant %+v", i, got, r)
		}
	}
}

func TestEncodeDeterministic(t *testing.T) {
	r := &Record{CycleHz: 16_000_000, ATR: []byte{0x3b, 0x00}}
	var first []byte
	for i := 0; i < 3; i++ {
		buf := new(bytes.Buffer)
		if err := Encode(buf, r); err != nil {
			t.Fatal(err)
		}
		if first == nil {
			first = buf.Bytes()
			continue
		}
		if !bytes.Equal(first, buf.Bytes()) {
			t.Fatal("encoding not deterministic")
		}
	}
}
