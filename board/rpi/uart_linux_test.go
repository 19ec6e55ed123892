//go:build linux

package rpi

import (
	"testing"

	"cardprobe.dev/board"
)

func TestPARMRKDecode(t *testing.T) {
	tests := []struct {
		name string
		in   [][]byte
		want []rxEntry
	}{
		{
			name: "clean bytes",
			in:   [][]byte{{0x3b, 0x90, 0x00}},
			want: []rxEntry{{b: 0x3b}, {b: 0x90}, {b: 0x00}},
		},
		{
			name: "escaped literal ff",
			in:   [][]byte{{0xff, 0xff, 0x3b}},
			want: []rxEntry{{b: 0xff}, {b: 0x3b}},
		},
		{
			name: "marked error byte",
			in:   [][]byte{{0xff, 0x00, 0x90}},
			want: []rxEntry{{
				b:     0x90,
				flags: board.RxParityError | board.RxFramingError,
			}},
		},
		{
			name: "escape split across reads",
			in:   [][]byte{{0x3b, 0xff}, {0x00}, {0x90, 0x00}},
			want: []rxEntry{
				{b: 0x3b},
				{b: 0x90, flags: board.RxParityError | board.RxFramingError},
				{b: 0x00},
			},
		},
		{
			name: "unrecognized escape kept verbatim",
			in:   [][]byte{{0xff, 0x3b}},
			want: []rxEntry{{b: 0xff}, {b: 0x3b}},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			u := &uart{on: true}
			for _, chunk := range test.in {
				u.push(chunk)
			}
			if len(u.q) != len(test.want) {
				t.Fatalf("queued %v, want %v", u.q, test.want)
			}
			for i := range u.q {
				if u.q[i] != test.want[i] {
					t.Fatalf("entry %d: got %+v, want %+v", i, u.q[i], test.want[i])
				}
			}
		})
	}
}

func TestPARMRKDisabledDrops(t *testing.T) {
	u := &uart{}
	if u.push([]byte{0x3b}) {
		t.Error("push reported bytes while disabled")
	}
	u.enable(true)
	if !u.push([]byte{0x3b}) {
		t.Error("push dropped bytes while enabled")
	}
	u.enable(false)
	if _, _, ok := u.drain(); ok {
		t.Error("queue survived disable")
	}
}
