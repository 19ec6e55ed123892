package iso7816

import (
	"math"
	"testing"

	"periph.io/x/conn/v3/physic"
)

func TestBRG(t *testing.T) {
	tests := []struct {
		cycles, ticks uint32
		want          uint16
	}{
		// 1 MHz card clock from a 16 MHz cycle clock.
		{16000, 1000, 93*16 + 1},
		// 4 MHz.
		{16000, 4000, 93*4 + 1},
		// 5 MHz: 93*3.2+1 = 298.6 rounds up.
		{16000, 5000, 299},
		// 3.5712 MHz, the common card frequency: ratio
		// 16/3.5712 = 4.4803...
		{160000, 35712, 418},
		// Exact ratio.
		{1000, 200, 466},
		// 93*3/186+1 = 2.5 rounds half away from zero.
		{3, 186, 3},
	}
	for _, test := range tests {
		if got := brgFor(test.cycles, test.ticks); got != test.want {
			t.Errorf("brgFor(%d, %d) = %d, want %d",
				test.cycles, test.ticks, got, test.want)
		}
	}
}

func TestBRGMatchesFormula(t *testing.T) {
	// The divisor must equal round(93*cycles/ticks + 1) exactly for
	// every plausible measurement.
	for ticks := uint32(1); ticks <= 4096; ticks += 17 {
		for ratio := uint32(2); ratio <= 32; ratio++ {
			cycles := ticks*ratio + ticks/3
			want := uint16(math.Round(93*float64(cycles)/float64(ticks) + 1))
			if got := brgFor(cycles, ticks); got != want {
				t.Fatalf("brgFor(%d, %d) = %d, want %d",
					cycles, ticks, got, want)
			}
		}
	}
}

func TestClockKHz(t *testing.T) {
	tests := []struct {
		rate          physic.Frequency
		ticks, cycles uint32
		want          uint32
	}{
		{16 * physic.MegaHertz, 500, 8000, 1000},
		{16 * physic.MegaHertz, 4000, 16000, 4000},
		{16 * physic.MegaHertz, 35712, 160000, 3571},
		{8 * physic.MegaHertz, 1000, 8000, 1000},
		{16 * physic.MegaHertz, 0, 0, 0},
	}
	for _, test := range tests {
		got := clockKHz(test.rate, test.ticks, test.cycles)
		if got != test.want {
			t.Errorf("clockKHz(%v, %d, %d) = %d, want %d",
				test.rate, test.ticks, test.cycles, got, test.want)
		}
	}
}
