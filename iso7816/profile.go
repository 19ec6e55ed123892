package iso7816

import (
	"fmt"
	"io"

	"cardprobe.dev/board"
)

// profiler records cycle-stamped labels at interrupt handler entry
// and exit. Off by default; the records print with the Stop summary.
type profiler struct {
	on      bool
	entries []profEntry
}

type profEntry struct {
	cycles uint32
	label  string
}

const profMax = 128

// EnableProfiling turns on event profiling for subsequent sessions.
func (s *Sniffer) EnableProfiling() {
	s.prof.on = true
}

func (s *Sniffer) profile(label string) {
	if !s.prof.on || len(s.prof.entries) >= profMax {
		return
	}
	s.prof.entries = append(s.prof.entries, profEntry{
		cycles: s.counter(board.CycleTimer),
		label:  label,
	})
}

func (p *profiler) reset() {
	p.entries = p.entries[:0]
}

func (p *profiler) dump(w io.Writer) {
	if !p.on {
		return
	}
	for _, e := range p.entries {
		fmt.Fprintf(w, "%10d %s\n", e.cycles, e.label)
	}
	if len(p.entries) >= profMax {
		fmt.Fprintln(w, "!!! profiling buffer overflowed")
	}
}
