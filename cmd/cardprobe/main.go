// Command cardprobe sniffs ISO 7816-3 smart card sessions. It arms
// the probe against an idle bus, reconstructs the session rate from
// the cold reset and prints the card's answer to reset as it arrives.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"periph.io/x/conn/v3/physic"

	"cardprobe.dev/board"
	"cardprobe.dev/iso7816"
	"cardprobe.dev/trace"
)

var (
	boardFlag = flag.String("board", defaultBoard, "probe board: "+boardChoices)
	device    = flag.String("device", "", "serial device of the remote probe")
	traceFile = flag.String("trace", "", "write a CBOR session record on stop")
	profiling = flag.Bool("profile", false, "record interrupt timing with the session")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cardprobe: %v\n", err)
		os.Exit(2)
	}
}

func run() error {
	log.SetFlags(log.Flags() &^ (log.Ldate | log.Ltime))

	b, closeBoard, err := openBoard(*boardFlag, *device)
	if err != nil {
		return err
	}
	defer closeBoard()

	s := iso7816.New(b, os.Stdout)
	if *profiling {
		s.EnableProfiling()
	}
	s.Setup()
	defer s.Cleanup()

	keys, restore, err := openKeys()
	if err != nil {
		return err
	}
	defer restore()
	fmt.Println("cardprobe: [s]tart [x]stop [i]pins [q]uit")

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Periodic()
		case k, ok := <-keys:
			if !ok {
				stop(s, b)
				return nil
			}
			switch k {
			case 's':
				s.Start()
			case 'x':
				stop(s, b)
			case 'i':
				fmt.Println(s.Pins())
			case 'q':
				stop(s, b)
				return nil
			}
		}
	}
}

// stop ends the session, drains pending events and writes the trace
// record if one was requested.
func stop(s *iso7816.Sniffer, b board.Board) {
	active := s.State() != iso7816.StateManual
	s.Stop()
	s.Periodic()
	if !active || *traceFile == "" {
		return
	}
	if err := writeTrace(*traceFile, s, b); err != nil {
		log.Printf("trace: %v", err)
		return
	}
	log.Printf("session record written to %s", *traceFile)
}

func writeTrace(path string, s *iso7816.Sniffer, b board.Board) error {
	ticks, cycles, brg := s.Rate()
	ack, end := s.ResetTimings()
	history := s.History()
	events := make([]byte, len(history))
	for i, n := range history {
		events[i] = byte(n)
	}
	rec := &trace.Record{
		Time:       time.Now().Unix(),
		CycleHz:    uint64(b.CycleRate() / physic.Hertz),
		RateTicks:  ticks,
		RateCycles: cycles,
		BRG:        brg,
		ResetAck:   ack,
		ResetEnd:   end,
		ATR:        s.ATR(),
		Events:     events,
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := trace.Encode(f, rec); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
