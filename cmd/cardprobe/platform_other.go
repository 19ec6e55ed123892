//go:build !linux

package main

import (
	"bufio"
	"fmt"
	"os"

	"cardprobe.dev/board"
	"cardprobe.dev/board/remote"
)

const (
	defaultBoard = "remote"
	boardChoices = "remote"
)

func openBoard(name, dev string) (board.Board, func(), error) {
	switch name {
	case "remote":
		rw, err := remote.Open(dev)
		if err != nil {
			return nil, nil, err
		}
		p, err := remote.New(rw)
		if err != nil {
			return nil, nil, err
		}
		return p, func() { p.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown board %q", name)
}

// openKeys reads line-buffered commands; the first character of each
// line is the command key.
func openKeys() (<-chan byte, func(), error) {
	keys := make(chan byte)
	go func() {
		defer close(keys)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Text()
			if len(line) > 0 {
				keys <- line[0]
			}
		}
	}()
	return keys, func() {}, nil
}
