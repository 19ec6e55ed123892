//go:build linux

package main

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"cardprobe.dev/board"
	"cardprobe.dev/board/remote"
	"cardprobe.dev/board/rpi"
)

const (
	defaultBoard = "header"
	boardChoices = "header, remote"
)

func openBoard(name, dev string) (board.Board, func(), error) {
	switch name {
	case "header":
		b, err := rpi.Open(rpi.Config{})
		if err != nil {
			return nil, nil, err
		}
		return b, func() { b.Close() }, nil
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

// openKeys puts the terminal into cbreak mode and streams single
// keypresses.
func openKeys() (<-chan byte, func(), error) {
	fd := int(os.Stdin.Fd())
	saved, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return nil, nil, fmt.Errorf("terminal: %w", err)
	}
	raw := *saved
	raw.Lflag &^= unix.ICANON | unix.ECHO
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &raw); err != nil {
		return nil, nil, fmt.Errorf("terminal: %w", err)
	}
	restore := func() {
		unix.IoctlSetTermios(fd, unix.TCSETS, saved)
	}
	keys := make(chan byte)
	go func() {
		defer close(keys)
		var buf [1]byte
		for {
			n, err := os.Stdin.Read(buf[:])
			if err != nil {
				return
			}
			if n == 1 {
				keys <- buf[0]
			}
		}
	}()
	return keys, restore, nil
}
