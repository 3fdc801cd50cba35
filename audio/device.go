package audio

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"voxrec/encoder"
)

var ErrSelectionCancelled = errors.New("device selection cancelled")

// FindDevice returns the device whose name contains name, case
// insensitively. An empty name selects the system default (nil).
func FindDevice(ctx Context, name string) (*DeviceInfo, error) {
	if name == "" {
		return nil, nil
	}
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: enumerating devices: %v", ErrUnavailable, err)
	}
	want := strings.ToLower(name)
	for i := range devices {
		if devices[i].Name == name {
			return &devices[i], nil
		}
	}
	for i := range devices {
		if strings.Contains(strings.ToLower(devices[i].Name), want) {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no input device matching %q", ErrUnavailable, name)
}

// OpenCapture opens the named device (or the default) in the transport's
// PCM format.
func OpenCapture(ctx Context, name string) (*Capture, error) {
	dev, err := FindDevice(ctx, name)
	if err != nil {
		return nil, err
	}
	cd, err := ctx.NewCapture(dev, CaptureConfig{SampleRate: encoder.SampleRate, Channels: encoder.Channels})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return NewCapture(cd), nil
}

// SelectDevice presents an interactive picker starting at current. With a
// single device it returns that device without prompting.
func SelectDevice(ctx Context, current string) (*DeviceInfo, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("no capture devices found")
	}
	if len(devices) == 1 {
		return &devices[0], nil
	}

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("setting raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	cursor := 0
	for i, d := range devices {
		if d.Name == current {
			cursor = i
		}
	}
	renderList := func() {
		fmt.Print("\r\x1b[J")
		fmt.Print("Select input device (↑/↓, Enter to confirm, Esc to keep current):\r\n\r\n")
		for i, d := range devices {
			tag := ""
			if IsBluetooth(d.Name) {
				tag = " \x1b[33m[⚠ Lower audio quality]\x1b[0m"
			}
			if i == cursor {
				fmt.Printf("  \x1b[1;36m▶ %s%s\x1b[0m\r\n", d.Name, tag)
			} else {
				fmt.Printf("    %s%s\r\n", d.Name, tag)
			}
		}
	}
	renderList()

	buf := make([]byte, 3)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}

		switch {
		case n == 1 && buf[0] == 13: // Enter
			fmt.Print("\r\n")
			return &devices[cursor], nil
		case n == 1 && (buf[0] == 3 || buf[0] == 0x1b): // Ctrl+C, Esc
			fmt.Print("\r\n")
			return nil, ErrSelectionCancelled
		case n == 1 && buf[0] == 'j', n == 3 && buf[0] == 0x1b && buf[2] == 'B':
			cursor = min(cursor+1, len(devices)-1)
		case n == 1 && buf[0] == 'k', n == 3 && buf[0] == 0x1b && buf[2] == 'A':
			cursor = max(cursor-1, 0)
		}

		fmt.Printf("\x1b[%dA", len(devices)+2)
		renderList()
	}
}
