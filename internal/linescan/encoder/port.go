package encoder

import (
	"fmt"
	"io"
	"strings"

	"go.bug.st/serial"
)

// Porter is the minimal surface needed from a serial port. The
// abstraction keeps the encoder testable without hardware.
type Porter interface {
	io.ReadWriter
	io.Closer
}

// PortOptions describes the serial link to the encoder counter. The
// fields mirror the daemon configuration file so they pass through
// without translation.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// parityModes maps every accepted parity spelling to its canonical
// letter and go.bug.st mode.
var parityModes = map[string]struct {
	letter string
	mode   serial.Parity
}{
	"":     {"N", serial.NoParity},
	"N":    {"N", serial.NoParity},
	"NONE": {"N", serial.NoParity},
	"E":    {"E", serial.EvenParity},
	"EVEN": {"E", serial.EvenParity},
	"O":    {"O", serial.OddParity},
	"ODD":  {"O", serial.OddParity},
}

// Normalize fills unset fields with the encoder link defaults and
// canonicalizes parity to a single letter.
func (o PortOptions) Normalize() (PortOptions, error) {
	out := o
	if out.BaudRate <= 0 {
		out.BaudRate = 115200
	}
	if out.DataBits == 0 {
		out.DataBits = 8
	}
	if out.StopBits == 0 {
		out.StopBits = 1
	}

	switch {
	case out.DataBits < 5 || out.DataBits > 8:
		return out, fmt.Errorf("data bits %d out of range, want 5-8", out.DataBits)
	case out.StopBits != 1 && out.StopBits != 2:
		return out, fmt.Errorf("stop bits %d not supported, want 1 or 2", out.StopBits)
	}

	p, ok := parityModes[strings.TrimSpace(strings.ToUpper(out.Parity))]
	if !ok {
		return out, fmt.Errorf("parity %q not recognized, want N, E or O", o.Parity)
	}
	out.Parity = p.letter
	return out, nil
}

// SerialMode builds the serial.Mode for opening the port.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	out, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: out.BaudRate,
		DataBits: out.DataBits,
		Parity:   parityModes[out.Parity].mode,
		StopBits: serial.OneStopBit,
	}
	if out.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	return mode, nil
}
