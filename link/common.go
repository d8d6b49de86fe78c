// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package link

import (
	"errors"
	"time"

	"go.bug.st/serial"
)

// DefaultReconnectInterval defined default value
const DefaultReconnectInterval = 10 * time.Second

// SerialConfig holds serial port configuration parameters.
type SerialConfig struct {
	// Address is the serial port address (e.g., "COM3" on Windows, "/dev/ttyUSB0" on Linux).
	Address string
	// BaudRate is the serial port speed (e.g., 9600, 19200, 38400).
	BaudRate int
	// DataBits is the number of data bits (usually 7 or 8).
	DataBits int
	// StopBits specifies the number of stop bits. Use serial.OneStopBit or serial.TwoStopBits.
	StopBits serial.StopBits
	// Parity specifies the parity mode. Use serial.NoParity, serial.OddParity, serial.EvenParity.
	Parity serial.Parity
	// Timeout is the read timeout of the port. 0 blocks until data arrives.
	Timeout time.Duration
}

// Valid checks the serial settings and fills in 8 data bits when unset.
func (sf *SerialConfig) Valid() error {
	if sf.Address == "" {
		return errors.New("serial address (port name) must be configured")
	}
	if sf.BaudRate <= 0 {
		return errors.New("serial baud rate must be positive")
	}
	if sf.DataBits == 0 {
		sf.DataBits = 8
	}
	if sf.DataBits < 5 || sf.DataBits > 8 {
		return errors.New("serial data bits must be between 5 and 8")
	}
	return nil
}

// mode converts the settings into a go.bug.st/serial mode.
func (sf SerialConfig) mode() *serial.Mode {
	dataBits := sf.DataBits
	if dataBits == 0 {
		dataBits = 8
	}
	return &serial.Mode{
		BaudRate: sf.BaudRate,
		DataBits: dataBits,
		Parity:   sf.Parity,
		StopBits: sf.StopBits,
	}
}

// MapParity maps a numeric representation to serial.Parity.
// 0 = None, 1 = Odd, 2 = Even. Returns NoParity for invalid values.
func MapParity(p byte) serial.Parity {
	switch p {
	case 1:
		return serial.OddParity
	case 2:
		return serial.EvenParity
	default:
		return serial.NoParity
	}
}

// MapStopBits maps 1 or 2 to serial.StopBits. Returns OneStopBit for invalid values.
func MapStopBits(s byte) serial.StopBits {
	if s == 2 {
		return serial.TwoStopBits
	}
	return serial.OneStopBit
}
