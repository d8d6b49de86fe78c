// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package usbrly82 drives the Devantech USB-RLY82 relay board: two relays,
// eight digital inputs and eight analog inputs over a USB serial port.
package usbrly82

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/riclolsen/go-serialcmd/link"
	"github.com/riclolsen/go-serialcmd/state"
	"go.bug.st/serial"
)

// Single byte opcodes
const (
	OpSerialNumber    byte = 0x38
	OpSoftwareVersion byte = 0x5A
	OpRelayStates     byte = 0x5B
	OpDigitalInputs   byte = 0x5E
	OpRelay1On        byte = 0x65
	OpRelay2On        byte = 0x66
	OpRelay1Off       byte = 0x6F
	OpRelay2Off       byte = 0x70
	OpAdcValues       byte = 0x80
	OpAdcReference    byte = 0x82
)

// Reply widths
const (
	serialNumberLen    = 8
	softwareVersionLen = 2
	relayStatesLen     = 1
	digitalInputsLen   = 1
	adcValuesLen       = 16
	adcReferenceLen    = 1
)

// BaudRate of the board's virtual serial port (8N1).
const BaudRate = 19200

// NumInputs is the number of digital and of analog inputs.
const NumInputs = 8

// Signal names
const (
	SignalSerialNumber    = "serialNumber"
	SignalSoftwareVersion = "softwareVersion"
	SignalRelay1Power     = "relay1Power"
	SignalRelay2Power     = "relay2Power"
	SignalDigitalInputs   = "digitalInputs"
	SignalAdcReference    = "adcReference"
	SignalAvailable       = "available"
)

// Response tags
const (
	tagSerialNumber    = "serialNumber"
	tagSoftwareVersion = "softwareVersion"
	tagRelayStates     = "relayStates"
	tagDigitalInputs   = "digitalInputs"
	tagAdcValues       = "adcValues"
	tagAdcReference    = "adcReference"
)

// SignalDigitalInput returns the signal name of digital input n (1..8).
func SignalDigitalInput(n int) string {
	return fmt.Sprintf("digitalInput%d", n)
}

// SignalAnalogInput returns the signal name of analog input n (1..8).
func SignalAnalogInput(n int) string {
	return fmt.Sprintf("analogInput%d", n)
}

// SerialConfig returns the port settings of the board at address.
func SerialConfig(address string) link.SerialConfig {
	return link.SerialConfig{
		Address:  address,
		BaudRate: BaudRate,
		DataBits: 8,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}
}

func query(op byte, tag string, n int) link.Command {
	return link.Command{Opcode: op, ExpectsResponse: true, ResponseLen: n, Tag: tag}
}

// SerialNumberCommand reads the 8 character serial number.
func SerialNumberCommand() link.Command {
	return query(OpSerialNumber, tagSerialNumber, serialNumberLen)
}

// SoftwareVersionCommand reads the firmware version.
func SoftwareVersionCommand() link.Command {
	return query(OpSoftwareVersion, tagSoftwareVersion, softwareVersionLen)
}

// RelayStatesCommand reads the relay bit field.
func RelayStatesCommand() link.Command {
	return query(OpRelayStates, tagRelayStates, relayStatesLen)
}

// DigitalInputsCommand reads the digital input bit field.
func DigitalInputsCommand() link.Command {
	return query(OpDigitalInputs, tagDigitalInputs, digitalInputsLen)
}

// AdcValuesCommand reads all eight analog inputs.
func AdcValuesCommand() link.Command {
	return query(OpAdcValues, tagAdcValues, adcValuesLen)
}

// AdcReferenceCommand reads the ADC reference selection.
func AdcReferenceCommand() link.Command {
	return query(OpAdcReference, tagAdcReference, adcReferenceLen)
}

// RelayCommand switches relay 1 or 2. The board does not answer, so the
// command is urgent to get ahead of queued polls.
func RelayCommand(relay int, on bool) (link.Command, error) {
	var op byte
	switch {
	case relay == 1 && on:
		op = OpRelay1On
	case relay == 1:
		op = OpRelay1Off
	case relay == 2 && on:
		op = OpRelay2On
	case relay == 2:
		op = OpRelay2Off
	default:
		return link.Command{}, fmt.Errorf("%w: %d", ErrInvalidRelay, relay)
	}
	return link.Command{Opcode: op, Urgent: true, Tag: fmt.Sprintf("relay%d", relay)}, nil
}

// Defaults returns the signal values of a board that has not answered yet.
func Defaults() map[string]any {
	d := map[string]any{
		SignalSerialNumber:    "",
		SignalSoftwareVersion: "",
		SignalRelay1Power:     false,
		SignalRelay2Power:     false,
		SignalDigitalInputs:   uint8(0),
		SignalAdcReference:    uint8(0),
		SignalAvailable:       false,
	}
	for i := 1; i <= NumInputs; i++ {
		d[SignalDigitalInput(i)] = false
		d[SignalAnalogInput(i)] = uint16(0)
	}
	return d
}

// RegisterDecoders binds the board's response decoders to c.
func RegisterDecoders(c *state.Cache) {
	c.Register(tagSerialNumber, decodeSerialNumber).
		Register(tagSoftwareVersion, decodeSoftwareVersion).
		Register(tagRelayStates, decodeRelayStates).
		Register(tagDigitalInputs, decodeDigitalInputs).
		Register(tagAdcValues, decodeAdcValues).
		Register(tagAdcReference, decodeAdcReference)
}

func checkLen(payload []byte, n int) error {
	if len(payload) != n {
		return fmt.Errorf("expected %d bytes, got %d", n, len(payload))
	}
	return nil
}

func checkBit(b byte, bit uint) bool {
	return (b>>bit)&0x01 == 1
}

func decodeSerialNumber(p []byte) ([]state.Signal, error) {
	if err := checkLen(p, serialNumberLen); err != nil {
		return nil, err
	}
	return []state.Signal{{Name: SignalSerialNumber, Value: string(p)}}, nil
}

func decodeSoftwareVersion(p []byte) ([]state.Signal, error) {
	if err := checkLen(p, softwareVersionLen); err != nil {
		return nil, err
	}
	return []state.Signal{{Name: SignalSoftwareVersion, Value: hex.EncodeToString(p)}}, nil
}

func decodeRelayStates(p []byte) ([]state.Signal, error) {
	if err := checkLen(p, relayStatesLen); err != nil {
		return nil, err
	}
	return []state.Signal{
		{Name: SignalRelay1Power, Value: checkBit(p[0], 0)},
		{Name: SignalRelay2Power, Value: checkBit(p[0], 1)},
	}, nil
}

func decodeDigitalInputs(p []byte) ([]state.Signal, error) {
	if err := checkLen(p, digitalInputsLen); err != nil {
		return nil, err
	}
	signals := make([]state.Signal, 0, NumInputs+1)
	signals = append(signals, state.Signal{Name: SignalDigitalInputs, Value: p[0]})
	for i := 0; i < NumInputs; i++ {
		signals = append(signals, state.Signal{Name: SignalDigitalInput(i + 1), Value: checkBit(p[0], uint(i))})
	}
	return signals, nil
}

func decodeAdcValues(p []byte) ([]state.Signal, error) {
	if err := checkLen(p, adcValuesLen); err != nil {
		return nil, err
	}
	signals := make([]state.Signal, NumInputs)
	for i := range signals {
		signals[i] = state.Signal{
			Name:  SignalAnalogInput(i + 1),
			Value: binary.BigEndian.Uint16(p[2*i:]),
		}
	}
	return signals, nil
}

func decodeAdcReference(p []byte) ([]state.Signal, error) {
	if err := checkLen(p, adcReferenceLen); err != nil {
		return nil, err
	}
	return []state.Signal{{Name: SignalAdcReference, Value: p[0]}}, nil
}
