// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package evbox talks to EVBox charging stations over their RS485 bus.
//
// Every packet is [0x02][command][length][payload][sum][xor]; the station
// answers with the same command byte.
package evbox

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/riclolsen/go-serialcmd/link"
	"github.com/riclolsen/go-serialcmd/state"
	"go.bug.st/serial"
)

// Commands
const (
	Command68 byte = 68 // set max charging current, returns station status
	Command69 byte = 69 // identify, returns station serial
)

const (
	// StartMarker opens every packet.
	StartMarker = 0x02
	// BaudRate of the station bus (8N1).
	BaudRate = 38400
	// BroadcastSerial addresses whichever station is on the bus.
	BroadcastSerial = "00000000"

	serialLen = 8
	statusLen = serialLen + 5*2 + 4
)

// Signal names
const (
	SignalSerial              = "serial"
	SignalMinChargingCurrent  = "minChargingCurrent"
	SignalMaxChargingCurrent  = "maxChargingCurrent"
	SignalChargingCurrentL1   = "chargingCurrentL1"
	SignalChargingCurrentL2   = "chargingCurrentL2"
	SignalChargingCurrentL3   = "chargingCurrentL3"
	SignalTotalEnergyConsumed = "totalEnergyConsumed"
	SignalAvailable           = "available"
)

const (
	tagStatus   = "status"
	tagIdentity = "identity"
)

var (
	ErrInvalidSerial  = errors.New("evbox: serial must be 8 ASCII characters")
	ErrInvalidCurrent = errors.New("evbox: charging current out of range")
	ErrInvalidTimeout = errors.New("evbox: fallback timeout out of range")
	ErrSerialMismatch = errors.New("evbox: unexpected station serial")
)

// Format is the station's packet format.
var Format = link.FrameFormat{Start: StartMarker, Checksum: link.SumXor{}, MaxPayload: 64}

// SerialConfig returns the bus settings for the port at address.
func SerialConfig(address string) link.SerialConfig {
	return link.SerialConfig{
		Address:  address,
		BaudRate: BaudRate,
		DataBits: 8,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}
}

// NewCodec returns a streaming codec for the station protocol.
func NewCodec() link.Codec {
	return link.NewFramedCodec(Format)
}

func checkSerial(s string) error {
	if len(s) != serialLen {
		return fmt.Errorf("%w: %q", ErrInvalidSerial, s)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7E {
			return fmt.Errorf("%w: %q", ErrInvalidSerial, s)
		}
	}
	return nil
}

// SetCurrentCommand builds Command68. maxCurrent is in amps with 0.1 A
// resolution; the station falls back to its safe current when it hears
// nothing for timeout.
func SetCurrentCommand(serialNo string, maxCurrent float64, timeout time.Duration) (link.Command, error) {
	if err := checkSerial(serialNo); err != nil {
		return link.Command{}, err
	}
	deci := math.Round(maxCurrent * 10)
	if deci < 0 || deci > math.MaxUint16 {
		return link.Command{}, fmt.Errorf("%w: %.1f A", ErrInvalidCurrent, maxCurrent)
	}
	secs := timeout / time.Second
	if secs < 1 || secs > math.MaxUint16 {
		return link.Command{}, fmt.Errorf("%w: %s", ErrInvalidTimeout, timeout)
	}
	payload := make([]byte, 0, serialLen+4)
	payload = append(payload, serialNo...)
	payload = binary.BigEndian.AppendUint16(payload, uint16(deci))
	payload = binary.BigEndian.AppendUint16(payload, uint16(secs))
	return link.Command{Opcode: Command68, Payload: payload, ExpectsResponse: true, Tag: tagStatus}, nil
}

// QueryCommand builds Command69 for the given station serial.
func QueryCommand(serialNo string) (link.Command, error) {
	if err := checkSerial(serialNo); err != nil {
		return link.Command{}, err
	}
	return link.Command{Opcode: Command69, Payload: []byte(serialNo), ExpectsResponse: true, Tag: tagIdentity}, nil
}

// Status is the long response to Command68. Currents are in amps.
type Status struct {
	Serial              string
	MinChargingCurrent  float64
	MaxChargingCurrent  float64
	ChargingCurrentL1   float64
	ChargingCurrentL2   float64
	ChargingCurrentL3   float64
	TotalEnergyConsumed uint32 // Wh
}

func deciAmps(b []byte) float64 {
	return float64(binary.BigEndian.Uint16(b)) / 10
}

// ParseStatus decodes the payload of a Command68 response.
func ParseStatus(p []byte) (Status, error) {
	if len(p) != statusLen {
		return Status{}, fmt.Errorf("%w: status of %d bytes", link.ErrMalformed, len(p))
	}
	return Status{
		Serial:              string(p[:serialLen]),
		MinChargingCurrent:  deciAmps(p[8:]),
		MaxChargingCurrent:  deciAmps(p[10:]),
		ChargingCurrentL1:   deciAmps(p[12:]),
		ChargingCurrentL2:   deciAmps(p[14:]),
		ChargingCurrentL3:   deciAmps(p[16:]),
		TotalEnergyConsumed: binary.BigEndian.Uint32(p[18:]),
	}, nil
}

// Marshal encodes s as a Command68 response payload.
func (s Status) Marshal() []byte {
	p := make([]byte, 0, statusLen)
	p = append(p, s.Serial...)
	for _, a := range []float64{s.MinChargingCurrent, s.MaxChargingCurrent, s.ChargingCurrentL1, s.ChargingCurrentL2, s.ChargingCurrentL3} {
		p = binary.BigEndian.AppendUint16(p, uint16(math.Round(a*10)))
	}
	return binary.BigEndian.AppendUint32(p, s.TotalEnergyConsumed)
}

// ParseIdentity decodes the payload of a Command69 response.
func ParseIdentity(p []byte) (string, error) {
	if len(p) != serialLen {
		return "", fmt.Errorf("%w: identity of %d bytes", link.ErrMalformed, len(p))
	}
	return string(p), nil
}

// Defaults returns the signal values of a station that has not answered yet.
func Defaults() map[string]any {
	return map[string]any{
		SignalSerial:              "",
		SignalMinChargingCurrent:  0.0,
		SignalMaxChargingCurrent:  0.0,
		SignalChargingCurrentL1:   0.0,
		SignalChargingCurrentL2:   0.0,
		SignalChargingCurrentL3:   0.0,
		SignalTotalEnergyConsumed: uint32(0),
		SignalAvailable:           false,
	}
}

// RegisterDecoders binds the station's response decoders to c.
func RegisterDecoders(c *state.Cache) {
	c.Register(tagStatus, func(p []byte) ([]state.Signal, error) {
		s, err := ParseStatus(p)
		if err != nil {
			return nil, err
		}
		return []state.Signal{
			{Name: SignalSerial, Value: s.Serial},
			{Name: SignalMinChargingCurrent, Value: s.MinChargingCurrent},
			{Name: SignalMaxChargingCurrent, Value: s.MaxChargingCurrent},
			{Name: SignalChargingCurrentL1, Value: s.ChargingCurrentL1},
			{Name: SignalChargingCurrentL2, Value: s.ChargingCurrentL2},
			{Name: SignalChargingCurrentL3, Value: s.ChargingCurrentL3},
			{Name: SignalTotalEnergyConsumed, Value: s.TotalEnergyConsumed},
		}, nil
	})
	c.Register(tagIdentity, func(p []byte) ([]state.Signal, error) {
		s, err := ParseIdentity(p)
		if err != nil {
			return nil, err
		}
		return []state.Signal{{Name: SignalSerial, Value: s}}, nil
	})
}
