// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package usbrly82

import (
	"context"
	"errors"
	"fmt"

	"github.com/riclolsen/go-serialcmd/clog"
	"github.com/riclolsen/go-serialcmd/link"
	"github.com/riclolsen/go-serialcmd/state"
)

var (
	ErrInvalidRelay = errors.New("usbrly82: relay must be 1 or 2")
	ErrReadOnly     = errors.New("usbrly82: signal is read-only")
	ErrInvalidValue = errors.New("usbrly82: invalid value")
)

// Board is one USB-RLY82 on its own serial link. The board becomes
// available once serial number, software version and relay states were
// read; digital and analog inputs are polled after that.
type Board struct {
	session *link.Session
	cache   *state.Cache
	clog.Clog
}

// NewBoard creates a board for the serial settings in o, see SerialConfig.
func NewBoard(o *link.Option) *Board {
	if o == nil {
		o = link.NewOption()
	}
	address := o.Config().Serial.Address
	b := &Board{
		cache: state.NewCache(address, Defaults()),
		Clog:  clog.NewLogger(fmt.Sprintf("usbrly82 [%s] => ", address)),
	}
	RegisterDecoders(b.cache)

	b.session = link.NewSession(o, func() link.Codec { return link.RawCodec{} }).
		SetStartup(link.NewSequence(
			link.Step{Name: "serial number", Command: SerialNumberCommand()},
			link.Step{Name: "software version", Command: SoftwareVersionCommand()},
			link.Step{Name: "relay states", Command: RelayStatesCommand()},
		)).
		SetPollBattery(DigitalInputsCommand(), AdcValuesCommand()).
		SetResponseHandler(b.onResponse).
		SetOnConnectHandler(func(*link.Session) {
			b.Info("Board %s (firmware %s) available", b.SerialNumber(), b.SoftwareVersion())
			b.cache.Set(SignalAvailable, true)
		}).
		SetConnectionLostHandler(func(_ *link.Session, err error) {
			b.Warn("Board unavailable: %v", err)
			b.cache.Reset()
		})
	b.Clog.LogMode(true)
	return b
}

// SetTransportFactory replaces the serial transport.
func (b *Board) SetTransportFactory(f func() link.Transport) *Board {
	b.session.SetTransportFactory(f)
	return b
}

// Start connects in the background and keeps reconnecting.
func (b *Board) Start() error {
	return b.session.Start()
}

// Close disconnects and resets all signals.
func (b *Board) Close() error {
	err := b.session.Close()
	b.cache.Reset()
	return err
}

// Cache returns the board's signal cache.
func (b *Board) Cache() *state.Cache {
	return b.cache
}

func (b *Board) onResponse(cmd link.Command, payload []byte) {
	if cmd.Tag == "" {
		return
	}
	if err := b.cache.ApplyResponse(cmd.Tag, payload); err != nil {
		b.Warn("Discarding response to %s: %v", cmd, err)
	}
}

// Available reports whether the board answered its startup sequence and
// the link is still up.
func (b *Board) Available() bool {
	v, _ := state.Value[bool](b.cache, SignalAvailable)
	return v
}

// SerialNumber returns the serial number read at connect.
func (b *Board) SerialNumber() string {
	v, _ := state.Value[string](b.cache, SignalSerialNumber)
	return v
}

// SoftwareVersion returns the firmware version as hex digits.
func (b *Board) SoftwareVersion() string {
	v, _ := state.Value[string](b.cache, SignalSoftwareVersion)
	return v
}

// RelayPower returns the last read state of relay 1 or 2.
func (b *Board) RelayPower(relay int) bool {
	v, _ := state.Value[bool](b.cache, fmt.Sprintf("relay%dPower", relay))
	return v
}

// DigitalInput returns the last polled state of input n (1..8).
func (b *Board) DigitalInput(n int) bool {
	v, _ := state.Value[bool](b.cache, SignalDigitalInput(n))
	return v
}

// AnalogInput returns the last polled value of input n (1..8).
func (b *Board) AnalogInput(n int) uint16 {
	v, _ := state.Value[uint16](b.cache, SignalAnalogInput(n))
	return v
}

// SetRelayPower switches a relay and queues a relay state read so the
// cache follows the board. The returned request completes once the switch
// command was written.
func (b *Board) SetRelayPower(relay int, on bool) (*link.Request, error) {
	cmd, err := RelayCommand(relay, on)
	if err != nil {
		return nil, err
	}
	b.Debug("Setting relay %d power to %t", relay, on)
	reqs := b.session.EnqueueAll(cmd, RelayStatesCommand())
	return reqs[0], nil
}

// ReadAdcReference queries the ADC reference selection.
func (b *Board) ReadAdcReference(ctx context.Context) (uint8, error) {
	if _, err := b.session.Enqueue(AdcReferenceCommand()).Wait(ctx); err != nil {
		return 0, err
	}
	v, _ := state.Value[uint8](b.cache, SignalAdcReference)
	return v, nil
}

// SetSignal switches a relay by signal name. It waits until the switch
// command has been written.
func (b *Board) SetSignal(ctx context.Context, name string, value any) error {
	var relay int
	switch name {
	case SignalRelay1Power:
		relay = 1
	case SignalRelay2Power:
		relay = 2
	default:
		return fmt.Errorf("%w: %s", ErrReadOnly, name)
	}
	on, ok := value.(bool)
	if !ok {
		return fmt.Errorf("%w: %s wants a bool, got %T", ErrInvalidValue, name, value)
	}
	r, err := b.SetRelayPower(relay, on)
	if err != nil {
		return err
	}
	_, err = r.Wait(ctx)
	return err
}
