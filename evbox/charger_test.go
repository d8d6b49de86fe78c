// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package evbox

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/riclolsen/go-serialcmd/link"
	"github.com/riclolsen/go-serialcmd/link/linktest"
	"github.com/riclolsen/go-serialcmd/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSerial = "EVB00042"

func TestSetCurrentCommand(t *testing.T) {
	cmd, err := SetCurrentCommand(testSerial, 16, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, Command68, cmd.Opcode)
	assert.True(t, cmd.ExpectsResponse)
	assert.Equal(t, append([]byte(testSerial), 0x00, 0xA0, 0x00, 0x1E), cmd.Payload)

	b, err := Format.Marshal(cmd.Opcode, cmd.Payload)
	require.NoError(t, err)
	assert.Equal(t, byte(StartMarker), b[0])
	assert.Equal(t, byte(12), b[2])
	f, err := Format.Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, cmd.Payload, f.Payload)

	tests := []struct {
		name    string
		serial  string
		amps    float64
		timeout time.Duration
		err     error
	}{
		{"short serial", "EVB1", 16, time.Minute, ErrInvalidSerial},
		{"binary serial", "EVB0004\x00", 16, time.Minute, ErrInvalidSerial},
		{"negative current", testSerial, -1, time.Minute, ErrInvalidCurrent},
		{"huge current", testSerial, 7000, time.Minute, ErrInvalidCurrent},
		{"no timeout", testSerial, 16, 0, ErrInvalidTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SetCurrentCommand(tt.serial, tt.amps, tt.timeout)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestParseStatus(t *testing.T) {
	want := Status{
		Serial:              testSerial,
		MinChargingCurrent:  6,
		MaxChargingCurrent:  16,
		ChargingCurrentL1:   15.9,
		ChargingCurrentL2:   0.1,
		TotalEnergyConsumed: 123456,
	}
	p := want.Marshal()
	require.Len(t, p, 22)
	assert.Equal(t, uint16(159), binary.BigEndian.Uint16(p[12:]))

	got, err := ParseStatus(p)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = ParseStatus(p[:21])
	assert.ErrorIs(t, err, link.ErrMalformed)
	_, err = ParseIdentity([]byte("short"))
	assert.ErrorIs(t, err, link.ErrMalformed)
}

func TestStatusDecoderUpdatesCache(t *testing.T) {
	c := state.NewCache("test", Defaults())
	RegisterDecoders(c)
	changed := map[string]any{}
	c.OnSignalChanged(func(name string, v any) { changed[name] = v })

	require.NoError(t, c.ApplyResponse(tagStatus, Status{Serial: testSerial, MaxChargingCurrent: 10, TotalEnergyConsumed: 5}.Marshal()))
	assert.Equal(t, map[string]any{
		SignalSerial:              testSerial,
		SignalMaxChargingCurrent:  10.0,
		SignalTotalEnergyConsumed: uint32(5),
	}, changed)
}

// fakeStation answers like a station with serial.
type fakeStation struct {
	serial string

	mu         sync.Mutex
	maxCurrent float64
	keepAlives int
}

func (f *fakeStation) reply(req []byte) []byte {
	fr, err := Format.Unmarshal(req)
	if err != nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var resp []byte
	switch fr.Opcode {
	case Command69:
		resp, _ = Format.Marshal(Command69, []byte(f.serial))
	case Command68:
		if string(fr.Payload[:8]) != f.serial {
			return nil
		}
		f.maxCurrent = float64(binary.BigEndian.Uint16(fr.Payload[8:])) / 10
		f.keepAlives++
		resp, _ = Format.Marshal(Command68, Status{
			Serial:              f.serial,
			MinChargingCurrent:  6,
			MaxChargingCurrent:  f.maxCurrent,
			ChargingCurrentL1:   f.maxCurrent,
			TotalEnergyConsumed: 1000,
		}.Marshal())
	}
	return resp
}

func (f *fakeStation) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keepAlives
}

func testOption() *link.Option {
	cfg := link.DefaultConfig()
	cfg.ResponseTimeout = 200 * time.Millisecond
	return link.NewOption().
		SetSerialConfig(SerialConfig("/dev/ttyUSB0")).
		SetConfig(cfg).
		SetReconnectInterval(20 * time.Millisecond)
}

func newTestCharger(t *testing.T, station *fakeStation) *Charger {
	t.Helper()
	c, err := NewCharger(testOption(), testSerial)
	require.NoError(t, err)
	c.SetTransportFactory(func() link.Transport {
		tr := linktest.NewTransport()
		tr.Respond(station.reply)
		return tr
	})
	c.LogMode(false)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestChargerSetMaxChargingCurrent(t *testing.T) {
	station := &fakeStation{serial: testSerial}
	c := newTestCharger(t, station)
	require.NoError(t, c.Start())
	assert.Error(t, c.Start())

	require.Eventually(t, c.Available, linktest.WaitTimeout, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		v, _ := state.Value[float64](c.Cache(), SignalMaxChargingCurrent)
		return v == DefaultMaxCurrent
	}, linktest.WaitTimeout, 5*time.Millisecond, "setpoint sent on connect")
	assert.Equal(t, 1, station.count())

	ctx, cancel := context.WithTimeout(context.Background(), linktest.WaitTimeout)
	defer cancel()
	st, err := c.SetMaxChargingCurrent(ctx, 16)
	require.NoError(t, err)
	assert.Equal(t, 16.0, st.MaxChargingCurrent)
	assert.Equal(t, testSerial, st.Serial)
	v, _ := state.Value[float64](c.Cache(), SignalChargingCurrentL1)
	assert.Equal(t, 16.0, v)

	require.NoError(t, c.SetSignal(ctx, SignalMaxChargingCurrent, 10.5))
	v, _ = state.Value[float64](c.Cache(), SignalMaxChargingCurrent)
	assert.Equal(t, 10.5, v)

	assert.ErrorIs(t, c.SetSignal(ctx, SignalSerial, "x"), ErrReadOnly)
	assert.ErrorIs(t, c.SetSignal(ctx, SignalMaxChargingCurrent, "16"), ErrInvalidCurrent)
	_, err = c.SetMaxChargingCurrent(ctx, -2)
	assert.ErrorIs(t, err, ErrInvalidCurrent)
}

func TestChargerKeepAlive(t *testing.T) {
	station := &fakeStation{serial: testSerial}
	c := newTestCharger(t, station)
	c.SetKeepAliveSchedule("@every 1s")
	require.NoError(t, c.Start())

	require.Eventually(t, c.Available, linktest.WaitTimeout, 5*time.Millisecond)
	require.Eventually(t, func() bool { return station.count() >= 2 }, 3*time.Second, 20*time.Millisecond)
}

func TestChargerSerialMismatch(t *testing.T) {
	station := &fakeStation{serial: "EVB99999"}
	c := newTestCharger(t, station)
	require.NoError(t, c.Start())

	assert.Never(t, c.Available, 150*time.Millisecond, 10*time.Millisecond)
	assert.Zero(t, station.count())
}

func TestChargerBadSchedule(t *testing.T) {
	c, err := NewCharger(testOption(), testSerial)
	require.NoError(t, err)
	c.LogMode(false)
	c.SetKeepAliveSchedule("every now and then")
	assert.Error(t, c.Start())

	_, err = NewCharger(testOption(), "bad")
	assert.ErrorIs(t, err, ErrInvalidSerial)
}

func TestDiscover(t *testing.T) {
	station := &fakeStation{serial: "EVB12345"}
	tr := linktest.NewTransport()
	tr.Respond(station.reply)

	ctx, cancel := context.WithTimeout(context.Background(), linktest.WaitTimeout)
	defer cancel()
	serialNo, err := Discover(ctx, tr, testOption())
	require.NoError(t, err)
	assert.Equal(t, "EVB12345", serialNo)
	assert.Equal(t, 1, tr.Closed())

	f, err := Format.Unmarshal(tr.Writes()[0])
	require.NoError(t, err)
	assert.Equal(t, Command69, f.Opcode)
	assert.Equal(t, []byte(BroadcastSerial), f.Payload)

	silent := linktest.NewTransport()
	_, err = Discover(ctx, silent, testOption())
	assert.ErrorIs(t, err, link.ErrTimeout)

	broken := linktest.NewTransport()
	broken.SetOpenError(errors.New("no device"))
	_, err = Discover(ctx, broken, testOption())
	assert.ErrorContains(t, err, "no device")
}
