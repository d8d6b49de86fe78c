// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package udpcommander

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/riclolsen/go-serialcmd/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

func newTestInput(t *testing.T, command string) *Input {
	t.Helper()
	in, err := NewInput(freePort(t), command)
	require.NoError(t, err)
	in.SetHost("127.0.0.1").LogMode(false)
	in.Cache().LogMode(false)
	return in
}

func dial(t *testing.T, port int) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestInvalidPort(t *testing.T) {
	for _, port := range []int{-1, 0, 65536} {
		_, err := NewInput(port, "x")
		assert.ErrorIs(t, err, ErrInvalidPort, port)
		_, err = NewOutput("127.0.0.1", port)
		assert.ErrorIs(t, err, ErrInvalidPort, port)
	}
	_, err := NewOutput("::1", 2323)
	assert.ErrorIs(t, err, ErrInvalidAddress)
	_, err = NewOutput("lamp.local", 2323)
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestMatches(t *testing.T) {
	in, err := NewInput(2323, "Light 1 ON")
	require.NoError(t, err)
	tests := []struct {
		datagram string
		want     bool
	}{
		{"Light 1 ON", true},
		{"Light 1 ON\n", true},
		{"Light 1 ON\n\n", false},
		{"Light 1 ON\r\n", false},
		{"Light 1 OFF", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, in.Matches([]byte(tt.datagram)), "%q", tt.datagram)
	}
}

func TestInputCommand(t *testing.T) {
	in := newTestInput(t, "Light 1 ON")
	fired := make(chan *net.UDPAddr, 4)
	in.SetCommandHandler(func(from *net.UDPAddr) { fired <- from })
	require.NoError(t, in.Start())
	assert.Error(t, in.Start())
	v, _ := state.Value[bool](in.Cache(), SignalAvailable)
	assert.True(t, v)

	conn := dial(t, in.Port())
	_, err := conn.Write([]byte("Light 1 ON\n"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, Reply, string(buf[:n]))

	select {
	case from := <-fired:
		assert.Equal(t, conn.LocalAddr().(*net.UDPAddr).Port, from.Port)
	case <-time.After(2 * time.Second):
		t.Fatal("command handler not fired")
	}
	data, _ := state.Value[string](in.Cache(), SignalInputData)
	assert.Equal(t, "Light 1 ON\n", data)

	_, err = conn.Write([]byte("Light 2 ON"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		data, _ := state.Value[string](in.Cache(), SignalInputData)
		return data == "Light 2 ON"
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, err = conn.Read(buf)
	var ne net.Error
	require.True(t, errors.As(err, &ne))
	assert.True(t, ne.Timeout(), "no reply to other datagrams")
	assert.Empty(t, fired)

	assert.ErrorIs(t, in.SetSignal(context.Background(), SignalInputData, "x"), ErrReadOnly)

	require.NoError(t, in.Close())
	v, _ = state.Value[bool](in.Cache(), SignalAvailable)
	assert.False(t, v)
	assert.ErrorIs(t, in.Close(), ErrNotStarted)
}

func TestOutputSend(t *testing.T) {
	listener, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer listener.Close()

	out, err := NewOutput("127.0.0.1", listener.LocalAddr().(*net.UDPAddr).Port)
	require.NoError(t, err)
	out.LogMode(false)
	defer out.Close()

	require.NoError(t, out.SetSignal(context.Background(), SignalOutputData, "Light 1 OFF"))
	buf := make([]byte, 64)
	require.NoError(t, listener.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := listener.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "Light 1 OFF", string(buf[:n]))

	assert.ErrorIs(t, out.SetSignal(context.Background(), SignalInputData, "x"), ErrReadOnly)
	assert.Error(t, out.SetSignal(context.Background(), SignalOutputData, 42))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	in := newTestInput(t, "a")
	require.NoError(t, r.Add(in))

	dup, err := NewInput(in.Port(), "b")
	require.NoError(t, err)
	assert.ErrorIs(t, r.Add(dup), ErrPortInUse)

	got, ok := r.Get(in.Port())
	require.True(t, ok)
	assert.Same(t, in, got)

	other := newTestInput(t, "c")
	require.NoError(t, r.Add(other))

	require.NoError(t, r.Remove(in.Port()))
	_, ok = r.Get(in.Port())
	assert.False(t, ok)
	assert.ErrorIs(t, r.Remove(in.Port()), ErrNotStarted)

	require.NoError(t, r.Close())
	_, ok = r.Get(other.Port())
	assert.False(t, ok)
}
