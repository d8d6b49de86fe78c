// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package udpcommander turns UDP datagrams into command events and sends
// datagrams on request.
//
// An Input listens on a port and answers "OK\n" to every datagram that
// matches its command:
//
//	$ echo "Light 1 ON" | nc -u localhost 2323
//	OK
package udpcommander

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/riclolsen/go-serialcmd/clog"
	"github.com/riclolsen/go-serialcmd/state"
)

// Signal names
const (
	SignalInputData  = "inputData"
	SignalOutputData = "outputData"
	SignalAvailable  = "available"
)

// Reply is sent back to the sender of a matching command.
const Reply = "OK\n"

const maxDatagram = 65535

var (
	ErrInvalidPort    = errors.New("udpcommander: port must be between 1 and 65535")
	ErrInvalidAddress = errors.New("udpcommander: invalid IPv4 address")
	ErrPortInUse      = errors.New("udpcommander: port already owned by an input")
	ErrReadOnly       = errors.New("udpcommander: signal is read-only")
	ErrNotStarted     = errors.New("udpcommander: not started")
)

func checkPort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	return nil
}

// Input receives datagrams on one UDP port. Every datagram is stored as
// inputData; a datagram equal to the command, with or without a trailing
// newline, fires the command handler and is acknowledged.
type Input struct {
	host    string
	port    int
	command []byte
	cache   *state.Cache

	mu        sync.Mutex
	conn      *net.UDPConn
	wg        sync.WaitGroup
	onCommand func(from *net.UDPAddr)

	clog.Clog
}

// NewInput creates an input on port for command. It binds on every
// interface; see SetHost.
func NewInput(port int, command string) (*Input, error) {
	if err := checkPort(port); err != nil {
		return nil, err
	}
	in := &Input{
		port:    port,
		command: []byte(command),
		cache: state.NewCache(fmt.Sprintf("udp:%d", port), map[string]any{
			SignalInputData: "",
			SignalAvailable: false,
		}),
		Clog: clog.NewLogger(fmt.Sprintf("udpcommander [%d] => ", port)),
	}
	in.Clog.LogMode(true)
	return in, nil
}

// SetHost restricts the bind address. Must be called before Start.
func (in *Input) SetHost(host string) *Input {
	in.host = host
	return in
}

// SetCommandHandler sets the handler fired for each matching datagram.
func (in *Input) SetCommandHandler(f func(from *net.UDPAddr)) *Input {
	in.mu.Lock()
	in.onCommand = f
	in.mu.Unlock()
	return in
}

// Port returns the configured port.
func (in *Input) Port() int {
	return in.port
}

// Cache returns the input's signal cache.
func (in *Input) Cache() *state.Cache {
	return in.cache
}

// Start binds the port and starts receiving.
func (in *Input) Start() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.conn != nil {
		return errors.New("input already started")
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(in.host, strconv.Itoa(in.port)))
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("can't bind to port %d: %w", in.port, err)
	}
	in.conn = conn
	in.cache.Set(SignalAvailable, true)
	in.wg.Add(1)
	go in.readLoop(conn)
	in.Info("Listening on %s", conn.LocalAddr())
	return nil
}

// Close releases the port and waits for the receiver to stop.
func (in *Input) Close() error {
	in.mu.Lock()
	conn := in.conn
	in.conn = nil
	in.mu.Unlock()
	if conn == nil {
		return ErrNotStarted
	}
	err := conn.Close()
	in.wg.Wait()
	in.cache.Reset()
	return err
}

// Matches reports whether datagram is the input's command.
func (in *Input) Matches(datagram []byte) bool {
	if bytes.Equal(datagram, in.command) {
		return true
	}
	n := len(in.command)
	return len(datagram) == n+1 && datagram[n] == '\n' && bytes.Equal(datagram[:n], in.command)
}

func (in *Input) readLoop(conn *net.UDPConn) {
	defer in.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				in.Error("Receive failed: %v", err)
			}
			return
		}
		datagram := buf[:n]
		in.cache.Set(SignalInputData, string(datagram))
		if !in.Matches(datagram) {
			continue
		}
		in.Debug("Got command from %s", from)
		in.mu.Lock()
		f := in.onCommand
		in.mu.Unlock()
		if f != nil {
			f(from)
		}
		if _, err := conn.WriteToUDP([]byte(Reply), from); err != nil {
			in.Warn("Reply to %s failed: %v", from, err)
		}
	}
}

// SetSignal rejects every write; an input only reports.
func (in *Input) SetSignal(_ context.Context, name string, _ any) error {
	return fmt.Errorf("%w: %s", ErrReadOnly, name)
}

// Output sends datagrams to a fixed IPv4 address and port.
type Output struct {
	addr *net.UDPAddr

	mu   sync.Mutex
	conn *net.UDPConn

	clog.Clog
}

// NewOutput creates an output to ipv4:port.
func NewOutput(ipv4 string, port int) (*Output, error) {
	if err := checkPort(port); err != nil {
		return nil, err
	}
	ip := net.ParseIP(ipv4).To4()
	if ip == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, ipv4)
	}
	addr := &net.UDPAddr{IP: ip, Port: port}
	out := &Output{
		addr: addr,
		Clog: clog.NewLogger(fmt.Sprintf("udpcommander [%s] => ", addr)),
	}
	out.Clog.LogMode(true)
	return out, nil
}

// Addr returns the destination.
func (out *Output) Addr() *net.UDPAddr {
	return out.addr
}

// Send writes data as one datagram, opening the socket on first use.
func (out *Output) Send(data []byte) error {
	out.mu.Lock()
	defer out.mu.Unlock()
	if out.conn == nil {
		conn, err := net.ListenUDP("udp4", nil)
		if err != nil {
			return err
		}
		out.conn = conn
	}
	out.Debug("Send UDP datagram %q", data)
	_, err := out.conn.WriteToUDP(data, out.addr)
	return err
}

// SetSignal sends outputData; value may be a string or a byte slice.
func (out *Output) SetSignal(_ context.Context, name string, value any) error {
	if name != SignalOutputData {
		return fmt.Errorf("%w: %s", ErrReadOnly, name)
	}
	switch v := value.(type) {
	case string:
		return out.Send([]byte(v))
	case []byte:
		return out.Send(v)
	default:
		return fmt.Errorf("udpcommander: %s wants a string, got %T", name, value)
	}
}

// Close releases the socket.
func (out *Output) Close() error {
	out.mu.Lock()
	defer out.mu.Unlock()
	if out.conn == nil {
		return nil
	}
	err := out.conn.Close()
	out.conn = nil
	return err
}

// Registry owns the bound inputs. Each port belongs to at most one input.
type Registry struct {
	mu     sync.Mutex
	inputs map[int]*Input
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{inputs: make(map[int]*Input)}
}

// Add starts in and records it under its port.
func (r *Registry) Add(in *Input) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inputs[in.port]; ok {
		return fmt.Errorf("%w: %d", ErrPortInUse, in.port)
	}
	if err := in.Start(); err != nil {
		return err
	}
	r.inputs[in.port] = in
	return nil
}

// Get returns the input owning port.
func (r *Registry) Get(port int) (*Input, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.inputs[port]
	return in, ok
}

// Remove closes the input owning port.
func (r *Registry) Remove(port int) error {
	r.mu.Lock()
	in, ok := r.inputs[port]
	delete(r.inputs, port)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: port %d", ErrNotStarted, port)
	}
	return in.Close()
}

// Close closes every input.
func (r *Registry) Close() error {
	r.mu.Lock()
	inputs := r.inputs
	r.inputs = make(map[int]*Input)
	r.mu.Unlock()
	var errs []error
	for _, in := range inputs {
		if err := in.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
