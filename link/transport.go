// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package link

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/riclolsen/go-serialcmd/clog"
	"go.bug.st/serial"
)

const readBufferSize = 256

// openPort is replaced in tests.
var openPort = func(name string, mode *serial.Mode) (serial.Port, error) {
	return serial.Open(name, mode)
}

// Ports lists the serial ports present on the system.
func Ports() ([]string, error) {
	return serial.GetPortsList()
}

// SerialTransport is a Transport over a local serial port.
type SerialTransport struct {
	cfg SerialConfig

	mu      sync.Mutex
	port    serial.Port
	onRecv  func([]byte)
	onErr   func(error)
	closing atomic.Bool
	wg      sync.WaitGroup
	clog.Clog
}

var _ Transport = (*SerialTransport)(nil)

// NewSerialTransport creates a transport for cfg. The port is opened by Open.
func NewSerialTransport(cfg SerialConfig) *SerialTransport {
	t := &SerialTransport{
		cfg:    cfg,
		onRecv: func([]byte) {},
		onErr:  func(error) {},
		Clog:   clog.NewLogger(fmt.Sprintf("serial [%s] => ", cfg.Address)),
	}
	t.Clog.LogMode(true)
	return t
}

// SetReceiveHandler implements Transport.
func (sf *SerialTransport) SetReceiveHandler(f func([]byte)) {
	if f == nil {
		return
	}
	sf.mu.Lock()
	sf.onRecv = f
	sf.mu.Unlock()
}

// SetErrorHandler implements Transport.
func (sf *SerialTransport) SetErrorHandler(f func(error)) {
	if f == nil {
		return
	}
	sf.mu.Lock()
	sf.onErr = f
	sf.mu.Unlock()
}

// Open opens the port and starts the reader.
func (sf *SerialTransport) Open() error {
	if err := sf.cfg.Valid(); err != nil {
		return err
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if sf.port != nil {
		return errors.New("serial port already open")
	}

	sf.Debug("Opening serial port %s at %d baud...", sf.cfg.Address, sf.cfg.BaudRate)
	port, err := openPort(sf.cfg.Address, sf.cfg.mode())
	if err != nil {
		return fmt.Errorf("opening serial port %s: %w", sf.cfg.Address, err)
	}
	if sf.cfg.Timeout > 0 {
		if err := port.SetReadTimeout(sf.cfg.Timeout); err != nil {
			_ = port.Close()
			return fmt.Errorf("setting read timeout: %w", err)
		}
	}
	sf.port = port
	sf.closing.Store(false)

	sf.wg.Add(1)
	go sf.readLoop(port)
	return nil
}

// readLoop delivers received bytes until the port fails or is closed.
func (sf *SerialTransport) readLoop(port serial.Port) {
	defer sf.wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, err := port.Read(buf)
		if err != nil {
			if sf.closing.Load() {
				return
			}
			sf.Error("Serial port read failed: %v", err)
			sf.mu.Lock()
			onErr := sf.onErr
			sf.mu.Unlock()
			onErr(err)
			return
		}
		if n == 0 {
			// read timeout
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		sf.mu.Lock()
		onRecv := sf.onRecv
		sf.mu.Unlock()
		onRecv(data)
	}
}

// Write implements Transport.
func (sf *SerialTransport) Write(p []byte) (int, error) {
	sf.mu.Lock()
	port := sf.port
	sf.mu.Unlock()
	if port == nil {
		return 0, ErrUseClosedConnection
	}
	return port.Write(p)
}

// Close closes the port and waits for the reader to stop.
func (sf *SerialTransport) Close() error {
	sf.mu.Lock()
	port := sf.port
	sf.port = nil
	sf.mu.Unlock()
	if port == nil {
		return nil
	}
	sf.closing.Store(true)
	err := port.Close()
	sf.wg.Wait()
	return err
}
