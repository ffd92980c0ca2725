// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"errors"
	"log/slog"
	"net"
	"sync"
)

// ErrMockListen is returned by a mock listener configured to fail on init.
var ErrMockListen = errors.New("listen failure")

// MockEstablisher is an establish callback which accepts every connection, for testing.
func MockEstablisher(id string, c net.Conn) error {
	return nil
}

// MockCloser is a close callback which does nothing, for testing.
func MockCloser(id string) {}

// MockListener is a listener which accepts no connections, for testing
// server lifecycles without the network.
type MockListener struct {
	sync.RWMutex
	id        string        // the id of the listener
	address   string        // the address the listener reports
	done      chan struct{} // closed when the listener is closed
	serving   bool
	listening bool
	ErrListen bool // fail on init
}

// NewMockListener returns a new instance of MockListener.
func NewMockListener(id, address string) *MockListener {
	return &MockListener{
		id:      id,
		address: address,
		done:    make(chan struct{}),
	}
}

// Serve blocks until the listener is closed.
func (l *MockListener) Serve(establisher EstablishFn) {
	l.Lock()
	l.serving = true
	l.Unlock()
	<-l.done
}

// Init initializes the listener.
func (l *MockListener) Init(log *slog.Logger) error {
	if l.ErrListen {
		return ErrMockListen
	}

	l.Lock()
	defer l.Unlock()
	l.listening = true
	return nil
}

// ID returns the id of the mock listener.
func (l *MockListener) ID() string {
	return l.id
}

// Address returns the address of the listener.
func (l *MockListener) Address() string {
	return l.address
}

// Protocol returns the protocol of the listener.
func (l *MockListener) Protocol() string {
	return "mock"
}

// Close closes the mock listener.
func (l *MockListener) Close(closer CloseFn) {
	l.Lock()
	defer l.Unlock()
	l.serving = false
	closer(l.id)
	close(l.done)
}

// IsServing indicates whether the mock listener is serving.
func (l *MockListener) IsServing() bool {
	l.RLock()
	defer l.RUnlock()
	return l.serving
}

// IsListening indicates whether the mock listener is listening.
func (l *MockListener) IsListening() bool {
	l.RLock()
	defer l.RUnlock()
	return l.listening
}
