// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: Jeroen Rinzema

package listeners

import (
	"net"

	"log/slog"
)

// Net is a listener serving connections from a net.Listener opened by the
// caller, such as one bound to an ephemeral port in tests.
type Net struct {
	acceptor
}

// NewNet initialises and returns a listener serving incoming connections on the given net.Listener.
func NewNet(id string, listener net.Listener) *Net {
	return &Net{
		acceptor: acceptor{id: id, listen: listener},
	}
}

// ID returns the id of the listener.
func (l *Net) ID() string {
	return l.id
}

// Address returns the address of the listener.
func (l *Net) Address() string {
	return l.listen.Addr().String()
}

// Protocol returns the network of the listener.
func (l *Net) Protocol() string {
	return l.listen.Addr().Network()
}

// Init initializes the listener. The net.Listener is already open.
func (l *Net) Init(log *slog.Logger) error {
	l.log = log
	return nil
}

// Serve starts waiting for new connections, and calls the establish
// connection callback for any received.
func (l *Net) Serve(establish EstablishFn) {
	l.serve(establish)
}

// Close closes the listener and any client connections.
func (l *Net) Close(closeClients CloseFn) {
	l.close(closeClients)
}
