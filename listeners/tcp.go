// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"crypto/tls"
	"net"

	"log/slog"
)

// TCP is a listener for establishing client connections on basic TCP protocol.
type TCP struct { // [MQTT-4.2.0-1]
	acceptor
	config Config // configuration values for the listener
}

// NewTCP initialises and returns a new TCP listener, listening on an address.
func NewTCP(config Config) *TCP {
	return &TCP{
		acceptor: acceptor{id: config.ID},
		config:   config,
	}
}

// ID returns the id of the listener.
func (l *TCP) ID() string {
	return l.id
}

// Address returns the address of the listener. Once initialised this is the
// bound address, so a port of 0 resolves to the port chosen by the system.
func (l *TCP) Address() string {
	return l.boundAddress(l.config.Address)
}

// Protocol returns the protocol of the listener.
func (l *TCP) Protocol() string {
	if l.config.TLSConfig != nil {
		return "tls"
	}
	return "tcp"
}

// Init opens the network address.
func (l *TCP) Init(log *slog.Logger) error {
	l.log = log

	var err error
	if l.config.TLSConfig != nil {
		l.listen, err = tls.Listen("tcp", l.config.Address, l.config.TLSConfig)
	} else {
		l.listen, err = net.Listen("tcp", l.config.Address)
	}

	return err
}

// Serve starts waiting for new TCP connections, and calls the establish
// connection callback for any received.
func (l *TCP) Serve(establish EstablishFn) {
	l.serve(establish)
}

// Close closes the listener and any client connections.
func (l *TCP) Close(closeClients CloseFn) {
	l.close(closeClients)
}
