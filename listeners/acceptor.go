// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"net"
	"sync"
	"sync/atomic"

	"log/slog"
)

// acceptor is the accept loop shared by the stream listeners (tcp, unix and
// caller-supplied net.Listeners). Each accepted connection is established
// on its own goroutine.
type acceptor struct {
	mu     sync.Mutex
	listen net.Listener // a net.Listener which will listen for new clients
	log    *slog.Logger // server logger
	id     string       // the internal id of the listener
	end    uint32       // ensure the close methods are only called once
}

// serve accepts connections until the listener is closed.
func (a *acceptor) serve(establish EstablishFn) {
	for {
		if atomic.LoadUint32(&a.end) == 1 {
			return
		}

		conn, err := a.listen.Accept()
		if err != nil {
			return
		}

		if atomic.LoadUint32(&a.end) == 0 {
			go func() {
				if err := establish(a.id, conn); err != nil {
					a.log.Warn("", "error", err)
				}
			}()
		}
	}
}

// close stops accepting connections and closes the clients of the listener.
func (a *acceptor) close(closeClients CloseFn) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if atomic.CompareAndSwapUint32(&a.end, 0, 1) {
		closeClients(a.id)
	}

	if a.listen != nil {
		_ = a.listen.Close()
	}
}

// boundAddress returns the address the listener is bound to, or fallback if
// it has not been opened yet.
func (a *acceptor) boundAddress(fallback string) string {
	if a.listen != nil {
		return a.listen.Addr().String()
	}
	return fallback
}
