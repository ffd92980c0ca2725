// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, thedevop, dgduncan

package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mochi-mqtt/qos2/hooks/storage"
	"github.com/mochi-mqtt/qos2/packets"
	"github.com/mochi-mqtt/qos2/system"
)

const (
	SetOptions byte = iota
	OnSysInfoTick
	OnStarted
	OnStopped
	OnConnectAuthenticate
	OnACLCheck
	OnConnect
	OnSessionEstablished
	OnDisconnect
	OnPacketRead
	OnPacketSent
	OnSubscribed
	OnUnsubscribed
	OnPublished
	OnQosPublish
	OnQosComplete
	OnQosDropped
	OnAckTolerated
	OnPacketIDExhausted
	OnHandshakeStored
	OnHandshakeDeleted
	OnClientStored
	OnClientExpired
	StoredClients
	StoredHandshakes
)

var (
	// ErrInvalidConfigType indicates a different Type of config value was expected to what was received.
	ErrInvalidConfigType = errors.New("invalid config type provided")
)

// Hook provides an interface of handlers for different events which occur
// during the lifecycle of the broker.
type Hook interface {
	ID() string
	Provides(b byte) bool
	Init(config any) error
	Stop() error
	SetOpts(l *slog.Logger, o *HookOptions)
	OnStarted()
	OnStopped()
	OnSysInfoTick(*system.Info)
	OnConnectAuthenticate(cl *Client, pk packets.Packet) bool
	OnACLCheck(cl *Client, topic string, write bool) bool
	OnConnect(cl *Client, pk packets.Packet) error
	OnSessionEstablished(cl *Client, pk packets.Packet)
	OnDisconnect(cl *Client, err error, expire bool)
	OnPacketRead(cl *Client, pk packets.Packet) (packets.Packet, error) // triggers when a new packet is received by a client, but before packet validation
	OnPacketSent(cl *Client, pk packets.Packet, b []byte)               // triggers when packet bytes have been written to the client
	OnSubscribed(cl *Client, pk packets.Packet, reasonCodes []byte)
	OnUnsubscribed(cl *Client, pk packets.Packet)
	OnPublished(cl *Client, pk packets.Packet)
	OnQosPublish(cl *Client, h Handshake)                      // a message entered a qos flow
	OnQosComplete(cl *Client, h Handshake)                     // a qos flow reached its final acknowledgement
	OnQosDropped(cl *Client, h Handshake)                      // a qos flow was abandoned, expired or refused
	OnAckTolerated(cl *Client, h Handshake, pk packets.Packet) // an acknowledgement matched no step of its flow
	OnPacketIDExhausted(cl *Client, pk packets.Packet)         // no outbound packet id was free for a delivery
	OnHandshakeStored(cl *Client, h Handshake)                 // a handshake was created or changed state
	OnHandshakeDeleted(cl *Client, h Handshake)                // a handshake left the registry for any reason
	OnClientStored(cl *Client)                                 // a persistent session changed
	OnClientExpired(cl *Client)                                // a disconnected persistent session expired
	StoredClients() ([]storage.Client, error)                  // persistent sessions to restore on start
	StoredHandshakes() ([]storage.Handshake, error)            // unresolved handshakes to restore on start
}

// HookOptions contains values which are inherited from the server on initialisation.
type HookOptions struct {
	Capabilities *Capabilities
}

// Hooks is a slice of Hook interfaces to be called in sequence.
type Hooks struct {
	Log        *slog.Logger   // a logger for the hook (from the server)
	internal   atomic.Value   // a slice of []Hook
	wg         sync.WaitGroup // a waitgroup for syncing hook shutdown
	qty        int64          // the number of hooks in use
	sync.Mutex                // a mutex for locking when adding hooks
}

// Len returns the number of hooks added.
func (h *Hooks) Len() int64 {
	return atomic.LoadInt64(&h.qty)
}

// Provides returns true if any one hook provides any of the requested hook methods.
func (h *Hooks) Provides(b ...byte) bool {
	for _, hook := range h.GetAll() {
		for _, hb := range b {
			if hook.Provides(hb) {
				return true
			}
		}
	}

	return false
}

// Add adds and initializes a new hook.
func (h *Hooks) Add(hook Hook, config any) error {
	h.Lock()
	defer h.Unlock()

	err := hook.Init(config)
	if err != nil {
		return fmt.Errorf("failed initialising %s hook: %w", hook.ID(), err)
	}

	i, ok := h.internal.Load().([]Hook)
	if !ok {
		i = []Hook{}
	}

	i = append(i, hook)
	h.internal.Store(i)
	atomic.AddInt64(&h.qty, 1)
	h.wg.Add(1)

	return nil
}

// GetAll returns a slice of all the hooks.
func (h *Hooks) GetAll() []Hook {
	i, ok := h.internal.Load().([]Hook)
	if !ok {
		return []Hook{}
	}

	return i
}

// Stop indicates all attached hooks to gracefully end.
func (h *Hooks) Stop() {
	go func() {
		for _, hook := range h.GetAll() {
			h.Log.Info("stopping hook", "hook", hook.ID())
			if err := hook.Stop(); err != nil {
				h.Log.Debug("problem stopping hook", "error", err, "hook", hook.ID())
			}

			h.wg.Done()
		}
	}()

	h.wg.Wait()
}

// OnSysInfoTick is called when the server system info is refreshed.
func (h *Hooks) OnSysInfoTick(sys *system.Info) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnSysInfoTick) {
			hook.OnSysInfoTick(sys)
		}
	}
}

// OnStarted is called when the server has successfully started.
func (h *Hooks) OnStarted() {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnStarted) {
			hook.OnStarted()
		}
	}
}

// OnStopped is called when the server has successfully stopped.
func (h *Hooks) OnStopped() {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnStopped) {
			hook.OnStopped()
		}
	}
}

// OnConnect is called when a new client connects, and may return a packets.Code as an error to halt the connection.
func (h *Hooks) OnConnect(cl *Client, pk packets.Packet) error {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnConnect) {
			err := hook.OnConnect(cl, pk)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// OnSessionEstablished is called when a new client establishes a session (after OnConnect).
func (h *Hooks) OnSessionEstablished(cl *Client, pk packets.Packet) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnSessionEstablished) {
			hook.OnSessionEstablished(cl, pk)
		}
	}
}

// OnDisconnect is called when a client is disconnected for any reason.
func (h *Hooks) OnDisconnect(cl *Client, err error, expire bool) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnDisconnect) {
			hook.OnDisconnect(cl, err, expire)
		}
	}
}

// OnPacketRead is called when a packet is received from a client. A hook may
// replace the packet, or return packets.ErrRejectPacket to have it skipped.
func (h *Hooks) OnPacketRead(cl *Client, pk packets.Packet) (pkx packets.Packet, err error) {
	pkx = pk
	for _, hook := range h.GetAll() {
		if hook.Provides(OnPacketRead) {
			npk, err := hook.OnPacketRead(cl, pkx)
			if err != nil && errors.Is(err, packets.ErrRejectPacket) {
				h.Log.Debug("packet rejected", "hook", hook.ID(), "packet", pkx)
				return pk, err
			} else if err != nil {
				continue
			}

			pkx = npk
		}
	}

	return
}

// OnPacketSent is called when a packet has been written to a client. The bytes
// are only valid until the hook returns.
func (h *Hooks) OnPacketSent(cl *Client, pk packets.Packet, b []byte) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnPacketSent) {
			hook.OnPacketSent(cl, pk, b)
		}
	}
}

// OnSubscribed is called when a client subscribes to one or more filters.
func (h *Hooks) OnSubscribed(cl *Client, pk packets.Packet, reasonCodes []byte) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnSubscribed) {
			hook.OnSubscribed(cl, pk, reasonCodes)
		}
	}
}

// OnUnsubscribed is called when a client unsubscribes from one or more filters.
func (h *Hooks) OnUnsubscribed(cl *Client, pk packets.Packet) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnUnsubscribed) {
			hook.OnUnsubscribed(cl, pk)
		}
	}
}

// OnPublished is called when a message has been released to the matching
// subscribers. For qos 2 this happens once the publisher's pubrel arrives.
func (h *Hooks) OnPublished(cl *Client, pk packets.Packet) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnPublished) {
			hook.OnPublished(cl, pk)
		}
	}
}

// OnQosPublish is called when a message enters a qos 1 or qos 2 flow, in
// either direction.
func (h *Hooks) OnQosPublish(cl *Client, hs Handshake) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnQosPublish) {
			hook.OnQosPublish(cl, hs)
		}
	}
}

// OnQosComplete is called when a qos flow has received its final acknowledgement.
func (h *Hooks) OnQosComplete(cl *Client, hs Handshake) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnQosComplete) {
			hook.OnQosComplete(cl, hs)
		}
	}
}

// OnQosDropped is called when a qos flow is abandoned before completing,
// such as when it expires or the client's quota is full.
func (h *Hooks) OnQosDropped(cl *Client, hs Handshake) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnQosDropped) {
			hook.OnQosDropped(cl, hs)
		}
	}
}

// OnAckTolerated is called when an acknowledgement arrives which matches no
// step of the handshake for its packet id, and has been discarded.
func (h *Hooks) OnAckTolerated(cl *Client, hs Handshake, pk packets.Packet) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnAckTolerated) {
			hook.OnAckTolerated(cl, hs, pk)
		}
	}
}

// OnPacketIDExhausted is called when a client has no free outbound packet ids.
func (h *Hooks) OnPacketIDExhausted(cl *Client, pk packets.Packet) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnPacketIDExhausted) {
			hook.OnPacketIDExhausted(cl, pk)
		}
	}
}

// OnHandshakeStored is called whenever a handshake is created or changes state.
// Each hook receives its own deep copy, as stores may hold on to the packet.
func (h *Hooks) OnHandshakeStored(cl *Client, hs Handshake) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnHandshakeStored) {
			c, err := hs.Clone()
			if err != nil {
				h.Log.Error("handshake not stored", "error", err, "hook", hook.ID(), "client", cl.ID)
				continue
			}
			hook.OnHandshakeStored(cl, c)
		}
	}
}

// OnHandshakeDeleted is called whenever a handshake is removed from a registry.
func (h *Hooks) OnHandshakeDeleted(cl *Client, hs Handshake) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnHandshakeDeleted) {
			hook.OnHandshakeDeleted(cl, hs)
		}
	}
}

// OnClientStored is called when a client with a persistent session connects
// or changes its subscriptions.
func (h *Hooks) OnClientStored(cl *Client) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnClientStored) {
			hook.OnClientStored(cl)
		}
	}
}

// OnClientExpired is called when a disconnected persistent session has expired.
func (h *Hooks) OnClientExpired(cl *Client) {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnClientExpired) {
			hook.OnClientExpired(cl)
		}
	}
}

// StoredClients returns all clients, e.g. from a persistent store, is used to
// populate the server clients list before start.
func (h *Hooks) StoredClients() (v []storage.Client, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(StoredClients) {
			v, err := hook.StoredClients()
			if err != nil {
				h.Log.Error("failed to load clients", "error", err, "hook", hook.ID())
				return v, err
			}

			if len(v) > 0 {
				return v, nil
			}
		}
	}

	return
}

// StoredHandshakes returns all unresolved handshakes, e.g. from a persistent
// store, and is used to populate the registries of restored clients before start.
func (h *Hooks) StoredHandshakes() (v []storage.Handshake, err error) {
	for _, hook := range h.GetAll() {
		if hook.Provides(StoredHandshakes) {
			v, err := hook.StoredHandshakes()
			if err != nil {
				h.Log.Error("failed to load handshakes", "error", err, "hook", hook.ID())
				return v, err
			}

			if len(v) > 0 {
				return v, nil
			}
		}
	}

	return
}

// OnConnectAuthenticate is called when a user attempts to authenticate with the server.
// An implementation of this method MUST be used to allow or deny access to the
// server (see hooks/auth). It can be used in custom hooks to check connecting
// users against an existing user database.
func (h *Hooks) OnConnectAuthenticate(cl *Client, pk packets.Packet) bool {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnConnectAuthenticate) {
			if ok := hook.OnConnectAuthenticate(cl, pk); ok {
				return true
			}
		}
	}

	return false
}

// OnACLCheck is called when a user attempts to publish or subscribe to a topic filter.
// An implementation of this method MUST be used to allow or deny access to the
// topic (see hooks/auth).
func (h *Hooks) OnACLCheck(cl *Client, topic string, write bool) bool {
	for _, hook := range h.GetAll() {
		if hook.Provides(OnACLCheck) {
			if ok := hook.OnACLCheck(cl, topic, write); ok {
				return true
			}
		}
	}

	return false
}

// HookBase provides a set of default methods for each hook. It should be embedded in
// all hooks.
type HookBase struct {
	Hook
	Log  *slog.Logger
	Opts *HookOptions
}

// ID returns the ID of the hook.
func (h *HookBase) ID() string {
	return "base"
}

// Provides indicates which methods a hook provides. The default is none - this method
// should be overridden by the embedding hook.
func (h *HookBase) Provides(b byte) bool {
	return false
}

// Init performs any pre-start initializations for the hook, such as connecting to databases
// or opening files.
func (h *HookBase) Init(config any) error {
	return nil
}

// SetOpts is called by the server to propagate internal values and generally should
// not be called manually.
func (h *HookBase) SetOpts(l *slog.Logger, opts *HookOptions) {
	h.Log = l
	h.Opts = opts
}

// Stop is called to gracefully shut down the hook.
func (h *HookBase) Stop() error {
	return nil
}

// OnStarted is called when the server starts.
func (h *HookBase) OnStarted() {}

// OnStopped is called when the server stops.
func (h *HookBase) OnStopped() {}

// OnSysInfoTick is called when the server system info is refreshed.
func (h *HookBase) OnSysInfoTick(*system.Info) {}

// OnConnectAuthenticate is called when a user attempts to authenticate with the server.
func (h *HookBase) OnConnectAuthenticate(cl *Client, pk packets.Packet) bool {
	return false
}

// OnACLCheck is called when a user attempts to subscribe or publish to a topic.
func (h *HookBase) OnACLCheck(cl *Client, topic string, write bool) bool {
	return false
}

// OnConnect is called when a new client connects.
func (h *HookBase) OnConnect(cl *Client, pk packets.Packet) error {
	return nil
}

// OnSessionEstablished is called when a new client establishes a session (after OnConnect).
func (h *HookBase) OnSessionEstablished(cl *Client, pk packets.Packet) {}

// OnDisconnect is called when a client is disconnected for any reason.
func (h *HookBase) OnDisconnect(cl *Client, err error, expire bool) {}

// OnPacketRead is called when a packet is received.
func (h *HookBase) OnPacketRead(cl *Client, pk packets.Packet) (packets.Packet, error) {
	return pk, nil
}

// OnPacketSent is called immediately after a packet is written to a client.
func (h *HookBase) OnPacketSent(cl *Client, pk packets.Packet, b []byte) {}

// OnSubscribed is called when a client subscribes to one or more filters.
func (h *HookBase) OnSubscribed(cl *Client, pk packets.Packet, reasonCodes []byte) {}

// OnUnsubscribed is called when a client unsubscribes from one or more filters.
func (h *HookBase) OnUnsubscribed(cl *Client, pk packets.Packet) {}

// OnPublished is called when a message has been released to subscribers.
func (h *HookBase) OnPublished(cl *Client, pk packets.Packet) {}

// OnQosPublish is called when a message enters a qos flow.
func (h *HookBase) OnQosPublish(cl *Client, hs Handshake) {}

// OnQosComplete is called when a qos flow completes.
func (h *HookBase) OnQosComplete(cl *Client, hs Handshake) {}

// OnQosDropped is called when a qos flow is abandoned.
func (h *HookBase) OnQosDropped(cl *Client, hs Handshake) {}

// OnAckTolerated is called when an acknowledgement matched no step of its flow.
func (h *HookBase) OnAckTolerated(cl *Client, hs Handshake, pk packets.Packet) {}

// OnPacketIDExhausted is called when a client runs out of outbound packet ids.
func (h *HookBase) OnPacketIDExhausted(cl *Client, pk packets.Packet) {}

// OnHandshakeStored is called when a handshake is created or changes state.
func (h *HookBase) OnHandshakeStored(cl *Client, hs Handshake) {}

// OnHandshakeDeleted is called when a handshake is removed.
func (h *HookBase) OnHandshakeDeleted(cl *Client, hs Handshake) {}

// OnClientStored is called when a persistent session changes.
func (h *HookBase) OnClientStored(cl *Client) {}

// OnClientExpired is called when a persistent session expires.
func (h *HookBase) OnClientExpired(cl *Client) {}

// StoredClients returns all clients from a store.
func (h *HookBase) StoredClients() (v []storage.Client, err error) {
	return
}

// StoredHandshakes returns all unresolved handshakes from a store.
func (h *HookBase) StoredHandshakes() (v []storage.Handshake, err error) {
	return
}
