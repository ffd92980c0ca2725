// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package mqtt provides an MQTT v5 broker with v3.1.1 backward compatibility,
// built around a per-connection qos 2 delivery state machine which tolerates
// retransmitted, duplicated and out-of-order acknowledgements.
package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mochi-mqtt/qos2/hooks/storage"
	"github.com/mochi-mqtt/qos2/listeners"
	"github.com/mochi-mqtt/qos2/packets"
	"github.com/mochi-mqtt/qos2/system"
)

const (
	Version                      = "1.0.0" // the current server version.
	defaultSysInfoInterval int64 = 1       // the interval between system info refreshes in seconds
	LocalListener                = "local"
)

var (
	// DefaultServerCapabilities defines the default features and capabilities provided by the server.
	// Use NewDefaultServerCapabilities to obtain a copy which is safe to modify.
	DefaultServerCapabilities = NewDefaultServerCapabilities()

	ErrListenerIDExists  = errors.New("listener id already exists")        // a listener with the same id already exists
	ErrConnectionClosed  = errors.New("connection not open")               // connection is closed
	ErrOptionsUnreadable = errors.New("unable to read options from bytes") // options could not be parsed
)

// Capabilities indicates the capabilities and features provided by the server.
type Capabilities struct {
	MaximumClients               int64  `yaml:"maximum_clients" json:"maximum_clients"`                                 // maximum number of connected clients
	HandshakeExpiry              int64  `yaml:"handshake_expiry" json:"handshake_expiry"`                               // seconds a handshake may wait for its next packet before it is dropped, 0 to disable
	RetryInterval                int64  `yaml:"retry_interval" json:"retry_interval"`                                   // milliseconds before the first resend of a resumed handshake
	MaximumRetryInterval         int64  `yaml:"maximum_retry_interval" json:"maximum_retry_interval"`                   // upper bound in milliseconds for the resend backoff
	MaximumClientWritesPending   int32  `yaml:"maximum_client_writes_pending" json:"maximum_client_writes_pending"`     // maximum number of pending message writes for a client
	MaximumSessionExpiryInterval uint32 `yaml:"maximum_session_expiry_interval" json:"maximum_session_expiry_interval"` // maximum number of seconds to keep disconnected sessions
	MaximumPacketSize            uint32 `yaml:"maximum_packet_size" json:"maximum_packet_size"`                         // maximum packet size, no limit if 0
	MaximumPacketID              uint16 `yaml:"maximum_packet_id" json:"maximum_packet_id"`                             // highest outbound packet id allocated, 0 for 65535
	ReceiveMaximum               uint16 `yaml:"receive_maximum" json:"receive_maximum"`                                 // maximum number of concurrent inbound qos 2 handshakes per client
	MaximumInflight              uint16 `yaml:"maximum_inflight" json:"maximum_inflight"`                               // maximum number of concurrent outbound handshakes per client, 0 for unlimited
	MinimumProtocolVersion       byte   `yaml:"minimum_protocol_version" json:"minimum_protocol_version"`               // minimum supported mqtt version
	MaximumQos                   byte   `yaml:"maximum_qos" json:"maximum_qos"`                                         // maximum qos value available to clients
}

// NewDefaultServerCapabilities defines the default features and capabilities provided by the server.
func NewDefaultServerCapabilities() *Capabilities {
	return &Capabilities{
		MaximumClients:               math.MaxInt64,  // maximum number of connected clients
		HandshakeExpiry:              300,            // drop handshakes stalled for five minutes
		RetryInterval:                100,            // first resend shortly after a session resumes
		MaximumRetryInterval:         30000,          // never back off beyond thirty seconds
		MaximumClientWritesPending:   1024 * 8,       // maximum number of pending message writes for a client
		MaximumSessionExpiryInterval: math.MaxUint32, // maximum number of seconds to keep disconnected sessions
		MaximumPacketSize:            0,              // no maximum packet size
		MaximumPacketID:              math.MaxUint16, // the full packet id range
		ReceiveMaximum:               1024,           // maximum number of concurrent inbound qos 2 handshakes per client
		MaximumInflight:              1024 * 8,       // maximum number of concurrent outbound handshakes per client
		MinimumProtocolVersion:       3,              // minimum supported mqtt version (3.0.0)
		MaximumQos:                   2,              // maximum qos value available to clients
	}
}

// Options contains configurable options for the server.
type Options struct {
	// Listeners specifies any listeners which should be dynamically added on serve. Used when setting listeners by config.
	Listeners []listeners.Config `yaml:"listeners" json:"listeners"`

	// Hooks specifies any hooks which should be dynamically added on serve. Used when setting hooks by config.
	Hooks []HookLoadConfig `yaml:"hooks" json:"hooks"`

	// Capabilities defines the server features and behaviour. If you only wish to modify
	// several of these values, set them explicitly - e.g.
	// 	server.Options.Capabilities.HandshakeExpiry = 60
	Capabilities *Capabilities `yaml:"capabilities" json:"capabilities"`

	// ClientNetReadBufferSize specifies the size of the client *bufio.Reader read buffer.
	ClientNetReadBufferSize int `yaml:"client_net_read_buffer_size" json:"client_net_read_buffer_size"`

	// Logger specifies a custom configured implementation of log/slog to override
	// the servers default logger configuration.
	Logger *slog.Logger `yaml:"-" json:"-"`

	// SysInfoInterval specifies the interval between system info refreshes in seconds.
	SysInfoInterval int64 `yaml:"sys_info_interval" json:"sys_info_interval"`
}

// HookLoadConfig contains the hook and configuration as loaded from a configuration (usually file).
type HookLoadConfig struct {
	Hook   Hook
	Config any
}

// Server is an MQTT broker server. It should be created with server.New()
// in order to ensure all the internal fields are correctly populated.
type Server struct {
	Options   *Options             // configurable server options
	Listeners *listeners.Listeners // listeners are network interfaces which listen for new connections
	Clients   *Clients             // clients known to the broker
	Topics    *TopicsIndex         // an index of topic filter subscriptions
	Info      *system.Info         // values about the server commonly known as $SYS topics
	loop      *loop                // loop contains tickers for the system event loop
	done      chan bool            // indicate that the server is ending
	Log       *slog.Logger         // minimal no-alloc logger
	hooks     *Hooks               // hooks contains hooks for extra functionality such as auth and persistent storage
}

// loop contains interval tickers for the system events loop.
type loop struct {
	sysInfo         *time.Ticker // interval ticker for refreshing system info
	clientExpiry    *time.Ticker // interval ticker for cleaning expired clients
	handshakeExpiry *time.Ticker // interval ticker for dropping stalled handshakes
}

// ops contains server values which can be propagated to other structs.
type ops struct {
	options *Options     // a pointer to the server options and capabilities, for referencing in clients
	info    *system.Info // pointers to server system info
	hooks   *Hooks       // pointer to the server hooks
	log     *slog.Logger // a structured logger for the client
}

// New returns a new instance of the broker. Optional parameters
// can be specified to override some default settings (see Options).
func New(opts *Options) *Server {
	if opts == nil {
		opts = new(Options)
	}

	opts.ensureDefaults()

	s := &Server{
		done:      make(chan bool),
		Clients:   NewClients(),
		Topics:    NewTopicsIndex(),
		Listeners: listeners.New(),
		loop: &loop{
			sysInfo:         time.NewTicker(time.Second * time.Duration(opts.SysInfoInterval)),
			clientExpiry:    time.NewTicker(time.Second),
			handshakeExpiry: time.NewTicker(time.Second),
		},
		Options: opts,
		Info: &system.Info{
			Version: Version,
			Started: time.Now().Unix(),
		},
		Log: opts.Logger,
		hooks: &Hooks{
			Log: opts.Logger,
		},
	}

	return s
}

// ensureDefaults ensures that the server starts with sane default values, if none are provided.
func (o *Options) ensureDefaults() {
	if o.Capabilities == nil {
		o.Capabilities = NewDefaultServerCapabilities()
	}

	if o.Capabilities.MaximumPacketID == 0 {
		o.Capabilities.MaximumPacketID = math.MaxUint16 // mqtt packet ids are 16 bit
	}

	if o.Capabilities.MaximumClients == 0 {
		o.Capabilities.MaximumClients = math.MaxInt64
	}

	if o.Capabilities.MaximumClientWritesPending == 0 {
		o.Capabilities.MaximumClientWritesPending = 1024 * 8
	}

	if o.Capabilities.MaximumQos == 0 {
		o.Capabilities.MaximumQos = 2
	}

	if o.SysInfoInterval == 0 {
		o.SysInfoInterval = defaultSysInfoInterval
	}

	if o.ClientNetReadBufferSize == 0 {
		o.ClientNetReadBufferSize = 1024 * 2
	}

	if o.Logger == nil {
		log := slog.New(slog.NewTextHandler(os.Stdout, nil))
		o.Logger = log
	}
}

// NewClient returns a new Client instance, populated with all the required values and
// references to be used with the server.
func (s *Server) NewClient(c net.Conn, listener string, id string) *Client {
	cl := newClient(c, &ops{ // [MQTT-3.1.2-6] implicit
		options: s.Options,
		info:    s.Info,
		hooks:   s.hooks,
		log:     s.Log,
	})

	cl.ID = id
	cl.Net.Listener = listener

	return cl
}

// AddHook attaches a new Hook to the server. Ideally, this should be called
// before the server is started with s.Serve().
func (s *Server) AddHook(hook Hook, config any) error {
	nl := s.Log.With("hook", hook.ID())
	hook.SetOpts(nl, &HookOptions{
		Capabilities: s.Options.Capabilities,
	})

	s.Log.Info("added hook", "hook", hook.ID())
	return s.hooks.Add(hook, config)
}

// AddHooksFromConfig adds hooks to the server which were specified in the hooks config (usually from a config file).
func (s *Server) AddHooksFromConfig(hooks []HookLoadConfig) error {
	for _, h := range hooks {
		if err := s.AddHook(h.Hook, h.Config); err != nil {
			return err
		}
	}
	return nil
}

// AddListener adds a new network listener to the server, for receiving incoming client connections.
func (s *Server) AddListener(l listeners.Listener) error {
	if _, ok := s.Listeners.Get(l.ID()); ok {
		return ErrListenerIDExists
	}

	nl := s.Log.With(slog.String("listener", l.ID()))
	err := l.Init(nl)
	if err != nil {
		return err
	}

	s.Listeners.Add(l)

	s.Log.Info("attached listener", "id", l.ID(), "protocol", l.Protocol(), "address", l.Address())
	return nil
}

// AddListenersFromConfig adds listeners to the server which were specified in the listeners config (usually from a config file).
func (s *Server) AddListenersFromConfig(configs []listeners.Config) error {
	for _, conf := range configs {
		var l listeners.Listener
		switch strings.ToLower(conf.Type) {
		case listeners.TypeTCP:
			l = listeners.NewTCP(conf)
		case listeners.TypeWS:
			l = listeners.NewWebsocket(conf)
		case listeners.TypeUnix:
			l = listeners.NewUnixSock(conf)
		case listeners.TypeHealthCheck:
			l = listeners.NewHTTPHealthCheck(conf)
		case listeners.TypeSysInfo:
			l = listeners.NewHTTPStats(conf, s.Info)
		case listeners.TypeMock:
			l = listeners.NewMockListener(conf.ID, conf.Address)
		default:
			s.Log.Error("listener type unavailable by config", "listener", conf.Type)
			continue
		}
		if err := s.AddListener(l); err != nil {
			return err
		}
	}
	return nil
}

// Serve starts the event loops responsible for establishing client connections
// on all attached listeners, refreshing the system info, and starting all hooks.
func (s *Server) Serve() error {
	s.Log.Info("mqtt broker starting", "version", Version)
	defer s.Log.Info("mqtt broker started")

	if len(s.Options.Listeners) > 0 {
		err := s.AddListenersFromConfig(s.Options.Listeners)
		if err != nil {
			return err
		}
	}

	if len(s.Options.Hooks) > 0 {
		err := s.AddHooksFromConfig(s.Options.Hooks)
		if err != nil {
			return err
		}
	}

	if s.hooks.Provides(StoredClients, StoredHandshakes) {
		err := s.readStore()
		if err != nil {
			return err
		}
	}

	go s.eventLoop()                            // spin up event loop for housekeeping and closing server.
	s.Listeners.ServeAll(s.EstablishConnection) // start listening on all listeners.
	s.refreshSysInfo()                          // begin refreshing system values.
	s.hooks.OnStarted()

	return nil
}

// eventLoop loops forever, running various server housekeeping methods at different intervals.
func (s *Server) eventLoop() {
	s.Log.Debug("system event loop started")
	defer s.Log.Debug("system event loop halted")

	for {
		select {
		case <-s.done:
			s.loop.sysInfo.Stop()
			s.loop.clientExpiry.Stop()
			s.loop.handshakeExpiry.Stop()
			return
		case <-s.loop.sysInfo.C:
			s.refreshSysInfo()
		case <-s.loop.clientExpiry.C:
			s.clearExpiredClients(time.Now().Unix())
		case <-s.loop.handshakeExpiry.C:
			s.clearExpiredHandshakes(time.Now().Unix())
		}
	}
}

// EstablishConnection establishes a new client when a listener accepts a new connection.
func (s *Server) EstablishConnection(listener string, c net.Conn) error {
	cl := s.NewClient(c, listener, "")
	return s.attachClient(cl, listener)
}

// attachClient validates an incoming client connection and if viable, attaches the client
// to the server, performs session housekeeping, and reads incoming packets.
func (s *Server) attachClient(cl *Client, listener string) error {
	defer s.Listeners.ClientsWg.Done()
	s.Listeners.ClientsWg.Add(1)

	go cl.WriteLoop()
	defer cl.Stop(nil)

	cl.refreshDeadline(cl.State.Keepalive)
	pk, err := s.readConnectionPacket(cl)
	if err != nil {
		return fmt.Errorf("read connection: %w", err)
	}

	cl.ParseConnect(listener, pk)
	if atomic.LoadInt64(&s.Info.ClientsConnected) >= s.Options.Capabilities.MaximumClients {
		if cl.Properties.ProtocolVersion < 5 {
			_ = s.SendConnack(cl, packets.ErrServerUnavailable, false)
		} else {
			_ = s.SendConnack(cl, packets.ErrServerBusy, false)
		}

		return packets.ErrServerBusy
	}

	code := s.validateConnect(cl, pk) // [MQTT-3.1.4-1] [MQTT-3.1.4-2]
	if code != packets.CodeSuccess {
		if err := s.SendConnack(cl, code, false); err != nil {
			return fmt.Errorf("invalid connection send ack: %w", err)
		}
		return code // [MQTT-3.2.2-7] [MQTT-3.1.4-6]
	}

	err = s.hooks.OnConnect(cl, pk)
	if err != nil {
		return err
	}

	cl.refreshDeadline(cl.State.Keepalive)
	if !s.hooks.OnConnectAuthenticate(cl, pk) { // [MQTT-3.1.4-2]
		err := s.SendConnack(cl, packets.ErrBadUsernameOrPassword, false)
		if err != nil {
			return fmt.Errorf("invalid connection send ack: %w", err)
		}

		return packets.ErrBadUsernameOrPassword
	}

	atomic.AddInt64(&s.Info.ClientsConnected, 1)
	defer atomic.AddInt64(&s.Info.ClientsConnected, -1)

	sessionPresent := s.inheritClientSession(pk, cl)
	s.Clients.Add(cl) // [MQTT-4.1.0-1]

	err = s.SendConnack(cl, code, sessionPresent) // [MQTT-3.1.4-5] [MQTT-3.2.0-1] [MQTT-3.2.0-2]
	if err != nil {
		return fmt.Errorf("ack connection packet: %w", err)
	}

	if sessionPresent {
		s.scheduleResends(cl) // [MQTT-4.4.0-1]
	}

	s.hooks.OnSessionEstablished(cl, pk)
	if !s.sessionExpires(cl) {
		s.hooks.OnClientStored(cl)
	}

	err = cl.Read(s.receivePacket)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		err = packets.ErrKeepAliveTimeout // [MQTT-3.1.2-22]
	}

	cl.Stop(err)
	s.Log.Debug("client disconnected", "error", err, "client", cl.ID, "remote", cl.Net.Remote, "listener", listener)

	expire := s.sessionExpires(cl)
	s.hooks.OnDisconnect(cl, err, expire)

	if expire && atomic.LoadUint32(&cl.State.isTakenOver) == 0 {
		s.abandonHandshakes(cl)
		s.UnsubscribeClient(cl)
		s.Clients.Delete(cl.ID) // [MQTT-4.1.0-2] ![MQTT-3.1.2-23]
	}

	return err
}

// sessionExpires returns true if the client's session ends with its connection.
func (s *Server) sessionExpires(cl *Client) bool {
	return (cl.Properties.ProtocolVersion == 5 && cl.Properties.Props.SessionExpiryInterval == 0) ||
		(cl.Properties.ProtocolVersion < 5 && cl.Properties.Clean)
}

// readConnectionPacket reads the first incoming header for a connection, and if
// acceptable, returns the valid connection packet.
func (s *Server) readConnectionPacket(cl *Client) (pk packets.Packet, err error) {
	fh := new(packets.FixedHeader)
	err = cl.ReadFixedHeader(fh)
	if err != nil {
		return
	}

	if fh.Type != packets.Connect {
		return pk, packets.ErrProtocolViolationRequireConnect // [MQTT-3.1.0-1]
	}

	pk, err = cl.ReadPacket(fh)
	if err != nil {
		return
	}

	return
}

// receivePacket processes an incoming packet for a client, and issues a disconnect to the client
// if an error has occurred (if mqtt v5).
func (s *Server) receivePacket(cl *Client, pk packets.Packet) error {
	err := s.processPacket(cl, pk)
	if err != nil {
		if code, ok := err.(packets.Code); ok &&
			cl.Properties.ProtocolVersion == 5 &&
			code.Code >= packets.ErrUnspecifiedError.Code {
			_ = s.DisconnectClient(cl, code)
		}

		s.Log.Warn("error processing packet", "error", err, "client", cl.ID, "listener", cl.Net.Listener, "pk", pk)

		return err
	}

	return nil
}

// validateConnect validates that a connect packet is compliant.
func (s *Server) validateConnect(cl *Client, pk packets.Packet) packets.Code {
	code := pk.ConnectValidate() // [MQTT-3.1.4-1] [MQTT-3.1.4-2]
	if code != packets.CodeSuccess {
		return code
	}

	if cl.Properties.ProtocolVersion < 5 && !pk.Connect.Clean && pk.Connect.ClientIdentifier == "" {
		return packets.ErrClientIdentifierNotValid // [MQTT-3.1.3-8]
	}

	if cl.Properties.ProtocolVersion < s.Options.Capabilities.MinimumProtocolVersion {
		return packets.ErrUnsupportedProtocolVersion // [MQTT-3.1.2-2]
	}

	if pk.Connect.WillQos > s.Options.Capabilities.MaximumQos {
		return packets.ErrQosNotSupported // [MQTT-3.2.2-12]
	}

	return code
}

// inheritClientSession inherits the state of an existing client sharing the same
// connection ID. If clean is true, the state of any previously existing client
// session is abandoned.
func (s *Server) inheritClientSession(pk packets.Packet, cl *Client) bool {
	existing, ok := s.Clients.Get(cl.ID)
	if !ok {
		if atomic.LoadInt64(&s.Info.ClientsConnected) > atomic.LoadInt64(&s.Info.ClientsMaximum) {
			atomic.AddInt64(&s.Info.ClientsMaximum, 1)
		}

		return false // [MQTT-3.2.2-2]
	}

	if !existing.Closed() {
		_ = s.DisconnectClient(existing, packets.ErrSessionTakenOver) // [MQTT-3.1.4-3]
	}

	if pk.Connect.Clean || (existing.Properties.Clean && existing.Properties.ProtocolVersion < 5) { // [MQTT-3.1.2-4] [MQTT-3.1.4-4]
		s.UnsubscribeClient(existing)
		s.abandonHandshakes(existing)
		atomic.StoreUint32(&existing.State.isTakenOver, 1) // only set isTakenOver after unsubscribe has occurred
		return false                                       // [MQTT-3.2.2-3]
	}

	atomic.StoreUint32(&existing.State.isTakenOver, 1)

	// The registries move to the new connection whole, so identifiers and
	// states of unresolved handshakes carry over unchanged. [MQTT-3.1.2-5]
	cl.State.Inbound = existing.State.Inbound
	cl.State.Outbound = existing.State.Outbound
	cl.State.Subscriptions = existing.State.Subscriptions
	for _, sub := range cl.State.Subscriptions.GetAll() {
		if s.Topics.Subscribe(cl.ID, sub) { // [MQTT-3.8.4-3]
			atomic.AddInt64(&s.Info.Subscriptions, 1)
		}
	}

	s.Log.Debug("session taken over", "client", cl.ID, "old_remote", existing.Net.Remote, "new_remote", cl.Net.Remote,
		"inbound", cl.State.Inbound.Len(), "outbound", cl.State.Outbound.Len())

	return true // [MQTT-3.2.2-3]
}

// SendConnack returns a Connack packet to a client.
func (s *Server) SendConnack(cl *Client, reason packets.Code, present bool) error {
	properties := packets.Properties{
		ReceiveMaximum: s.Options.Capabilities.ReceiveMaximum, // 3.2.2.3.3 Receive Maximum
	}

	if reason.Code >= packets.ErrUnspecifiedError.Code {
		if cl.Properties.ProtocolVersion < 5 {
			if v3reason, ok := packets.V5CodesToV3[reason]; ok { // NB v3 3.2.2.3 Connack return codes
				reason = v3reason
			}
		}

		properties.ReasonString = reason.Reason
		ack := packets.Packet{
			FixedHeader: packets.FixedHeader{
				Type: packets.Connack,
			},
			SessionPresent: false,       // [MQTT-3.2.2-6]
			ReasonCode:     reason.Code, // [MQTT-3.2.2-8]
			Properties:     properties,
		}
		return cl.WritePacket(ack)
	}

	if s.Options.Capabilities.MaximumQos < 2 {
		properties.MaximumQos = s.Options.Capabilities.MaximumQos // [MQTT-3.2.2-9]
		properties.MaximumQosFlag = true
	}

	if cl.Properties.Props.AssignedClientID != "" {
		properties.AssignedClientID = cl.Properties.Props.AssignedClientID // [MQTT-3.1.3-7] [MQTT-3.2.2-16]
	}

	if cl.Properties.Props.SessionExpiryInterval > s.Options.Capabilities.MaximumSessionExpiryInterval {
		properties.SessionExpiryInterval = s.Options.Capabilities.MaximumSessionExpiryInterval
		properties.SessionExpiryIntervalFlag = true
		cl.Properties.Props.SessionExpiryInterval = properties.SessionExpiryInterval
		cl.Properties.Props.SessionExpiryIntervalFlag = true
	}

	ack := packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type: packets.Connack,
		},
		SessionPresent: present,
		ReasonCode:     reason.Code, // [MQTT-3.2.2-8]
		Properties:     properties,
	}
	return cl.WritePacket(ack)
}

// processPacket processes an inbound packet for a client. Acknowledgements never
// return an error, so no handshake outcome can end the connection.
func (s *Server) processPacket(cl *Client, pk packets.Packet) error {
	var err error

	switch pk.FixedHeader.Type {
	case packets.Connect:
		err = s.processConnect(cl, pk)
	case packets.Disconnect:
		err = s.processDisconnect(cl, pk)
	case packets.Pingreq:
		err = s.processPingreq(cl, pk)
	case packets.Publish:
		code := pk.PublishValidate()
		if code != packets.CodeSuccess {
			return code
		}
		err = s.processPublish(cl, pk)
	case packets.Puback:
		err = s.processPuback(cl, pk)
	case packets.Pubrec:
		err = s.processPubrec(cl, pk)
	case packets.Pubrel:
		err = s.processPubrel(cl, pk)
	case packets.Pubcomp:
		err = s.processPubcomp(cl, pk)
	case packets.Subscribe:
		code := pk.SubscribeValidate()
		if code != packets.CodeSuccess {
			return code
		}
		err = s.processSubscribe(cl, pk)
	case packets.Unsubscribe:
		code := pk.UnsubscribeValidate()
		if code != packets.CodeSuccess {
			return code
		}
		err = s.processUnsubscribe(cl, pk)
	default:
		return fmt.Errorf("no valid packet available; %v", pk.FixedHeader.Type)
	}

	return err
}

// processConnect processes a Connect packet. The packet cannot be used to establish
// a new connection on an existing connection. See EstablishConnection instead.
func (s *Server) processConnect(_ *Client, _ packets.Packet) error {
	return packets.ErrProtocolViolationSecondConnect // [MQTT-3.1.0-2]
}

// processSubscribe processes a Subscribe packet.
func (s *Server) processSubscribe(cl *Client, pk packets.Packet) error {
	reasonCodes := make([]byte, len(pk.Filters))
	for i, sub := range pk.Filters {
		if !IsValidFilter(sub.Filter) {
			reasonCodes[i] = packets.ErrTopicFilterInvalid.Code
		} else if !s.hooks.OnACLCheck(cl, sub.Filter, false) {
			reasonCodes[i] = packets.ErrNotAuthorized.Code
		} else {
			if sub.Qos > s.Options.Capabilities.MaximumQos {
				sub.Qos = s.Options.Capabilities.MaximumQos // [MQTT-3.2.2-9]
			}

			if s.Topics.Subscribe(cl.ID, sub) { // [MQTT-3.8.4-3]
				atomic.AddInt64(&s.Info.Subscriptions, 1)
			}
			cl.State.Subscriptions.Add(sub.Filter, sub) // [MQTT-3.2.2-10]
			reasonCodes[i] = sub.Qos                    // [MQTT-3.9.3-1] [MQTT-3.8.4-7]
		}

		if reasonCodes[i] > packets.CodeGrantedQos2.Code && cl.Properties.ProtocolVersion < 5 { // MQTT3
			reasonCodes[i] = packets.ErrUnspecifiedError.Code
		}
	}

	ack := packets.Packet{ // [MQTT-3.8.4-1] [MQTT-3.8.4-5]
		FixedHeader: packets.FixedHeader{
			Type: packets.Suback,
		},
		PacketID:    pk.PacketID, // [MQTT-2.2.1-6] [MQTT-3.8.4-2]
		ReasonCodes: reasonCodes, // [MQTT-3.8.4-6]
	}

	s.hooks.OnSubscribed(cl, pk, reasonCodes)
	if !s.sessionExpires(cl) {
		s.hooks.OnClientStored(cl)
	}

	return cl.WritePacket(ack)
}

// processUnsubscribe processes an unsubscribe packet.
func (s *Server) processUnsubscribe(cl *Client, pk packets.Packet) error {
	reasonCodes := make([]byte, len(pk.Filters))
	for i, sub := range pk.Filters { // [MQTT-3.10.4-6] [MQTT-3.11.3-1]
		if q := s.Topics.Unsubscribe(sub.Filter, cl.ID); q {
			atomic.AddInt64(&s.Info.Subscriptions, -1)
			reasonCodes[i] = packets.CodeSuccess.Code
		} else {
			reasonCodes[i] = packets.CodeNoSubscriptionExisted.Code
		}

		cl.State.Subscriptions.Delete(sub.Filter) // [MQTT-3.10.4-2]
	}

	ack := packets.Packet{ // [MQTT-3.10.4-4]
		FixedHeader: packets.FixedHeader{
			Type: packets.Unsuback,
		},
		PacketID:    pk.PacketID, // [MQTT-2.2.1-6]  [MQTT-3.10.4-5]
		ReasonCodes: reasonCodes, // [MQTT-3.11.3-2]
	}

	s.hooks.OnUnsubscribed(cl, pk)
	if !s.sessionExpires(cl) {
		s.hooks.OnClientStored(cl)
	}

	return cl.WritePacket(ack)
}

// UnsubscribeClient unsubscribes a client from all of their subscriptions.
func (s *Server) UnsubscribeClient(cl *Client) {
	if atomic.LoadUint32(&cl.State.isTakenOver) == 1 {
		return
	}

	filters := cl.State.Subscriptions.GetAll()
	for _, sub := range filters {
		cl.State.Subscriptions.Delete(sub.Filter)
		if s.Topics.Unsubscribe(sub.Filter, cl.ID) {
			atomic.AddInt64(&s.Info.Subscriptions, -1)
		}
	}

	if len(filters) > 0 {
		s.hooks.OnUnsubscribed(cl, packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Unsubscribe}, Filters: filters})
	}
}

// processDisconnect processes a Disconnect packet.
func (s *Server) processDisconnect(cl *Client, pk packets.Packet) error {
	if pk.Properties.SessionExpiryIntervalFlag {
		if pk.Properties.SessionExpiryInterval > 0 && cl.Properties.Props.SessionExpiryInterval == 0 {
			return packets.ErrProtocolViolation // [MQTT-3.14.2-2]
		}

		cl.Properties.Props.SessionExpiryInterval = pk.Properties.SessionExpiryInterval
		cl.Properties.Props.SessionExpiryIntervalFlag = true
	}

	cl.Stop(packets.CodeDisconnect) // [MQTT-3.14.4-2]

	return nil
}

// DisconnectClient sends a Disconnect packet to a client and then closes the client
// connection. Clients below mqtt v5 have no server disconnect packet, so they
// are closed without one.
func (s *Server) DisconnectClient(cl *Client, code packets.Code) error {
	var err error
	if cl.Properties.ProtocolVersion == 5 {
		out := packets.Packet{
			FixedHeader: packets.FixedHeader{
				Type: packets.Disconnect,
			},
			ReasonCode: code.Code,
		}

		if code.Code >= packets.ErrUnspecifiedError.Code {
			out.Properties.ReasonString = code.Reason // [MQTT-3.14.2-1]
		}

		// We already have a code we are using to disconnect the client, so we are not
		// interested if the write packet fails due to a closed connection (as we are closing it).
		err = cl.WritePacket(out)
	}

	cl.Stop(code)
	if code.Code >= packets.ErrUnspecifiedError.Code {
		return code
	}

	return err
}

// refreshSysInfo updates the runtime values of the server system info and
// passes a copy to any hooks.
func (s *Server) refreshSysInfo() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	atomic.StoreInt64(&s.Info.MemoryAlloc, int64(m.HeapInuse))
	atomic.StoreInt64(&s.Info.Threads, int64(runtime.NumGoroutine()))
	atomic.StoreInt64(&s.Info.Time, time.Now().Unix())
	atomic.StoreInt64(&s.Info.Uptime, time.Now().Unix()-atomic.LoadInt64(&s.Info.Started))
	atomic.StoreInt64(&s.Info.ClientsTotal, int64(s.Clients.Len()))
	atomic.StoreInt64(&s.Info.ClientsDisconnected, atomic.LoadInt64(&s.Info.ClientsTotal)-atomic.LoadInt64(&s.Info.ClientsConnected))

	s.hooks.OnSysInfoTick(s.Info.Clone())
}

// Close attempts to gracefully shut down the server, all listeners, clients, and stores.
func (s *Server) Close() error {
	close(s.done)
	s.Log.Info("gracefully stopping server")
	s.Listeners.CloseAll(s.closeListenerClients)
	s.hooks.OnStopped()
	s.hooks.Stop()

	s.Log.Info("mqtt broker stopped")
	return nil
}

// closeListenerClients closes all clients on the specified listener.
func (s *Server) closeListenerClients(listener string) {
	clients := s.Clients.GetByListener(listener)
	for _, cl := range clients {
		_ = s.DisconnectClient(cl, packets.ErrServerShuttingDown)
	}
}

// readStore reads in any data from the persistent datastore (if applicable).
func (s *Server) readStore() error {
	if s.hooks.Provides(StoredClients) {
		clients, err := s.hooks.StoredClients()
		if err != nil {
			return fmt.Errorf("failed to load clients; %w", err)
		}
		s.loadClients(clients)
		s.Log.Debug("loaded clients from store", "len", len(clients))
	}

	if s.hooks.Provides(StoredHandshakes) {
		handshakes, err := s.hooks.StoredHandshakes()
		if err != nil {
			return fmt.Errorf("load handshakes; %w", err)
		}
		s.loadHandshakes(handshakes)
		s.Log.Debug("loaded handshakes from store", "len", len(handshakes))
	}

	return nil
}

// loadClients restores persistent sessions from the datastore. Restored clients
// are disconnected until they connect again.
func (s *Server) loadClients(v []storage.Client) {
	for _, c := range v {
		cl := s.NewClient(nil, c.Listener, c.ID)
		cl.Properties.Username = c.Username
		cl.Properties.Clean = c.Clean
		cl.Properties.ProtocolVersion = c.ProtocolVersion
		cl.Properties.Props.SessionExpiryInterval = c.SessionExpiryInterval
		cl.Properties.Props.SessionExpiryIntervalFlag = c.SessionExpiryInterval > 0
		cl.Net.Remote = c.Remote

		for _, sub := range c.Subscriptions {
			cl.State.Subscriptions.Add(sub.Filter, sub)
			if s.Topics.Subscribe(cl.ID, sub) {
				atomic.AddInt64(&s.Info.Subscriptions, 1)
			}
		}

		cl.Stop(packets.ErrServerShuttingDown)
		if c.Disconnected > 0 {
			atomic.StoreInt64(&cl.State.disconnected, c.Disconnected)
		}

		s.Clients.Add(cl)
	}
}

// loadHandshakes restores unresolved handshakes into the registries of
// restored clients.
func (s *Server) loadHandshakes(v []storage.Handshake) {
	for _, d := range v {
		cl, ok := s.Clients.Get(d.Client)
		if !ok {
			continue
		}

		h := handshakeFromRecord(d)
		reg := cl.State.Inbound
		if h.Direction == Outbound {
			reg = cl.State.Outbound
		}

		if reg.Set(h) {
			atomic.AddInt64(&s.Info.Inflight, 1)
		}
	}
}

// clearExpiredClients deletes all clients which have been disconnected for longer
// than their given expiry intervals.
func (s *Server) clearExpiredClients(dt int64) {
	for id, client := range s.Clients.GetAll() {
		disconnected := client.StopTime()
		if disconnected == 0 {
			continue
		}

		expire := s.Options.Capabilities.MaximumSessionExpiryInterval
		if client.Properties.ProtocolVersion == 5 && client.Properties.Props.SessionExpiryIntervalFlag {
			expire = client.Properties.Props.SessionExpiryInterval
		}

		if disconnected+int64(expire) < dt {
			s.hooks.OnClientExpired(client)
			s.abandonHandshakes(client)
			s.UnsubscribeClient(client)
			s.Clients.Delete(id) // [MQTT-4.1.0-2]
		}
	}
}

// clearExpiredHandshakes drops handshakes in either direction which have not
// progressed within the handshake expiry while their client was connected. The
// connections stay open. Handshakes of disconnected sessions are kept until the
// session itself expires. An expired inbound handshake loses its message, and a
// late release for it is answered as an unknown packet id.
func (s *Server) clearExpiredHandshakes(now int64) {
	expiry := s.Options.Capabilities.HandshakeExpiry
	if expiry <= 0 {
		return
	}

	cutoff := now - expiry
	for _, cl := range s.Clients.GetAll() {
		if cl.Closed() {
			continue
		}

		for _, h := range cl.State.Inbound.Expire(cutoff) {
			s.dropHandshake(cl, h, "expired")
		}

		for _, h := range cl.State.Outbound.Expire(cutoff) {
			s.dropHandshake(cl, h, "expired")
		}
	}
}

// abandonHandshakes discards every handshake held by a client whose session is ending.
func (s *Server) abandonHandshakes(cl *Client) {
	for _, h := range cl.State.Inbound.Clear() {
		s.dropHandshake(cl, h, "session ended")
	}

	for _, h := range cl.State.Outbound.Clear() {
		s.dropHandshake(cl, h, "session ended")
	}
}

// completeHandshake records a handshake which reached its final acknowledgement.
func (s *Server) completeHandshake(cl *Client, h Handshake) {
	atomic.AddInt64(&s.Info.Inflight, -1)
	atomic.AddInt64(&s.Info.HandshakesCompleted, 1)
	s.hooks.OnQosComplete(cl, h)
	s.hooks.OnHandshakeDeleted(cl, h)
}

// dropHandshake records a handshake which was removed before completing.
func (s *Server) dropHandshake(cl *Client, h Handshake, reason string) {
	atomic.AddInt64(&s.Info.Inflight, -1)
	atomic.AddInt64(&s.Info.HandshakesDropped, 1)
	s.Log.Warn("handshake dropped", "reason", reason, "client", cl.ID, "pid", h.PacketID,
		"direction", h.Direction.String(), "state", h.State.String())
	s.hooks.OnQosDropped(cl, h)
	s.hooks.OnHandshakeDeleted(cl, h)
}

// tolerate records an acknowledgement which matched no step of its handshake.
// The packet is discarded; the handshake and the connection are untouched.
func (s *Server) tolerate(cl *Client, h Handshake, pk packets.Packet) {
	atomic.AddInt64(&s.Info.AcksTolerated, 1)
	s.Log.Debug("tolerated unexpected acknowledgement", "client", cl.ID, "pid", pk.PacketID,
		"type", packets.Names[pk.FixedHeader.Type], "state", h.State.String())
	s.hooks.OnAckTolerated(cl, h, pk)
}

// buildAck builds a standardised ack message.
func (s *Server) buildAck(packetID uint16, pkt, qos byte, reason packets.Code) packets.Packet {
	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type: pkt,
			Qos:  qos,
		},
		PacketID:   packetID,    // [MQTT-2.2.1-5]
		ReasonCode: reason.Code, // [MQTT-3.4.2-1]
		Created:    time.Now().Unix(),
	}

	if reason.Code >= packets.ErrUnspecifiedError.Code {
		pk.Properties.ReasonString = reason.Reason
	}

	return pk
}
