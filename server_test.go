// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mochi-mqtt/qos2/hooks/storage"
	"github.com/mochi-mqtt/qos2/listeners"
	"github.com/mochi-mqtt/qos2/packets"
	"github.com/mochi-mqtt/qos2/system"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

type AllowHook struct {
	HookBase
}

func (h *AllowHook) ID() string {
	return "allow-all-auth"
}

func (h *AllowHook) Provides(b byte) bool {
	return bytes.Contains([]byte{OnConnectAuthenticate, OnACLCheck}, []byte{b})
}

func (h *AllowHook) OnConnectAuthenticate(cl *Client, pk packets.Packet) bool { return true }
func (h *AllowHook) OnACLCheck(cl *Client, topic string, write bool) bool     { return true }

func newServer() *Server {
	cc := *DefaultServerCapabilities
	cc.ReceiveMaximum = 0

	s := New(&Options{
		Logger:       logger,
		Capabilities: &cc,
	})
	_ = s.AddHook(new(AllowHook), nil)
	return s
}

// newRecordedServer returns a server whose only hook records handshake events.
func newRecordedServer() (*Server, *recorderHook) {
	cc := *DefaultServerCapabilities
	s := New(&Options{
		Logger:       logger,
		Capabilities: &cc,
	})

	h := new(recorderHook)
	_ = s.AddHook(h, nil)
	return s, h
}

// newTestClient returns a client attached to one end of a pipe, and the other
// end for the test to read and write as the remote client.
func newTestClient(s *Server, version byte) (cl *Client, r net.Conn, w net.Conn) {
	r, w = net.Pipe()
	cl = s.NewClient(w, "t1", "zen")
	cl.Properties.ProtocolVersion = version
	cl.State.MaximumInflight = s.Options.Capabilities.MaximumInflight
	s.Clients.Add(cl)
	return cl, r, w
}

// testPeer is the remote side of a client connection, speaking raw packets.
type testPeer struct {
	t       *testing.T
	conn    net.Conn
	br      *bufio.Reader
	version byte
}

func newTestPeer(t *testing.T, conn net.Conn, version byte) *testPeer {
	return &testPeer{
		t:       t,
		conn:    conn,
		br:      bufio.NewReader(conn),
		version: version,
	}
}

// send encodes and writes a packet to the server.
func (p *testPeer) send(pk packets.Packet) {
	p.t.Helper()
	pk.ProtocolVersion = p.version
	buf := new(bytes.Buffer)

	var err error
	switch pk.FixedHeader.Type {
	case packets.Connect:
		err = pk.ConnectEncode(buf)
	case packets.Publish:
		err = pk.PublishEncode(buf)
	case packets.Puback:
		err = pk.PubackEncode(buf)
	case packets.Pubrec:
		err = pk.PubrecEncode(buf)
	case packets.Pubrel:
		err = pk.PubrelEncode(buf)
	case packets.Pubcomp:
		err = pk.PubcompEncode(buf)
	case packets.Subscribe:
		err = pk.SubscribeEncode(buf)
	case packets.Unsubscribe:
		err = pk.UnsubscribeEncode(buf)
	case packets.Pingreq:
		err = pk.PingreqEncode(buf)
	case packets.Disconnect:
		err = pk.DisconnectEncode(buf)
	}
	require.NoError(p.t, err)

	_ = p.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err = p.conn.Write(buf.Bytes())
	require.NoError(p.t, err)
}

// read reads and decodes the next packet sent by the server.
func (p *testPeer) read() packets.Packet {
	p.t.Helper()
	pk, err := p.next(2 * time.Second)
	require.NoError(p.t, err)
	return pk
}

// expectNothing asserts that the server sends nothing within the wait.
func (p *testPeer) expectNothing(wait time.Duration) {
	p.t.Helper()
	pk, err := p.next(wait)
	require.Error(p.t, err, "unexpected %s packet", packets.Names[pk.FixedHeader.Type])

	var ne net.Error
	require.True(p.t, errors.As(err, &ne) && ne.Timeout(), "expected timeout, got %v", err)
}

func (p *testPeer) next(wait time.Duration) (pk packets.Packet, err error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(wait))
	defer func() { _ = p.conn.SetReadDeadline(time.Time{}) }()

	b, err := p.br.ReadByte()
	if err != nil {
		return pk, err
	}

	if err = pk.FixedHeader.Decode(b); err != nil {
		return pk, err
	}

	pk.FixedHeader.Remaining, _, err = packets.DecodeLength(p.br)
	if err != nil {
		return pk, err
	}

	buf := make([]byte, pk.FixedHeader.Remaining)
	if _, err = io.ReadFull(p.br, buf); err != nil {
		return pk, err
	}

	pk.ProtocolVersion = p.version
	switch pk.FixedHeader.Type {
	case packets.Connack:
		err = pk.ConnackDecode(buf)
	case packets.Publish:
		err = pk.PublishDecode(buf)
	case packets.Puback:
		err = pk.PubackDecode(buf)
	case packets.Pubrec:
		err = pk.PubrecDecode(buf)
	case packets.Pubrel:
		err = pk.PubrelDecode(buf)
	case packets.Pubcomp:
		err = pk.PubcompDecode(buf)
	case packets.Suback:
		err = pk.SubackDecode(buf)
	case packets.Unsuback:
		err = pk.UnsubackDecode(buf)
	case packets.Disconnect:
		err = pk.DisconnectDecode(buf)
	}

	return pk, err
}

// connectPacket returns a connect packet for the client id. Persistent v5
// sessions are given a session expiry interval.
func connectPacket(version byte, id string, clean bool) packets.Packet {
	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Connect},
		Connect: packets.ConnectParams{
			ProtocolName:     []byte("MQTT"),
			Clean:            clean,
			Keepalive:        30,
			ClientIdentifier: id,
		},
	}

	if version == 5 && !clean {
		pk.Properties.SessionExpiryInterval = 60
		pk.Properties.SessionExpiryIntervalFlag = true
	}

	return pk
}

// dial connects a new remote client to the server over a pipe and completes
// the connect handshake, returning the peer and the result of the connection.
func dial(t *testing.T, s *Server, version byte, id string, clean bool) (*testPeer, packets.Packet, chan error) {
	t.Helper()
	r, w := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- s.EstablishConnection("t1", w)
	}()

	p := newTestPeer(t, r, version)
	p.send(connectPacket(version, id, clean))
	ack := p.read()
	require.Equal(t, packets.Connack, ack.FixedHeader.Type)
	require.Equal(t, packets.CodeSuccess.Code, ack.ReasonCode)

	require.Eventually(t, func() bool {
		cl, ok := s.Clients.Get(id)
		return ok && !cl.Closed() && cl.Net.Conn == w
	}, time.Second, time.Millisecond)

	return p, ack, done
}

func subscribe(p *testPeer, filter string, qos byte) packets.Packet {
	p.t.Helper()
	p.send(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Subscribe, Qos: 1},
		PacketID:    15,
		Filters:     packets.Subscriptions{{Filter: filter, Qos: qos}},
	})
	ack := p.read()
	require.Equal(p.t, packets.Suback, ack.FixedHeader.Type)
	return ack
}

func TestOptionsSetDefaults(t *testing.T) {
	opts := &Options{}
	opts.ensureDefaults()

	require.Equal(t, defaultSysInfoInterval, opts.SysInfoInterval)
	require.Equal(t, DefaultServerCapabilities, opts.Capabilities)
	require.Equal(t, 1024*2, opts.ClientNetReadBufferSize)
	require.NotNil(t, opts.Logger)
}

func TestOptionsEnsureDefaultsPartial(t *testing.T) {
	opts := &Options{Capabilities: &Capabilities{ReceiveMaximum: 5}}
	opts.ensureDefaults()
	require.Equal(t, uint16(5), opts.Capabilities.ReceiveMaximum)
	require.Equal(t, uint16(65535), opts.Capabilities.MaximumPacketID)
	require.Equal(t, byte(2), opts.Capabilities.MaximumQos)
	require.Equal(t, int32(1024*8), opts.Capabilities.MaximumClientWritesPending)
}

func TestNew(t *testing.T) {
	s := New(nil)
	require.NotNil(t, s)
	require.NotNil(t, s.Clients)
	require.NotNil(t, s.Listeners)
	require.NotNil(t, s.Topics)
	require.NotNil(t, s.Info)
	require.NotNil(t, s.Log)
	require.NotNil(t, s.Options)
	require.NotNil(t, s.loop)
	require.NotNil(t, s.loop.sysInfo)
	require.NotNil(t, s.loop.clientExpiry)
	require.NotNil(t, s.loop.handshakeExpiry)
	require.NotNil(t, s.hooks)
	require.NotNil(t, s.hooks.Log)
	require.NotNil(t, s.done)
	require.Equal(t, Version, s.Info.Version)
}

func TestServerNewClient(t *testing.T) {
	s := newServer()
	r, _ := net.Pipe()

	cl := s.NewClient(r, "testing", "test")
	require.NotNil(t, cl)
	require.Equal(t, "test", cl.ID)
	require.Equal(t, "testing", cl.Net.Listener)
	require.NotNil(t, cl.State.Inbound)
	require.NotNil(t, cl.State.Outbound)
	require.Equal(t, Inbound, cl.State.Inbound.direction)
	require.Equal(t, Outbound, cl.State.Outbound.direction)
	require.NotNil(t, cl.State.Subscriptions)
	require.NotNil(t, cl.ops)
	require.Equal(t, s.Log, cl.ops.log)
}

func TestServerAddHook(t *testing.T) {
	s := New(&Options{Logger: logger})
	require.Equal(t, int64(0), s.hooks.Len())

	err := s.AddHook(new(HookBase), nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), s.hooks.Len())

	err = s.AddHook(new(modifiedHookBase), map[string]any{})
	require.Error(t, err)
}

func TestServerAddHooksFromConfig(t *testing.T) {
	s := New(&Options{Logger: logger})
	err := s.AddHooksFromConfig([]HookLoadConfig{
		{Hook: new(AllowHook)},
		{Hook: new(HookBase)},
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), s.hooks.Len())
}

func TestServerAddListener(t *testing.T) {
	s := newServer()

	err := s.AddListener(listeners.NewMockListener("t1", ":1882"))
	require.NoError(t, err)

	l, ok := s.Listeners.Get("t1")
	require.True(t, ok)
	require.Equal(t, ":1882", l.Address())

	err = s.AddListener(listeners.NewMockListener("t1", ":1883"))
	require.ErrorIs(t, err, ErrListenerIDExists)
}

func TestServerAddListenerInitFailure(t *testing.T) {
	s := newServer()
	m := listeners.NewMockListener("t1", ":1882")
	m.ErrListen = true
	err := s.AddListener(m)
	require.ErrorIs(t, err, listeners.ErrMockListen)
}

func TestServerAddListenersFromConfig(t *testing.T) {
	s := newServer()
	err := s.AddListenersFromConfig([]listeners.Config{
		{Type: listeners.TypeMock, ID: "m1", Address: ":1882"},
		{Type: "unknown", ID: "u1"},
		{Type: listeners.TypeTCP, ID: "tcp1", Address: "127.0.0.1:0"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, s.Listeners.Len())

	_, ok := s.Listeners.Get("u1")
	require.False(t, ok)
	s.Listeners.CloseAll(listeners.MockCloser)
}

func TestServerServe(t *testing.T) {
	s := newServer()
	err := s.AddListener(listeners.NewMockListener("t1", ":1882"))
	require.NoError(t, err)

	err = s.Serve()
	require.NoError(t, err)

	listener, ok := s.Listeners.Get("t1")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return listener.(*listeners.MockListener).IsServing()
	}, time.Second, time.Millisecond)

	require.NoError(t, s.Close())
	require.False(t, listener.(*listeners.MockListener).IsServing())
}

func TestServerServeFromConfig(t *testing.T) {
	s := New(&Options{
		Logger:    logger,
		Listeners: []listeners.Config{{Type: listeners.TypeMock, ID: "m1"}},
		Hooks:     []HookLoadConfig{{Hook: new(AllowHook)}},
	})

	require.NoError(t, s.Serve())
	require.Equal(t, 1, s.Listeners.Len())
	require.Equal(t, int64(1), s.hooks.Len())
	require.NoError(t, s.Close())
}

func TestServerServeReadStoreFailure(t *testing.T) {
	s := newServer()
	err := s.AddHook(&modifiedHookBase{fail: true}, nil)
	require.NoError(t, err)

	err = s.Serve()
	require.Error(t, err)
}

func TestServerEventLoop(t *testing.T) {
	s := newServer()
	s.loop.sysInfo = time.NewTicker(time.Millisecond)
	s.loop.clientExpiry = time.NewTicker(time.Millisecond)
	s.loop.handshakeExpiry = time.NewTicker(time.Millisecond)

	go s.eventLoop()
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&s.Info.Time) > 0
	}, time.Second, time.Millisecond)

	close(s.done)
}

func TestServerRefreshSysInfo(t *testing.T) {
	s := newServer()
	hook := new(sysInfoHook)
	require.NoError(t, s.AddHook(hook, nil))

	s.Clients.Add(s.NewClient(nil, "t1", "zen"))
	s.refreshSysInfo()

	require.NotZero(t, s.Info.Time)
	require.NotZero(t, s.Info.Threads)
	require.Equal(t, int64(1), s.Info.ClientsTotal)
	require.NotNil(t, hook.info)
	require.NotSame(t, s.Info, hook.info)
}

type sysInfoHook struct {
	HookBase
	info *system.Info
}

func (h *sysInfoHook) Provides(b byte) bool {
	return b == OnSysInfoTick
}

func (h *sysInfoHook) OnSysInfoTick(i *system.Info) {
	h.info = i
}

func TestServerReadConnectionPacket(t *testing.T) {
	s := newServer()
	cl, r, _ := newTestClient(s, 4)
	go func() {
		_, _ = r.Write(packets.TPacketData[packets.Connect].Get(packets.TConnectMqtt311).RawBytes)
	}()

	pk, err := s.readConnectionPacket(cl)
	require.NoError(t, err)
	require.Equal(t, "zen", pk.Connect.ClientIdentifier)
}

func TestServerReadConnectionPacketNotConnect(t *testing.T) {
	s := newServer()
	cl, r, _ := newTestClient(s, 4)
	go func() {
		_, _ = r.Write(packets.TPacketData[packets.Pingreq].Get(packets.TPingreq).RawBytes)
	}()

	_, err := s.readConnectionPacket(cl)
	require.ErrorIs(t, err, packets.ErrProtocolViolationRequireConnect)
}

func TestEstablishConnection(t *testing.T) {
	s := newServer()
	p, ack, done := dial(t, s, 4, "zen", true)
	require.False(t, ack.SessionPresent)
	require.Equal(t, int64(1), atomic.LoadInt64(&s.Info.ClientsConnected))

	p.send(packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Disconnect}})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not end")
	}

	require.Equal(t, int64(0), atomic.LoadInt64(&s.Info.ClientsConnected))
	_, ok := s.Clients.Get("zen")
	require.False(t, ok)
}

func TestEstablishConnectionMqtt5(t *testing.T) {
	s := newServer()
	s.Options.Capabilities.ReceiveMaximum = 100
	p, ack, _ := dial(t, s, 5, "zen", true)
	require.Equal(t, uint16(100), ack.Properties.ReceiveMaximum)

	cl, ok := s.Clients.Get("zen")
	require.True(t, ok)
	require.Equal(t, byte(5), cl.Properties.ProtocolVersion)
	_ = p.conn.Close()
}

func TestEstablishConnectionBadAuthentication(t *testing.T) {
	s := New(&Options{Logger: logger})
	r, w := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- s.EstablishConnection("t1", w)
	}()

	p := newTestPeer(t, r, 4)
	p.send(connectPacket(4, "zen", true))
	ack := p.read()
	require.Equal(t, packets.Connack, ack.FixedHeader.Type)
	require.Equal(t, packets.Err3NotAuthorized.Code, ack.ReasonCode)
	require.ErrorIs(t, <-done, packets.ErrBadUsernameOrPassword)
}

func TestEstablishConnectionInvalidProtocol(t *testing.T) {
	s := newServer()
	s.Options.Capabilities.MinimumProtocolVersion = 5
	r, w := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- s.EstablishConnection("t1", w)
	}()

	p := newTestPeer(t, r, 4)
	p.send(connectPacket(4, "zen", true))
	ack := p.read()
	require.Equal(t, packets.Err3UnsupportedProtocolVersion.Code, ack.ReasonCode)
	require.Error(t, <-done)
}

func TestEstablishConnectionServerBusy(t *testing.T) {
	s := newServer()
	s.Options.Capabilities.MaximumClients = -1

	r, w := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- s.EstablishConnection("t1", w)
	}()

	p := newTestPeer(t, r, 5)
	p.send(connectPacket(5, "zen", true))
	ack := p.read()
	require.Equal(t, packets.ErrServerBusy.Code, ack.ReasonCode)
	require.ErrorIs(t, <-done, packets.ErrServerBusy)
}

func TestEstablishConnectionKeepaliveTimeout(t *testing.T) {
	s := newServer()
	r, w := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- s.EstablishConnection("t1", w)
	}()

	p := newTestPeer(t, r, 4)
	pk := connectPacket(4, "zen", true)
	pk.Connect.Keepalive = 1
	p.send(pk)
	require.Equal(t, packets.Connack, p.read().FixedHeader.Type)

	select {
	case err := <-done:
		require.ErrorIs(t, err, packets.ErrKeepAliveTimeout)
	case <-time.After(3 * time.Second):
		t.Fatal("keepalive did not expire")
	}
}

func TestServerSendConnackFailureReasonV3(t *testing.T) {
	s := newServer()
	cl, r, w := newTestClient(s, 4)
	go func() {
		err := s.SendConnack(cl, packets.ErrNotAuthorized, true)
		require.NoError(t, err)
		_ = w.Close()
	}()

	buf, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, []byte{packets.Connack << 4, 2, 0, packets.Err3NotAuthorized.Code}, buf)
}

func TestServerSendConnackAdjustedExpiryInterval(t *testing.T) {
	s := newServer()
	s.Options.Capabilities.MaximumSessionExpiryInterval = 10
	cl, r, w := newTestClient(s, 5)
	cl.Properties.Props.SessionExpiryInterval = 60

	go func() {
		require.NoError(t, s.SendConnack(cl, packets.CodeSuccess, false))
		_ = w.Close()
	}()

	p := newTestPeer(t, r, 5)
	ack := p.read()
	require.Equal(t, uint32(10), ack.Properties.SessionExpiryInterval)
	require.Equal(t, uint32(10), cl.Properties.Props.SessionExpiryInterval)
}

func TestServerValidateConnect(t *testing.T) {
	s := newServer()
	cl := s.NewClient(nil, "t1", "")

	cl.Properties.ProtocolVersion = 4
	pk := connectPacket(4, "", false)
	pk.ProtocolVersion = 4
	require.Equal(t, packets.ErrClientIdentifierNotValid, s.validateConnect(cl, pk))

	pk = connectPacket(4, "zen", true)
	pk.ProtocolVersion = 4
	pk.Connect.WillQos = 2
	s.Options.Capabilities.MaximumQos = 1
	require.Equal(t, packets.ErrQosNotSupported, s.validateConnect(cl, pk))

	pk.Connect.WillQos = 0
	require.Equal(t, packets.CodeSuccess, s.validateConnect(cl, pk))
}

func TestInheritClientSession(t *testing.T) {
	s := newServer()
	existing := s.NewClient(nil, "t1", "zen")
	existing.Properties.ProtocolVersion = 4
	existing.State.Subscriptions.Add("a/b/c", packets.Subscription{Filter: "a/b/c", Qos: 2})
	existing.State.Outbound.Set(Handshake{PacketID: 3, Packet: testPublish(2), State: StateAwaitingPubrec})
	existing.State.Inbound.Set(Handshake{PacketID: 5, Packet: testPublish(2), State: StateAwaitingPubrel})
	existing.Stop(packets.CodeDisconnect)
	s.Clients.Add(existing)

	cl := s.NewClient(nil, "t1", "zen")
	cl.Properties.ProtocolVersion = 4
	present := s.inheritClientSession(connectPacket(4, "zen", false), cl)
	require.True(t, present)
	require.Same(t, existing.State.Outbound, cl.State.Outbound)
	require.Same(t, existing.State.Inbound, cl.State.Inbound)

	h, ok := cl.State.Outbound.Get(3)
	require.True(t, ok)
	require.Equal(t, StateAwaitingPubrec, h.State)
	require.Contains(t, s.Topics.Subscribers("a/b/c").Subscriptions, "zen")
	require.Equal(t, uint32(1), atomic.LoadUint32(&existing.State.isTakenOver))
}

func TestInheritClientSessionClean(t *testing.T) {
	s, hook := newRecordedServer()
	existing := s.NewClient(nil, "t1", "zen")
	existing.Properties.ProtocolVersion = 4
	existing.State.Subscriptions.Add("a/b/c", packets.Subscription{Filter: "a/b/c"})
	s.Topics.Subscribe("zen", packets.Subscription{Filter: "a/b/c"})
	existing.State.Outbound.Set(Handshake{PacketID: 3, Packet: testPublish(2), State: StateAwaitingPubrec})
	atomic.StoreInt64(&s.Info.Inflight, 1)
	existing.Stop(packets.CodeDisconnect)
	s.Clients.Add(existing)

	cl := s.NewClient(nil, "t1", "zen")
	present := s.inheritClientSession(connectPacket(4, "zen", true), cl)
	require.False(t, present)
	require.Equal(t, 0, cl.State.Outbound.Len())
	require.Equal(t, 0, existing.State.Outbound.Len())
	require.Empty(t, s.Topics.Subscribers("a/b/c").Subscriptions)

	_, _, dropped, _ := hook.counts()
	require.Equal(t, 1, dropped)
	require.Equal(t, int64(0), atomic.LoadInt64(&s.Info.Inflight))
}

func TestServerUnsubscribeClient(t *testing.T) {
	s := newServer()
	cl := s.NewClient(nil, "t1", "zen")
	sub := packets.Subscription{Filter: "a/b/c", Qos: 1}
	cl.State.Subscriptions.Add(sub.Filter, sub)
	s.Topics.Subscribe(cl.ID, sub)
	atomic.StoreInt64(&s.Info.Subscriptions, 1)

	s.UnsubscribeClient(cl)
	require.Equal(t, 0, cl.State.Subscriptions.Len())
	require.Empty(t, s.Topics.Subscribers("a/b/c").Subscriptions)
	require.Equal(t, int64(0), s.Info.Subscriptions)
}

func TestServerProcessPacketFailure(t *testing.T) {
	s := newServer()
	cl, _, _ := newTestClient(s, 4)
	err := s.processPacket(cl, packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Auth}})
	require.Error(t, err)
}

func TestServerProcessPacketConnect(t *testing.T) {
	s := newServer()
	cl, _, _ := newTestClient(s, 4)
	err := s.processPacket(cl, *packets.TPacketData[packets.Connect].Get(packets.TConnectMqtt311).Packet)
	require.ErrorIs(t, err, packets.ErrProtocolViolationSecondConnect)
}

func TestServerProcessPacketPublishInvalid(t *testing.T) {
	s := newServer()
	cl, _, _ := newTestClient(s, 4)
	err := s.processPacket(cl, *packets.TPacketData[packets.Publish].Get(packets.TPublishInvalidSurplusWildcard).Packet)
	require.ErrorIs(t, err, packets.ErrProtocolViolationSurplusWildcard)
}

func TestServerProcessSubscribe(t *testing.T) {
	s := newServer()
	s.Options.Capabilities.MaximumQos = 1
	cl, r, w := newTestClient(s, 4)

	go func() {
		err := s.processPacket(cl, packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Subscribe, Qos: 1},
			PacketID:    15,
			Filters: packets.Subscriptions{
				{Filter: "a/b/c", Qos: 2},
				{Filter: "d/#/f", Qos: 1},
			},
		})
		require.NoError(t, err)
		_ = w.Close()
	}()

	p := newTestPeer(t, r, 4)
	ack := p.read()
	require.Equal(t, packets.Suback, ack.FixedHeader.Type)
	require.Equal(t, uint16(15), ack.PacketID)
	require.Equal(t, []byte{1, packets.ErrUnspecifiedError.Code}, ack.ReasonCodes)

	sub, ok := cl.State.Subscriptions.Get("a/b/c")
	require.True(t, ok)
	require.Equal(t, byte(1), sub.Qos)
	require.Equal(t, int64(1), s.Info.Subscriptions)
}

func TestServerProcessUnsubscribe(t *testing.T) {
	s := newServer()
	cl, r, w := newTestClient(s, 5)
	sub := packets.Subscription{Filter: "a/b/c"}
	cl.State.Subscriptions.Add(sub.Filter, sub)
	s.Topics.Subscribe(cl.ID, sub)

	go func() {
		err := s.processPacket(cl, packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Unsubscribe, Qos: 1},
			PacketID:    16,
			Filters:     packets.Subscriptions{{Filter: "a/b/c"}, {Filter: "d/e/f"}},
		})
		require.NoError(t, err)
		_ = w.Close()
	}()

	p := newTestPeer(t, r, 5)
	ack := p.read()
	require.Equal(t, packets.Unsuback, ack.FixedHeader.Type)
	require.Equal(t, []byte{packets.CodeSuccess.Code, packets.CodeNoSubscriptionExisted.Code}, ack.ReasonCodes)
	require.Equal(t, 0, cl.State.Subscriptions.Len())
}

func TestServerProcessDisconnectExpiryViolation(t *testing.T) {
	s := newServer()
	cl, _, _ := newTestClient(s, 5)
	err := s.processDisconnect(cl, packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Disconnect},
		Properties: packets.Properties{
			SessionExpiryInterval:     30,
			SessionExpiryIntervalFlag: true,
		},
	})
	require.ErrorIs(t, err, packets.ErrProtocolViolation)
}

func TestServerDisconnectClientV5(t *testing.T) {
	s := newServer()
	cl, r, _ := newTestClient(s, 5)

	go func() {
		err := s.DisconnectClient(cl, packets.ErrServerShuttingDown)
		require.ErrorIs(t, err, packets.ErrServerShuttingDown)
	}()

	p := newTestPeer(t, r, 5)
	pk := p.read()
	require.Equal(t, packets.Disconnect, pk.FixedHeader.Type)
	require.Equal(t, packets.ErrServerShuttingDown.Code, pk.ReasonCode)
	require.Eventually(t, cl.Closed, time.Second, time.Millisecond)
}

func TestServerDisconnectClientV3(t *testing.T) {
	s := newServer()
	cl, r, _ := newTestClient(s, 4)

	err := s.DisconnectClient(cl, packets.ErrServerShuttingDown)
	require.ErrorIs(t, err, packets.ErrServerShuttingDown)
	require.True(t, cl.Closed())

	_, err = io.ReadAll(r)
	require.NoError(t, err)
}

func TestServerClose(t *testing.T) {
	s := newServer()
	require.NoError(t, s.AddListener(listeners.NewMockListener("t1", ":1882")))
	require.NoError(t, s.Serve())

	cl := s.NewClient(nil, "t1", "zen")
	s.Clients.Add(cl)
	require.NoError(t, s.Close())
	require.True(t, cl.Closed())
}

func TestServerClearExpiredClients(t *testing.T) {
	s, hook := newRecordedServer()
	s.Options.Capabilities.MaximumSessionExpiryInterval = 10

	expired := s.NewClient(nil, "t1", "expired")
	expired.Properties.ProtocolVersion = 5
	expired.Properties.Props.SessionExpiryInterval = 5
	expired.Properties.Props.SessionExpiryIntervalFlag = true
	expired.State.Outbound.Set(Handshake{PacketID: 1, Packet: testPublish(2), State: StateAwaitingPubrec})
	expired.Stop(packets.CodeDisconnect)
	atomic.StoreInt64(&expired.State.disconnected, 100)
	s.Clients.Add(expired)

	v3 := s.NewClient(nil, "t1", "v3")
	v3.Properties.ProtocolVersion = 4
	v3.Stop(packets.CodeDisconnect)
	atomic.StoreInt64(&v3.State.disconnected, 100)
	s.Clients.Add(v3)

	connected := s.NewClient(nil, "t1", "connected")
	s.Clients.Add(connected)

	s.clearExpiredClients(108)
	_, ok := s.Clients.Get("expired")
	require.False(t, ok)
	_, ok = s.Clients.Get("v3")
	require.True(t, ok)
	_, ok = s.Clients.Get("connected")
	require.True(t, ok)

	s.clearExpiredClients(111)
	_, ok = s.Clients.Get("v3")
	require.False(t, ok)

	require.ElementsMatch(t, []string{"expired", "v3"}, hook.expired)
	_, _, dropped, _ := hook.counts()
	require.Equal(t, 1, dropped)
}

func TestServerClearExpiredHandshakes(t *testing.T) {
	s, hook := newRecordedServer()
	s.Options.Capabilities.HandshakeExpiry = 30
	cl, _, _ := newTestClient(s, 5)

	cl.State.Inbound.Set(Handshake{PacketID: 1, Packet: testPublish(2), State: StateAwaitingPubrel, Updated: 10})
	cl.State.Inbound.Set(Handshake{PacketID: 2, Packet: testPublish(2), State: StateAwaitingPubrel, Updated: 90})
	cl.State.Outbound.Set(Handshake{PacketID: 1, Packet: testPublish(2), State: StateAwaitingPubcomp, Updated: 20})
	atomic.StoreInt64(&s.Info.Inflight, 3)

	s.clearExpiredHandshakes(100)
	require.Equal(t, 1, cl.State.Inbound.Len())
	require.Equal(t, 0, cl.State.Outbound.Len())
	require.Equal(t, int64(2), atomic.LoadInt64(&s.Info.HandshakesDropped))
	require.Equal(t, int64(1), atomic.LoadInt64(&s.Info.Inflight))
	require.False(t, cl.Closed())

	_, _, dropped, _ := hook.counts()
	require.Equal(t, 2, dropped)
	require.Equal(t, 2, hook.deleted)
}

func TestServerClearExpiredHandshakesSkipsDisconnected(t *testing.T) {
	s, hook := newRecordedServer()
	s.Options.Capabilities.HandshakeExpiry = 30
	cl, _, _ := newTestClient(s, 5)
	cl.State.Outbound.Set(Handshake{PacketID: 1, Packet: testPublish(2), State: StateAwaitingPubrec, Updated: 10})
	cl.State.Inbound.Set(Handshake{PacketID: 2, Packet: testPublish(2), State: StateAwaitingPubrel, Updated: 10})
	atomic.StoreInt64(&s.Info.Inflight, 2)

	cl.Stop(packets.ErrServerShuttingDown)
	require.True(t, cl.Closed())

	// the session is still held, so its handshakes wait for the client to resume
	s.clearExpiredHandshakes(1000)
	require.Equal(t, 1, cl.State.Outbound.Len())
	require.Equal(t, 1, cl.State.Inbound.Len())
	require.Equal(t, int64(2), atomic.LoadInt64(&s.Info.Inflight))
	require.Equal(t, int64(0), atomic.LoadInt64(&s.Info.HandshakesDropped))

	_, _, dropped, _ := hook.counts()
	require.Equal(t, 0, dropped)
}

func TestServerClearExpiredHandshakesDisabled(t *testing.T) {
	s := newServer()
	s.Options.Capabilities.HandshakeExpiry = 0
	cl, _, _ := newTestClient(s, 5)
	cl.State.Inbound.Set(Handshake{PacketID: 1, State: StateAwaitingPubrel, Updated: 1})

	s.clearExpiredHandshakes(1000)
	require.Equal(t, 1, cl.State.Inbound.Len())
}

func TestServerReadStore(t *testing.T) {
	s := newServer()
	require.NoError(t, s.AddHook(new(modifiedHookBase), nil))

	require.NoError(t, s.readStore())
	require.Equal(t, 3, s.Clients.Len())

	cl, ok := s.Clients.Get("cl1")
	require.True(t, ok)
	require.True(t, cl.Closed())
	require.Equal(t, 1, cl.State.Outbound.Len())
	require.Equal(t, 1, cl.State.Inbound.Len())
	require.Equal(t, int64(2), atomic.LoadInt64(&s.Info.Inflight))
}

func TestServerLoadClients(t *testing.T) {
	s := newServer()
	s.loadClients([]storage.Client{
		{
			ID:                    "zen",
			Listener:              "t1",
			Remote:                "127.0.0.1",
			Username:              []byte("mochi"),
			ProtocolVersion:       5,
			SessionExpiryInterval: 30,
			Disconnected:          100,
			Subscriptions:         []packets.Subscription{{Filter: "a/b/c", Qos: 2}},
		},
	})

	cl, ok := s.Clients.Get("zen")
	require.True(t, ok)
	require.Equal(t, []byte("mochi"), cl.Properties.Username)
	require.Equal(t, uint32(30), cl.Properties.Props.SessionExpiryInterval)
	require.True(t, cl.Properties.Props.SessionExpiryIntervalFlag)
	require.Equal(t, int64(100), cl.StopTime())
	require.Contains(t, s.Topics.Subscribers("a/b/c").Subscriptions, "zen")
	require.Equal(t, int64(1), s.Info.Subscriptions)
}

func TestServerLoadHandshakesUnknownClient(t *testing.T) {
	s := newServer()
	s.loadHandshakes([]storage.Handshake{{Client: "nobody", PacketID: 1}})
	require.Equal(t, int64(0), s.Info.Inflight)
}

func TestServerBuildAck(t *testing.T) {
	s := newServer()
	ack := s.buildAck(7, packets.Pubrec, 0, packets.ErrNotAuthorized)
	require.Equal(t, packets.Pubrec, ack.FixedHeader.Type)
	require.Equal(t, uint16(7), ack.PacketID)
	require.Equal(t, packets.ErrNotAuthorized.Code, ack.ReasonCode)
	require.Equal(t, packets.ErrNotAuthorized.Reason, ack.Properties.ReasonString)

	ack = s.buildAck(7, packets.Pubcomp, 0, packets.CodeSuccess)
	require.Empty(t, ack.Properties.ReasonString)
}
