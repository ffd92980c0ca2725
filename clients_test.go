// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mochi-mqtt/qos2/packets"
)

func TestNewClients(t *testing.T) {
	cl := NewClients()
	require.NotNil(t, cl.internal)
}

func TestClientsAddGetDelete(t *testing.T) {
	cl := NewClients()
	cl.Add(&Client{ID: "t1"})
	cl.Add(&Client{ID: "t2"})
	require.Equal(t, 2, cl.Len())

	c, ok := cl.Get("t1")
	require.True(t, ok)
	require.Equal(t, "t1", c.ID)

	cl.Delete("t1")
	_, ok = cl.Get("t1")
	require.False(t, ok)
	require.Equal(t, 1, cl.Len())
}

func TestClientsGetAll(t *testing.T) {
	cl := NewClients()
	cl.Add(&Client{ID: "t1"})
	cl.Add(&Client{ID: "t2"})

	all := cl.GetAll()
	require.Len(t, all, 2)
	delete(all, "t1")
	require.Equal(t, 2, cl.Len())
}

func TestClientsGetByListener(t *testing.T) {
	s := newServer()
	cl := NewClients()
	cl.Add(s.NewClient(nil, "tcp1", "t1"))
	cl.Add(s.NewClient(nil, "ws1", "t2"))

	stopped := s.NewClient(nil, "tcp1", "t3")
	stopped.Stop(packets.CodeDisconnect)
	cl.Add(stopped)

	clients := cl.GetByListener("tcp1")
	require.Len(t, clients, 1)
	require.Equal(t, "t1", clients[0].ID)
}

func TestNewClientState(t *testing.T) {
	s := newServer()
	s.Options.Capabilities.MaximumPacketID = 10
	s.Options.Capabilities.MaximumClientWritesPending = 3
	r, _ := net.Pipe()
	cl := s.NewClient(r, "t1", "zen")

	require.Equal(t, uint32(10), cl.State.Outbound.maximum)
	require.Equal(t, uint32(65535), cl.State.Inbound.maximum)
	require.Equal(t, 3, cap(cl.State.outbound))
	require.Equal(t, defaultKeepalive, cl.State.Keepalive)
	require.Equal(t, defaultClientProtocVersion, cl.Properties.ProtocolVersion)
	require.NotNil(t, cl.Net.bconn)
	require.NotEmpty(t, cl.Net.Remote)
	require.False(t, cl.Closed())
}

func TestClientParseConnect(t *testing.T) {
	s := newServer()
	s.Options.Capabilities.MaximumInflight = 100
	cl := s.NewClient(nil, "t1", "")

	pk := packets.Packet{
		ProtocolVersion: 5,
		Connect: packets.ConnectParams{
			ClientIdentifier: "zen",
			Username:         []byte("mochi"),
			Clean:            true,
			Keepalive:        60,
		},
		Properties: packets.Properties{ReceiveMaximum: 20},
	}

	cl.ParseConnect("tcp1", pk)
	require.Equal(t, "zen", cl.ID)
	require.Equal(t, "tcp1", cl.Net.Listener)
	require.Equal(t, byte(5), cl.Properties.ProtocolVersion)
	require.Equal(t, []byte("mochi"), cl.Properties.Username)
	require.True(t, cl.Properties.Clean)
	require.Equal(t, uint16(60), cl.State.Keepalive)
	require.Equal(t, uint16(20), cl.State.MaximumInflight)
	require.Empty(t, cl.Properties.Props.AssignedClientID)
}

func TestClientParseConnectReceiveMaximumAboveCapability(t *testing.T) {
	s := newServer()
	s.Options.Capabilities.MaximumInflight = 10
	cl := s.NewClient(nil, "t1", "")

	cl.ParseConnect("tcp1", packets.Packet{
		ProtocolVersion: 5,
		Connect:         packets.ConnectParams{ClientIdentifier: "zen"},
		Properties:      packets.Properties{ReceiveMaximum: 500},
	})
	require.Equal(t, uint16(10), cl.State.MaximumInflight)
}

func TestClientParseConnectAssignedID(t *testing.T) {
	s := newServer()
	cl := s.NewClient(nil, "t1", "")

	cl.ParseConnect("tcp1", packets.Packet{ProtocolVersion: 5, Connect: packets.ConnectParams{Clean: true}})
	require.NotEmpty(t, cl.ID)
	require.Equal(t, cl.ID, cl.Properties.Props.AssignedClientID)
}

func TestClientStop(t *testing.T) {
	s := newServer()
	cl, r, _ := newTestClient(s, 4)
	cl.State.resends.schedule(1, time.Hour, func() {})

	cl.Stop(packets.ErrServerShuttingDown)
	require.True(t, cl.Closed())
	require.ErrorIs(t, cl.StopCause(), packets.ErrServerShuttingDown)
	require.NotZero(t, cl.StopTime())
	require.Equal(t, 0, cl.State.resends.len())

	// only the first cause is kept
	cl.Stop(packets.ErrKeepAliveTimeout)
	require.ErrorIs(t, cl.StopCause(), packets.ErrServerShuttingDown)

	_, err := io.ReadAll(r)
	require.NoError(t, err)
}

func TestClientStopCauseEmpty(t *testing.T) {
	s := newServer()
	cl := s.NewClient(nil, "t1", "zen")
	require.NoError(t, cl.StopCause())
	require.Zero(t, cl.StopTime())
}

func TestClientReadFixedHeaderClosed(t *testing.T) {
	s := newServer()
	cl := s.NewClient(nil, "t1", "zen")
	err := cl.ReadFixedHeader(new(packets.FixedHeader))
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestClientReadFixedHeaderTooLarge(t *testing.T) {
	s := newServer()
	s.Options.Capabilities.MaximumPacketSize = 2
	cl, r, _ := newTestClient(s, 4)

	go func() {
		_, _ = r.Write(packets.TPacketData[packets.Publish].Get(packets.TPublishQos2).RawBytes)
	}()

	err := cl.ReadFixedHeader(new(packets.FixedHeader))
	require.ErrorIs(t, err, packets.ErrPacketTooLarge)
}

func TestClientReadPacket(t *testing.T) {
	s := newServer()
	cl, r, _ := newTestClient(s, 4)
	tx := packets.TPacketData[packets.Publish].Get(packets.TPublishQos2)

	go func() {
		_, _ = r.Write(tx.RawBytes)
	}()

	fh := new(packets.FixedHeader)
	require.NoError(t, cl.ReadFixedHeader(fh))
	pk, err := cl.ReadPacket(fh)
	require.NoError(t, err)
	require.Equal(t, tx.Packet.TopicName, pk.TopicName)
	require.Equal(t, tx.Packet.PacketID, pk.PacketID)
	require.Equal(t, int64(1), atomic.LoadInt64(&s.Info.MessagesReceived))
}

func TestClientReadHandlesInOrder(t *testing.T) {
	s := newServer()
	cl, r, _ := newTestClient(s, 4)

	go func() {
		_, _ = r.Write(packets.TPacketData[packets.Pubrec].Get(packets.TPubrec).RawBytes)
		_, _ = r.Write(packets.TPacketData[packets.Pingreq].Get(packets.TPingreq).RawBytes)
		_ = r.Close()
	}()

	var got []byte
	err := cl.Read(func(cl *Client, pk packets.Packet) error {
		got = append(got, pk.FixedHeader.Type)
		return nil
	})
	require.True(t, errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe))
	require.Equal(t, []byte{packets.Pubrec, packets.Pingreq}, got)
}

func TestClientReadHandlerError(t *testing.T) {
	s := newServer()
	cl, r, _ := newTestClient(s, 4)

	go func() {
		_, _ = r.Write(packets.TPacketData[packets.Pingreq].Get(packets.TPingreq).RawBytes)
	}()

	err := cl.Read(func(cl *Client, pk packets.Packet) error {
		return errTestHook
	})
	require.ErrorIs(t, err, errTestHook)
}

func TestClientWritePacketClosed(t *testing.T) {
	s := newServer()
	cl, _, _ := newTestClient(s, 4)
	cl.Stop(nil)

	err := cl.WritePacket(*packets.TPacketData[packets.Pingresp].Get(packets.TPingresp).Packet)
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestClientWritePacketNoConn(t *testing.T) {
	s := newServer()
	cl := s.NewClient(nil, "t1", "zen")
	err := cl.WritePacket(*packets.TPacketData[packets.Pingresp].Get(packets.TPingresp).Packet)
	require.NoError(t, err)
}

func TestClientWritePacketTooLarge(t *testing.T) {
	s := newServer()
	cl, _, _ := newTestClient(s, 5)
	cl.Properties.Props.MaximumPacketSize = 4

	err := cl.WritePacket(publishPacket(1, 1, "a/b/c"))
	require.ErrorIs(t, err, packets.ErrPacketTooLarge)
}

func TestClientWritePacketMarksWritten(t *testing.T) {
	s := newServer()
	cl, r, _ := newTestClient(s, 5)
	p := newTestPeer(t, r, 5)

	cl.State.Outbound.Set(Handshake{PacketID: 1, Packet: publishPacket(2, 1, "a/b/c"), State: StatePublishSent})
	cl.State.Outbound.Set(Handshake{PacketID: 2, Packet: publishPacket(2, 2, "a/b/c"), State: StatePubrelSent})
	cl.State.Inbound.Set(Handshake{PacketID: 3, Packet: publishPacket(2, 3, "a/b/c"), State: StatePubrecSent})

	for _, pk := range []packets.Packet{
		publishPacket(2, 1, "a/b/c"),
		ackPacket(packets.Pubrel, 2),
		ackPacket(packets.Pubrec, 3),
	} {
		errc := make(chan error, 1)
		go func(pk packets.Packet) {
			errc <- cl.WritePacket(pk)
		}(pk)
		p.read()
		require.NoError(t, wait(t, errc))
	}

	h, _ := cl.State.Outbound.Get(1)
	require.Equal(t, StateAwaitingPubrec, h.State)
	h, _ = cl.State.Outbound.Get(2)
	require.Equal(t, StateAwaitingPubcomp, h.State)
	h, _ = cl.State.Inbound.Get(3)
	require.Equal(t, StateAwaitingPubrel, h.State)

	require.Equal(t, int64(3), atomic.LoadInt64(&s.Info.PacketsSent))
	require.Equal(t, int64(1), atomic.LoadInt64(&s.Info.MessagesSent))
}

func TestClientWriteLoop(t *testing.T) {
	s := newServer()
	cl, r, _ := newTestClient(s, 4)
	p := newTestPeer(t, r, 4)
	go cl.WriteLoop()
	defer cl.Stop(nil)

	pk := publishPacket(0, 0, "a/b/c")
	atomic.AddInt32(&cl.State.outboundQty, 1)
	cl.State.outbound <- &pk

	got := p.read()
	require.Equal(t, packets.Publish, got.FixedHeader.Type)
	require.Equal(t, "a/b/c", got.TopicName)
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&cl.State.outboundQty) == 0
	}, time.Second, time.Millisecond)
}
