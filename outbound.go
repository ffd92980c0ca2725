// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"sync/atomic"
	"time"

	"github.com/mochi-mqtt/qos2/packets"
)

// publishToSubscribers publishes a publish packet to all subscribers with matching topic filters.
func (s *Server) publishToSubscribers(cl *Client, pk packets.Packet) {
	subscribers := s.Topics.Subscribers(pk.TopicName)
	for id, sub := range subscribers.Subscriptions {
		target, ok := s.Clients.Get(id)
		if !ok {
			continue
		}

		_, err := s.publishToClient(target, sub, pk)
		if err != nil {
			s.Log.Debug("failed publishing packet", "error", err, "client", id, "topic", pk.TopicName)
		}
	}

	s.hooks.OnPublished(cl, pk)
}

// publishToClient delivers a message to a subscribed client at the lower of the
// message and subscription qos. Qos 1 and 2 deliveries open an outbound
// handshake under a freshly allocated packet id. Deliveries to a disconnected
// client with a persistent session stay registered until it reconnects.
func (s *Server) publishToClient(cl *Client, sub packets.Subscription, pk packets.Packet) (packets.Packet, error) {
	if sub.NoLocal && pk.Origin == cl.ID {
		return pk, nil // [MQTT-3.8.3-3]
	}

	out := pk.Copy(false)
	if !s.hooks.OnACLCheck(cl, pk.TopicName, false) {
		return out, packets.ErrNotAuthorized
	}

	if !sub.RetainAsPublished { // ![MQTT-3.3.1-13] [v3 MQTT-3.3.1-9]
		out.FixedHeader.Retain = false // [MQTT-3.3.1-12]
	}

	if sub.Identifier > 0 {
		out.Properties.SubscriptionIdentifier = []int{sub.Identifier} // [MQTT-3.3.4-3]
	}

	if out.FixedHeader.Qos > sub.Qos {
		out.FixedHeader.Qos = sub.Qos // [MQTT-3.8.4-8]
	}

	if out.FixedHeader.Qos > 0 {
		if max := cl.State.MaximumInflight; max > 0 && cl.State.Outbound.Len() >= int(max) {
			atomic.AddInt64(&s.Info.MessagesDropped, 1)
			s.hooks.OnQosDropped(cl, Handshake{Packet: out, Client: cl.ID, Direction: Outbound})
			return out, packets.ErrQuotaExceeded // [MQTT-3.3.4-9]
		}

		state := StateAwaitingPuback
		if out.FixedHeader.Qos == 2 {
			state = StatePublishSent
		}

		now := time.Now().Unix()
		h, err := cl.State.Outbound.Allocate(Handshake{
			Packet:  out,
			Client:  cl.ID,
			Created: now,
			Updated: now,
			State:   state,
		})
		if err != nil {
			atomic.AddInt64(&s.Info.MessagesDropped, 1)
			s.hooks.OnPacketIDExhausted(cl, pk)
			s.Log.Warn("packet ids exhausted", "error", err, "client", cl.ID, "inflight", cl.State.Outbound.Len())
			return out, err
		}

		out.PacketID = h.PacketID // [MQTT-2.2.1-4]
		atomic.AddInt64(&s.Info.Inflight, 1)
		s.hooks.OnQosPublish(cl, h)
		s.hooks.OnHandshakeStored(cl, h)
	}

	if cl.Net.Conn == nil || cl.Closed() {
		return out, packets.CodeDisconnect
	}

	select {
	case cl.State.outbound <- &out:
		atomic.AddInt32(&cl.State.outboundQty, 1)
	default:
		atomic.AddInt64(&s.Info.MessagesDropped, 1)
		if out.FixedHeader.Qos > 0 {
			if h, ok := cl.State.Outbound.Get(out.PacketID); ok && cl.State.Outbound.Delete(out.PacketID) {
				s.dropHandshake(cl, h, "outbound queue full")
			}
		}
		return out, packets.ErrPendingClientWritesExceeded
	}

	return out, nil
}

// processPuback processes a Puback packet, completing a qos 1 delivery.
func (s *Server) processPuback(cl *Client, pk packets.Packet) error {
	h, outcome := cl.State.Outbound.Step(pk.PacketID, packets.Puback, time.Now().Unix())
	switch outcome {
	case Advance:
		s.completeHandshake(cl, h) // [MQTT-4.3.2-5]
	case UnknownID:
		s.Log.Debug("puback for unknown packet id, discarded", "client", cl.ID, "pid", pk.PacketID)
	default:
		s.tolerate(cl, h, pk)
	}

	return nil
}

// processPubrec processes a Pubrec packet. The handshake is answered with a
// PUBREL on its first and any repeated PUBREC. A PUBREC for an unknown packet
// id is discarded.
func (s *Server) processPubrec(cl *Client, pk packets.Packet) error {
	if pk.ReasonCode >= packets.ErrUnspecifiedError.Code { // the client refused the message
		if h, ok := cl.State.Outbound.Get(pk.PacketID); ok && h.Packet.FixedHeader.Qos == 2 &&
			(h.State == StatePublishSent || h.State == StateAwaitingPubrec) && cl.State.Outbound.Delete(pk.PacketID) {
			s.dropHandshake(cl, h, "pubrec reason code")
		}
		return nil
	}

	h, outcome := cl.State.Outbound.Step(pk.PacketID, packets.Pubrec, time.Now().Unix())
	switch outcome {
	case Advance:
		s.hooks.OnHandshakeStored(cl, h)
	case Retransmit:
		atomic.AddInt64(&s.Info.Retransmits, 1)
		s.Log.Debug("repeated pubrec, resending pubrel", "client", cl.ID, "pid", pk.PacketID)
	case UnknownID:
		s.Log.Debug("pubrec for unknown packet id, discarded", "client", cl.ID, "pid", pk.PacketID)
		return nil
	default:
		s.tolerate(cl, h, pk)
		return nil
	}

	return cl.WritePacket(s.buildAck(pk.PacketID, packets.Pubrel, 1, packets.CodeSuccess)) // [MQTT-4.3.3-4]
}

// processPubcomp processes a Pubcomp packet, completing a qos 2 delivery.
func (s *Server) processPubcomp(cl *Client, pk packets.Packet) error {
	h, outcome := cl.State.Outbound.Step(pk.PacketID, packets.Pubcomp, time.Now().Unix())
	switch outcome {
	case Advance:
		s.completeHandshake(cl, h)
	case UnknownID:
		s.Log.Debug("pubcomp for unknown packet id, discarded", "client", cl.ID, "pid", pk.PacketID)
	default:
		s.tolerate(cl, h, pk)
	}

	return nil
}
