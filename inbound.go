// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"sync/atomic"
	"time"

	"github.com/mochi-mqtt/qos2/packets"
)

// processPublish processes a Publish packet from a client. Qos 0 and 1 messages
// are delivered on arrival; qos 2 messages are held until released.
func (s *Server) processPublish(cl *Client, pk packets.Packet) error {
	if !s.hooks.OnACLCheck(cl, pk.TopicName, true) {
		if pk.FixedHeader.Qos == 0 {
			return nil
		}

		if cl.Properties.ProtocolVersion != 5 {
			return s.DisconnectClient(cl, packets.ErrNotAuthorized)
		}

		ackType := packets.Puback
		if pk.FixedHeader.Qos == 2 {
			ackType = packets.Pubrec
		}

		return cl.WritePacket(s.buildAck(pk.PacketID, ackType, 0, packets.ErrNotAuthorized))
	}

	if pk.FixedHeader.Qos > s.Options.Capabilities.MaximumQos {
		pk.FixedHeader.Qos = s.Options.Capabilities.MaximumQos // [MQTT-3.2.2-9]
	}

	pk.Origin = cl.ID
	pk.Created = time.Now().Unix()

	switch pk.FixedHeader.Qos {
	case 0:
		s.publishToSubscribers(cl, pk)
		return nil
	case 1:
		err := cl.WritePacket(s.buildAck(pk.PacketID, packets.Puback, 0, packets.CodeSuccess)) // [MQTT-4.3.2-4]
		if err != nil {
			return err
		}
		s.publishToSubscribers(cl, pk)
		return nil
	}

	return s.receiveQos2(cl, pk)
}

// receiveQos2 registers or resumes the inbound handshake for a qos 2 publish and
// answers it with a PUBREC. A repeated publish for an unreleased packet id is
// answered again, but never stored or delivered twice. [MQTT-4.3.3-10]
func (s *Server) receiveQos2(cl *Client, pk packets.Packet) error {
	now := time.Now().Unix()
	if _, ok := cl.State.Inbound.Get(pk.PacketID); !ok {
		// receive maximum is a v5 property; v3 clients have no such limit
		if max := s.Options.Capabilities.ReceiveMaximum; max > 0 && cl.Properties.ProtocolVersion == 5 && cl.State.Inbound.Len() >= int(max) {
			s.Log.Warn("client exceeded receive maximum", "client", cl.ID, "pid", pk.PacketID, "receive_maximum", max)
			return s.DisconnectClient(cl, packets.ErrReceiveMaximum) // [MQTT-3.3.4-8]
		}

		cl.State.Inbound.Set(Handshake{
			Packet:   pk,
			Client:   cl.ID,
			Created:  now,
			Updated:  now,
			PacketID: pk.PacketID,
			State:    StateAwaitingPublish,
		})
	}

	h, outcome := cl.State.Inbound.Step(pk.PacketID, packets.Publish, now)
	switch outcome {
	case Advance:
		atomic.AddInt64(&s.Info.Inflight, 1)
		s.hooks.OnQosPublish(cl, h)
		s.hooks.OnHandshakeStored(cl, h)
	case Retransmit:
		atomic.AddInt64(&s.Info.Retransmits, 1)
		s.Log.Debug("repeated qos 2 publish, resending pubrec", "client", cl.ID, "pid", pk.PacketID, "dup", pk.FixedHeader.Dup)
		if reply, ok := h.LastSent(); ok {
			return cl.WritePacket(reply)
		}
	default:
		return nil // dropped by expiry between registration and step
	}

	return cl.WritePacket(s.buildAck(pk.PacketID, packets.Pubrec, 0, packets.CodeSuccess)) // [MQTT-4.3.3-9]
}

// processPubrel processes a Pubrel packet. The held message is delivered to
// subscribers once, when its handshake is released. Every release is answered
// with a PUBCOMP, including one for an unknown packet id, as the client may be
// repeating a release whose PUBCOMP was lost. [MQTT-4.3.3-11]
func (s *Server) processPubrel(cl *Client, pk packets.Packet) error {
	if pk.ReasonCode >= packets.ErrUnspecifiedError.Code {
		h, ok := cl.State.Inbound.Get(pk.PacketID)
		if !ok || !cl.State.Inbound.Delete(pk.PacketID) {
			return cl.WritePacket(s.buildAck(pk.PacketID, packets.Pubcomp, 0, packets.ErrPacketIdentifierNotFound))
		}

		s.dropHandshake(cl, h, "pubrel reason code")
		return cl.WritePacket(s.buildAck(pk.PacketID, packets.Pubcomp, 0, packets.CodeSuccess))
	}

	h, outcome := cl.State.Inbound.Step(pk.PacketID, packets.Pubrel, time.Now().Unix())
	switch outcome {
	case Advance:
		s.publishToSubscribers(cl, h.Packet)
		s.completeHandshake(cl, h)
	case UnknownID:
		s.Log.Debug("pubrel for unknown packet id, sending pubcomp", "client", cl.ID, "pid", pk.PacketID)
		return cl.WritePacket(s.buildAck(pk.PacketID, packets.Pubcomp, 0, packets.ErrPacketIdentifierNotFound))
	default:
		// the publish was never received, so there is nothing to deliver
		s.tolerate(cl, h, pk)
	}

	return cl.WritePacket(s.buildAck(pk.PacketID, packets.Pubcomp, 0, packets.CodeSuccess)) // [MQTT-4.3.3-11]
}
