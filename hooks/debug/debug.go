// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package debug

import (
	"fmt"
	"log/slog"
	"strings"

	mqtt "github.com/mochi-mqtt/qos2"
	"github.com/mochi-mqtt/qos2/hooks/storage"
	"github.com/mochi-mqtt/qos2/packets"
)

// Options contains configuration settings for the debug output.
type Options struct {
	ShowPacketData bool `yaml:"show_packet_data" json:"show_packet_data"` // include decoded packet data (default false)
	ShowPings      bool `yaml:"show_pings" json:"show_pings"`             // show ping requests and responses (default false)
	ShowPasswords  bool `yaml:"show_passwords" json:"show_passwords"`     // show connecting user passwords (default false)
}

// Hook is a debugging hook which logs additional low-level information from the
// server, including every transition of the qos handshakes.
type Hook struct {
	mqtt.HookBase
	config *Options
	Log    *slog.Logger
}

// ID returns the ID of the hook.
func (h *Hook) ID() string {
	return "debug"
}

// Provides indicates that this hook provides all methods.
func (h *Hook) Provides(b byte) bool {
	return true
}

// Init is called when the hook is initialized.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	h.config, _ = config.(*Options)
	if h.config == nil {
		h.config = new(Options)
	}

	return nil
}

// SetOpts is called when the hook receives inheritable server parameters.
func (h *Hook) SetOpts(l *slog.Logger, opts *mqtt.HookOptions) {
	h.Log = l
	h.Log.Debug("", "method", "SetOpts")
}

// Stop is called when the hook is stopped.
func (h *Hook) Stop() error {
	h.Log.Debug("", "method", "Stop")
	return nil
}

// OnStarted is called when the server starts.
func (h *Hook) OnStarted() {
	h.Log.Debug("", "method", "OnStarted")
}

// OnStopped is called when the server stops.
func (h *Hook) OnStopped() {
	h.Log.Debug("", "method", "OnStopped")
}

// OnConnectAuthenticate leaves the decision to the auth hooks.
func (h *Hook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	return false
}

// OnACLCheck leaves the decision to the auth hooks.
func (h *Hook) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	return false
}

// OnSessionEstablished is called when a client session has been taken up.
func (h *Hook) OnSessionEstablished(cl *mqtt.Client, pk packets.Packet) {
	h.Log.Debug("session established", "method", "OnSessionEstablished", "client", cl.ID,
		"inbound", cl.State.Inbound.Len(), "outbound", cl.State.Outbound.Len())
}

// OnDisconnect is called when a client is disconnected for any reason.
func (h *Hook) OnDisconnect(cl *mqtt.Client, err error, expire bool) {
	h.Log.Debug("client disconnected", "method", "OnDisconnect", "client", cl.ID, "error", err, "expire", expire)
}

// OnPacketRead is called when a new packet is received from a client.
func (h *Hook) OnPacketRead(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	if (pk.FixedHeader.Type == packets.Pingresp || pk.FixedHeader.Type == packets.Pingreq) && !h.config.ShowPings {
		return pk, nil
	}

	h.Log.Debug(fmt.Sprintf("%s << %s", strings.ToUpper(packets.Names[pk.FixedHeader.Type]), cl.ID), "m", h.packetMeta(pk))

	return pk, nil
}

// OnPacketSent is called when a packet is sent to a client.
func (h *Hook) OnPacketSent(cl *mqtt.Client, pk packets.Packet, b []byte) {
	if (pk.FixedHeader.Type == packets.Pingresp || pk.FixedHeader.Type == packets.Pingreq) && !h.config.ShowPings {
		return
	}

	h.Log.Debug(fmt.Sprintf("%s >> %s", strings.ToUpper(packets.Names[pk.FixedHeader.Type]), cl.ID), "m", h.packetMeta(pk))
}

// OnQosPublish is called when a message enters a qos flow in either direction.
func (h *Hook) OnQosPublish(cl *mqtt.Client, hs mqtt.Handshake) {
	h.Log.Debug("handshake opened", h.handshakeMeta(cl, hs)...)
}

// OnQosComplete is called when a qos flow reaches its final acknowledgement.
func (h *Hook) OnQosComplete(cl *mqtt.Client, hs mqtt.Handshake) {
	h.Log.Debug("handshake complete", h.handshakeMeta(cl, hs)...)
}

// OnQosDropped is called when a qos flow is abandoned, expired or refused.
func (h *Hook) OnQosDropped(cl *mqtt.Client, hs mqtt.Handshake) {
	h.Log.Debug("handshake dropped", h.handshakeMeta(cl, hs)...)
}

// OnAckTolerated is called when an acknowledgement arrives which matches no step
// of its handshake. The connection stays open.
func (h *Hook) OnAckTolerated(cl *mqtt.Client, hs mqtt.Handshake, pk packets.Packet) {
	h.Log.Debug("out of sequence ack tolerated",
		append(h.handshakeMeta(cl, hs), "received", packets.Names[pk.FixedHeader.Type])...)
}

// OnPacketIDExhausted is called when no packet id is free for an outbound delivery.
func (h *Hook) OnPacketIDExhausted(cl *mqtt.Client, pk packets.Packet) {
	h.Log.Debug("packet ids exhausted", "method", "OnPacketIDExhausted", "client", cl.ID, "topic", pk.TopicName)
}

// OnClientExpired is called when the server clears an expired client.
func (h *Hook) OnClientExpired(cl *mqtt.Client) {
	h.Log.Debug("client session expired", "method", "OnClientExpired", "client", cl.ID)
}

// StoredClients is called when the server restores clients from a store.
func (h *Hook) StoredClients() (v []storage.Client, err error) {
	h.Log.Debug("", "method", "StoredClients")
	return v, nil
}

// StoredHandshakes is called when the server restores handshakes from a store.
func (h *Hook) StoredHandshakes() (v []storage.Handshake, err error) {
	h.Log.Debug("", "method", "StoredHandshakes")
	return v, nil
}

// handshakeMeta returns the log attributes describing a handshake.
func (h *Hook) handshakeMeta(cl *mqtt.Client, hs mqtt.Handshake) []any {
	m := []any{
		"client", cl.ID,
		"pid", hs.PacketID,
		"direction", hs.Direction.String(),
		"state", hs.State.String(),
		"qos", hs.Packet.FixedHeader.Qos,
		"retries", hs.Retries,
	}

	if h.config.ShowPacketData {
		m = append(m, "packet", hs.Packet)
	}

	return m
}

// packetMeta adds additional type-specific metadata to the debug logs.
func (h *Hook) packetMeta(pk packets.Packet) map[string]any {
	m := map[string]any{}
	switch pk.FixedHeader.Type {
	case packets.Connect:
		m["id"] = pk.Connect.ClientIdentifier
		m["clean"] = pk.Connect.Clean
		m["keepalive"] = pk.Connect.Keepalive
		m["version"] = pk.ProtocolVersion
		m["username"] = string(pk.Connect.Username)
		if h.config.ShowPasswords {
			m["password"] = string(pk.Connect.Password)
		}
	case packets.Publish:
		m["topic"] = pk.TopicName
		m["payload"] = string(pk.Payload)
		m["raw"] = pk.Payload
		m["qos"] = pk.FixedHeader.Qos
		m["dup"] = pk.FixedHeader.Dup
		m["id"] = pk.PacketID
	case packets.Connack, packets.Disconnect, packets.Puback, packets.Pubrec, packets.Pubrel, packets.Pubcomp:
		m["id"] = pk.PacketID
		m["reason"] = int(pk.ReasonCode)
		if pk.ReasonCode > packets.CodeSuccess.Code && pk.ProtocolVersion == 5 {
			m["reason_string"] = pk.Properties.ReasonString
		}
	case packets.Subscribe:
		f := map[string]int{}
		ids := map[string]int{}
		for _, v := range pk.Filters {
			f[v.Filter] = int(v.Qos)
			ids[v.Filter] = v.Identifier
		}
		m["filters"] = f
		m["subids"] = ids
	case packets.Unsubscribe:
		f := []string{}
		for _, v := range pk.Filters {
			f = append(f, v.Filter)
		}
		m["filters"] = f
	case packets.Suback, packets.Unsuback:
		r := []int{}
		for _, v := range pk.ReasonCodes {
			r = append(r, int(v))
		}
		m["reasons"] = r
	}

	if h.config.ShowPacketData {
		m["packet"] = pk
	}

	return m
}
