// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

// Package auth provides hooks deciding which clients may connect and which
// topics they may publish to or receive deliveries from.
package auth

import (
	"bytes"

	mqtt "github.com/mochi-mqtt/qos2"
	"github.com/mochi-mqtt/qos2/packets"
)

// Options contains the rules for the auth ledger, either as a ledger or as
// raw JSON or YAML data.
type Options struct {
	Data   []byte
	Ledger *Ledger
}

// Hook is an authentication hook which checks clients against an auth ledger.
type Hook struct {
	mqtt.HookBase
	ledger *Ledger
}

// ID returns the ID of the hook.
func (h *Hook) ID() string {
	return "auth-ledger"
}

// Provides indicates which hook methods this hook provides.
func (h *Hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
	}, []byte{b})
}

// Init loads the ledger from the options. Without options, every connection
// is refused.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	o, _ := config.(*Options)
	if o == nil {
		o = new(Options)
	}

	switch {
	case o.Ledger != nil:
		h.ledger = o.Ledger
	case len(o.Data) > 0:
		h.ledger = new(Ledger)
		if err := h.ledger.Unmarshal(o.Data); err != nil {
			return err
		}
	default:
		h.ledger = &Ledger{Auth: AuthRules{}, ACL: ACLRules{}}
	}

	h.Log.Info("loaded auth rules",
		"authentication", len(h.ledger.Auth),
		"acl", len(h.ledger.ACL),
		"users", len(h.ledger.Users))

	return nil
}

// OnConnectAuthenticate returns true if the ledger allows the client to connect.
func (h *Hook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	if _, ok := h.ledger.AuthOk(cl, pk); ok {
		return true
	}

	h.Log.Info("client failed authentication check",
		"username", string(pk.Connect.Username),
		"remote", cl.Net.Remote)

	return false
}

// OnACLCheck returns true if the client may publish to (write) or receive a
// delivery from (read) the topic. A refused delivery never opens an outbound
// handshake.
func (h *Hook) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	if _, ok := h.ledger.ACLOk(cl, topic, write); ok {
		return true
	}

	op := "delivery"
	if write {
		op = "publish"
	}

	h.Log.Debug("client failed acl check",
		"client", cl.ID,
		"username", string(cl.Properties.Username),
		"topic", topic,
		"op", op)

	return false
}
