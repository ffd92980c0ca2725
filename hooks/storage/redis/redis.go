// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package redis persists sessions and unresolved handshakes to redis hash sets.
package redis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	redis "github.com/go-redis/redis/v8"

	mqtt "github.com/mochi-mqtt/qos2"
	"github.com/mochi-mqtt/qos2/hooks/storage"
	"github.com/mochi-mqtt/qos2/packets"
)

// defaultAddr is the default address to the redis service.
const defaultAddr = "localhost:6379"

// defaultHPrefix is a prefix to better identify hsets created by mochi mqtt.
const defaultHPrefix = "mochi-"

// Options contains configuration settings for the redis connection.
type Options struct {
	HPrefix string         `yaml:"h_prefix" json:"h_prefix"`
	Options *redis.Options `yaml:"-" json:"-"`
}

// Hook is a persistent storage hook based using Redis as a backend.
type Hook struct {
	mqtt.HookBase
	config *Options        // options for connecting to the Redis instance.
	db     *redis.Client   // the Redis instance
	ctx    context.Context // a context for the connection
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "redis-db"
}

// Provides indicates which hook methods this hook provides.
func (h *Hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnClientStored,
		mqtt.OnDisconnect,
		mqtt.OnClientExpired,
		mqtt.OnHandshakeStored,
		mqtt.OnHandshakeDeleted,
		mqtt.StoredClients,
		mqtt.StoredHandshakes,
	}, []byte{b})
}

// hKey returns a hash set key with a unique prefix.
func (h *Hook) hKey(s string) string {
	return h.config.HPrefix + s
}

// Init initializes and connects to the redis service.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	h.ctx = context.Background()

	h.config, _ = config.(*Options)
	if h.config == nil {
		h.config = new(Options)
	}
	if h.config.Options == nil {
		h.config.Options = &redis.Options{
			Addr: defaultAddr,
		}
	}

	if h.config.HPrefix == "" {
		h.config.HPrefix = defaultHPrefix
	}

	h.Log.Info("connecting to redis service",
		"address", h.config.Options.Addr,
		"username", h.config.Options.Username,
		"password-len", len(h.config.Options.Password),
		"db", h.config.Options.DB)

	h.db = redis.NewClient(h.config.Options)
	_, err := h.db.Ping(h.ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping service: %w", err)
	}

	h.Log.Info("connected to redis service")

	return nil
}

// Stop closes the redis connection.
func (h *Hook) Stop() error {
	if h.db == nil {
		return nil
	}

	h.Log.Info("disconnecting from redis service")
	return h.db.Close()
}

// OnClientStored writes the persistent session of a client to the store.
func (h *Hook) OnClientStored(cl *mqtt.Client) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	in := mqtt.ClientRecord(cl)
	err := h.db.HSet(h.ctx, h.hKey(storage.ClientKey), cl.ID, &in).Err()
	if err != nil {
		h.Log.Error("failed to hset client data", "error", err, "data", in)
	}
}

// OnDisconnect removes a client whose session ends with the connection, or
// records the disconnect time of a persistent session.
func (h *Hook) OnDisconnect(cl *mqtt.Client, _ error, expire bool) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	if errors.Is(cl.StopCause(), packets.ErrSessionTakenOver) {
		return
	}

	if !expire {
		h.OnClientStored(cl)
		return
	}

	h.deleteClient(cl)
}

// OnClientExpired deletes an expired client from the store.
func (h *Hook) OnClientExpired(cl *mqtt.Client) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	h.deleteClient(cl)
}

func (h *Hook) deleteClient(cl *mqtt.Client) {
	err := h.db.HDel(h.ctx, h.hKey(storage.ClientKey), cl.ID).Err()
	if err != nil {
		h.Log.Error("failed to delete client", "error", err, "id", cl.ID)
	}
}

// OnHandshakeStored adds or updates an unresolved handshake in the store.
func (h *Hook) OnHandshakeStored(cl *mqtt.Client, hs mqtt.Handshake) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	in := mqtt.HandshakeRecord(hs)
	err := h.db.HSet(h.ctx, h.hKey(storage.HandshakeKey), in.ID, &in).Err()
	if err != nil {
		h.Log.Error("failed to hset handshake data", "error", err, "id", in.ID)
	}
}

// OnHandshakeDeleted removes a completed or dropped handshake from the store.
func (h *Hook) OnHandshakeDeleted(cl *mqtt.Client, hs mqtt.Handshake) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	id := storage.HandshakeID(hs.Client, byte(hs.Direction), hs.PacketID)
	err := h.db.HDel(h.ctx, h.hKey(storage.HandshakeKey), id).Err()
	if err != nil {
		h.Log.Error("failed to delete handshake data", "error", err, "id", id)
	}
}

// StoredClients returns all stored clients from the store.
func (h *Hook) StoredClients() (v []storage.Client, err error) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return v, storage.ErrDBFileNotOpen
	}

	rows, err := h.db.HGetAll(h.ctx, h.hKey(storage.ClientKey)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		h.Log.Error("failed to HGetAll client data", "error", err)
		return
	}

	for _, row := range rows {
		var d storage.Client
		if err = d.UnmarshalBinary([]byte(row)); err != nil {
			h.Log.Error("failed to unmarshal client data", "error", err, "data", row)
			continue
		}

		v = append(v, d)
	}

	sort.Slice(v, func(i, j int) bool {
		return v[i].ID < v[j].ID
	})

	return v, nil
}

// StoredHandshakes returns all stored handshakes from the store, ordered by key.
func (h *Hook) StoredHandshakes() (v []storage.Handshake, err error) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return v, storage.ErrDBFileNotOpen
	}

	rows, err := h.db.HGetAll(h.ctx, h.hKey(storage.HandshakeKey)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		h.Log.Error("failed to HGetAll handshake data", "error", err)
		return
	}

	for _, row := range rows {
		var d storage.Handshake
		if err = d.UnmarshalBinary([]byte(row)); err != nil {
			h.Log.Error("failed to unmarshal handshake data", "error", err, "data", row)
			continue
		}

		v = append(v, d)
	}

	sort.Slice(v, func(i, j int) bool {
		return v[i].ID < v[j].ID
	})

	return v, nil
}
