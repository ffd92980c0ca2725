// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"sort"
	"strings"
	"sync"

	"github.com/mochi-mqtt/qos2/packets"
)

// Subscriptions is a map of subscriptions keyed on filter, held by a single client.
type Subscriptions struct {
	internal map[string]packets.Subscription
	sync.RWMutex
}

// NewSubscriptions returns a new instance of Subscriptions.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		internal: map[string]packets.Subscription{},
	}
}

// Add adds a new subscription for a filter, replacing any existing one.
func (s *Subscriptions) Add(filter string, val packets.Subscription) {
	s.Lock()
	defer s.Unlock()
	s.internal[filter] = val
}

// GetAll returns all the subscriptions, ordered by filter.
func (s *Subscriptions) GetAll() []packets.Subscription {
	s.RLock()
	defer s.RUnlock()

	m := make([]packets.Subscription, 0, len(s.internal))
	for _, v := range s.internal {
		m = append(m, v)
	}

	sort.Slice(m, func(i, j int) bool {
		return m[i].Filter < m[j].Filter
	})

	return m
}

// Get returns a subscription for a specific filter.
func (s *Subscriptions) Get(filter string) (val packets.Subscription, ok bool) {
	s.RLock()
	defer s.RUnlock()
	val, ok = s.internal[filter]
	return val, ok
}

// Len returns the number of subscriptions.
func (s *Subscriptions) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.internal)
}

// Delete removes a subscription by filter.
func (s *Subscriptions) Delete(filter string) {
	s.Lock()
	defer s.Unlock()
	delete(s.internal, filter)
}

// Subscribers contains the matching subscriptions for a topic, keyed on client id.
// Where a client holds more than one matching filter, the subscription with the
// highest qos wins.
type Subscribers struct {
	Subscriptions map[string]packets.Subscription
}

// add merges a subscription for a client into the subscribers.
func (s *Subscribers) add(client string, sub packets.Subscription) {
	if existing, ok := s.Subscriptions[client]; ok && existing.Qos >= sub.Qos {
		return
	}
	s.Subscriptions[client] = sub
}

// TopicsIndex is an index of topic filter subscriptions, keyed on filter and
// then on client id.
type TopicsIndex struct {
	internal map[string]map[string]packets.Subscription
	sync.RWMutex
}

// NewTopicsIndex returns a new instance of TopicsIndex.
func NewTopicsIndex() *TopicsIndex {
	return &TopicsIndex{
		internal: map[string]map[string]packets.Subscription{},
	}
}

// Subscribe adds a subscription for a client to the index, returning true if
// the client did not previously hold the filter.
func (x *TopicsIndex) Subscribe(client string, sub packets.Subscription) bool {
	x.Lock()
	defer x.Unlock()

	clients, ok := x.internal[sub.Filter]
	if !ok {
		clients = map[string]packets.Subscription{}
		x.internal[sub.Filter] = clients
	}

	_, existed := clients[client]
	clients[client] = sub
	return !existed
}

// Unsubscribe removes a client's subscription to a filter, returning true if
// it existed.
func (x *TopicsIndex) Unsubscribe(filter, client string) bool {
	x.Lock()
	defer x.Unlock()

	clients, ok := x.internal[filter]
	if !ok {
		return false
	}

	if _, ok := clients[client]; !ok {
		return false
	}

	delete(clients, client)
	if len(clients) == 0 {
		delete(x.internal, filter)
	}

	return true
}

// Subscribers returns the subscriptions matching a topic name.
func (x *TopicsIndex) Subscribers(topic string) *Subscribers {
	x.RLock()
	defer x.RUnlock()

	subs := &Subscribers{
		Subscriptions: map[string]packets.Subscription{},
	}

	for filter, clients := range x.internal {
		if !MatchTopic(filter, topic) {
			continue
		}

		for client, sub := range clients {
			subs.add(client, sub)
		}
	}

	return subs
}

// MatchTopic returns true if a topic name matches a topic filter, supporting the
// single level + and multi level # wildcards. Filters beginning with a wildcard
// never match $SYS topics. [MQTT-4.7.2-1]
func MatchTopic(filter, topic string) bool {
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}

	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")

	for i, f := range fp {
		if f == "#" {
			return true // [MQTT-4.7.1-2]
		}

		if i >= len(tp) {
			return false
		}

		if f != "+" && f != tp[i] {
			return false
		}
	}

	return len(fp) == len(tp)
}

// IsValidFilter returns true if the filter is valid for subscribing. The
// multi level wildcard must be the last level, and wildcards must occupy a
// whole level. [MQTT-4.7.1-1] [MQTT-4.7.1-2]
func IsValidFilter(filter string) bool {
	if filter == "" {
		return false
	}

	parts := strings.Split(filter, "/")
	for i, p := range parts {
		if strings.Contains(p, "#") && (p != "#" || i != len(parts)-1) {
			return false
		}

		if strings.Contains(p, "+") && p != "+" {
			return false
		}
	}

	return true
}
