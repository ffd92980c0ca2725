// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mochi-mqtt/qos2/packets"
)

func TestNewSubscriptions(t *testing.T) {
	s := NewSubscriptions()
	require.NotNil(t, s.internal)
}

func TestSubscriptionsAddGet(t *testing.T) {
	s := NewSubscriptions()
	s.Add("a/b/c", packets.Subscription{Filter: "a/b/c", Qos: 1})
	s.Add("a/b/c", packets.Subscription{Filter: "a/b/c", Qos: 2})

	sub, ok := s.Get("a/b/c")
	require.True(t, ok)
	require.Equal(t, byte(2), sub.Qos)
	require.Equal(t, 1, s.Len())

	_, ok = s.Get("d/e/f")
	require.False(t, ok)
}

func TestSubscriptionsGetAllOrdered(t *testing.T) {
	s := NewSubscriptions()
	s.Add("z", packets.Subscription{Filter: "z"})
	s.Add("a/#", packets.Subscription{Filter: "a/#"})
	s.Add("m/+", packets.Subscription{Filter: "m/+"})

	all := s.GetAll()
	require.Len(t, all, 3)
	require.Equal(t, "a/#", all[0].Filter)
	require.Equal(t, "m/+", all[1].Filter)
	require.Equal(t, "z", all[2].Filter)
}

func TestSubscriptionsDelete(t *testing.T) {
	s := NewSubscriptions()
	s.Add("a/b/c", packets.Subscription{Filter: "a/b/c"})
	s.Delete("a/b/c")
	require.Equal(t, 0, s.Len())
}

func TestTopicsIndexSubscribe(t *testing.T) {
	x := NewTopicsIndex()
	require.True(t, x.Subscribe("cl1", packets.Subscription{Filter: "a/b/c", Qos: 1}))
	require.False(t, x.Subscribe("cl1", packets.Subscription{Filter: "a/b/c", Qos: 2}))
	require.True(t, x.Subscribe("cl2", packets.Subscription{Filter: "a/b/c"}))

	subs := x.Subscribers("a/b/c")
	require.Len(t, subs.Subscriptions, 2)
	require.Equal(t, byte(2), subs.Subscriptions["cl1"].Qos)
}

func TestTopicsIndexUnsubscribe(t *testing.T) {
	x := NewTopicsIndex()
	x.Subscribe("cl1", packets.Subscription{Filter: "a/b/c"})

	require.False(t, x.Unsubscribe("a/b/c", "cl2"))
	require.False(t, x.Unsubscribe("d/e/f", "cl1"))
	require.True(t, x.Unsubscribe("a/b/c", "cl1"))
	require.NotContains(t, x.internal, "a/b/c")
	require.Empty(t, x.Subscribers("a/b/c").Subscriptions)
}

func TestTopicsIndexSubscribersHighestQos(t *testing.T) {
	x := NewTopicsIndex()
	x.Subscribe("cl1", packets.Subscription{Filter: "a/+/c", Qos: 1})
	x.Subscribe("cl1", packets.Subscription{Filter: "a/#", Qos: 2})
	x.Subscribe("cl1", packets.Subscription{Filter: "a/b/c", Qos: 0})
	x.Subscribe("cl2", packets.Subscription{Filter: "d/#", Qos: 2})

	subs := x.Subscribers("a/b/c")
	require.Len(t, subs.Subscriptions, 1)
	require.Equal(t, "a/#", subs.Subscriptions["cl1"].Filter)
	require.Equal(t, byte(2), subs.Subscriptions["cl1"].Qos)
}

func TestMatchTopic(t *testing.T) {
	tt := []struct {
		filter string
		topic  string
		match  bool
	}{
		{filter: "a/b/c", topic: "a/b/c", match: true},
		{filter: "a/+/c", topic: "a/b/c", match: true},
		{filter: "a/+/+", topic: "a/b/c", match: true},
		{filter: "a/#", topic: "a/b/c", match: true},
		{filter: "a/#", topic: "a", match: true},
		{filter: "#", topic: "a/b/c", match: true},
		{filter: "+", topic: "a", match: true},
		{filter: "a/+", topic: "a/b/c"},
		{filter: "a/b", topic: "a/b/c"},
		{filter: "a/b/c/d", topic: "a/b/c"},
		{filter: "a/b/d", topic: "a/b/c"},
		{filter: "#", topic: "$SYS/info"},
		{filter: "+/info", topic: "$SYS/info"},
		{filter: "$SYS/#", topic: "$SYS/info", match: true},
	}

	for _, tx := range tt {
		t.Run(tx.filter+" "+tx.topic, func(t *testing.T) {
			require.Equal(t, tx.match, MatchTopic(tx.filter, tx.topic))
		})
	}
}

func TestIsValidFilter(t *testing.T) {
	require.True(t, IsValidFilter("a/b/c"))
	require.True(t, IsValidFilter("a/+/c"))
	require.True(t, IsValidFilter("a/#"))
	require.True(t, IsValidFilter("#"))
	require.False(t, IsValidFilter(""))
	require.False(t, IsValidFilter("a/#/c"))
	require.False(t, IsValidFilter("a/b#"))
	require.False(t, IsValidFilter("a/b+/c"))
}
