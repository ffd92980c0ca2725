// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

package system

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestClone(t *testing.T) {
	o := &Info{
		Version:             "version",
		Started:             1,
		Time:                2,
		Uptime:              3,
		BytesReceived:       4,
		BytesSent:           5,
		ClientsConnected:    6,
		ClientsMaximum:      7,
		ClientsTotal:        8,
		ClientsDisconnected: 9,
		MessagesReceived:    10,
		MessagesSent:        11,
		MessagesDropped:     12,
		Inflight:            13,
		HandshakesCompleted: 14,
		HandshakesDropped:   15,
		AcksTolerated:       16,
		Retransmits:         17,
		Subscriptions:       18,
		PacketsReceived:     19,
		PacketsSent:         20,
		MemoryAlloc:         21,
		Threads:             22,
	}

	n := o.Clone()

	require.Equal(t, o, n)
}

func TestRegisterPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := &Info{Version: "test", AcksTolerated: 3, HandshakesCompleted: 2}
	require.NoError(t, o.RegisterPrometheusMetrics(reg))

	expected := `
		# HELP mqtt_acks_tolerated A counter of acknowledgements which matched no handshake step
		# TYPE mqtt_acks_tolerated counter
		mqtt_acks_tolerated 3
		# HELP mqtt_handshakes_completed A counter of qos handshakes which completed
		# TYPE mqtt_handshakes_completed counter
		mqtt_handshakes_completed 2
	`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "mqtt_acks_tolerated", "mqtt_handshakes_completed")
	require.NoError(t, err)
}

func TestRegisterPrometheusMetricsTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := new(Info)
	require.NoError(t, o.RegisterPrometheusMetrics(reg))
	require.Error(t, o.RegisterPrometheusMetrics(reg))
}
