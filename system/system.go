// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

package system

import (
	"runtime"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Info contains atomic counters and values for various server statistics,
// including the progress of qos handshakes across all connections.
type Info struct {
	Version             string `json:"version"`              // the current version of the server
	Started             int64  `json:"started"`              // the time the server started in unix seconds
	Time                int64  `json:"time"`                 // current time on the server
	Uptime              int64  `json:"uptime"`               // the number of seconds the server has been online
	BytesReceived       int64  `json:"bytes_received"`       // total number of bytes received since the broker started
	BytesSent           int64  `json:"bytes_sent"`           // total number of bytes sent since the broker started
	ClientsConnected    int64  `json:"clients_connected"`    // number of currently connected clients
	ClientsDisconnected int64  `json:"clients_disconnected"` // number of persistent sessions registered but not connected
	ClientsMaximum      int64  `json:"clients_maximum"`      // maximum number of active clients that have been connected
	ClientsTotal        int64  `json:"clients_total"`        // total number of connected and persistent disconnected clients
	MessagesReceived    int64  `json:"messages_received"`    // total number of publish messages received
	MessagesSent        int64  `json:"messages_sent"`        // total number of publish messages sent
	MessagesDropped     int64  `json:"messages_dropped"`     // total number of publish messages dropped to slow or full subscribers
	Inflight            int64  `json:"inflight"`             // the number of handshakes currently in-flight
	HandshakesCompleted int64  `json:"handshakes_completed"` // total number of qos handshakes which reached completion
	HandshakesDropped   int64  `json:"handshakes_dropped"`   // total number of qos handshakes abandoned or expired
	AcksTolerated       int64  `json:"acks_tolerated"`       // total number of acknowledgements which matched no handshake step
	Retransmits         int64  `json:"retransmits"`          // total number of packets resent for duplicates or resumed sessions
	Subscriptions       int64  `json:"subscriptions"`        // total number of subscriptions active on the broker
	PacketsReceived     int64  `json:"packets_received"`     // total number of packets of any type received
	PacketsSent         int64  `json:"packets_sent"`         // total number of packets of any type sent
	MemoryAlloc         int64  `json:"memory_alloc"`         // memory currently allocated
	Threads             int64  `json:"threads"`              // number of active goroutines, named as threads for platform ambiguity
}

// Clone makes a copy of Info using atomic operation
func (i *Info) Clone() *Info {
	return &Info{
		Version:             i.Version,
		Started:             atomic.LoadInt64(&i.Started),
		Time:                atomic.LoadInt64(&i.Time),
		Uptime:              atomic.LoadInt64(&i.Uptime),
		BytesReceived:       atomic.LoadInt64(&i.BytesReceived),
		BytesSent:           atomic.LoadInt64(&i.BytesSent),
		ClientsConnected:    atomic.LoadInt64(&i.ClientsConnected),
		ClientsMaximum:      atomic.LoadInt64(&i.ClientsMaximum),
		ClientsTotal:        atomic.LoadInt64(&i.ClientsTotal),
		ClientsDisconnected: atomic.LoadInt64(&i.ClientsDisconnected),
		MessagesReceived:    atomic.LoadInt64(&i.MessagesReceived),
		MessagesSent:        atomic.LoadInt64(&i.MessagesSent),
		MessagesDropped:     atomic.LoadInt64(&i.MessagesDropped),
		Inflight:            atomic.LoadInt64(&i.Inflight),
		HandshakesCompleted: atomic.LoadInt64(&i.HandshakesCompleted),
		HandshakesDropped:   atomic.LoadInt64(&i.HandshakesDropped),
		AcksTolerated:       atomic.LoadInt64(&i.AcksTolerated),
		Retransmits:         atomic.LoadInt64(&i.Retransmits),
		Subscriptions:       atomic.LoadInt64(&i.Subscriptions),
		PacketsReceived:     atomic.LoadInt64(&i.PacketsReceived),
		PacketsSent:         atomic.LoadInt64(&i.PacketsSent),
		MemoryAlloc:         atomic.LoadInt64(&i.MemoryAlloc),
		Threads:             atomic.LoadInt64(&i.Threads),
	}
}

// RegisterPrometheusMetrics exposes the counters of the Info as prometheus
// counters and gauges on the registerer, or the default registerer if nil.
func (i *Info) RegisterPrometheusMetrics(registry prometheus.Registerer) error {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	type metrics struct {
		metricType string
		name       string
		help       string
		value      *int64
	}

	metricsList := []metrics{
		{"c", "bytes_received", "A count of total number of bytes received", &i.BytesReceived},
		{"c", "bytes_sent", "A counter total number of bytes sent", &i.BytesSent},
		{"g", "clients_connected", "A gauge of number of currently connected clients", &i.ClientsConnected},
		{"g", "clients_disconnected", "A gauge of total number of persistent clients", &i.ClientsDisconnected},
		{"g", "clients_maximum", "A gauge of maximum number of active clients that have been connected", &i.ClientsMaximum},
		{"g", "clients_total", "A gauge of total number of connected and disconnected clients with a persistent session", &i.ClientsTotal},
		{"c", "messages_received", "A counter of total number of publish messages received", &i.MessagesReceived},
		{"c", "messages_sent", "A counter of total number of publish messages sent", &i.MessagesSent},
		{"c", "messages_dropped", "A counter of total number of publish messages dropped", &i.MessagesDropped},
		{"g", "inflight", "A gauge of the number of handshakes currently in-flight", &i.Inflight},
		{"c", "handshakes_completed", "A counter of qos handshakes which completed", &i.HandshakesCompleted},
		{"c", "handshakes_dropped", "A counter of qos handshakes which were abandoned or expired", &i.HandshakesDropped},
		{"c", "acks_tolerated", "A counter of acknowledgements which matched no handshake step", &i.AcksTolerated},
		{"c", "retransmits", "A counter of packets resent for duplicates or resumed sessions", &i.Retransmits},
		{"g", "subscriptions", "A gauge of total number of subscriptions active on the broker", &i.Subscriptions},
		{"c", "packets_received", "A counter of the total number of packets received", &i.PacketsReceived},
		{"c", "packets_sent", "A counter of the total number of packets sent", &i.PacketsSent},
	}

	for _, m := range metricsList {
		m := m
		fn := func() float64 {
			return float64(atomic.LoadInt64(m.value))
		}

		var c prometheus.Collector
		switch m.metricType {
		case "c":
			c = prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: "mqtt", Name: m.name, Help: m.help}, fn)
		case "g":
			c = prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: "mqtt", Name: m.name, Help: m.help}, fn)
		}

		if err := registry.Register(c); err != nil {
			return err
		}
	}

	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mqtt",
			Name:      "build_info",
			Help:      "Build Information",
		},
		[]string{"goversion", "version"},
	)
	if err := registry.Register(buildInfo); err != nil {
		return err
	}
	buildInfo.With(prometheus.Labels{"goversion": runtime.Version(), "version": i.Version}).Set(1)

	return nil
}
