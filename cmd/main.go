// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	mqtt "github.com/mochi-mqtt/qos2"
	"github.com/mochi-mqtt/qos2/config"
	"github.com/mochi-mqtt/qos2/hooks/auth"
	"github.com/mochi-mqtt/qos2/listeners"
)

func main() {
	tcpAddr := flag.String("tcp", ":1883", "network address for TCP listener")
	wsAddr := flag.String("ws", ":1882", "network address for Websocket listener")
	infoAddr := flag.String("info", ":8080", "network address for web info dashboard listener")
	configFile := flag.String("config", "", "path to a YAML or JSON config file; listener flags are ignored when set")
	flag.Parse()

	sigs := make(chan os.Signal, 1)
	done := make(chan bool, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		done <- true
	}()

	server, err := configure(*configFile, *tcpAddr, *wsAddr, *infoAddr)
	if err != nil {
		slog.Default().Error("configure server", "error", err)
		os.Exit(1)
	}

	go func() {
		err := server.Serve()
		if err != nil {
			server.Log.Error("serve", "error", err)
			done <- true
		}
	}()

	<-done
	server.Log.Warn("caught signal, stopping...")
	_ = server.Close()
	server.Log.Info("main.go finished")
}

// configure builds the server from a config file if one is given, or
// otherwise from the listener flags with every client allowed.
func configure(path, tcpAddr, wsAddr, infoAddr string) (*mqtt.Server, error) {
	if path != "" {
		opts, err := config.FromFile(path)
		if err != nil {
			return nil, err
		}
		return mqtt.New(opts), nil
	}

	server := mqtt.New(nil)
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, err
	}

	for _, l := range []listeners.Listener{
		listeners.NewTCP(listeners.Config{Type: listeners.TypeTCP, ID: "t1", Address: tcpAddr}),
		listeners.NewWebsocket(listeners.Config{Type: listeners.TypeWS, ID: "ws1", Address: wsAddr}),
		listeners.NewHTTPStats(listeners.Config{Type: listeners.TypeSysInfo, ID: "info", Address: infoAddr}, server.Info),
	} {
		if err := server.AddListener(l); err != nil {
			return nil, err
		}
	}

	return server, nil
}
