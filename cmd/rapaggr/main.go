// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linkdata/rapnode"
	"github.com/spf13/pflag"
)

func main() {
	listenAddr := pflag.StringP("listen", "l", "127.0.0.1:10111", "the address the aggregation server should listen on")
	upstream := pflag.StringP("upstream", "u", "127.0.0.1:8080", "host:port of the upstream HTTP server")
	maxConns := pflag.Int("max-conns", 512, "maximum upstream connections")
	timeout := pflag.Duration("timeout", 30*time.Second, "upstream read and write timeout")
	printAddr := pflag.Bool("printaddr", false, "print the listen address on stdout")
	pflag.Parse()

	handler := slog.NewTextHandler(os.Stderr, nil)
	log := slog.New(handler)

	up := rapnode.NewUpstreamProxy(*upstream, *maxConns, *timeout, log)
	defer up.Close()

	srv := &rapnode.AggregationServer{
		Handler:    up.HandleFastHTTP,
		LogHandler: handler,
	}
	ln, err := srv.Listen(*listenAddr)
	if err != nil {
		log.Error("can't listen", "addr", *listenAddr, "error", err)
		os.Exit(1)
	}
	if *printAddr {
		fmt.Fprintln(os.Stdout, srv.Addr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		srv.Close()
	}()

	log.Info("serving", "addr", srv.Addr, "upstream", *upstream)
	if err = srv.Serve(ln); err != nil && err != rapnode.ErrServerClosed {
		log.Error("serve failed", "error", err)
		os.Exit(1)
	}
	log.Info("stopped", "bytes_read", srv.BytesRead(), "bytes_written", srv.BytesWritten())
}
