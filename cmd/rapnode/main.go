// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package main

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/linkdata/rapnode"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "endpoint YAML config file")
	uri := pflag.StringP("uri", "u", "http://127.0.0.1:8080/", "URI to request")
	method := pflag.StringP("method", "X", "GET", "request method")
	count := pflag.IntP("count", "n", 1000, "number of requests")
	async := pflag.Bool("async", false, "use asynchronous requests")
	aggregate := pflag.Int("aggregate", 0, "aggregation server port, enables aggregation")
	timeout := pflag.Duration("timeout", 0, "receive timeout")
	verbose := pflag.BoolP("verbose", "v", false, "log at debug level")
	pflag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	log := slog.New(handler)

	ep, path, err := endpoint(*configPath, *uri, *timeout, uint16(*aggregate), handler)
	if err != nil {
		log.Error("can't create endpoint", "uri", *uri, "error", err)
		os.Exit(2)
	}
	defer ep.Close()

	var mu sync.Mutex
	statuses := make(map[int]int)
	record := func(resp *rapnode.Response) {
		mu.Lock()
		statuses[resp.StatusCode]++
		mu.Unlock()
	}

	start := time.Now()
	if *async || ep.UsesAggregation() {
		var wg sync.WaitGroup
		wg.Add(*count)
		for i := 0; i < *count; i++ {
			err := ep.SendAsync(*method, path, "", nil, nil, func(resp *rapnode.Response, _ any) {
				record(resp)
				wg.Done()
			})
			if err != nil {
				log.Error("request failed", "error", err)
				os.Exit(1)
			}
		}
		wg.Wait()
	} else {
		for i := 0; i < *count; i++ {
			resp, err := ep.Send(*method, path, "", nil)
			if err != nil {
				log.Error("request failed", "error", err)
				os.Exit(1)
			}
			record(resp)
		}
	}
	elapsed := time.Since(start)

	codes := make([]int, 0, len(statuses))
	for code := range statuses {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		fmt.Printf("%d: %d\n", code, statuses[code])
	}
	fmt.Printf("%d requests to %s in %v (%.0f/s), %d tasks\n",
		*count, ep.Endpoint(), elapsed, float64(*count)/elapsed.Seconds(), ep.TasksCreated())
}

// endpoint returns the Endpoint to load. With a config file, the file
// names the host and the URI only supplies the path.
func endpoint(configPath, uri string, timeout time.Duration, aggrPort uint16, handler slog.Handler) (*rapnode.Endpoint, string, error) {
	_, path, local := rapnode.SplitURI(uri)
	var cfg rapnode.Config
	if configPath != "" {
		var err error
		if cfg, err = rapnode.LoadConfig(configPath); err != nil {
			return nil, "", err
		}
	} else {
		if local {
			return nil, "", fmt.Errorf("URI %q must name a host", uri)
		}
		r := rapnode.NewRegistry(rapnode.DefaultConfig("127.0.0.1", rapnode.DefaultPort))
		ep, p, err := r.Resolve(uri)
		if err != nil {
			return nil, "", err
		}
		cfg, path = ep.Config(), p
		r.Close()
	}
	if timeout > 0 {
		cfg.ReceiveTimeout = timeout
	}
	if aggrPort > 0 {
		cfg.Aggregation = true
		cfg.AggregationPort = aggrPort
	}
	ep, err := rapnode.NewEndpoint(cfg, rapnode.WithLogHandler(handler))
	return ep, path, err
}
