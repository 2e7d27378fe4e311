// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rapnode

import (
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"
)

// UpstreamProxy forwards requests received by an AggregationServer
// to an upstream HTTP server.
type UpstreamProxy struct {
	client *fasthttp.HostClient
	log    *slog.Logger
}

// NewUpstreamProxy returns an UpstreamProxy for the upstream host:port.
func NewUpstreamProxy(addr string, maxConns int, timeout time.Duration, log *slog.Logger) *UpstreamProxy {
	if maxConns < 1 {
		maxConns = 512
	}
	if log == nil {
		log = slog.Default()
	}
	return &UpstreamProxy{
		client: &fasthttp.HostClient{
			Addr:                addr,
			MaxConns:            maxConns,
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: time.Minute,
		},
		log: log,
	}
}

// HandleFastHTTP implements fasthttp.RequestHandler.
func (up *UpstreamProxy) HandleFastHTTP(ctx *fasthttp.RequestCtx) {
	req := &ctx.Request
	req.Header.Del(fasthttp.HeaderConnection)
	req.Header.Del("Keep-Alive")
	req.SetHost(up.client.Addr)

	if err := up.client.Do(req, &ctx.Response); err != nil {
		up.log.Warn("upstream request failed", LabelPeerAddr.L(up.client.Addr), LabelPath.L(string(req.URI().Path())), LabelError.L(err))
		ctx.Response.Reset()
		ctx.Error(err.Error(), fasthttp.StatusBadGateway)
		return
	}
	ctx.Response.Header.Del(fasthttp.HeaderConnection)
}

// Close closes idle upstream connections.
func (up *UpstreamProxy) Close() {
	up.client.CloseIdleConnections()
}
