// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rapnode

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

type options struct {
	logHandler      slog.Handler
	metricSink      metrics.MetricSink
	metricLabels    []metrics.Label
	local           LocalHandler
	recoverCallback bool
}

// Option to pass to NewEndpoint and NewRegistry.
type Option func(*options) error

// WithLogHandler specifies which slog.Handler to use. The default is
// the handler of slog.Default().
func WithLogHandler(handler slog.Handler) Option {
	return func(o *options) error {
		o.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted
// by the Endpoint.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(o *options) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		o.metricSink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Endpoint.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(o *options) error {
		o.metricLabels = labels
		return nil
	}
}

// WithLocalHandler sets the handler used to serve requests to a local
// Endpoint without going through the network.
func WithLocalHandler(h LocalHandler) Option {
	return func(o *options) error {
		o.local = h
		return nil
	}
}

// WithCallbackRecovery controls whether a panicking Callback is
// recovered and logged instead of crashing the process.
func WithCallbackRecovery(enabled bool) Option {
	return func(o *options) error {
		o.recoverCallback = enabled
		return nil
	}
}

func buildOptions(opts []Option) (o options, err error) {
	for _, opt := range opts {
		if err = opt(&o); err != nil {
			return
		}
	}
	if o.metricSink == nil {
		o.metricSink = metrics.Default()
	}
	return
}

func (o *options) logger() *slog.Logger {
	if o.logHandler == nil {
		return slog.Default()
	}
	return slog.New(o.logHandler)
}
