// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rapnode

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricTaskCreatedCount       = []string{"rapnode", "task", "created", "count"}
	MetricRequestCount           = []string{"rapnode", "request", "count"}
	MetricRequestFailureCount    = []string{"rapnode", "request", "failure", "count"}
	MetricReconnectCount         = []string{"rapnode", "reconnect", "count"}
	MetricLocalCount             = []string{"rapnode", "local", "count"}
	MetricAggrFrameOutCount      = []string{"rapnode", "aggregation", "frame", "out", "count"}
	MetricAggrFrameInCount       = []string{"rapnode", "aggregation", "frame", "in", "count"}
	MetricAggrBytesOut           = []string{"rapnode", "aggregation", "out", "bytes"}
	MetricAggrBytesIn            = []string{"rapnode", "aggregation", "in", "bytes"}
	MetricAggrBalance            = []string{"rapnode", "aggregation", "balance"}
	MetricAggrChannelErrorCount  = []string{"rapnode", "aggregation", "channel", "error", "count"}
	MetricAggrChannelOpenCount   = []string{"rapnode", "aggregation", "channel", "open", "count"}
	MetricCallbackPanicCount     = []string{"rapnode", "callback", "panic", "count"}
	MetricServerFrameInCount     = []string{"rapnode", "server", "frame", "in", "count"}
	MetricServerConnectionsCount = []string{"rapnode", "server", "connection", "count"}
)

// TelemetryLabel names a label used both in log attributes and metric labels.
type TelemetryLabel string

var (
	LabelEndpoint TelemetryLabel = "endpoint"
	LabelError    TelemetryLabel = "error"
	LabelMethod   TelemetryLabel = "method"
	LabelPath     TelemetryLabel = "path"
	LabelSlot     TelemetryLabel = "slot"
	LabelWireID   TelemetryLabel = "wire_id"
	LabelPeerAddr TelemetryLabel = "peer_addr"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
