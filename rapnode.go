// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rapnode

import "time"

const (
	// FrameHeaderSize is the number of bytes in an aggregation frame header.
	FrameHeaderSize = 24
	// TaskBufferSize is the size of the per-Task receive buffer.
	TaskBufferSize = 8 * 1024
	// DefaultPoolCapacity is the default maximum number of pooled Tasks.
	DefaultPoolCapacity = 128
	// DefaultAggregationBlobSize is the default size of each aggregation send and receive blob.
	DefaultAggregationBlobSize = 1024 * 1024
	// DefaultAggregationSlots is the default number of aggregated requests that may be outstanding.
	DefaultAggregationSlots = 64
	// ProtocolMaxSlots is the largest slot table the wire protocol allows.
	ProtocolMaxSlots = 8192 * 2
	// DefaultPort is used when a URI does not carry a port.
	DefaultPort = 80
	// DefaultDialTimeout is how long to wait when connecting.
	DefaultDialTimeout = time.Second * 5
	// MaxResponseHeaderSize is the largest response header block accepted.
	MaxResponseHeaderSize = 64 * 1024
)

// Callback receives the response of an asynchronous request together with
// the user context given when the request was submitted.
//
// The Task that carried the request returns to the pool only after the
// Callback returns. A Callback that calls SendAsync on the same Endpoint
// while every pooled Task is in use therefore deadlocks that Endpoint.
type Callback func(resp *Response, userCtx any)
