// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

/*
Package rapnode implements a REST endpoint client that talks to a single fixed host:port.

An Endpoint issues HTTP/1.1 requests either synchronously, asynchronously through a bounded pool of reusable Tasks, or multiplexed over a single aggregation connection. Responses are always delivered as a *Response; transport failures are turned into a synthesized 503 Service Unavailable response whose body describes the failure.

The non-aggregated asynchronous path allows exactly one Task per Endpoint to perform network I/O at any time. Other Tasks wait in a FIFO queue and are dispatched by whichever Task completes before them. The live connection is handed from Task to Task.

The aggregation channel multiplexes many Tasks over one TCP connection. Each request is framed by a fixed 24-byte header carrying a slot index; the server echoes the slot index in the response frame so the receiver can find the waiting Task. One goroutine sends and one receives, each owning its own fixed-size blob.

A Registry maps URIs to Endpoints. It is not safe for concurrent use; create one per worker, or use Registries to hold one per worker id. */
package rapnode
