// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rapnode

import (
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

var (
	// ErrIncompleteHeaders means more bytes are needed before the response headers can be parsed.
	ErrIncompleteHeaders = errors.New("incomplete headers")
	// ErrMalformedResponse means the received bytes are not a valid HTTP/1.x response.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrMalformedHeaders means caller supplied headers do not end in CRLF.
	ErrMalformedHeaders = errors.New("custom headers must end with \\r\\n")
	// ErrMalformedRequest means the method or path can not be put on a request line.
	ErrMalformedRequest = errors.New("malformed request line")
	// ErrFrameTooLarge means a request would not fit in an empty aggregation blob.
	ErrFrameTooLarge = errors.New("request too large for aggregation blob")
	// ErrEndpointClosed is returned for calls made after Close.
	ErrEndpointClosed = errors.New("endpoint closed")
)

// ProtocolError is the error type used for reporting aggregation
// protocol errors, all of which are fatal to the aggregation channel.
type ProtocolError struct {
	Reason string
}

func (err ProtocolError) Error() string { return "protocol error: " + err.Reason }

type timeoutError struct{}

func (timeoutError) Error() string   { return "receive timed out" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type remoteClosedError struct{}

func (remoteClosedError) Error() string { return "remote closed the connection" }

type channelClosedError struct{}

func (channelClosedError) Error() string { return "aggregation channel closed" }

// isDeadConnError returns true if err indicates that a connection that
// used to work has gone away before any response byte arrived.
func isDeadConnError(err error) bool {
	if _, ok := errors.Cause(err).(remoteClosedError); ok {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

func isTimeoutError(err error) bool {
	if te, ok := errors.Cause(err).(interface{ Timeout() bool }); ok {
		return te.Timeout()
	}
	return false
}

// connectError describes a failure to connect to host:port. If the host
// looks like the first segment of a relative path that failed to resolve,
// the description suggests the missing leading slash.
func connectError(host string, port uint16, err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound && looksLikePathSegment(host) {
		return errors.Wrapf(err, "can't resolve host %q; did you mean the local path \"/%s\"?", host, host)
	}
	return errors.Wrap(err, fmt.Sprintf("can't connect to %s:%d", host, port))
}

func looksLikePathSegment(host string) bool {
	return host != "" && host != "localhost" && !strings.ContainsAny(host, ".:")
}
