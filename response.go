// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rapnode

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
)

var (
	httpPrefix  = []byte("HTTP/")
	headerEnd   = []byte("\r\n\r\n")
	lineEnd     = []byte("\r\n")
	statusSpace = []byte(" ")
)

// Response is a complete HTTP/1.x response as received from the
// Endpoint, or synthesized locally when the request failed.
type Response struct {
	StatusCode int    // numeric status code
	StatusText string // reason phrase from the status line
	Body       []byte // body bytes, a subslice of the raw response
	header     fasthttp.ResponseHeader
	raw        []byte
	headerLen  int
	totalLen   int
}

// ParseResponse tries to parse the headers of a HTTP response
// prefix. If b does not yet hold the complete headers, the error
// is ErrIncompleteHeaders and the caller should read more bytes.
// Any other error means b can never become a valid response.
//
// If skipBody is set the response has no body regardless of its
// Content-Length, as for the response to a HEAD request.
//
// The returned Response has no body attached; see TotalLength and AttachBody.
func ParseResponse(b []byte, skipBody bool) (*Response, error) {
	resp := &Response{}
	if err := resp.parse(b, skipBody); err != nil {
		return nil, err
	}
	return resp, nil
}

func (resp *Response) parse(b []byte, skipBody bool) error {
	n := len(b)
	if n > len(httpPrefix) {
		n = len(httpPrefix)
	}
	if !bytes.Equal(b[:n], httpPrefix[:n]) {
		return errors.Wrap(ErrMalformedResponse, "missing HTTP/ prefix")
	}

	idx := bytes.Index(b, headerEnd)
	if idx < 0 {
		if len(b) > MaxResponseHeaderSize {
			return errors.Wrap(ErrMalformedResponse, "headers too large")
		}
		return ErrIncompleteHeaders
	}
	headerLen := idx + len(headerEnd)
	if headerLen > MaxResponseHeaderSize {
		return errors.Wrap(ErrMalformedResponse, "headers too large")
	}

	br := bufio.NewReaderSize(bytes.NewReader(b[:headerLen]), headerLen+16)
	if err := resp.header.Read(br); err != nil {
		return errors.Wrap(ErrMalformedResponse, err.Error())
	}

	resp.StatusCode = resp.header.StatusCode()
	resp.StatusText = parseStatusText(b[:headerLen])

	bodyLen := 0
	switch cl := resp.header.ContentLength(); {
	case skipBody:
	case resp.StatusCode < 200 || resp.StatusCode == fasthttp.StatusNoContent || resp.StatusCode == fasthttp.StatusNotModified:
	case cl >= 0:
		bodyLen = cl
	case cl == -1:
		return errors.Wrap(ErrMalformedResponse, "chunked transfer encoding not supported")
	default:
		return errors.Wrap(ErrMalformedResponse, "missing Content-Length")
	}

	resp.headerLen = headerLen
	resp.totalLen = headerLen + bodyLen
	return nil
}

func parseStatusText(b []byte) string {
	if idx := bytes.Index(b, lineEnd); idx >= 0 {
		b = b[:idx]
	}
	if parts := bytes.SplitN(b, statusSpace, 3); len(parts) == 3 {
		return string(parts[2])
	}
	return ""
}

// TotalLength returns the declared length of the full response,
// headers and body included.
func (resp *Response) TotalLength() int {
	return resp.totalLen
}

// HeaderLength returns the length of the status line and headers,
// including the terminating blank line.
func (resp *Response) HeaderLength() int {
	return resp.headerLen
}

// AttachBody finalizes the Response with the accumulated bytes in buf,
// which must start with the headers that were parsed. The Response takes
// ownership of buf.
func (resp *Response) AttachBody(buf []byte) error {
	if len(buf) < resp.totalLen {
		return errors.Wrapf(ErrMalformedResponse, "short response: have %d bytes, need %d", len(buf), resp.totalLen)
	}
	resp.raw = buf[:resp.totalLen]
	resp.Body = resp.raw[resp.headerLen:]
	return nil
}

// Bytes returns the complete raw response.
func (resp *Response) Bytes() []byte {
	return resp.raw
}

// Header returns the value of the named response header, or an empty string.
func (resp *Response) Header(key string) string {
	return string(resp.header.Peek(key))
}

// ContentType returns the Content-Type header value.
func (resp *Response) ContentType() string {
	return string(resp.header.ContentType())
}

func (resp *Response) String() string {
	return fmt.Sprintf("[Response %d %q %d bytes]", resp.StatusCode, resp.StatusText, len(resp.Body))
}

// NewFailureResponse builds a synthetic response. It is used to report
// transport failures to callers that always expect a Response.
func NewFailureResponse(statusCode int, statusText, contentType, body string) *Response {
	var fr fasthttp.Response
	fr.SetStatusCode(statusCode)
	fr.Header.SetContentType(contentType)
	fr.Header.SetContentLength(len(body))

	raw := fr.Header.AppendBytes(nil)
	if statusText != fasthttp.StatusMessage(statusCode) {
		if idx := bytes.Index(raw, lineEnd); idx >= 0 {
			line := []byte("HTTP/1.1 " + strconv.Itoa(statusCode) + " " + statusText)
			raw = append(line, raw[idx:]...)
		}
	}
	raw = append(raw, body...)

	resp := &Response{}
	if err := resp.parse(raw, false); err != nil {
		panic(fmt.Sprintf("NewFailureResponse(): %v", err))
	}
	if err := resp.AttachBody(raw); err != nil {
		panic(fmt.Sprintf("NewFailureResponse(): %v", err))
	}
	return resp
}

// newServiceUnavailable synthesizes the response used for transport failures.
func newServiceUnavailable(err error) *Response {
	return NewFailureResponse(fasthttp.StatusServiceUnavailable, "Service Unavailable", "text/plain", err.Error())
}
