// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rapnode

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

func validateRequest(method, path, headers string) error {
	if method == "" || strings.ContainsAny(method, " \r\n") {
		return errors.Wrapf(ErrMalformedRequest, "method %q", method)
	}
	if path == "" || strings.ContainsAny(path, " \r\n") {
		return errors.Wrapf(ErrMalformedRequest, "path %q", path)
	}
	if headers != "" && !strings.HasSuffix(headers, "\r\n") {
		return errors.WithStack(ErrMalformedHeaders)
	}
	return nil
}

// buildRequest appends a raw HTTP/1.1 request to dst. Custom headers,
// if any, must be complete header lines each ending in CRLF.
func buildRequest(dst []byte, method, path, host, headers string, body []byte) ([]byte, error) {
	if err := validateRequest(method, path, headers); err != nil {
		return dst, err
	}
	dst = append(dst, method...)
	dst = append(dst, ' ')
	dst = append(dst, path...)
	dst = append(dst, " HTTP/1.1\r\nHost: "...)
	dst = append(dst, host...)
	dst = append(dst, "\r\n"...)
	dst = append(dst, headers...)
	dst = append(dst, "Content-Length: "...)
	dst = strconv.AppendInt(dst, int64(len(body)), 10)
	dst = append(dst, "\r\n\r\n"...)
	dst = append(dst, body...)
	return dst, nil
}

// requestLine returns the "METHOD path" prefix of a raw request,
// as handed to a LocalHandler.
func requestLine(method, path string) string {
	return method + " " + path
}
