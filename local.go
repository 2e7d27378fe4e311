// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rapnode

// LocalHandler serves requests addressed to the process itself
// without a network round trip.
type LocalHandler interface {
	// TryHandleLocally returns the response for the raw request, or
	// false if the request is not handled locally and must go out on
	// the network. methodAndPath is the "METHOD path" prefix of the request.
	TryHandleLocally(methodAndPath string, request []byte, port uint16) (*Response, bool)
}

// LocalHandlerFunc adapts a function to the LocalHandler interface.
type LocalHandlerFunc func(methodAndPath string, request []byte, port uint16) (*Response, bool)

// TryHandleLocally calls f.
func (f LocalHandlerFunc) TryHandleLocally(methodAndPath string, request []byte, port uint16) (*Response, bool) {
	return f(methodAndPath, request, port)
}
