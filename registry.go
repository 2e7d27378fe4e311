// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rapnode

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Registry maps URIs to Endpoints. A Registry is not safe for
// concurrent use; each worker should have its own, see Registries.
//
// Endpoints are memoized by the literal "host:port" text of the URI, so
// different spellings of the same destination get different Endpoints.
type Registry struct {
	defaults  Config
	opts      []Option
	local     *Endpoint
	localPort map[uint16]*Endpoint
	endpoints map[string]*Endpoint
}

// NewRegistry returns a Registry. The defaults Config describes the
// local Endpoint, used for URIs that are plain paths, and provides the
// timeouts and pool sizes for all other Endpoints.
func NewRegistry(defaults Config, opts ...Option) *Registry {
	return &Registry{
		defaults:  defaults,
		opts:      opts,
		localPort: make(map[uint16]*Endpoint),
		endpoints: make(map[string]*Endpoint),
	}
}

// Local returns the local Endpoint, creating it on first use.
func (r *Registry) Local() (*Endpoint, error) {
	if r.local == nil {
		cfg := r.defaults
		cfg.Host = normalizeHost(cfg.Host)
		cfg.Local = true
		ep, err := NewEndpoint(cfg, r.opts...)
		if err != nil {
			return nil, err
		}
		r.local = ep
	}
	return r.local, nil
}

// LocalPort returns the local Endpoint for port, creating it on first
// use. The default port, or zero, gives the same Endpoint as Local.
// Other ports never aggregate.
func (r *Registry) LocalPort(port uint16) (*Endpoint, error) {
	if port == 0 || port == r.defaults.Port {
		return r.Local()
	}
	if ep, ok := r.localPort[port]; ok {
		return ep, nil
	}
	cfg := r.defaults
	cfg.Host = normalizeHost(cfg.Host)
	cfg.Port = port
	cfg.Local = true
	cfg.Aggregation = false
	ep, err := NewEndpoint(cfg, r.opts...)
	if err != nil {
		return nil, err
	}
	r.localPort[port] = ep
	return ep, nil
}

// ResolvePort is like Resolve, but a URI that is a plain path resolves
// to the local Endpoint for port.
func (r *Registry) ResolvePort(port uint16, uri string) (*Endpoint, string, error) {
	if _, path, local := SplitURI(uri); local {
		ep, err := r.LocalPort(port)
		return ep, path, err
	}
	return r.Resolve(uri)
}

// Resolve returns the Endpoint for the URI and the path to request on it.
// A URI starting with '/' resolves to the local Endpoint. Otherwise it
// has the form "scheme://host[:port]/path" or "host[:port]/path"; a
// missing port means port 80.
func (r *Registry) Resolve(uri string) (*Endpoint, string, error) {
	hostport, path, local := SplitURI(uri)
	if local {
		ep, err := r.Local()
		return ep, path, err
	}
	if ep, ok := r.endpoints[hostport]; ok {
		return ep, path, nil
	}
	host, port, err := splitHostPort(hostport)
	if err != nil {
		return nil, "", err
	}
	cfg := r.defaults
	cfg.Host = host
	cfg.Port = port
	cfg.Local = false
	cfg.Aggregation = false
	ep, err := NewEndpoint(cfg, r.opts...)
	if err != nil {
		return nil, "", err
	}
	r.endpoints[hostport] = ep
	return ep, path, nil
}

// Len returns the number of remote Endpoints created.
func (r *Registry) Len() int {
	return len(r.endpoints)
}

// Close closes all Endpoints created by the Registry.
func (r *Registry) Close() (err error) {
	if r.local != nil {
		err = r.local.Close()
		r.local = nil
	}
	for port, ep := range r.localPort {
		if eperr := ep.Close(); err == nil {
			err = eperr
		}
		delete(r.localPort, port)
	}
	for k, ep := range r.endpoints {
		if eperr := ep.Close(); err == nil {
			err = eperr
		}
		delete(r.endpoints, k)
	}
	return
}

// SplitURI splits a URI into its "host[:port]" part and the path. If
// the URI is a plain path, local is true and hostport is empty.
func SplitURI(uri string) (hostport, path string, local bool) {
	if strings.HasPrefix(uri, "/") {
		return "", uri, true
	}
	rest := uri
	if idx := strings.Index(rest, "://"); idx >= 0 {
		rest = rest[idx+3:]
	}
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		return rest[:idx], rest[idx:], false
	}
	return rest, "/", false
}

func splitHostPort(hostport string) (host string, port uint16, err error) {
	host = hostport
	port = DefaultPort
	if idx := strings.LastIndexByte(hostport, ':'); idx >= 0 && !strings.HasSuffix(hostport, "]") {
		var n uint64
		if n, err = strconv.ParseUint(hostport[idx+1:], 10, 16); err != nil || n == 0 {
			return "", 0, errors.Errorf("invalid port in %q", hostport)
		}
		host, port = hostport[:idx], uint16(n)
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" {
		return "", 0, errors.Errorf("missing host in %q", hostport)
	}
	return normalizeHost(host), port, nil
}

func normalizeHost(host string) string {
	if strings.EqualFold(host, "localhost") {
		return "127.0.0.1"
	}
	return host
}

// Registries holds one Registry per worker.
type Registries []*Registry

// NewRegistries returns Registries for the given number of workers.
func NewRegistries(workers int, defaults Config, opts ...Option) Registries {
	rs := make(Registries, workers)
	for i := range rs {
		rs[i] = NewRegistry(defaults, opts...)
	}
	return rs
}

// Worker returns the Registry for the given worker id.
func (rs Registries) Worker(id int) *Registry {
	return rs[id]
}

// Close closes all Registries.
func (rs Registries) Close() (err error) {
	for _, r := range rs {
		if rerr := r.Close(); err == nil {
			err = rerr
		}
	}
	return
}
