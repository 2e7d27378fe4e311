// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rapnode

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config describes one Endpoint.
type Config struct {
	// Host is the destination host name or address.
	Host string `yaml:"host"`

	// Port is the destination port.
	// Default: 80
	Port uint16 `yaml:"port"`

	// Aggregation enables the multiplexed aggregation channel for
	// asynchronous requests.
	Aggregation bool `yaml:"aggregation"`

	// AggregationPort is the port the aggregation server listens on.
	AggregationPort uint16 `yaml:"aggregation_port"`

	// ReceiveTimeout bounds the receive phase of a request. Zero means no timeout.
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`

	// DialTimeout bounds connection establishment.
	// Default: 5s
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// PoolCapacity is the maximum number of Tasks ever created for
	// asynchronous requests.
	// Default: 128
	PoolCapacity int `yaml:"pool_capacity"`

	// AggregationBlobSize is the size of each of the aggregation send and receive blobs.
	// Default: 1 MiB
	AggregationBlobSize int `yaml:"aggregation_blob_size"`

	// AggregationSlots is the number of aggregated requests that may be outstanding.
	// Default: 64
	AggregationSlots int `yaml:"aggregation_slots"`

	// Local marks the Endpoint as the process itself, enabling the LocalHandler.
	Local bool `yaml:"local"`
}

// DefaultConfig returns a Config with default values for host:port.
func DefaultConfig(host string, port uint16) Config {
	return Config{
		Host:                host,
		Port:                port,
		DialTimeout:         DefaultDialTimeout,
		PoolCapacity:        DefaultPoolCapacity,
		AggregationBlobSize: DefaultAggregationBlobSize,
		AggregationSlots:    DefaultAggregationSlots,
	}
}

// LoadConfig loads an Endpoint Config from a YAML file. Fields
// missing from the file keep their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig("", DefaultPort)
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "reading config")
	}
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config %s", path)
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	var errs []string

	if c.Host == "" {
		errs = append(errs, "host is required")
	}
	if c.Port == 0 {
		errs = append(errs, "port is required")
	}
	if c.Aggregation && c.AggregationPort == 0 {
		errs = append(errs, "aggregation_port is required when aggregation is enabled")
	}
	if c.ReceiveTimeout < 0 {
		errs = append(errs, "receive_timeout must not be negative")
	}
	if c.DialTimeout < 0 {
		errs = append(errs, "dial_timeout must not be negative")
	}
	if c.PoolCapacity < 1 {
		errs = append(errs, "pool_capacity must be at least 1")
	}
	if c.Aggregation {
		if c.AggregationSlots < 1 || c.AggregationSlots > ProtocolMaxSlots {
			errs = append(errs, "aggregation_slots must be between 1 and "+strconv.Itoa(ProtocolMaxSlots))
		}
		if c.AggregationBlobSize < FrameHeaderSize+1 {
			errs = append(errs, "aggregation_blob_size is too small")
		}
	}

	if len(errs) > 0 {
		return errors.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Addr returns the host:port string of the Endpoint.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}

// AggregationAddr returns the host:port string of the aggregation server.
func (c Config) AggregationAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.AggregationPort)))
}

// effectivePoolCapacity keeps the number of Tasks within the slot table
// size when aggregating, so that slot exhaustion can not happen.
func (c Config) effectivePoolCapacity() int {
	if c.Aggregation && c.AggregationSlots < c.PoolCapacity {
		return c.AggregationSlots
	}
	return c.PoolCapacity
}
