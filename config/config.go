// Package config loads server and client settings from an optional JSON file
// and ZIBRA_* environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/kelseyhightower/envconfig"
	"github.com/klauspost/compress/zstd"

	"zibra/filter"
	"zibra/loadbalance"
	"zibra/registry"
)

const envPrefix = "ZIBRA"

// Duration accepts "1m30s" style strings both in JSON and in the environment.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) Decode(value string) error {
	v, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	return d.Decode(s)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Security configures the filters installed on both ends.
type Security struct {
	Compress bool `json:"compress"`
	// SecretKey is the 32-byte shared key of the secretbox filter.
	SecretKey string `json:"secret_key" split_words:"true"`
}

// Filters builds the filter chain. Compression runs before encryption on output.
func (s Security) Filters() ([]filter.Filter, error) {
	var filters []filter.Filter
	if s.Compress {
		z, err := filter.NewZstd(zstd.SpeedDefault)
		if err != nil {
			return nil, err
		}
		filters = append(filters, z)
	}
	if s.SecretKey != "" {
		if len(s.SecretKey) != 32 {
			return nil, fmt.Errorf("secret key must be 32 bytes, got %d", len(s.SecretKey))
		}
		var key [32]byte
		copy(key[:], s.SecretKey)
		filters = append(filters, filter.NewSecretBox(key))
	}
	return filters, nil
}

type Etcd struct {
	Endpoints   []string `json:"endpoints"`
	DialTimeout Duration `json:"dial_timeout" split_words:"true"`
	ServiceName string   `json:"service_name" split_words:"true"`
}

// Registry connects to etcd, or returns nil when no endpoint is configured.
func (e Etcd) Registry() (registry.Registry, error) {
	if len(e.Endpoints) == 0 {
		return nil, nil
	}
	return registry.NewEtcdRegistry(e.Endpoints, e.DialTimeout.Std())
}

// load fills conf from path (skipped when empty) and then the environment.
func load(path, prefix string, conf any) error {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, conf); err != nil {
			return fmt.Errorf("couldn't unmarshal config: %w", err)
		}
	}
	if err := envconfig.Process(prefix, conf); err != nil {
		return fmt.Errorf("failed to process config env vars: %w", err)
	}
	return nil
}

// ParseBalancer maps a name to a failswitch strategy.
func ParseBalancer(name string) (loadbalance.Balancer, error) {
	switch name {
	case "", "random":
		return loadbalance.RandomBalancer{}, nil
	case "roundrobin":
		return loadbalance.RoundRobinBalancer{}, nil
	case "weighted":
		return loadbalance.WeightedRandomBalancer{}, nil
	}
	return nil, fmt.Errorf("unknown balancer %q", name)
}
