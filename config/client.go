package config

import (
	"time"

	"github.com/sirupsen/logrus"

	"zibra/client"
	"zibra/registry"
)

// Client is read from ZIBRA_CLIENT_*.
type Client struct {
	URIs           []string `json:"uris"`
	Timeout        Duration `json:"timeout"`
	Retry          int      `json:"retry"`
	RetryInterval  Duration `json:"retry_interval" split_words:"true"`
	PollTimeout    Duration `json:"poll_timeout" split_words:"true"`
	Idempotent     bool     `json:"idempotent"`
	Failswitch     bool     `json:"failswitch"`
	Balancer       string   `json:"balancer"`
	FullDuplex     bool     `json:"full_duplex" split_words:"true"`
	MaxPoolSize    int      `json:"max_pool_size" split_words:"true"`
	IdleTimeout    Duration `json:"idle_timeout" split_words:"true"`
	ConnectTimeout Duration `json:"connect_timeout" split_words:"true"`
	LogLevel       string   `json:"log_level" split_words:"true"`
	Security       Security `json:"security"`
	Etcd           Etcd     `json:"etcd"`
}

var DefaultClient = Client{
	URIs:           []string{"tcp://127.0.0.1:4321"},
	Timeout:        Duration(30 * time.Second),
	Retry:          10,
	RetryInterval:  Duration(client.DefaultRetryInterval),
	PollTimeout:    Duration(client.DefaultPollTimeout),
	MaxPoolSize:    10,
	IdleTimeout:    Duration(30 * time.Second),
	ConnectTimeout: Duration(30 * time.Second),
	LogLevel:       "warn",
	Etcd:           Etcd{DialTimeout: Duration(5 * time.Second), ServiceName: "zibra"},
}

// LoadClient starts from DefaultClient, then applies path and the environment.
func LoadClient(path string) (*Client, error) {
	conf := DefaultClient
	if err := load(path, envPrefix+"_CLIENT", &conf); err != nil {
		return nil, err
	}
	return &conf, nil
}

// Options translates the config into client options. reg may be nil.
func (c *Client) Options(log *logrus.Entry, reg registry.Registry) ([]client.Option, error) {
	filters, err := c.Security.Filters()
	if err != nil {
		return nil, err
	}
	balancer, err := ParseBalancer(c.Balancer)
	if err != nil {
		return nil, err
	}
	opts := []client.Option{
		client.WithLogger(log),
		client.WithTimeout(c.Timeout.Std()),
		client.WithRetry(c.Retry),
		client.WithRetryInterval(c.RetryInterval.Std()),
		client.WithPollTimeout(c.PollTimeout.Std()),
		client.WithIdempotent(c.Idempotent),
		client.WithFailswitch(c.Failswitch),
		client.WithBalancer(balancer),
		client.WithFullDuplex(c.FullDuplex),
		client.WithMaxPoolSize(c.MaxPoolSize),
		client.WithIdleTimeout(c.IdleTimeout.Std()),
		client.WithConnectTimeout(c.ConnectTimeout.Std()),
		client.WithFilter(filters...),
	}
	if reg != nil {
		opts = append(opts, client.WithRegistry(reg, c.Etcd.ServiceName))
	}
	return opts, nil
}
