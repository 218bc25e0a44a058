package config

import (
	"time"

	"github.com/sirupsen/logrus"

	"zibra/middleware"
	"zibra/registry"
	"zibra/server"
)

// Server is read from ZIBRA_SERVER_*.
type Server struct {
	Listen         []string `json:"listen"`
	HTTPAddr       string   `json:"http_addr" split_words:"true"`
	Debug          bool     `json:"debug"`
	ErrorDelay     Duration `json:"error_delay" split_words:"true"`
	IdleTimeout    Duration `json:"idle_timeout" split_words:"true"`
	MaxOneway      int      `json:"max_oneway" split_words:"true"`
	CrossDomain    []string `json:"cross_domain" split_words:"true"`
	GetFunctions   bool     `json:"get_functions" split_words:"true"`
	RateLimit      float64  `json:"rate_limit" split_words:"true"`
	RateBurst      int      `json:"rate_burst" split_words:"true"`
	TopicTimeout   Duration `json:"topic_timeout" split_words:"true"`
	TopicHeartbeat Duration `json:"topic_heartbeat" split_words:"true"`
	LogLevel       string   `json:"log_level" split_words:"true"`
	LogFormat      string   `json:"log_format" split_words:"true"`
	Security       Security `json:"security"`
	Etcd           Etcd     `json:"etcd"`
	// Advertise lists the URIs registered in etcd. Defaults to Listen.
	Advertise      []string `json:"advertise"`
	TTL            int64    `json:"ttl"`
}

var DefaultServer = Server{
	Listen:         []string{"tcp://127.0.0.1:4321"},
	HTTPAddr:       ":8080",
	ErrorDelay:     Duration(10 * time.Second),
	MaxOneway:      1024,
	GetFunctions:   true,
	TopicTimeout:   Duration(server.DefaultTopicTimeout),
	TopicHeartbeat: Duration(server.DefaultTopicHeartbeat),
	LogLevel:       "info",
	TTL:            10,
	Etcd:           Etcd{DialTimeout: Duration(5 * time.Second), ServiceName: "zibra"},
}

// LoadServer starts from DefaultServer, then applies path and the environment.
func LoadServer(path string) (*Server, error) {
	conf := DefaultServer
	if err := load(path, envPrefix+"_SERVER", &conf); err != nil {
		return nil, err
	}
	return &conf, nil
}

// Options translates the config into server options. reg may be nil.
func (c *Server) Options(log *logrus.Entry, reg registry.Registry) ([]server.Option, error) {
	filters, err := c.Security.Filters()
	if err != nil {
		return nil, err
	}
	opts := []server.Option{
		server.WithLogger(log),
		server.WithDebug(c.Debug),
		server.WithErrorDelay(c.ErrorDelay.Std()),
		server.WithMaxOneway(c.MaxOneway),
		server.WithIdleTimeout(c.IdleTimeout.Std()),
		server.WithGetFunctions(c.GetFunctions),
		server.WithFilter(filters...),
		server.WithMiddleware(middleware.LoggingMiddleware(log)),
	}
	if len(c.CrossDomain) > 0 {
		opts = append(opts, server.WithCrossDomain(c.CrossDomain...))
	}
	if c.RateLimit > 0 {
		opts = append(opts, server.WithMiddleware(middleware.RateLimitMiddleware(c.RateLimit, c.RateBurst)))
	}
	if reg != nil {
		advertise := c.Advertise
		if len(advertise) == 0 {
			advertise = c.Listen
		}
		opts = append(opts, server.WithRegistry(reg, c.Etcd.ServiceName, c.TTL, advertise...))
	}
	return opts, nil
}
