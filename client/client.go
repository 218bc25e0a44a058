// Package client calls remote methods over any transport the server speaks.
//
// A call is encoded, passed through the output filters, sent to the current
// endpoint and decoded on the way back. Idempotent calls that fail in the
// transport are retried on a growing schedule, and with failswitch on the
// client moves to another endpoint first.
package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"zibra/filter"
	"zibra/loadbalance"
	"zibra/logger"
	"zibra/message"
	"zibra/middleware"
	"zibra/registry"
	"zibra/transport"
)

const (
	// DefaultRetryInterval is the unit of the retry schedule.
	DefaultRetryInterval = 500 * time.Millisecond
	// DefaultPollTimeout bounds one subscription poll. It must outlast the
	// server's topic timeout, or a message pushed to an expired poll is lost.
	DefaultPollTimeout = 3 * time.Minute
)

var ErrClientClosed = errors.New("client closed")

type Client struct {
	endpoints     *loadbalance.EndpointSet
	balancer      loadbalance.Balancer
	settings      message.InvokeSettings
	topts         transport.Options
	filters       filter.Chain
	middlewares   []middleware.Middleware
	handler       middleware.HandlerFunc
	retryInterval time.Duration
	pollTimeout   time.Duration
	log           *logrus.Entry
	onError       func(name string, err error)

	registry    registry.Registry
	serviceName string
	stopWatch   context.CancelFunc

	mu           sync.Mutex
	transporters map[string]transport.Transporter
	closed       atomic.Bool

	subMu         sync.Mutex
	subscriptions map[string]map[string]*subscription
	subWG         sync.WaitGroup
}

// NewClient creates a client for the given endpoint URIs. With a registry the
// list is filled and kept current by discovery.
func NewClient(uris []string, opts ...Option) *Client {
	c := &Client{
		settings:      message.DefaultSettings(),
		retryInterval: DefaultRetryInterval,
		pollTimeout:   DefaultPollTimeout,
		transporters:  make(map[string]transport.Transporter),
		subscriptions: make(map[string]map[string]*subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.WithPrefix("client")
	}
	c.topts.Timeout = c.settings.Timeout
	c.topts.Logger = c.log
	c.endpoints = loadbalance.NewEndpointSet(uris, c.balancer)
	c.handler = middleware.Chain(c.middlewares...)(c.invoke)
	if c.registry != nil {
		c.discover()
	}
	return c
}

// Endpoints exposes the endpoint list and the cursor on the one in use.
func (c *Client) Endpoints() *loadbalance.EndpointSet {
	return c.endpoints
}

// Settings returns a copy of the client defaults.
func (c *Client) Settings() message.InvokeSettings {
	return c.settings
}

func (c *Client) discover() {
	ctx, cancel := context.WithTimeout(context.Background(), c.settings.Timeout)
	instances, err := c.registry.Discover(ctx, c.serviceName)
	cancel()
	if err != nil {
		c.log.WithError(err).Warnf("discover %s", c.serviceName)
	} else if len(instances) > 0 {
		c.endpoints.Replace(toEndpoints(instances))
	}

	ctx, c.stopWatch = context.WithCancel(context.Background())
	updates := c.registry.Watch(ctx, c.serviceName)
	go func() {
		for instances := range updates {
			c.log.WithField("instances", len(instances)).Infof("%s endpoints changed", c.serviceName)
			c.endpoints.Replace(toEndpoints(instances))
		}
	}()
}

func toEndpoints(instances []registry.ServiceInstance) []loadbalance.Endpoint {
	endpoints := make([]loadbalance.Endpoint, len(instances))
	for i, inst := range instances {
		endpoints[i] = loadbalance.Endpoint{URI: inst.URI, Weight: inst.Weight}
	}
	return endpoints
}

func (c *Client) callSettings(opts []CallOption) *message.InvokeSettings {
	s := c.settings.Clone()
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Invoke calls name with args and decodes the result into reply, which must be
// a pointer or nil. With ByRef, updated arguments are written back into args.
func (c *Client) Invoke(ctx context.Context, name string, args []any, reply any, opts ...CallOption) error {
	call := &middleware.Call{Name: name, Args: args, Result: reply, Settings: c.callSettings(opts)}
	return c.handler(ctx, call)
}

// Oneway sends the call and returns without waiting for the server.
func (c *Client) Oneway(ctx context.Context, name string, args []any, opts ...CallOption) error {
	return c.Invoke(ctx, name, args, nil, append(opts, Oneway())...)
}

// Functions lists the methods the server publishes.
func (c *Client) Functions(ctx context.Context) ([]string, error) {
	s := c.settings.Clone()
	data, err := c.roundTrip(ctx, message.FunctionsRequest, s)
	if err != nil {
		return nil, err
	}
	return message.DecodeFunctions(data)
}

// invoke is the innermost handler of the middleware chain.
func (c *Client) invoke(ctx context.Context, call *middleware.Call) error {
	s := call.Settings
	req, err := message.EncodeCall(call.Name, call.Args, s)
	if err != nil {
		return err
	}
	resp, err := c.roundTrip(ctx, req, s)
	if err != nil || s.Oneway {
		return err
	}
	return message.DecodeResult(resp, call.Result, call.Args, s)
}

// roundTrip filters and sends an encoded request. A oneway request is sent in
// the background and nil is returned at once.
func (c *Client) roundTrip(ctx context.Context, req []byte, s *message.InvokeSettings) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	out, err := c.filters.Output(ctx, req)
	if err != nil {
		return nil, err
	}
	if s.Oneway {
		go func() {
			if _, err := c.send(context.WithoutCancel(ctx), out, s); err != nil {
				c.reportError("oneway", err)
			}
		}()
		return nil, nil
	}
	resp, err := c.send(ctx, out, s)
	if err != nil {
		return nil, err
	}
	return c.filters.Input(ctx, resp)
}

// send delivers a filtered request, retrying on the retry schedule.
func (c *Client) send(ctx context.Context, data []byte, s *message.InvokeSettings) ([]byte, error) {
	var resp []byte
	op := func() error {
		idx, uri, err := c.endpoints.Current()
		if err != nil {
			return backoff.Permanent(err)
		}
		t, err := c.transporter(uri)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err = t.Send(ctx, data, s.Timeout)
		if err == nil {
			return nil
		}
		if !message.IsTransportFailure(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if s.Failswitch {
			next := c.endpoints.Failswitch(idx)
			c.log.WithError(err).Debugf("failswitch %s -> %s", uri, next)
		}
		if !s.Idempotent {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, d time.Duration) {
		c.log.WithError(err).WithField("retry", s.Retry).Debugf("retrying in %s", d)
	}
	b := newRetryBackOff(s, c.retryInterval)
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) transporter(uri string) (transport.Transporter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if t, ok := c.transporters[uri]; ok {
		return t, nil
	}
	t, err := transport.New(uri, c.topts)
	if err != nil {
		return nil, err
	}
	c.transporters[uri] = t
	return t, nil
}

func (c *Client) reportError(name string, err error) {
	if c.onError != nil {
		c.onError(name, err)
		return
	}
	c.log.WithError(err).Errorf("%s failed", name)
}

// Close stops every subscription and closes the transporters.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.stopWatch != nil {
		c.stopWatch()
	}
	c.subMu.Lock()
	for _, subs := range c.subscriptions {
		for _, sub := range subs {
			sub.cancel()
		}
	}
	c.subscriptions = make(map[string]map[string]*subscription)
	c.subMu.Unlock()

	c.mu.Lock()
	var result *multierror.Error
	for uri, t := range c.transporters {
		if err := t.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		delete(c.transporters, uri)
	}
	c.mu.Unlock()

	c.subWG.Wait()
	return result.ErrorOrNil()
}
