package server

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"zibra/registry"
)

func registryInstance(uri string) registry.ServiceInstance {
	return registry.ServiceInstance{URI: uri, Weight: 1}
}

func (s *Server) register() error {
	if s.registry == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, uri := range s.advertiseURIs {
		if err := s.registry.Register(ctx, s.serviceName, registryInstance(uri), s.registryTTL); err != nil {
			return fmt.Errorf("register %s: %w", uri, err)
		}
		s.log.WithField("uri", uri).Info("registered")
	}
	return nil
}

// Shutdown performs graceful shutdown:
//  1. Deregister from etcd (clients stop routing to this server)
//  2. Set the shutdown flag (so Accept errors are recognized as intentional)
//  3. Close the listeners and every topic (held polls return at once)
//  4. Wait for in-flight requests and oneway calls to finish (with timeout)
//  5. Close the remaining connections
func (s *Server) Shutdown(timeout time.Duration) error {
	var result *multierror.Error

	// Step 1: deregister FIRST so clients stop sending new requests
	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		for _, uri := range s.advertiseURIs {
			if err := s.registry.Deregister(ctx, s.serviceName, uri); err != nil {
				result = multierror.Append(result, fmt.Errorf("deregister %s: %w", uri, err))
			}
		}
		cancel()
	}

	// Step 2: set the flag BEFORE closing listeners; otherwise the Accept
	// error fires first and Serve returns a real error instead of nil
	s.mu.Lock()
	s.shutdown.Store(true)
	for ln := range s.listeners {
		if err := ln.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		delete(s.listeners, ln)
	}
	s.mu.Unlock()

	s.broker.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.oneway.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		result = multierror.Append(result, fmt.Errorf("timeout waiting for ongoing requests to finish"))
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	return result.ErrorOrNil()
}
