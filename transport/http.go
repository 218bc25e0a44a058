package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/sirupsen/logrus"

	"zibra/message"
	"zibra/protocol"
)

// HTTPTransporter POSTs each request frame and reads the response frame from
// the body. Cookies are kept across calls so session-bound servers work.
type HTTPTransporter struct {
	uri     string
	client  *http.Client
	header  http.Header
	timeout time.Duration
	log     *logrus.Entry
}

func NewHTTPTransporter(uri string, opts Options) *HTTPTransporter {
	opts = opts.withDefaults()
	jar, _ := cookiejar.New(nil)
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost:   opts.MaxPoolSize,
		IdleConnTimeout:       opts.IdleTimeout,
		ResponseHeaderTimeout: opts.ReadTimeout,
		TLSClientConfig:       opts.TLSConfig,
	}
	return &HTTPTransporter{
		uri:     uri,
		client:  &http.Client{Transport: tr, Jar: jar},
		header:  opts.Header,
		timeout: opts.Timeout,
		log:     opts.Logger.WithField("uri", uri),
	}
}

func (t *HTTPTransporter) Send(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = t.timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, t.uri, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	for k, vs := range t.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, t.classify(ctx, reqCtx, err)
	}
	defer CleanlyCloseBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received status code: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(protocol.MaxBodyLen)+1))
	if err != nil {
		return nil, t.classify(ctx, reqCtx, err)
	}
	if len(body) > int(protocol.MaxBodyLen) {
		return nil, message.Errorf(message.KindProtocol, "response body exceeds %d bytes", protocol.MaxBodyLen)
	}
	return body, nil
}

func (t *HTTPTransporter) classify(parent, reqCtx context.Context, err error) error {
	if parent.Err() != nil {
		return ctxError(parent)
	}
	if reqCtx.Err() == context.DeadlineExceeded {
		return message.Wrap(message.KindTimeout, err, "request timed out")
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return message.Wrap(message.KindConnectFailure, err, "dial "+t.uri)
	}
	return err
}

func (t *HTTPTransporter) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

// CleanlyCloseBody drains and closes an HTTP response body so the
// underlying connection can be reused.
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}
