package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// Reason classifies a transport failure.
type Reason string

const (
	ReasonRequest    Reason = "request"
	ReasonTimeout    Reason = "timeout"
	ReasonConnection Reason = "connection"
	ReasonStatus     Reason = "status"
	ReasonBody       Reason = "body"
)

// TransportError is a network-side failure. These are the only errors the
// unit fetcher retries.
type TransportError struct {
	URL        string
	Reason     Reason
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.Reason == ReasonStatus {
		return fmt.Sprintf("GET %s: bad status code: %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("GET %s: %s: %v", e.URL, e.Reason, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the request hit its deadline.
func (e *TransportError) Timeout() bool {
	return e.Reason == ReasonTimeout
}

// Client performs GET requests with the configured headers applied.
type Client struct {
	http    *http.Client
	headers map[string]string
}

func NewClient(headers map[string]string) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &Client{
		http:    &http.Client{Transport: transport},
		headers: headers,
	}
}

func (c *Client) newRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &TransportError{URL: rawURL, Reason: ReasonRequest, Err: err}
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// Get fetches rawURL into memory. timeout bounds the whole request.
func (c *Client) Get(ctx context.Context, rawURL string, timeout time.Duration) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := c.newRequest(reqCtx, rawURL)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(ctx, rawURL, ReasonConnection, err, false)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &TransportError{URL: rawURL, Reason: ReasonStatus, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(ctx, rawURL, ReasonBody, err, false)
	}
	return data, nil
}

// Stream is an open response body. Every Read is bounded by the idle
// timeout; a read that stalls longer aborts the request.
type Stream struct {
	// Length is the declared content length, or 0 when unknown.
	Length int64

	url      string
	parent   context.Context
	resp     *http.Response
	cancel   context.CancelFunc
	timeout  time.Duration
	timedOut atomic.Bool
}

// Open starts a streamed GET. timeout bounds both the wait for response
// headers and every individual body read.
func (c *Client) Open(ctx context.Context, rawURL string, timeout time.Duration) (*Stream, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	s := &Stream{url: rawURL, parent: ctx, cancel: cancel, timeout: timeout}

	req, err := c.newRequest(reqCtx, rawURL)
	if err != nil {
		cancel()
		return nil, err
	}

	timer := time.AfterFunc(timeout, s.expire)
	resp, err := c.http.Do(req)
	timer.Stop()
	if err != nil {
		cancel()
		return nil, classify(ctx, rawURL, ReasonConnection, err, s.timedOut.Load())
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		cancel()
		return nil, &TransportError{URL: rawURL, Reason: ReasonStatus, StatusCode: resp.StatusCode}
	}

	s.resp = resp
	if resp.ContentLength > 0 {
		s.Length = resp.ContentLength
	}
	return s, nil
}

func (s *Stream) expire() {
	s.timedOut.Store(true)
	s.cancel()
}

func (s *Stream) Read(p []byte) (int, error) {
	timer := time.AfterFunc(s.timeout, s.expire)
	n, err := s.resp.Body.Read(p)
	timer.Stop()
	if err != nil && err != io.EOF {
		return n, classify(s.parent, s.url, ReasonBody, err, s.timedOut.Load())
	}
	return n, err
}

func (s *Stream) Close() error {
	err := s.resp.Body.Close()
	s.cancel()
	return err
}

// classify turns a net/http error into a TransportError. Cancellation of the
// caller's own context is passed through untouched so it is never retried.
func classify(parent context.Context, rawURL string, fallback Reason, err error, timedOut bool) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	reason := fallback
	var ne net.Error
	if timedOut || errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		reason = ReasonTimeout
	}
	return &TransportError{URL: rawURL, Reason: reason, Err: err}
}
