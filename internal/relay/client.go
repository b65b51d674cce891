// Package relay sends control requests to the intermediary proxy that forwards
// them to agents behind NAT.
package relay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

var (
	// ErrUnreachable means the relay could not be contacted (DNS, connect,
	// timeout, cancellation).
	ErrUnreachable = errors.New("relay unreachable")

	// ErrRejected means the relay answered with a non-2xx status.
	ErrRejected = errors.New("relay rejected request")
)

// Target selects what the agent should do.
type Target string

const (
	TargetStart Target = "START"
	TargetAll   Target = "ALL" // stop everything
)

// DefaultTaskParam is the query parameter carrying the task identifier.
const DefaultTaskParam = "tak"

// ControlRequest is one start/stop instruction. It is built, sent once and
// discarded.
type ControlRequest struct {
	BackendIP      string
	BackendPort    int
	TaskIdentifier string
	Target         Target
	Timestamp      time.Time
}

// Options configures a Client.
type Options struct {
	Timeout   time.Duration
	TaskParam string
	Secret    string // enables the sign parameter when set
}

// Status is a snapshot of the most recent relay call.
type Status struct {
	LastCallAt time.Time `json:"last_call_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Calls      int64     `json:"calls"`
	Failures   int64     `json:"failures"`
}

// Client issues control requests. It never retries.
type Client struct {
	baseURL   string
	taskParam string
	secret    []byte
	client    *http.Client

	mu     sync.RWMutex
	status Status
}

// NewClient creates a relay client for baseURL.
func NewClient(baseURL string, opts Options) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("relay url is empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.TaskParam == "" {
		opts.TaskParam = DefaultTaskParam
	}

	c := &Client{
		baseURL:   baseURL,
		taskParam: opts.TaskParam,
		client: &http.Client{
			Timeout: opts.Timeout,
		},
	}
	if opts.Secret != "" {
		c.secret = []byte(opts.Secret)
	}
	return c, nil
}

// Send performs one relay call. It returns nil iff the relay answered 2xx.
func (c *Client) Send(ctx context.Context, req ControlRequest) error {
	err := c.send(ctx, req)
	c.record(err)
	return err
}

func (c *Client) send(ctx context.Context, req ControlRequest) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("parse relay url: %w", err)
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	q := u.Query()
	q.Set("backend_ip", req.BackendIP)
	q.Set("backend_port", strconv.Itoa(req.BackendPort))
	q.Set(c.taskParam, req.TaskIdentifier)
	q.Set("target", string(req.Target))
	q.Set("timestamp", strconv.FormatInt(ts.Unix(), 10))
	if c.secret != nil {
		q.Set("sign", Sign(c.secret, q))
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create relay request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of the encoded query without any existing
// sign parameter. url.Values.Encode sorts keys, which makes the encoding
// canonical.
func Sign(secret []byte, q url.Values) string {
	unsigned := url.Values{}
	for k, v := range q {
		if k == "sign" {
			continue
		}
		unsigned[k] = v
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(unsigned.Encode()))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) record(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.LastCallAt = time.Now().UTC()
	c.status.Calls++
	if err != nil {
		c.status.Failures++
		c.status.LastError = err.Error()
		return
	}
	c.status.LastError = ""
}

// Status returns a snapshot of call counters.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}
