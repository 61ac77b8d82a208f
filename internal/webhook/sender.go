package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/void0-space/newton-backend-sub000/internal/domain"
)

const (
	HeaderEvent      = "X-Newton-Event"
	HeaderDeliveryID = "X-Newton-Delivery-ID"
	HeaderSignature  = "X-Newton-Signature"

	defaultTimeout          = 10 * time.Second
	defaultMaxResponseBytes = 4096
)

// Sender performs one HTTP attempt.
type Sender interface {
	Send(ctx context.Context, req Request) Result
}

// Request is a single signed delivery attempt.
type Request struct {
	URL        string
	Secret     string
	Transport  domain.WebhookTransport
	Timeout    time.Duration
	Event      domain.EventType
	DeliveryID string
	Payload    json.RawMessage
}

// Result is the outcome of one attempt. Error is set when no response was
// received.
type Result struct {
	StatusCode int
	Body       string
	Error      error
	Duration   time.Duration
}

func (r Result) IsSuccess() bool {
	return r.Error == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

func (r Result) IsRetryable() bool {
	if r.Error != nil {
		return true
	}
	if r.StatusCode == http.StatusRequestTimeout || r.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return r.StatusCode >= 500
}

// HTTPSender is the net/http Sender.
type HTTPSender struct {
	client           *http.Client
	maxResponseBytes int64
	timeout          time.Duration
}

// NewHTTPSender returns a sender with a 10s default timeout and a 4 KiB
// response body cap.
func NewHTTPSender() *HTTPSender {
	return &HTTPSender{
		client:           &http.Client{},
		maxResponseBytes: defaultMaxResponseBytes,
		timeout:          defaultTimeout,
	}
}

// WithTimeout sets the timeout for targets that do not configure their own.
func (s *HTTPSender) WithTimeout(d time.Duration) *HTTPSender {
	if d > 0 {
		s.timeout = d
	}
	return s
}

// WithMaxResponseBytes bounds how much of the response body is kept.
func (s *HTTPSender) WithMaxResponseBytes(n int) *HTTPSender {
	s.maxResponseBytes = int64(n)
	return s
}

// WithClient replaces the HTTP client.
func (s *HTTPSender) WithClient(c *http.Client) *HTTPSender {
	s.client = c
	return s
}

// Send delivers the payload with the target's transport. The body transport
// POSTs JSON and signs the body; the params transport GETs with the payload
// flattened into the query string and signs the encoded query.
func (s *HTTPSender) Send(ctx context.Context, req Request) Result {
	start := time.Now()

	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.timeout
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, signed, err := buildRequest(ctxTimeout, req)
	if err != nil {
		return Result{Error: err, Duration: time.Since(start)}
	}

	httpReq.Header.Set(HeaderEvent, string(req.Event))
	httpReq.Header.Set(HeaderDeliveryID, req.DeliveryID)
	if req.Secret != "" {
		httpReq.Header.Set(HeaderSignature, computeSignature(req.Secret, signed))
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Result{Error: fmt.Errorf("send: %w", err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, s.maxResponseBytes))
	return Result{StatusCode: resp.StatusCode, Body: string(body), Duration: time.Since(start)}
}

func buildRequest(ctx context.Context, req Request) (*http.Request, []byte, error) {
	if req.Transport == domain.TransportParams {
		u, err := url.Parse(req.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse url: %w", err)
		}
		q := u.Query()
		if err := flattenPayload(req.Payload, q); err != nil {
			return nil, nil, err
		}
		u.RawQuery = q.Encode()
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("create request: %w", err)
		}
		return httpReq, []byte(u.RawQuery), nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Payload))
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, req.Payload, nil
}

// flattenPayload turns nested JSON into dotted query keys, e.g. data.message_id.
func flattenPayload(payload json.RawMessage, out url.Values) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	flatten("", v, out)
	return nil
}

func flatten(prefix string, v any, out url.Values) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	switch t := v.(type) {
	case map[string]any:
		for k, vv := range t {
			flatten(join(k), vv, out)
		}
	case []any:
		for i, vv := range t {
			flatten(join(strconv.Itoa(i)), vv, out)
		}
	default:
		key := prefix
		if key == "" {
			key = "payload"
		}
		switch s := t.(type) {
		case nil:
			out.Set(key, "")
		case string:
			out.Set(key, s)
		default:
			out.Set(key, fmt.Sprint(s))
		}
	}
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for receivers to verify incoming webhooks. For the params
// transport, body is the raw query string.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
