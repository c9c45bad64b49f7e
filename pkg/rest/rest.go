// Package rest issues authenticated HTTP requests against the service
// API, classifies failures, and hands queueable calls to the offline
// buffer when the network is down.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fluxline/wirelink/pkg/netmon"
	"github.com/fluxline/wirelink/pkg/outbox"
	"github.com/fluxline/wirelink/pkg/session"
)

var (
	// ErrAuthFailed is returned when a request is rejected for
	// authentication even after a token refresh.
	ErrAuthFailed = errors.New("rest: authentication failed")
	// ErrNetworkUnavailable is returned when the network is offline and
	// the call did not opt into buffering.
	ErrNetworkUnavailable = errors.New("rest: network unavailable")
)

// Class groups errors by how callers should react to them.
type Class string

const (
	// ClassTransient covers network failures and server side outages
	// worth retrying or buffering.
	ClassTransient Class = "transient"
	// ClassAuth covers authentication rejections.
	ClassAuth Class = "auth"
	// ClassApplication covers rejections the server made on purpose.
	// These surface to the caller verbatim.
	ClassApplication Class = "application"
)

// Error is the classified failure of one request.
type Error struct {
	Status  int
	Code    string
	Message string
	Class   Class
	cause   error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("rest: %s (status %d, class %s)", e.Message, e.Status, e.Class)
	}
	return fmt.Sprintf("rest: %s (class %s)", e.Message, e.Class)
}

func (e *Error) Unwrap() error { return e.cause }

// Transient reports whether the failure was network class. The offline
// buffer uses this to decide between halting a lane and resolving an
// entry.
func (e *Error) Transient() bool { return e.Class == ClassTransient }

// Result is the service's response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// APIError is the error body inside a rejected envelope.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type executorConfig struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures an Executor.
type Option func(*executorConfig)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *executorConfig) {
		if c != nil {
			cfg.httpClient = c
		}
	}
}

// WithLogger sets the executor's logger.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *executorConfig) {
		if l != nil {
			cfg.logger = l
		}
	}
}

// CallOption adjusts a single request.
type CallOption func(*callConfig)

type callConfig struct {
	queueable bool
}

// WithQueue marks a call as buffer eligible: if the network is offline,
// or the attempt fails with a network class error, the call parks in
// the offline buffer and the verb blocks until replay resolves it.
func WithQueue() CallOption {
	return func(c *callConfig) { c.queueable = true }
}

// Executor performs requests for one session against one base URL.
type Executor struct {
	baseURL string
	sess    *session.Session
	monitor netmon.Monitor
	buf     *outbox.Buffer
	config  executorConfig
}

// New creates an Executor. monitor may be nil, in which case calls
// always attempt the network first.
func New(baseURL string, sess *session.Session, monitor netmon.Monitor, opts ...Option) *Executor {
	cfg := executorConfig{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Executor{
		baseURL: baseURL,
		sess:    sess,
		monitor: monitor,
		config:  cfg,
	}
}

// SetBuffer attaches the offline buffer used by queueable calls. It is
// set after construction because the buffer replays through this
// executor.
func (e *Executor) SetBuffer(b *outbox.Buffer) { e.buf = b }

// Get issues a GET against dest.
func (e *Executor) Get(ctx context.Context, dest string, opts ...CallOption) (json.RawMessage, error) {
	return e.call(ctx, dest, outbox.KindGet, nil, opts...)
}

// Post issues a POST against dest with body marshaled as JSON.
func (e *Executor) Post(ctx context.Context, dest string, body any, opts ...CallOption) (json.RawMessage, error) {
	payload, err := marshalBody(body)
	if err != nil {
		return nil, err
	}
	return e.call(ctx, dest, outbox.KindPost, payload, opts...)
}

// Put issues a PUT against dest with body marshaled as JSON.
func (e *Executor) Put(ctx context.Context, dest string, body any, opts ...CallOption) (json.RawMessage, error) {
	payload, err := marshalBody(body)
	if err != nil {
		return nil, err
	}
	return e.call(ctx, dest, outbox.KindPut, payload, opts...)
}

// Delete issues a DELETE against dest.
func (e *Executor) Delete(ctx context.Context, dest string, opts ...CallOption) (json.RawMessage, error) {
	return e.call(ctx, dest, outbox.KindDelete, nil, opts...)
}

func marshalBody(body any) (json.RawMessage, error) {
	if body == nil {
		return nil, nil
	}
	if raw, ok := body.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("rest: marshal request body: %w", err)
	}
	return data, nil
}

func (e *Executor) call(ctx context.Context, dest string, kind outbox.Kind, payload json.RawMessage, opts ...CallOption) (json.RawMessage, error) {
	var cc callConfig
	for _, opt := range opts {
		opt(&cc)
	}
	queueable := cc.queueable && e.buf != nil

	if e.monitor != nil && !e.monitor.Online() {
		if !queueable {
			return nil, &Error{Message: "network unavailable", Class: ClassTransient, cause: ErrNetworkUnavailable}
		}
		e.config.logger.Debug("rest: offline, buffering call", "dest", dest, "kind", kind)
		return e.park(ctx, dest, kind, payload)
	}

	result, err := e.Do(ctx, dest, kind, payload)
	if err != nil && queueable {
		var re *Error
		if errors.As(err, &re) && re.Transient() {
			e.config.logger.Debug("rest: network failure, buffering call",
				"dest", dest, "kind", kind, "err", err)
			return e.park(ctx, dest, kind, payload)
		}
	}
	return result, err
}

func (e *Executor) park(ctx context.Context, dest string, kind outbox.Kind, payload json.RawMessage) (json.RawMessage, error) {
	pending, err := e.buf.Enqueue(dest, kind, payload)
	if err != nil {
		return nil, err
	}
	return pending.Wait(ctx)
}

// Do performs exactly one request cycle: a single attempt, with at most
// one token refresh and retry on an auth rejection. The offline buffer
// replays through this method; Do never re-enters the buffer.
func (e *Executor) Do(ctx context.Context, dest string, kind outbox.Kind, payload json.RawMessage) (json.RawMessage, error) {
	result, err := e.attempt(ctx, dest, kind, payload)
	var re *Error
	if err == nil || !errors.As(err, &re) || re.Class != ClassAuth {
		return result, err
	}

	// One refresh, one retry. A second rejection is fatal.
	e.config.logger.Info("rest: auth rejected, refreshing token", "dest", dest)
	if _, rerr := e.sess.Refresh(ctx); rerr != nil {
		e.config.logger.Warn("rest: token refresh failed", "err", rerr)
		return nil, &Error{Status: re.Status, Message: "token refresh failed", Class: ClassAuth, cause: ErrAuthFailed}
	}
	result, err = e.attempt(ctx, dest, kind, payload)
	if err != nil && errors.As(err, &re) && re.Class == ClassAuth {
		return nil, &Error{Status: re.Status, Message: "rejected after token refresh", Class: ClassAuth, cause: ErrAuthFailed}
	}
	return result, err
}

func (e *Executor) attempt(ctx context.Context, dest string, kind outbox.Kind, payload json.RawMessage) (json.RawMessage, error) {
	var body io.Reader
	if len(payload) > 0 {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, string(kind), e.baseURL+dest, body)
	if err != nil {
		return nil, fmt.Errorf("rest: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	token, err := e.sess.Token(ctx)
	if err != nil {
		return nil, &Error{Message: "no access token", Class: ClassAuth, cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := e.config.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Message: "request failed", Class: ClassTransient, cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &Error{Message: "read response body", Class: ClassTransient, cause: err}
	}

	if cls, ok := classifyStatus(resp.StatusCode); ok {
		apiErr := decodeAPIError(data)
		return nil, &Error{
			Status:  resp.StatusCode,
			Code:    apiErr.Code,
			Message: apiErr.Message,
			Class:   cls,
		}
	}

	var envelope Result
	if err := json.Unmarshal(data, &envelope); err != nil {
		// Not every endpoint wraps its body; pass it through untouched.
		return data, nil
	}
	if envelope.Error != nil && !envelope.OK {
		return nil, &Error{
			Status:  resp.StatusCode,
			Code:    envelope.Error.Code,
			Message: envelope.Error.Message,
			Class:   ClassApplication,
		}
	}
	if envelope.Data != nil {
		return envelope.Data, nil
	}
	return data, nil
}

// classifyStatus maps an HTTP status to an error class. The second
// return is false for success statuses.
func classifyStatus(status int) (Class, bool) {
	switch {
	case status >= 200 && status < 300:
		return "", false
	case status == http.StatusUnauthorized:
		return ClassAuth, true
	case status == http.StatusRequestTimeout,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout,
		status >= 500:
		return ClassTransient, true
	default:
		return ClassApplication, true
	}
}

func decodeAPIError(data []byte) APIError {
	var envelope Result
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error != nil {
		return *envelope.Error
	}
	msg := string(data)
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		msg = "request rejected"
	}
	return APIError{Message: msg}
}
