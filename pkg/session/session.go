// Package session carries the authenticated identity the transport layer
// acts on behalf of. It is passed in explicitly at construction so the
// connection and request layers have no dependency on UI-layer globals.
package session

import (
	"context"
	"errors"
	"sync"
)

// ErrRefreshUnsupported is returned by token sources that cannot mint a new
// token. The connection layer treats an auth failure over such a source as
// immediately fatal.
var ErrRefreshUnsupported = errors.New("session: token refresh not supported")

// TokenSource supplies the bearer token attached to handshakes and requests.
type TokenSource interface {
	// Token returns the current token.
	Token(ctx context.Context) (string, error)
	// Refresh obtains a new token after the current one was rejected.
	Refresh(ctx context.Context) (string, error)
}

// StaticTokenSource wraps a fixed token with no refresh capability.
type StaticTokenSource struct {
	token string
}

// NewStaticTokenSource creates a StaticTokenSource.
func NewStaticTokenSource(token string) *StaticTokenSource {
	return &StaticTokenSource{token: token}
}

func (s *StaticTokenSource) Token(context.Context) (string, error) {
	return s.token, nil
}

func (s *StaticTokenSource) Refresh(context.Context) (string, error) {
	return "", ErrRefreshUnsupported
}

// FuncTokenSource adapts plain functions into a TokenSource. RefreshFunc may
// be nil, in which case Refresh reports ErrRefreshUnsupported.
type FuncTokenSource struct {
	TokenFunc   func(ctx context.Context) (string, error)
	RefreshFunc func(ctx context.Context) (string, error)
}

func (f *FuncTokenSource) Token(ctx context.Context) (string, error) {
	return f.TokenFunc(ctx)
}

func (f *FuncTokenSource) Refresh(ctx context.Context) (string, error) {
	if f.RefreshFunc == nil {
		return "", ErrRefreshUnsupported
	}
	return f.RefreshFunc(ctx)
}

// Session is the explicit session context handed to the connection manager
// and request executor.
type Session struct {
	UserID string

	mu     sync.Mutex
	tokens TokenSource
}

// New creates a session for userID backed by ts.
func New(userID string, ts TokenSource) *Session {
	return &Session{UserID: userID, tokens: ts}
}

// Token returns the current bearer token.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	ts := s.tokens
	s.mu.Unlock()
	if ts == nil {
		return "", errors.New("session: no token source configured")
	}
	return ts.Token(ctx)
}

// Refresh asks the token source for a fresh token.
func (s *Session) Refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	ts := s.tokens
	s.mu.Unlock()
	if ts == nil {
		return "", errors.New("session: no token source configured")
	}
	return ts.Refresh(ctx)
}

// SetTokenSource swaps the token source, e.g. after a new login.
func (s *Session) SetTokenSource(ts TokenSource) {
	s.mu.Lock()
	s.tokens = ts
	s.mu.Unlock()
}
