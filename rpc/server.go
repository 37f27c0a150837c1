// Package rpc serves a node's RPC ops over its broker and calls them from outside.
// Requests arrive on rpc.<username>.<op>; the broker only lets a user publish under
// its own name, and the server checks the op against the user's permissions.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glimte/p2pmq/contracts"
	"github.com/glimte/p2pmq/security"
	"github.com/nats-io/nats.go"
)

const (
	requestSubjects = security.RPCSubjectPrefix + "*.*"
	opTimeout       = 10 * time.Second
)

// Server answers RPC requests on a connection with full broker access
type Server struct {
	conn     *nats.Conn
	ops      Ops
	security *security.Manager
	logger   *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// ServerOption configures the Server
type ServerOption func(*Server)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates an RPC server
func NewServer(conn *nats.Conn, ops Ops, sec *security.Manager, options ...ServerOption) (*Server, error) {
	if conn == nil {
		return nil, fmt.Errorf("connection cannot be nil")
	}
	if ops == nil {
		return nil, fmt.Errorf("ops cannot be nil")
	}
	if sec == nil {
		return nil, fmt.Errorf("security manager cannot be nil")
	}

	s := &Server{
		conn:     conn,
		ops:      ops,
		security: sec,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Start subscribes to the RPC subjects
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sub != nil {
		return nil
	}
	sub, err := s.conn.Subscribe(requestSubjects, s.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", requestSubjects, err)
	}
	if err := s.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("failed to flush rpc subscription: %w", err)
	}
	s.sub = sub
	s.logger.Info("rpc server started", "subjects", requestSubjects)
	return nil
}

// Stop unsubscribes. In-flight requests complete.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sub == nil {
		return nil
	}
	err := s.sub.Drain()
	s.sub = nil
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return nil
}

func (s *Server) handle(msg *nats.Msg) {
	username, op, ok := parseSubject(msg.Subject)
	if !ok {
		s.respondError(msg, op, &replyError{Kind: kindUnknownOp, Message: "malformed subject " + msg.Subject})
		return
	}

	principal, found := s.security.Principal(username)
	if !found {
		s.respondError(msg, op, &replyError{Kind: kindAuthorization, Message: "unknown user", Username: username})
		return
	}

	if err := s.security.Authorize(principal, security.InvokeRPC(op)); err != nil {
		var authErr *contracts.AuthorizationError
		if errors.As(err, &authErr) {
			s.respondError(msg, op, &replyError{
				Kind:       kindAuthorization,
				Message:    authErr.Error(),
				Username:   authErr.Username,
				Permission: authErr.Permission,
			})
			return
		}
		s.respondError(msg, op, &replyError{Kind: kindInternal, Message: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	result, err := s.invoke(ctx, op)
	if err != nil {
		kind := kindInternal
		if errors.Is(err, ErrUnknownOp) {
			kind = kindUnknownOp
		}
		s.respondError(msg, op, &replyError{Kind: kind, Message: err.Error()})
		return
	}

	s.logger.Debug("rpc op served", "user", username, "op", op)
	s.respond(msg, op, result)
}

func (s *Server) invoke(ctx context.Context, op string) (interface{}, error) {
	switch op {
	case OpNodeInfo:
		return s.ops.NodeInfo(), nil
	case OpNetworkMapSnapshot:
		return s.ops.NetworkMapSnapshot(), nil
	case OpPlatformVersion:
		return s.ops.PlatformVersion(), nil
	case OpDeadLetterCount:
		return s.ops.DeadLetterCount(ctx)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOp, op)
	}
}

func (s *Server) respond(msg *nats.Msg, op string, result interface{}) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.respondError(msg, op, &replyError{Kind: kindInternal, Message: err.Error()})
		return
	}
	data, _ := json.Marshal(reply{Result: raw})
	if err := msg.Respond(data); err != nil {
		s.logger.Error("failed to send rpc reply", "op", op, "error", err)
	}
}

func (s *Server) respondError(msg *nats.Msg, op string, e *replyError) {
	s.logger.Warn("rpc op refused", "subject", msg.Subject, "kind", e.Kind, "error", e.Message)
	data, _ := json.Marshal(reply{Error: e})
	if err := msg.Respond(data); err != nil {
		s.logger.Error("failed to send rpc error reply", "op", op, "error", err)
	}
}

func parseSubject(subject string) (username, op string, ok bool) {
	rest := strings.TrimPrefix(subject, security.RPCSubjectPrefix)
	parts := strings.Split(rest, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
