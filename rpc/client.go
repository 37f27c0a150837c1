package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/glimte/p2pmq/contracts"
	"github.com/glimte/p2pmq/security"
	"github.com/nats-io/nats.go"
)

// Client calls the RPC ops of one node over its websocket RPC listener
type Client struct {
	conn     *nats.Conn
	username string
	logger   *slog.Logger
}

type dialOptions struct {
	timeout time.Duration
	logger  *slog.Logger
}

// DialOption configures Dial
type DialOption func(*dialOptions)

// WithDialTimeout bounds the connection attempt
func WithDialTimeout(timeout time.Duration) DialOption {
	return func(o *dialOptions) {
		o.timeout = timeout
	}
}

// WithClientLogger sets the client logger
func WithClientLogger(logger *slog.Logger) DialOption {
	return func(o *dialOptions) {
		o.logger = logger
	}
}

// Dial connects to the RPC address of a node as username
func Dial(ctx context.Context, addr contracts.NetworkHostAndPort, username, password string, options ...DialOption) (*Client, error) {
	o := &dialOptions{timeout: 5 * time.Second, logger: slog.Default()}
	for _, opt := range options {
		opt(o)
	}

	dialer := net.Dialer{Timeout: o.timeout}
	reach, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, &contracts.ConnectionError{Op: "rpc dial", Address: addr, Err: err}
	}
	reach.Close()

	conn, err := nats.Connect("ws://"+addr.String(),
		nats.Name("rpc:"+username),
		nats.UserInfo(username, password),
		nats.Timeout(o.timeout),
		nats.MaxReconnects(0),
	)
	if err != nil {
		if handshakeRejected(err) {
			return nil, &contracts.AuthenticationError{Username: username, Err: err}
		}
		return nil, &contracts.ConnectionError{Op: "rpc dial", Address: addr, Err: err}
	}

	return &Client{conn: conn, username: username, logger: o.logger}, nil
}

// handshakeRejected reports whether a connect error means the server refused the
// credentials. Over websocket the server closes the socket after its Authorization
// Violation, so the client only sees the stream end. The plain TCP dial
// before it has already shown a listener is there.
func handshakeRejected(err error) bool {
	return errors.Is(err, nats.ErrAuthorization) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET)
}

// Call invokes op and decodes its result into out
func (c *Client) Call(ctx context.Context, op string, out interface{}) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opTimeout)
		defer cancel()
	}

	msg, err := c.conn.RequestWithContext(ctx, security.RPCSubject(c.username, op), nil)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return fmt.Errorf("rpc %s: no rpc server listening: %w", op, err)
		}
		return fmt.Errorf("rpc %s: %w", op, err)
	}

	var r reply
	if err := json.Unmarshal(msg.Data, &r); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	if r.Error != nil {
		return replyErr(op, r.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(r.Result, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	return nil
}

// NodeInfo returns the node's network map entry
func (c *Client) NodeInfo(ctx context.Context) (contracts.NodeInfo, error) {
	var info contracts.NodeInfo
	err := c.Call(ctx, OpNodeInfo, &info)
	return info, err
}

// NetworkMapSnapshot returns every node the remote node knows
func (c *Client) NetworkMapSnapshot(ctx context.Context) ([]contracts.NodeInfo, error) {
	var nodes []contracts.NodeInfo
	err := c.Call(ctx, OpNetworkMapSnapshot, &nodes)
	return nodes, err
}

// PlatformVersion returns the node's platform version
func (c *Client) PlatformVersion(ctx context.Context) (int, error) {
	var version int
	err := c.Call(ctx, OpPlatformVersion, &version)
	return version, err
}

// DeadLetterCount returns the number of dead letters held by the node
func (c *Client) DeadLetterCount(ctx context.Context) (int, error) {
	var count int
	err := c.Call(ctx, OpDeadLetterCount, &count)
	return count, err
}

// Close closes the connection
func (c *Client) Close() {
	c.conn.Close()
}

func replyErr(op string, e *replyError) error {
	switch e.Kind {
	case kindAuthorization:
		return &contracts.AuthorizationError{Username: e.Username, Permission: e.Permission}
	case kindUnknownOp:
		return fmt.Errorf("%w: %s", ErrUnknownOp, op)
	default:
		return &RemoteError{Op: op, Message: e.Message}
	}
}
