// Package broker runs the embedded message broker of a node: a NATS server with
// JetStream bound to the node's P2P port, plus a websocket listener on the RPC port.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/glimte/p2pmq/config"
	"github.com/glimte/p2pmq/contracts"
	"github.com/glimte/p2pmq/networkmap"
	"github.com/glimte/p2pmq/security"
	"github.com/nats-io/nats-server/v2/server"
)

const (
	storeDirName    = "broker"
	readyPollPeriod = 25 * time.Millisecond
)

var (
	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("messaging server already started")
	// ErrServerStopped is returned by Start after Stop
	ErrServerStopped = errors.New("messaging server stopped")
)

// Server owns the embedded broker of a node. The security manager and network map
// cache are borrowed.
type Server struct {
	cfg      config.NodeConfiguration
	security *security.Manager
	cache    *networkmap.Cache
	logger   *slog.Logger
	debug    bool
	identity string

	mu      sync.Mutex
	ns      *server.Server
	p2p     contracts.NetworkHostAndPort
	rpc     contracts.NetworkHostAndPort
	stopped bool
}

// Option configures the Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDebugLogging forwards the broker's debug output
func WithDebugLogging(enabled bool) Option {
	return func(s *Server) {
		s.debug = enabled
	}
}

// WithNodeIdentity grants full access to the holder of the node's identity key. It
// only applies when New builds the security manager itself.
func WithNodeIdentity(publicKey string) Option {
	return func(s *Server) {
		s.identity = publicKey
	}
}

// New creates a messaging server. When sec is nil a security manager is built from the
// configuration's RPC users, accepting the peers found in cache.
func New(cfg config.NodeConfiguration, sec *security.Manager, cache *networkmap.Cache, options ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration cannot be nil")
	}

	s := &Server{
		cfg:      cfg,
		security: sec,
		cache:    cache,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}

	if s.security == nil {
		var peers security.PeerDirectory
		if cache != nil {
			peers = cache
		}
		secOptions := []security.Option{security.WithLogger(s.logger)}
		if s.identity != "" {
			secOptions = append(secOptions, security.WithNodeIdentity(cfg.MyLegalName(), s.identity))
		}
		manager, err := security.NewManager(cfg.RPCUsers(), peers, secOptions...)
		if err != nil {
			return nil, fmt.Errorf("failed to create security manager: %w", err)
		}
		s.security = manager
	}
	return s, nil
}

// Start binds the P2P and RPC ports and blocks until the broker accepts connections
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrServerStopped
	}
	if s.ns != nil {
		return ErrAlreadyStarted
	}

	p2p, err := resolvePort(s.cfg.P2PAddress())
	if err != nil {
		return err
	}
	rpc, err := resolvePort(s.cfg.RPCAddress())
	if err != nil {
		return err
	}
	if p2p.Port == rpc.Port {
		// Both ports were 0 and the free-port lookup handed out the same one twice.
		if rpc, err = resolvePort(contracts.NetworkHostAndPort{Host: rpc.Host}); err != nil {
			return err
		}
	}

	opts, err := s.options(p2p, rpc)
	if err != nil {
		return err
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}
	logger := newNATSLogger(s.logger)
	ns.SetLoggerV2(logger, s.debug, false, false)

	ns.Start()

	if err := s.waitReady(ctx, ns, logger, p2p, rpc); err != nil {
		ns.Shutdown()
		ns.WaitForShutdown()
		return err
	}

	s.ns = ns
	s.p2p = p2p
	s.rpc = rpc
	s.logger.Info("messaging server started",
		"legalName", s.cfg.MyLegalName(),
		"p2pAddress", p2p.String(),
		"rpcAddress", rpc.String())
	return nil
}

func (s *Server) options(p2p, rpc contracts.NetworkHostAndPort) (*server.Options, error) {
	tlsConfig, err := s.cfg.TLS().ServerConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load broker TLS settings: %w", err)
	}

	maxPayload := contracts.MaxEnvelopeSize(s.cfg.MaxMessageSize())
	if maxPayload > contracts.MaxEnvelopeLimit {
		maxPayload = contracts.MaxEnvelopeLimit
	}

	opts := &server.Options{
		ServerName:                 contracts.NameToken(s.cfg.MyLegalName()),
		Host:                       p2p.Host,
		Port:                       p2p.Port,
		NoSigs:                     true,
		MaxPayload:                 int32(maxPayload),
		JetStream:                  true,
		StoreDir:                   filepath.Join(s.cfg.BaseDirectory(), storeDirName),
		CustomClientAuthentication: s.security,
		AlwaysEnableNonce:          true,
		Websocket: server.WebsocketOpts{
			Host:  rpc.Host,
			Port:  rpc.Port,
			NoTLS: true,
		},
	}
	if tlsConfig != nil {
		opts.TLSConfig = tlsConfig
		opts.TLSTimeout = 2
	}
	return opts, nil
}

func (s *Server) waitReady(ctx context.Context, ns *server.Server, logger *natsLogger, p2p, rpc contracts.NetworkHostAndPort) error {
	timeout := s.cfg.BrokerStartTimeout()
	if timeout <= 0 {
		timeout = config.DefaultBrokerStartTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		if fatal := logger.fatalErrors(); len(fatal) > 0 {
			return startFailure(fatal, p2p, rpc)
		}
		if ns.ReadyForConnections(readyPollPeriod) {
			// The websocket listener starts alongside the client listener; a bind
			// failure there is reported through the logger as well.
			if fatal := logger.fatalErrors(); len(fatal) > 0 {
				return startFailure(fatal, p2p, rpc)
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("messaging server start cancelled: %w", err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("messaging server not ready after %v", timeout)
		}
	}
}

// startFailure maps fatal broker log lines to the error taxonomy
func startFailure(fatal []string, p2p, rpc contracts.NetworkHostAndPort) error {
	msg := strings.Join(fatal, "; ")
	lower := strings.ToLower(msg)
	if bindFailure(lower) {
		addr := p2p
		if strings.Contains(lower, "websocket") {
			addr = rpc
		}
		return &contracts.PortInUseError{Address: addr, Err: errors.New(msg)}
	}
	return fmt.Errorf("messaging server failed to start: %s", msg)
}

// bindFailure matches the socket errors of a port held by another listener
func bindFailure(lower string) bool {
	return strings.Contains(lower, "address already in use") ||
		strings.Contains(lower, "bind:") ||
		strings.Contains(lower, "only one usage of each socket address")
}

// Stop shuts the broker down and waits until its ports are released. It is safe to
// call on a server that was never started or failed to start.
func (s *Server) Stop() {
	s.mu.Lock()
	ns := s.ns
	s.ns = nil
	s.stopped = true
	s.mu.Unlock()

	if ns == nil {
		return
	}

	ns.Shutdown()
	ns.WaitForShutdown()
	s.logger.Info("messaging server stopped", "legalName", s.cfg.MyLegalName())
}

// P2PAddress returns the bound peer-to-peer address, or the configured one before Start
func (s *Server) P2PAddress() contracts.NetworkHostAndPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.p2p.IsZero() {
		return s.cfg.P2PAddress()
	}
	return s.p2p
}

// RPCAddress returns the bound RPC address, or the configured one before Start
func (s *Server) RPCAddress() contracts.NetworkHostAndPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rpc.IsZero() {
		return s.cfg.RPCAddress()
	}
	return s.rpc
}

// ClientURL returns the URL clients use to reach the P2P listener
func (s *Server) ClientURL() string {
	return "nats://" + s.P2PAddress().String()
}

// RPCURL returns the URL RPC clients use to reach the websocket listener
func (s *Server) RPCURL() string {
	return "ws://" + s.RPCAddress().String()
}

// Running reports whether the broker accepts connections
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ns != nil && s.ns.Running()
}

// NumClients returns the number of connected clients
func (s *Server) NumClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ns == nil {
		return 0
	}
	return s.ns.NumClients()
}

// Security returns the security manager used to authenticate connections
func (s *Server) Security() *security.Manager {
	return s.security
}

// NetworkMap returns the borrowed network map cache
func (s *Server) NetworkMap() *networkmap.Cache {
	return s.cache
}
