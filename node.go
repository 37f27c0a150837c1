// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package p2pmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/glimte/p2pmq/broker"
	"github.com/glimte/p2pmq/config"
	"github.com/glimte/p2pmq/contracts"
	"github.com/glimte/p2pmq/health"
	"github.com/glimte/p2pmq/messaging"
	"github.com/glimte/p2pmq/metrics"
	"github.com/glimte/p2pmq/networkmap"
	"github.com/glimte/p2pmq/rpc"
	natstransport "github.com/glimte/p2pmq/transports/nats"
	rabbitmqtransport "github.com/glimte/p2pmq/transports/rabbitmq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrNodeStarted is returned by a second Start
	ErrNodeStarted = errors.New("node already started")
	// ErrNodeStopped is returned by Start after Stop
	ErrNodeStopped = errors.New("node stopped")
)

const deadLetterWarnings = 100

// Node runs one messaging node: its broker (or AMQP connection), messaging client and
// RPC ops, registered in a network map cache.
type Node struct {
	cfg           *config.Config
	logger        *slog.Logger
	cache         *networkmap.Cache
	registry      prometheus.Registerer
	clientOptions []messaging.ClientOption
	debug         bool

	mu        sync.Mutex
	started   bool
	stopped   bool
	marker    *processMarker
	identity  nkeys.KeyPair
	server    *broker.Server
	transport messaging.Transport
	client    *messaging.Client
	rpcConn   *nats.Conn
	rpcServer *rpc.Server
	health    *health.Registry
	info      contracts.NodeInfo
}

// NodeOption configures a Node
type NodeOption func(*Node)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) NodeOption {
	return func(n *Node) {
		n.logger = logger
	}
}

// WithNetworkMap shares a network map cache between nodes
func WithNetworkMap(cache *networkmap.Cache) NodeOption {
	return func(n *Node) {
		n.cache = cache
	}
}

// WithMetricsRegistry exports node metrics to reg
func WithMetricsRegistry(reg prometheus.Registerer) NodeOption {
	return func(n *Node) {
		n.registry = reg
	}
}

// WithClientOptions passes options to the messaging client
func WithClientOptions(options ...messaging.ClientOption) NodeOption {
	return func(n *Node) {
		n.clientOptions = append(n.clientOptions, options...)
	}
}

// WithDebugLogging forwards the broker's debug output
func WithDebugLogging(enabled bool) NodeOption {
	return func(n *Node) {
		n.debug = enabled
	}
}

// NewNode creates a node from a validated configuration
func NewNode(cfg *config.Config, options ...NodeOption) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := &Node{
		cfg:    cfg,
		logger: slog.Default(),
		health: health.NewRegistry(),
	}
	for _, opt := range options {
		opt(n)
	}
	if n.cache == nil {
		n.cache = networkmap.NewCache(networkmap.WithLogger(n.logger))
	}
	n.logger = n.logger.With("node", cfg.LegalName)
	return n, nil
}

// Start brings the node up and publishes it to the network map. Everything started
// before a failure is stopped again.
func (n *Node) Start(ctx context.Context) (err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped {
		return ErrNodeStopped
	}
	if n.started {
		return ErrNodeStarted
	}
	n.started = true

	defer func() {
		if err != nil {
			if serr := n.shutdown(); serr != nil {
				n.logger.Warn("cleanup after failed start", "error", serr)
			}
		}
	}()

	if err := os.MkdirAll(n.cfg.BaseDir, 0o755); err != nil {
		return fmt.Errorf("failed to create base directory: %w", err)
	}
	if n.marker, err = acquireProcessMarker(n.cfg.BaseDir); err != nil {
		return err
	}

	if n.identity, err = config.LoadOrCreateIdentity(n.cfg.IdentityKeyPath()); err != nil {
		return err
	}
	publicKey, err := n.identity.PublicKey()
	if err != nil {
		return fmt.Errorf("invalid identity key: %w", err)
	}

	var address contracts.NetworkHostAndPort
	switch n.cfg.Transport {
	case config.TransportAMQP:
		address, err = n.startAMQP()
	default:
		address, err = n.startEmbedded(ctx, publicKey)
	}
	if err != nil {
		return err
	}

	clientOptions := []messaging.ClientOption{
		messaging.WithLogger(n.logger),
		messaging.WithNetworkMapCache(n.cache),
	}
	if n.registry != nil {
		collector, err := metrics.NewPrometheusCollector(n.registry, n.cfg.LegalName)
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		clientOptions = append(clientOptions, messaging.WithMetricsCollector(collector))
	}
	clientOptions = append(clientOptions, n.clientOptions...)

	n.client, err = messaging.NewClient(messaging.ConfigFromNode(n.cfg, address), n.transport, clientOptions...)
	if err != nil {
		return err
	}
	if err := n.client.Start(ctx); err != nil {
		return err
	}

	if n.server != nil {
		if err := n.startRPC(publicKey); err != nil {
			return err
		}
	}

	n.info = contracts.NodeInfo{
		LegalName:       n.cfg.LegalName,
		Addresses:       []contracts.NetworkHostAndPort{address},
		PlatformVersion: n.cfg.Version,
		IdentityKey:     publicKey,
		Serial:          time.Now().UnixNano(),
	}
	if err := n.cache.Publish(n.info); err != nil {
		return fmt.Errorf("failed to publish node info: %w", err)
	}

	n.health.Register(health.NewClientChecker(n.client, n.transport, deadLetterWarnings))
	n.health.Register(health.NewRuntimeChecker(5000, 20000))
	n.health.SetMetadata("legalName", n.cfg.LegalName)
	n.health.SetMetadata("platformVersion", n.cfg.Version)

	n.logger.Info("node started", "address", address.String(), "transport", n.cfg.Transport)
	return nil
}

func (n *Node) startEmbedded(ctx context.Context, publicKey string) (contracts.NetworkHostAndPort, error) {
	server, err := broker.New(n.cfg, nil, n.cache,
		broker.WithLogger(n.logger),
		broker.WithDebugLogging(n.debug),
		broker.WithNodeIdentity(publicKey))
	if err != nil {
		return contracts.NetworkHostAndPort{}, err
	}

	startCtx, cancel := context.WithTimeout(ctx, n.cfg.BrokerStartTimeout())
	defer cancel()
	if err := server.Start(startCtx); err != nil {
		return contracts.NetworkHostAndPort{}, err
	}
	n.server = server
	n.health.Register(health.NewBrokerChecker(server))

	if n.registry != nil {
		if err := metrics.RegisterBrokerGauges(n.registry, n.cfg.LegalName, server); err != nil {
			return contracts.NetworkHostAndPort{}, fmt.Errorf("failed to register broker metrics: %w", err)
		}
	}

	tlsConfig, err := n.cfg.TLS().ClientConfig()
	if err != nil {
		return contracts.NetworkHostAndPort{}, err
	}
	n.transport, err = natstransport.NewTransport(natstransport.Config{
		LegalName:     n.cfg.LegalName,
		ServerAddress: server.P2PAddress(),
		Identity:      n.identity,
		TLS:           tlsConfig,
	}, natstransport.WithLogger(n.logger))
	if err != nil {
		return contracts.NetworkHostAndPort{}, err
	}
	return server.P2PAddress(), nil
}

func (n *Node) startAMQP() (contracts.NetworkHostAndPort, error) {
	tlsConfig, err := n.cfg.TLS().ClientConfig()
	if err != nil {
		return contracts.NetworkHostAndPort{}, err
	}
	options := []rabbitmqtransport.TransportOption{
		rabbitmqtransport.WithLegalName(n.cfg.LegalName),
		rabbitmqtransport.WithLogger(n.logger),
	}
	if tlsConfig != nil {
		options = append(options, rabbitmqtransport.WithTLS(tlsConfig))
	}
	transport, err := rabbitmqtransport.NewTransport(n.cfg.AMQPURL, options...)
	if err != nil {
		return contracts.NetworkHostAndPort{}, err
	}
	n.transport = transport
	return transport.BrokerAddress(), nil
}

func (n *Node) startRPC(publicKey string) error {
	conn, err := nats.Connect(n.server.ClientURL(),
		nats.Name(n.cfg.LegalName+" rpc"),
		nats.Nkey(publicKey, n.identity.Sign),
	)
	if err != nil {
		return fmt.Errorf("failed to connect rpc server: %w", err)
	}
	n.rpcConn = conn

	n.rpcServer, err = rpc.NewServer(conn, n, n.server.Security(), rpc.WithLogger(n.logger))
	if err != nil {
		return err
	}
	return n.rpcServer.Start()
}

// Stop shuts the node down and removes its process-id marker. It is idempotent and
// safe to call while the dispatch loop is running.
func (n *Node) Stop() error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.stopped = true
	n.mu.Unlock()

	// Handlers may still call accessors while the dispatch loop winds down.
	if err := n.shutdown(); err != nil {
		n.logger.Warn("node stopped with errors", "error", err)
		return err
	}
	n.logger.Info("node stopped")
	return nil
}

// shutdown runs either inside a failing Start or once from Stop, never both at once
func (n *Node) shutdown() error {
	var errs []error
	if n.info.LegalName != "" {
		n.cache.Remove(n.info.LegalName)
	}
	if n.rpcServer != nil {
		if err := n.rpcServer.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop rpc server: %w", err))
		}
		n.rpcServer = nil
	}
	if n.rpcConn != nil {
		n.rpcConn.Close()
		n.rpcConn = nil
	}
	if n.client != nil {
		if err := n.client.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop messaging client: %w", err))
		}
	} else if n.transport != nil {
		if err := n.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}
	if n.server != nil {
		n.server.Stop()
	}
	if n.marker != nil {
		if err := n.marker.release(); err != nil {
			errs = append(errs, fmt.Errorf("remove %s marker: %w", ProcessMarkerFile, err))
		}
		n.marker = nil
	}
	return errors.Join(errs...)
}

// Run dispatches inbound messages until ctx is cancelled or the node stops
func (n *Node) Run(ctx context.Context) error {
	client := n.Client()
	if client == nil {
		return messaging.ErrNotStarted
	}
	return client.Run(ctx)
}

// Client returns the messaging client, nil before Start
func (n *Node) Client() *messaging.Client {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.client
}

// Broker returns the embedded broker, nil on the AMQP transport or before Start
func (n *Node) Broker() *broker.Server {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.server
}

// NetworkMap returns the cache the node is registered in
func (n *Node) NetworkMap() *networkmap.Cache {
	return n.cache
}

// Health returns the node's health registry
func (n *Node) Health() *health.Registry {
	return n.health
}

// Config returns the node configuration
func (n *Node) Config() *config.Config {
	return n.cfg
}

// Info returns the node's network map entry
func (n *Node) Info() contracts.NodeInfo {
	return n.NodeInfo()
}

// RPCAddress returns the bound RPC address, zero on the AMQP transport
func (n *Node) RPCAddress() contracts.NetworkHostAndPort {
	if server := n.Broker(); server != nil {
		return server.RPCAddress()
	}
	return contracts.NetworkHostAndPort{}
}

// NodeInfo implements rpc.Ops
func (n *Node) NodeInfo() contracts.NodeInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	info := n.info
	info.Addresses = append([]contracts.NetworkHostAndPort(nil), n.info.Addresses...)
	return info
}

// NetworkMapSnapshot implements rpc.Ops
func (n *Node) NetworkMapSnapshot() []contracts.NodeInfo {
	return n.cache.Snapshot()
}

// PlatformVersion implements rpc.Ops
func (n *Node) PlatformVersion() int {
	return n.cfg.Version
}

// DeadLetterCount implements rpc.Ops
func (n *Node) DeadLetterCount(ctx context.Context) (int, error) {
	client := n.Client()
	if client == nil {
		return 0, messaging.ErrNotStarted
	}
	return client.DeadLetterCount(ctx)
}
