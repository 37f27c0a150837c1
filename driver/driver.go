// Package driver starts and stops nodes in-process for integration scenarios. Every
// node started through a Driver shares its network map cache and is shut down by
// Close, whether or not its future was ever awaited.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/glimte/p2pmq"
	"github.com/glimte/p2pmq/config"
	"github.com/glimte/p2pmq/contracts"
	"github.com/glimte/p2pmq/networkmap"
	"golang.org/x/sync/errgroup"
)

// ErrDriverClosed is returned by StartNode after Close
var ErrDriverClosed = errors.New("driver closed")

// NodeParameters describes a node to start
type NodeParameters struct {
	LegalName string
	RPCUsers  []config.User
	// ConfigOverrides are merged into the generated configuration, see config.Config.Overrides
	ConfigOverrides map[string]interface{}
}

// Driver owns a set of in-process nodes
type Driver struct {
	baseDir     string
	ownsBaseDir bool
	cache       *networkmap.Cache
	logger      *slog.Logger
	nodeOptions []p2pmq.NodeOption

	mu       sync.Mutex
	closed   bool
	nodes    []*p2pmq.Node
	inflight sync.WaitGroup
}

// Option configures a Driver
type Option func(*Driver)

// WithLogger sets the logger handed to every node
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// WithBaseDirectory places node directories under dir instead of a temporary directory
func WithBaseDirectory(dir string) Option {
	return func(d *Driver) {
		d.baseDir = dir
	}
}

// WithNodeOptions passes options to every node
func WithNodeOptions(options ...p2pmq.NodeOption) Option {
	return func(d *Driver) {
		d.nodeOptions = append(d.nodeOptions, options...)
	}
}

// New creates a driver
func New(options ...Option) (*Driver, error) {
	d := &Driver{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(d)
	}

	if d.baseDir == "" {
		dir, err := os.MkdirTemp("", "p2pmq-driver-")
		if err != nil {
			return nil, fmt.Errorf("failed to create driver directory: %w", err)
		}
		d.baseDir = dir
		d.ownsBaseDir = true
	}
	d.cache = networkmap.NewCache(networkmap.WithLogger(d.logger))
	return d, nil
}

// Run creates a driver, calls fn and closes the driver when fn returns
func Run(ctx context.Context, fn func(ctx context.Context, d *Driver) error, options ...Option) (err error) {
	d, err := New(options...)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := d.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return fn(ctx, d)
}

// NetworkMap returns the cache shared by the driver's nodes
func (d *Driver) NetworkMap() *networkmap.Cache {
	return d.cache
}

// BaseDirectory returns the directory node directories are created in
func (d *Driver) BaseDirectory() string {
	return d.baseDir
}

// NodeDirectory returns the base directory a node with legalName is given
func (d *Driver) NodeDirectory(legalName string) string {
	return filepath.Join(d.baseDir, contracts.NameToken(legalName))
}

// StartNode starts a node in the background. The node is registered with the driver
// before it finishes starting, so Close stops it even if the future is never awaited.
func (d *Driver) StartNode(ctx context.Context, params NodeParameters) *NodeFuture {
	future := &NodeFuture{done: make(chan struct{})}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		future.complete(nil, ErrDriverClosed)
		return future
	}
	d.inflight.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.inflight.Done()
		future.complete(d.startNode(ctx, params))
	}()
	return future
}

func (d *Driver) startNode(ctx context.Context, params NodeParameters) (*p2pmq.Node, error) {
	cfg := config.Default(params.LegalName, d.NodeDirectory(params.LegalName))
	cfg.Users = params.RPCUsers
	if len(params.ConfigOverrides) > 0 {
		var err error
		if cfg, err = cfg.Overrides(params.ConfigOverrides); err != nil {
			return nil, err
		}
	}

	options := append([]p2pmq.NodeOption{
		p2pmq.WithLogger(d.logger),
		p2pmq.WithNetworkMap(d.cache),
	}, d.nodeOptions...)
	node, err := p2pmq.NewNode(cfg, options...)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.nodes = append(d.nodes, node)
	d.mu.Unlock()

	if err := node.Start(ctx); err != nil {
		d.logger.Error("failed to start node", "legalName", params.LegalName, "error", err)
		return nil, fmt.Errorf("failed to start %s: %w", params.LegalName, err)
	}
	return node, nil
}

// Close waits for in-flight starts, then stops every node concurrently. Dispatch loops
// still running on a node are ended by its Stop. The first node that fails to shut
// down cleanly is reported, after every node has been stopped.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.inflight.Wait()

	d.mu.Lock()
	nodes := d.nodes
	d.nodes = nil
	d.mu.Unlock()

	var g errgroup.Group
	for _, node := range nodes {
		node := node
		g.Go(func() error {
			if err := node.Stop(); err != nil {
				return fmt.Errorf("node %s: %w", node.Info().LegalName, err)
			}
			return nil
		})
	}
	err := g.Wait()

	d.cache.Close()
	if d.ownsBaseDir {
		if rmErr := os.RemoveAll(d.baseDir); rmErr != nil {
			d.logger.Warn("failed to remove driver directory", "dir", d.baseDir, "error", rmErr)
		}
	}
	return err
}

// NodeFuture resolves to a started node
type NodeFuture struct {
	done chan struct{}
	node *p2pmq.Node
	err  error
}

func (f *NodeFuture) complete(node *p2pmq.Node, err error) {
	f.node, f.err = node, err
	close(f.done)
}

// Get waits for the node to start
func (f *NodeFuture) Get(ctx context.Context) (*p2pmq.Node, error) {
	select {
	case <-f.done:
		return f.node, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the start attempt has finished
func (f *NodeFuture) Done() <-chan struct{} {
	return f.done
}
