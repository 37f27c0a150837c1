// Package networkmap provides the network map cache: a directory mapping node
// legal names and identity keys to the addresses their messages should go to.
package networkmap

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/glimte/p2pmq/contracts"
)

var (
	// ErrCacheClosed is returned by Publish after Close
	ErrCacheClosed = errors.New("network map cache is closed")
)

// ChangeKind describes a network map change
type ChangeKind int

const (
	NodeAdded ChangeKind = iota
	NodeUpdated
	NodeRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case NodeAdded:
		return "added"
	case NodeUpdated:
		return "updated"
	case NodeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Change is delivered to trackers
type Change struct {
	Kind ChangeKind
	Node contracts.NodeInfo
}

// Cache is safe for concurrent use by any number of clients
type Cache struct {
	mu       sync.RWMutex
	byName   map[string]contracts.NodeInfo
	byKey    map[string]string
	trackers []chan Change
	closed   bool
	logger   *slog.Logger
}

// Option configures the Cache
type Option func(*Cache)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// NewCache creates an empty cache
func NewCache(options ...Option) *Cache {
	c := &Cache{
		byName: make(map[string]contracts.NodeInfo),
		byKey:  make(map[string]string),
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Publish announces a node. A NodeInfo with a serial lower than the one already
// known for the same legal name is ignored.
func (c *Cache) Publish(info contracts.NodeInfo) error {
	if err := contracts.ValidateLegalName(info.LegalName); err != nil {
		return fmt.Errorf("cannot publish node: %w", err)
	}
	if len(info.Addresses) == 0 {
		return fmt.Errorf("cannot publish node %s: no addresses", info.LegalName)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrCacheClosed
	}

	kind := NodeAdded
	if existing, ok := c.byName[info.LegalName]; ok {
		if info.Serial < existing.Serial {
			c.logger.Debug("ignoring stale node info",
				"legalName", info.LegalName,
				"serial", info.Serial,
				"knownSerial", existing.Serial)
			return nil
		}
		kind = NodeUpdated
		if existing.IdentityKey != "" {
			delete(c.byKey, existing.IdentityKey)
		}
	}

	c.byName[info.LegalName] = cloneInfo(info)
	if info.IdentityKey != "" {
		c.byKey[info.IdentityKey] = info.LegalName
	}

	c.logger.Info("node published to network map",
		"legalName", info.LegalName,
		"addresses", len(info.Addresses),
		"change", kind.String())

	c.notify(Change{Kind: kind, Node: cloneInfo(info)})
	return nil
}

// Remove drops a node from the map
func (c *Cache) Remove(legalName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, ok := c.byName[legalName]
	if !ok {
		return false
	}
	delete(c.byName, legalName)
	if info.IdentityKey != "" {
		delete(c.byKey, info.IdentityKey)
	}
	c.notify(Change{Kind: NodeRemoved, Node: info})
	return true
}

// Resolve turns a legal name into the node's primary messaging address
func (c *Cache) Resolve(legalName string) (contracts.Address, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info, ok := c.byName[legalName]
	if !ok {
		return contracts.Address{}, false
	}
	return info.Address()
}

// NodeByLegalName returns the published info of a node
func (c *Cache) NodeByLegalName(legalName string) (contracts.NodeInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info, ok := c.byName[legalName]
	return cloneInfo(info), ok
}

// NodeByIdentityKey returns the node owning the given public identity key
func (c *Cache) NodeByIdentityKey(key string) (contracts.NodeInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name, ok := c.byKey[key]
	if !ok {
		return contracts.NodeInfo{}, false
	}
	return cloneInfo(c.byName[name]), true
}

// Snapshot returns every known node ordered by legal name
func (c *Cache) Snapshot() []contracts.NodeInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]contracts.NodeInfo, 0, len(c.byName))
	for _, info := range c.byName {
		out = append(out, cloneInfo(info))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LegalName < out[j].LegalName })
	return out
}

// Track returns the current snapshot and a channel receiving subsequent changes.
// Changes are dropped for trackers that do not keep up with the buffer.
func (c *Cache) Track(buffer int) ([]contracts.NodeInfo, <-chan Change) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan Change, buffer)

	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := make([]contracts.NodeInfo, 0, len(c.byName))
	for _, info := range c.byName {
		snapshot = append(snapshot, cloneInfo(info))
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].LegalName < snapshot[j].LegalName })

	if c.closed {
		close(ch)
		return snapshot, ch
	}
	c.trackers = append(c.trackers, ch)
	return snapshot, ch
}

// Close closes every tracker channel
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.trackers {
		close(ch)
	}
	c.trackers = nil
}

// notify must be called with the write lock held
func (c *Cache) notify(change Change) {
	for _, ch := range c.trackers {
		select {
		case ch <- change:
		default:
			c.logger.Warn("network map tracker is falling behind, dropping change",
				"legalName", change.Node.LegalName)
		}
	}
}

func cloneInfo(info contracts.NodeInfo) contracts.NodeInfo {
	if info.Addresses != nil {
		addrs := make([]contracts.NetworkHostAndPort, len(info.Addresses))
		copy(addrs, info.Addresses)
		info.Addresses = addrs
	}
	return info
}
