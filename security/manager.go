// Package security authenticates and authorizes connections to a node's broker:
// RPC users with passwords and permissions, and peer nodes with their identity keys.
package security

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/glimte/p2pmq/config"
	"github.com/glimte/p2pmq/contracts"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nkeys"
	"golang.org/x/crypto/bcrypt"
)

// Broker subjects the permissions below refer to
const (
	RPCSubjectPrefix = "rpc."
	inboxSubjects    = "p2p.inbound.>"
	replySubjects    = "_INBOX.>"
)

var (
	errUnknownUser     = errors.New("unknown user")
	errBadPassword     = errors.New("wrong password")
	errUnknownPeer     = errors.New("identity key not in network map")
	errBadSignature    = errors.New("nonce signature does not verify")
	errMissingIdentity = errors.New("no credentials presented")
)

// PrincipalKind tells what authenticated
type PrincipalKind int

const (
	// KindNode is the node that owns the broker
	KindNode PrincipalKind = iota
	// KindPeer is another node of the network
	KindPeer
	// KindRPCUser is an RPC user from the configuration
	KindRPCUser
)

func (k PrincipalKind) String() string {
	switch k {
	case KindNode:
		return "node"
	case KindPeer:
		return "peer"
	case KindRPCUser:
		return "rpc-user"
	default:
		return "unknown"
	}
}

// Principal is an authenticated caller
type Principal struct {
	Name        string
	Kind        PrincipalKind
	permissions permissionSet
}

// PeerDirectory looks nodes up by identity key. *networkmap.Cache satisfies it.
type PeerDirectory interface {
	NodeByIdentityKey(key string) (contracts.NodeInfo, bool)
}

type rpcUser struct {
	password    string
	hashed      bool
	permissions permissionSet
}

// Manager holds the RPC users of a node and decides who may connect to its broker
type Manager struct {
	mu       sync.RWMutex
	users    map[string]rpcUser
	peers    PeerDirectory
	nodeKey  string
	nodeName string
	logger   *slog.Logger
}

// Option configures the Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithNodeIdentity grants full broker access to the holder of the node's own key
func WithNodeIdentity(legalName, publicKey string) Option {
	return func(m *Manager) {
		m.nodeName = legalName
		m.nodeKey = publicKey
	}
}

// NewManager creates a security manager. Passwords may be given in plain text or as
// bcrypt hashes.
func NewManager(users []config.User, peers PeerDirectory, options ...Option) (*Manager, error) {
	m := &Manager{
		users:  make(map[string]rpcUser, len(users)),
		peers:  peers,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(m)
	}

	for _, u := range users {
		if err := m.AddUser(u); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// AddUser adds or replaces an RPC user
func (m *Manager) AddUser(u config.User) error {
	if err := config.ValidateUsername(u.Username); err != nil {
		return err
	}
	perms, err := parsePermissions(u.Permissions)
	if err != nil {
		return fmt.Errorf("rpc user %s: %w", u.Username, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.Username] = rpcUser{
		password:    u.Password,
		hashed:      isBcryptHash(u.Password),
		permissions: perms,
	}
	return nil
}

// Authenticate checks an RPC user's password
func (m *Manager) Authenticate(username, password string) (*Principal, error) {
	m.mu.RLock()
	user, ok := m.users[username]
	m.mu.RUnlock()

	if !ok {
		return nil, &contracts.AuthenticationError{Username: username, Err: errUnknownUser}
	}

	if user.hashed {
		if err := bcrypt.CompareHashAndPassword([]byte(user.password), []byte(password)); err != nil {
			return nil, &contracts.AuthenticationError{Username: username, Err: errBadPassword}
		}
	} else if subtle.ConstantTimeCompare([]byte(user.password), []byte(password)) != 1 {
		return nil, &contracts.AuthenticationError{Username: username, Err: errBadPassword}
	}

	return &Principal{Name: username, Kind: KindRPCUser, permissions: user.permissions}, nil
}

// AuthenticatePeer checks that sig is the signature of nonce by identityKey, and that
// the key belongs to this node or to a node in the network map.
func (m *Manager) AuthenticatePeer(identityKey string, nonce, sig []byte) (*Principal, error) {
	pub, err := nkeys.FromPublicKey(identityKey)
	if err != nil {
		return nil, &contracts.AuthenticationError{Username: identityKey, Err: err}
	}
	if err := pub.Verify(nonce, sig); err != nil {
		return nil, &contracts.AuthenticationError{Username: identityKey, Err: errBadSignature}
	}

	if m.nodeKey != "" && identityKey == m.nodeKey {
		return &Principal{Name: m.nodeName, Kind: KindNode}, nil
	}

	if m.peers != nil {
		if info, ok := m.peers.NodeByIdentityKey(identityKey); ok {
			return &Principal{Name: info.LegalName, Kind: KindPeer}, nil
		}
	}
	return nil, &contracts.AuthenticationError{Username: identityKey, Err: errUnknownPeer}
}

// Authorize checks that p holds permission
func (m *Manager) Authorize(p *Principal, permission string) error {
	if p == nil {
		return &contracts.AuthorizationError{Permission: permission}
	}
	if p.Kind == KindNode || p.permissions.allows(permission) {
		return nil
	}
	return &contracts.AuthorizationError{Username: p.Name, Permission: permission}
}

// Principal returns the RPC user named username without checking a password. The
// broker has already authenticated it when a request arrives on its subject.
func (m *Manager) Principal(username string) (*Principal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[username]
	if !ok {
		return nil, false
	}
	return &Principal{Name: username, Kind: KindRPCUser, permissions: user.permissions}, true
}

// Check implements server.Authentication for the embedded broker
func (m *Manager) Check(c server.ClientAuthentication) bool {
	opts := c.GetOpts()
	if opts == nil {
		return false
	}

	var (
		principal *Principal
		err       error
	)
	switch {
	case opts.Nkey != "":
		var sig []byte
		sig, err = decodeSignature(opts.Sig)
		if err == nil {
			principal, err = m.AuthenticatePeer(opts.Nkey, c.GetNonce(), sig)
		}
	case opts.Username != "":
		principal, err = m.Authenticate(opts.Username, opts.Password)
	default:
		err = &contracts.AuthenticationError{Err: errMissingIdentity}
	}

	if err != nil {
		m.logger.Warn("rejected broker connection",
			"remote", remoteAddress(c),
			"user", opts.Username,
			"nkey", opts.Nkey,
			"error", err)
		return false
	}

	c.RegisterUser(&server.User{
		Username:    principal.Name,
		Permissions: BrokerPermissions(principal),
	})
	m.logger.Debug("accepted broker connection",
		"remote", remoteAddress(c),
		"principal", principal.Name,
		"kind", principal.Kind.String())
	return true
}

// BrokerPermissions returns the subject permissions enforced by the broker for p.
// A nil result means unrestricted.
func BrokerPermissions(p *Principal) *server.Permissions {
	switch p.Kind {
	case KindNode:
		return nil
	case KindPeer:
		return &server.Permissions{
			Publish:   &server.SubjectPermission{Allow: []string{inboxSubjects}},
			Subscribe: &server.SubjectPermission{Allow: []string{replySubjects}},
		}
	default:
		return &server.Permissions{
			Publish:   &server.SubjectPermission{Allow: []string{RPCSubject(p.Name, ">")}},
			Subscribe: &server.SubjectPermission{Allow: []string{replySubjects}},
		}
	}
}

// RPCSubject returns the subject an RPC user sends requests for op to
func RPCSubject(username, op string) string {
	return RPCSubjectPrefix + username + "." + op
}

func decodeSignature(sig string) ([]byte, error) {
	if decoded, err := base64.RawURLEncoding.DecodeString(sig); err == nil {
		return decoded, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return nil, &contracts.AuthenticationError{Err: fmt.Errorf("malformed signature: %w", err)}
	}
	return decoded, nil
}

func isBcryptHash(password string) bool {
	for _, prefix := range []string{"$2a$", "$2b$", "$2y$"} {
		if strings.HasPrefix(password, prefix) {
			return true
		}
	}
	return false
}

func remoteAddress(c server.ClientAuthentication) string {
	if addr := c.RemoteAddress(); addr != nil {
		return addr.String()
	}
	return ""
}
