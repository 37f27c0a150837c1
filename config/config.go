package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glimte/p2pmq/contracts"
	"gopkg.in/yaml.v3"
)

// Transport kinds
const (
	TransportEmbedded = "embedded"
	TransportAMQP     = "amqp"
)

// Defaults
const (
	DefaultMaxMessageSize      = 10 * 1024 * 1024
	DefaultMaxDeliveryAttempts = 5
	DefaultBrokerStartTimeout  = 10 * time.Second
	identityKeyFileName        = "identity.nk"
)

var (
	// ErrInvalidConfig wraps every validation failure
	ErrInvalidConfig = errors.New("invalid node configuration")
)

// NodeConfiguration is the read-only view of a node's configuration consumed by
// the messaging server and client.
type NodeConfiguration interface {
	MyLegalName() string
	BaseDirectory() string
	P2PAddress() contracts.NetworkHostAndPort
	RPCAddress() contracts.NetworkHostAndPort
	PlatformVersion() int
	MaxMessageSize() int
	MaxDeliveryAttempts() int
	RPCUsers() []User
	TLS() *TLSSettings
	BrokerStartTimeout() time.Duration
}

// User is an RPC user and its permissions
type User struct {
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	Permissions []string `yaml:"permissions"`
}

// RPCSettings configures the RPC listener
type RPCSettings struct {
	Address contracts.NetworkHostAndPort `yaml:"address"`
}

// Config is the YAML node configuration
type Config struct {
	LegalName       string                       `yaml:"myLegalName"`
	BaseDir         string                       `yaml:"baseDirectory"`
	P2P             contracts.NetworkHostAndPort `yaml:"p2pAddress"`
	RPC             RPCSettings                  `yaml:"rpcSettings"`
	Version         int                          `yaml:"platformVersion"`
	MaxMessageBytes int                          `yaml:"maxMessageSize"`
	MaxDeliveries   int                          `yaml:"maxDeliveryAttempts"`
	Users           []User                       `yaml:"rpcUsers,omitempty"`
	TLSSettings     *TLSSettings                 `yaml:"tls,omitempty"`
	IdentityKeyFile string                       `yaml:"identityKeyFile,omitempty"`
	StartTimeout    time.Duration                `yaml:"brokerStartTimeout"`
	Transport       string                       `yaml:"transport"`
	AMQPURL         string                       `yaml:"amqpURL,omitempty"`
}

// Default returns a configuration with every optional field populated. Ports are 0,
// which the messaging server replaces with free ports.
func Default(legalName, baseDir string) *Config {
	return &Config{
		LegalName:       legalName,
		BaseDir:         baseDir,
		P2P:             contracts.NetworkHostAndPort{Host: "localhost", Port: 0},
		RPC:             RPCSettings{Address: contracts.NetworkHostAndPort{Host: "localhost", Port: 0}},
		Version:         contracts.DefaultPlatformVersion,
		MaxMessageBytes: DefaultMaxMessageSize,
		MaxDeliveries:   DefaultMaxDeliveryAttempts,
		StartTimeout:    DefaultBrokerStartTimeout,
		Transport:       TransportEmbedded,
	}
}

// Load reads and validates a YAML configuration file
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(raw, filepath.Dir(path))
}

// Parse decodes YAML, applies defaults and validates. Relative base directories are
// resolved against dir.
func Parse(raw []byte, dir string) (*Config, error) {
	cfg := Default("", "")
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = dir
	} else if !filepath.IsAbs(cfg.BaseDir) && dir != "" {
		cfg.BaseDir = filepath.Join(dir, cfg.BaseDir)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.P2P.Host == "" {
		c.P2P.Host = "localhost"
	}
	if c.RPC.Address.Host == "" {
		c.RPC.Address.Host = "localhost"
	}
	if c.Version == 0 {
		c.Version = contracts.DefaultPlatformVersion
	}
	if c.MaxMessageBytes == 0 {
		c.MaxMessageBytes = DefaultMaxMessageSize
	}
	if c.MaxDeliveries == 0 {
		c.MaxDeliveries = DefaultMaxDeliveryAttempts
	}
	if c.StartTimeout == 0 {
		c.StartTimeout = DefaultBrokerStartTimeout
	}
	if c.Transport == "" {
		c.Transport = TransportEmbedded
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	var problems []string

	if err := contracts.ValidateLegalName(c.LegalName); err != nil {
		problems = append(problems, err.Error())
	}
	if c.BaseDir == "" {
		problems = append(problems, "baseDirectory is required")
	}
	if c.Version < 1 {
		problems = append(problems, "platformVersion must be positive")
	}
	if c.MaxMessageBytes < 1 {
		problems = append(problems, "maxMessageSize must be positive")
	}
	if c.MaxMessageBytes > contracts.MaxMessageSizeLimit {
		problems = append(problems, fmt.Sprintf("maxMessageSize must not exceed %d bytes", contracts.MaxMessageSizeLimit))
	}
	if c.MaxDeliveries < 1 {
		problems = append(problems, "maxDeliveryAttempts must be positive")
	}
	if c.P2P.Port != 0 && c.P2P.Port == c.RPC.Address.Port {
		problems = append(problems, "p2pAddress and rpcSettings.address must use different ports")
	}
	switch c.Transport {
	case TransportEmbedded:
	case TransportAMQP:
		if c.AMQPURL == "" {
			problems = append(problems, "amqpURL is required for the amqp transport")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown transport %q", c.Transport))
	}

	seen := make(map[string]bool)
	for _, u := range c.Users {
		if err := ValidateUsername(u.Username); err != nil {
			problems = append(problems, err.Error())
		}
		if seen[u.Username] {
			problems = append(problems, fmt.Sprintf("duplicate rpc user %s", u.Username))
		}
		seen[u.Username] = true
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// ValidateUsername checks that an RPC username can be used as a subject token
func ValidateUsername(username string) error {
	if username == "" {
		return fmt.Errorf("rpc username cannot be empty")
	}
	if strings.ContainsAny(username, ". *>\t\r\n") {
		return fmt.Errorf("rpc username %q contains reserved characters", username)
	}
	return nil
}

// Overrides returns a copy of c with overrides merged in. Keys may be nested maps or
// dotted paths such as "rpcSettings.address".
func (c *Config) Overrides(overrides map[string]interface{}) (*Config, error) {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	tree := make(map[string]interface{})
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	for key, value := range overrides {
		setPath(tree, strings.Split(key, "."), value)
	}
	merged, err := yaml.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("failed to encode overrides: %w", err)
	}
	out := &Config{}
	if err := yaml.Unmarshal(merged, out); err != nil {
		return nil, fmt.Errorf("failed to apply overrides: %w", err)
	}
	out.applyDefaults()
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func setPath(tree map[string]interface{}, path []string, value interface{}) {
	if len(path) == 1 {
		if nested, ok := value.(map[string]interface{}); ok {
			existing, _ := tree[path[0]].(map[string]interface{})
			if existing == nil {
				existing = make(map[string]interface{})
			}
			for k, v := range nested {
				setPath(existing, strings.Split(k, "."), v)
			}
			tree[path[0]] = existing
			return
		}
		tree[path[0]] = value
		return
	}
	child, ok := tree[path[0]].(map[string]interface{})
	if !ok {
		child = make(map[string]interface{})
		tree[path[0]] = child
	}
	setPath(child, path[1:], value)
}

// MyLegalName implements NodeConfiguration
func (c *Config) MyLegalName() string { return c.LegalName }

// BaseDirectory implements NodeConfiguration
func (c *Config) BaseDirectory() string { return c.BaseDir }

// P2PAddress implements NodeConfiguration
func (c *Config) P2PAddress() contracts.NetworkHostAndPort { return c.P2P }

// RPCAddress implements NodeConfiguration
func (c *Config) RPCAddress() contracts.NetworkHostAndPort { return c.RPC.Address }

// PlatformVersion implements NodeConfiguration
func (c *Config) PlatformVersion() int { return c.Version }

// MaxMessageSize implements NodeConfiguration
func (c *Config) MaxMessageSize() int { return c.MaxMessageBytes }

// MaxDeliveryAttempts implements NodeConfiguration
func (c *Config) MaxDeliveryAttempts() int { return c.MaxDeliveries }

// RPCUsers implements NodeConfiguration
func (c *Config) RPCUsers() []User { return c.Users }

// TLS implements NodeConfiguration
func (c *Config) TLS() *TLSSettings { return c.TLSSettings }

// BrokerStartTimeout implements NodeConfiguration
func (c *Config) BrokerStartTimeout() time.Duration { return c.StartTimeout }

// IdentityKeyPath returns where the node identity seed is stored
func (c *Config) IdentityKeyPath() string {
	if c.IdentityKeyFile != "" {
		return c.IdentityKeyFile
	}
	return filepath.Join(c.BaseDir, "certificates", identityKeyFileName)
}
