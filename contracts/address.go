package contracts

import (
	"fmt"
	"net"
	"strconv"
)

// NetworkHostAndPort is a textual hostname plus a TCP port
type NetworkHostAndPort struct {
	Host string
	Port int
}

// ParseNetworkHostAndPort parses "host:port"
func ParseNetworkHostAndPort(s string) (NetworkHostAndPort, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return NetworkHostAndPort{}, fmt.Errorf("invalid host and port %q: %w", s, err)
	}
	if host == "" {
		return NetworkHostAndPort{}, fmt.Errorf("invalid host and port %q: missing host", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return NetworkHostAndPort{}, fmt.Errorf("invalid host and port %q: bad port", s)
	}
	return NetworkHostAndPort{Host: host, Port: port}, nil
}

// String returns "host:port"
func (h NetworkHostAndPort) String() string {
	if h.Host == "" && h.Port == 0 {
		return ""
	}
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

// IsZero reports whether h is unset
func (h NetworkHostAndPort) IsZero() bool {
	return h.Host == "" && h.Port == 0
}

// MarshalText implements encoding.TextMarshaler
func (h NetworkHostAndPort) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (h *NetworkHostAndPort) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*h = NetworkHostAndPort{}
		return nil
	}
	parsed, err := ParseNetworkHostAndPort(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Address identifies a message destination: a node and the broker that hosts its inbox
type Address struct {
	LegalName   string
	HostAndPort NetworkHostAndPort
}

// String returns "legalName@host:port"
func (a Address) String() string {
	return fmt.Sprintf("%s@%s", a.LegalName, a.HostAndPort)
}

// SameBroker reports whether both addresses are served by the same broker
func (a Address) SameBroker(other Address) bool {
	return a.HostAndPort == other.HostAndPort
}
