package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// ValidateLegalName checks that name is an X.500-style node name carrying at least
// the organisation (O), locality (L) and country (C) attributes.
func ValidateLegalName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("legal name cannot be empty")
	}
	attrs := make(map[string]string)
	for _, part := range strings.Split(name, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 || strings.TrimSpace(kv[1]) == "" {
			return fmt.Errorf("legal name %q: malformed attribute %q", name, part)
		}
		key := strings.ToUpper(strings.TrimSpace(kv[0]))
		if _, dup := attrs[key]; dup {
			return fmt.Errorf("legal name %q: duplicate attribute %s", name, key)
		}
		attrs[key] = strings.TrimSpace(kv[1])
	}
	for _, required := range []string{"O", "L", "C"} {
		if _, ok := attrs[required]; !ok {
			return fmt.Errorf("legal name %q: missing attribute %s", name, required)
		}
	}
	if len(attrs["C"]) != 2 {
		return fmt.Errorf("legal name %q: country must be a two letter code", name)
	}
	return nil
}

// NameToken maps a legal name to a token that is safe to use in queue and subject names.
// Equal names (ignoring attribute spacing) map to equal tokens.
func NameToken(legalName string) string {
	parts := strings.Split(legalName, ",")
	for i, part := range parts {
		parts[i] = strings.TrimSpace(part)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, ",")))
	return hex.EncodeToString(sum[:12])
}

// InboxName returns the name of the durable inbound queue of a node
func InboxName(legalName string) string {
	return "p2p.inbound." + NameToken(legalName)
}
