package security

import (
	"fmt"
	"strings"
)

// Permission prefixes
const (
	PermissionAll       = "ALL"
	invokeRPCPrefix     = "InvokeRpc."
	startFlowPrefix     = "StartFlow."
	normalizedInvokeRPC = "invokerpc."
	normalizedStartFlow = "startflow."
)

// InvokeRPC returns the permission needed to call an RPC op
func InvokeRPC(op string) string {
	return invokeRPCPrefix + op
}

// StartFlow returns the permission needed to start a flow
func StartFlow(name string) string {
	return startFlowPrefix + name
}

// normalizePermission validates a permission string and returns its comparable form.
// Permission matching ignores case.
func normalizePermission(permission string) (string, error) {
	p := strings.TrimSpace(permission)
	if strings.EqualFold(p, PermissionAll) {
		return strings.ToLower(PermissionAll), nil
	}
	lower := strings.ToLower(p)
	for _, prefix := range []string{normalizedInvokeRPC, normalizedStartFlow} {
		if strings.HasPrefix(lower, prefix) && len(lower) > len(prefix) {
			return lower, nil
		}
	}
	return "", fmt.Errorf("unknown permission %q", permission)
}

// permissionSet is the parsed permission list of a user
type permissionSet map[string]struct{}

func parsePermissions(permissions []string) (permissionSet, error) {
	set := make(permissionSet, len(permissions))
	for _, p := range permissions {
		normalized, err := normalizePermission(p)
		if err != nil {
			return nil, err
		}
		set[normalized] = struct{}{}
	}
	return set, nil
}

func (s permissionSet) allows(permission string) bool {
	if _, ok := s[strings.ToLower(PermissionAll)]; ok {
		return true
	}
	normalized, err := normalizePermission(permission)
	if err != nil {
		return false
	}
	_, ok := s[normalized]
	return ok
}
