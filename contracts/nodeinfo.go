package contracts

// NodeInfo is what a node publishes to the network map
type NodeInfo struct {
	LegalName       string               `json:"legalName"`
	Addresses       []NetworkHostAndPort `json:"addresses"`
	PlatformVersion int                  `json:"platformVersion"`
	// IdentityKey is the node's public NKey, used to authenticate it to other brokers.
	IdentityKey string `json:"identityKey"`
	Serial      int64  `json:"serial"`
}

// Address returns the primary messaging address of the node
func (n NodeInfo) Address() (Address, bool) {
	if len(n.Addresses) == 0 {
		return Address{}, false
	}
	return Address{LegalName: n.LegalName, HostAndPort: n.Addresses[0]}, true
}
