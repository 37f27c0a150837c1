package rpc

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/glimte/p2pmq/contracts"
)

// Op names
const (
	OpNodeInfo           = "nodeInfo"
	OpNetworkMapSnapshot = "networkMapSnapshot"
	OpPlatformVersion    = "platformVersion"
	OpDeadLetterCount    = "deadLetterCount"
)

// Error kinds carried in replies
const (
	kindAuthorization = "authorization"
	kindUnknownOp     = "unknown-op"
	kindInternal      = "internal"
)

var (
	// ErrUnknownOp is returned for ops the node doesn't serve
	ErrUnknownOp = errors.New("unknown rpc op")
	// ErrMalformedReply is returned when a reply can't be decoded
	ErrMalformedReply = errors.New("malformed rpc reply")
)

// Ops is what a node exposes over RPC
type Ops interface {
	NodeInfo() contracts.NodeInfo
	NetworkMapSnapshot() []contracts.NodeInfo
	PlatformVersion() int
	DeadLetterCount(ctx context.Context) (int, error)
}

// RemoteError is an op failure reported by the node
type RemoteError struct {
	Op      string
	Message string
}

func (e *RemoteError) Error() string {
	return "rpc " + e.Op + " failed: " + e.Message
}

type reply struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *replyError     `json:"error,omitempty"`
}

type replyError struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	Username   string `json:"username,omitempty"`
	Permission string `json:"permission,omitempty"`
}
