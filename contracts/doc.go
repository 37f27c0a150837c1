// Package contracts provides the data model shared by every p2pmq component.
//
// This package defines:
//   - Message: an immutable, topic-scoped payload tagged with the sender's platform version
//   - ReceivedMessage: a delivered Message plus delivery metadata
//   - Envelope: the wire shape carried by every transport
//   - NetworkHostAndPort and Address: where a message is sent to
//   - NodeInfo: what a node publishes to the network map
//   - The error taxonomy surfaced by servers, clients and the security manager
package contracts
