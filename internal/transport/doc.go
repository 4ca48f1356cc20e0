// Package transport defines the membership protocol messages and the
// narrow interface the coordinator uses to exchange them. Implementations
// live in subpackages (loopback) and in the node package (gRPC).
package transport
