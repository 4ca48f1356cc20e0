// Package discovery finds seed nodes through etcd. Every node registers its
// gossip address under a shared prefix with a lease, so crashed nodes drop
// out once the lease expires.
package discovery
