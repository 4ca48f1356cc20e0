package ring

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"
)

var (
	// ErrEmptyRing is returned when a lookup is made on a ring without nodes.
	ErrEmptyRing = errors.New("ring is empty")
	// ErrInvalidFactor is returned for a virtual nodes factor below one.
	ErrInvalidFactor = errors.New("virtual nodes factor must be >= 1")
	// ErrUnknownHasher is returned by HasherByName.
	ErrUnknownHasher = errors.New("unknown hash function")
)

// Hasher maps bytes to a 32-bit ring position.
type Hasher func([]byte) uint32

// Murmur3 is the default hasher.
func Murmur3(b []byte) uint32 { return murmur3.Sum32(b) }

// XXHash uses the low 32 bits of xxhash64.
func XXHash(b []byte) uint32 { return uint32(xxhash.Sum64(b)) }

// FNV32a is the 32-bit FNV-1a hash.
func FNV32a(b []byte) uint32 {
	h := fnv.New32a()
	h.Write(b)
	return h.Sum32()
}

// HasherByName resolves "murmur3", "xxhash" or "fnv".
func HasherByName(name string) (Hasher, error) {
	switch name {
	case "", "murmur3":
		return Murmur3, nil
	case "xxhash":
		return XXHash, nil
	case "fnv", "fnv32a":
		return FNV32a, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownHasher, name)
}

// vnode represents a virtual node on the ring.
type vnode struct {
	hash   uint32
	nodeID string
}

// Ring implements consistent hashing with virtual nodes. A Ring is
// immutable: Add and Remove return new rings, so a value can be read from
// any goroutine without locking.
type Ring struct {
	factor int
	hasher Hasher
	vnodes []vnode
	nodes  []string // sorted, unique
}

// New creates a ring holding the given nodes. A nil hasher selects Murmur3.
func New(nodes []string, virtualNodesFactor int, hasher Hasher) (*Ring, error) {
	if virtualNodesFactor < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFactor, virtualNodesFactor)
	}
	if hasher == nil {
		hasher = Murmur3
	}
	ids := slices.Clone(nodes)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	return build(ids, virtualNodesFactor, hasher), nil
}

func build(ids []string, factor int, hasher Hasher) *Ring {
	r := &Ring{
		factor: factor,
		hasher: hasher,
		nodes:  ids,
		vnodes: make([]vnode, 0, len(ids)*factor),
	}
	for _, id := range ids {
		for i := 0; i < factor; i++ {
			r.vnodes = append(r.vnodes, vnode{hash: hasher(pointKey(id, i)), nodeID: id})
		}
	}
	// Equal hashes fall back to node order so every builder agrees.
	sort.Slice(r.vnodes, func(i, j int) bool {
		if r.vnodes[i].hash != r.vnodes[j].hash {
			return r.vnodes[i].hash < r.vnodes[j].hash
		}
		return r.vnodes[i].nodeID < r.vnodes[j].nodeID
	})
	return r
}

// pointKey is the node identity followed by the little-endian vnode index.
func pointKey(nodeID string, i int) []byte {
	b := make([]byte, len(nodeID)+4)
	copy(b, nodeID)
	binary.LittleEndian.PutUint32(b[len(nodeID):], uint32(i))
	return b
}

// Add returns a ring that also contains node.
func (r *Ring) Add(node string) *Ring {
	if r.Contains(node) {
		return r
	}
	ids := append(slices.Clone(r.nodes), node)
	slices.Sort(ids)
	return build(ids, r.factor, r.hasher)
}

// Remove returns a ring without node.
func (r *Ring) Remove(node string) *Ring {
	if !r.Contains(node) {
		return r
	}
	ids := slices.DeleteFunc(slices.Clone(r.nodes), func(id string) bool { return id == node })
	return build(ids, r.factor, r.hasher)
}

// Contains reports whether node is on the ring.
func (r *Ring) Contains(node string) bool {
	_, ok := slices.BinarySearch(r.nodes, node)
	return ok
}

// Nodes returns the physical nodes in sorted order.
func (r *Ring) Nodes() []string {
	return slices.Clone(r.nodes)
}

// Len returns the number of physical nodes.
func (r *Ring) Len() int {
	return len(r.nodes)
}

// VirtualNodesFactor returns the number of positions per node.
func (r *Ring) VirtualNodesFactor() int {
	return r.factor
}

// search returns the index of the first vnode at or clockwise after the key.
func (r *Ring) search(key []byte) int {
	h := r.hasher(key)
	idx := sort.Search(len(r.vnodes), func(i int) bool {
		return r.vnodes[i].hash >= h
	})
	// Wrap around if the hash is greater than all vnodes
	if idx >= len(r.vnodes) {
		idx = 0
	}
	return idx
}

// NodeFor returns the node responsible for key.
func (r *Ring) NodeFor(key []byte) (string, error) {
	if len(r.vnodes) == 0 {
		return "", ErrEmptyRing
	}
	return r.vnodes[r.search(key)].nodeID, nil
}

// NodesFor returns up to n distinct nodes walking clockwise from key. The
// first element equals NodeFor(key).
func (r *Ring) NodesFor(key []byte, n int) ([]string, error) {
	if len(r.vnodes) == 0 {
		return nil, ErrEmptyRing
	}
	if n <= 0 {
		return []string{}, nil
	}
	n = min(n, len(r.nodes))

	idx := r.search(key)
	seen := make(map[string]bool, n)
	result := make([]string, 0, n)
	for i := 0; i < len(r.vnodes) && len(result) < n; i++ {
		id := r.vnodes[(idx+i)%len(r.vnodes)].nodeID
		if !seen[id] {
			seen[id] = true
			result = append(result, id)
		}
	}
	return result, nil
}
