// Package mesher assembles the per-bin mesh fragments into the final
// welded, pruned, out-of-core mesh and streams it to the PLY outputs.
package mesher

import (
	"encoding/binary"
	"io"

	"github.com/aukilabs/go-tooling/pkg/errors"
)

// UnionFind is a size-ranked union-find over global vertex ids, stored as a
// flat arena of 32-bit nodes. A negative entry is a root holding the
// negated size of its component.
type UnionFind struct {
	nodes []int32
}

// NewNode appends a fresh singleton component and returns its id.
func (u *UnionFind) NewNode() uint32 {
	u.nodes = append(u.nodes, -1)
	return uint32(len(u.nodes) - 1)
}

// Len returns the number of nodes.
func (u *UnionFind) Len() int {
	return len(u.nodes)
}

// Find returns the root of id, compressing the path.
func (u *UnionFind) Find(id uint32) uint32 {
	root := id
	for u.nodes[root] >= 0 {
		root = uint32(u.nodes[root])
	}
	for u.nodes[id] >= 0 {
		next := uint32(u.nodes[id])
		u.nodes[id] = int32(root)
		id = next
	}
	return root
}

// Union merges the components of a and b, attaching the smaller under the
// larger.
func (u *UnionFind) Union(a, b uint32) {
	ra, rb := u.Find(a), u.Find(b)
	if ra == rb {
		return
	}
	// sizes are negative
	if u.nodes[ra] > u.nodes[rb] {
		ra, rb = rb, ra
	}
	u.nodes[ra] += u.nodes[rb]
	u.nodes[rb] = int32(ra)
}

// Size returns the vertex count of the component rooted at root.
func (u *UnionFind) Size(root uint32) uint64 {
	return uint64(-u.nodes[root])
}

// IsRoot reports whether id is a component root.
func (u *UnionFind) IsRoot(id uint32) bool {
	return u.nodes[id] < 0
}

// WriteTo dumps the arena as little-endian int32s.
func (u *UnionFind) WriteTo(w io.Writer) error {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(u.nodes)))
	if _, err := w.Write(tmp[:]); err != nil {
		return err
	}
	buf := make([]byte, 4*len(u.nodes))
	for i, n := range u.nodes {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(n))
	}
	_, err := w.Write(buf)
	return err
}

// ReadFrom restores an arena dumped by WriteTo.
func (u *UnionFind) ReadFrom(r io.Reader) error {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return errors.New("truncated union-find dump").Wrap(err)
	}
	n := binary.LittleEndian.Uint32(tmp[:])
	buf := make([]byte, 4*n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return errors.New("truncated union-find dump").Wrap(err)
	}
	u.nodes = make([]int32, n)
	for i := range u.nodes {
		u.nodes[i] = int32(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return nil
}
