// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ivtree implements an augmented interval tree: a balanced BST keyed
// on (Start, End) where every node also tracks the maximum End over its
// subtree ("last"), so that range queries can prune subtrees that cannot
// possibly overlap the query range.
//
// The tree is a treap (a BST balanced via random priorities) rather than a
// literal red-black tree. A treap gives the same O(log N) expected bounds as
// the red-black tree the design was originally modeled on, with a much
// smaller surface for the augmentation-after-rotation bookkeeping to go
// wrong. Nodes sharing a (Start, End) key are ordered by insertion: ties
// are broken by a per-tree insertion sequence number, so an earlier Add
// sorts before a later one.
package ivtree

import (
	"math/rand"

	"github.com/pkg/errors"
)

// PosType is the integer type used for interval endpoints.
type PosType = int

// Node is a single interval stored in a Tree. Nodes are returned by Add and
// by iteration/query methods, and are the handle Del requires.
//
// UNext and UPrev are a pair of intrusive, caller-owned link pointers. The
// tree itself never reads or writes them; they exist so that callers can
// stage batches of nodes (for deferred deletion, or for a temporary
// sub-list, as the clustering engine does) without a side allocation per
// node. Iterators are invalidated by any tree mutation, including Del of a
// node the iterator has already yielded; such "staged" mutations must be
// applied only after the iterator is no longer in use.
type Node struct {
	left, right, parent *Node
	priority             uint32
	seq                  uint64

	Start, End PosType
	last       PosType
	Payload    interface{}

	UNext, UPrev *Node
}

// Tree is an augmented interval tree. The zero value is not ready for use;
// construct one with New.
type Tree struct {
	root *Node
	size int
	rnd  *rand.Rand
	seq  uint64
}

// New returns an empty Tree. Each Tree owns an independent random source
// (seeded with a fixed constant) so that two trees built from the same
// sequence of operations have identical shape; this has no bearing on
// observable query results (those only depend on keys, never on tree
// shape), but it keeps debugging reproducible.
func New() *Tree {
	return &Tree{rnd: rand.New(rand.NewSource(0x9e3779b97f4a7c15))}
}

// Len returns the number of intervals currently stored.
func (t *Tree) Len() int { return t.size }

func less(a, b *Node) bool {
	if a.Start != b.Start {
		return a.Start < b.Start
	}
	if a.End != b.End {
		return a.End < b.End
	}
	return a.seq < b.seq
}

func updateAug(n *Node) {
	last := n.End
	if n.left != nil && n.left.last > last {
		last = n.left.last
	}
	if n.right != nil && n.right.last > last {
		last = n.right.last
	}
	n.last = last
}

// fixLastUpward recomputes the `last` augmentation from n up to the root.
// Used after a structural change whose effects on subtree-max-End have not
// already been folded in by a more targeted update (e.g. a rotation).
func (t *Tree) fixLastUpward(n *Node) {
	for n != nil {
		updateAug(n)
		n = n.parent
	}
}

// rotateLeftAt performs a left rotation at n: n's right child takes n's
// place in the tree, and n becomes that child's left child. Valid at any
// node, not just the root.
func (t *Tree) rotateLeftAt(n *Node) {
	r := n.right
	p := n.parent
	n.right = r.left
	if r.left != nil {
		r.left.parent = n
	}
	r.left = n
	n.parent = r
	r.parent = p
	switch {
	case p == nil:
		t.root = r
	case p.left == n:
		p.left = r
	default:
		p.right = r
	}
	updateAug(n)
	updateAug(r)
}

// rotateRightAt is the mirror image of rotateLeftAt.
func (t *Tree) rotateRightAt(n *Node) {
	l := n.left
	p := n.parent
	n.left = l.right
	if l.right != nil {
		l.right.parent = n
	}
	l.right = n
	n.parent = l
	l.parent = p
	switch {
	case p == nil:
		t.root = l
	case p.left == n:
		p.left = l
	default:
		p.right = l
	}
	updateAug(n)
	updateAug(l)
}

// Add inserts a new interval [start, end] with the given payload and returns
// the Node handle for it. Zero-length intervals (start == end) and
// duplicate (start, end) keys are both legal.
func (t *Tree) Add(start, end PosType, payload interface{}) *Node {
	t.seq++
	n := &Node{Start: start, End: end, last: end, Payload: payload, priority: t.rnd.Uint32(), seq: t.seq}

	if t.root == nil {
		t.root = n
		t.size++
		return n
	}

	cur := t.root
	for {
		if less(n, cur) {
			if cur.left == nil {
				cur.left = n
				n.parent = cur
				break
			}
			cur = cur.left
		} else {
			if cur.right == nil {
				cur.right = n
				n.parent = cur
				break
			}
			cur = cur.right
		}
	}

	t.fixLastUpward(n)

	for n.parent != nil && n.priority > n.parent.priority {
		if n.parent.left == n {
			t.rotateRightAt(n.parent)
		} else {
			t.rotateLeftAt(n.parent)
		}
	}

	t.size++
	return n
}

// Del removes a specific node previously returned by Add or by a query
// method. It is an error to Del a node not currently present in this tree
// (e.g. one already deleted).
func (t *Tree) Del(n *Node) error {
	if n == nil {
		return errors.New("ivtree: Del called with nil node")
	}
	if n.parent == nil && t.root != n {
		return errors.New("ivtree: Del called with a node that is not in this tree")
	}

	// Rotate n down to a leaf, always rotating with whichever child has
	// higher priority, preserving the heap property throughout.
	for n.left != nil || n.right != nil {
		if n.right == nil || (n.left != nil && n.left.priority > n.right.priority) {
			t.rotateRightAt(n)
		} else {
			t.rotateLeftAt(n)
		}
	}

	p := n.parent
	switch {
	case p == nil:
		t.root = nil
	case p.left == n:
		p.left = nil
	default:
		p.right = nil
	}
	n.parent = nil
	n.left = nil
	n.right = nil

	t.fixLastUpward(p)
	t.size--
	return nil
}

// Destroy tears the tree down in-order, invoking disposer (if non-nil) on
// each node's payload before discarding the node. After Destroy the tree is
// empty and may be reused.
func (t *Tree) Destroy(disposer func(payload interface{})) {
	if disposer != nil {
		var walk func(n *Node)
		walk = func(n *Node) {
			if n == nil {
				return
			}
			walk(n.left)
			disposer(n.Payload)
			walk(n.right)
		}
		walk(t.root)
	}
	t.root = nil
	t.size = 0
}

// Iter is a stateful, single-pass iterator over the intervals overlapping
// [lo, hi], produced by RangeIter. It does not tolerate tree mutation: after
// an Add or a Del, even a Del of a node already returned by Next, later
// calls to Next may skip or repeat intervals. Deletions are therefore staged
// (e.g. via a caller-owned side list threaded through Node.UNext/UPrev) and
// applied only after the iterator is no longer in use.
type Iter struct {
	node     *Node
	lo, hi   PosType
	visitedL bool
}

// RangeIter returns a stateful iterator over every stored interval whose
// [Start, End] overlaps [lo, hi], visited in ascending (Start, End) order.
// An empty tree, or a range with no overlaps, yields a zero-result iterator
// with no side effects.
func (t *Tree) RangeIter(lo, hi PosType) *Iter {
	return &Iter{node: t.root, lo: lo, hi: hi}
}

// Next returns the next matching interval, or nil when exhausted.
func (it *Iter) Next() *Node {
	for it.node != nil {
		if !it.visitedL {
			if l := it.node.left; l != nil && l.last >= it.lo {
				it.node = l
				continue
			}
		}
		it.visitedL = true

		n := it.node
		match := n.Start <= it.hi && n.End >= it.lo

		if n.Start <= it.hi && n.right != nil {
			it.node = n.right
			it.visitedL = false
		} else {
			it.ascend(n)
		}

		if match {
			return n
		}
	}
	return nil
}

// ascend moves the iterator up to the nearest ancestor whose left subtree
// contains `from` (the standard parent-pointer in-order successor step),
// marking that ancestor's left subtree as already visited.
func (it *Iter) ascend(from *Node) {
	n := from
	for n.parent != nil && n.parent.right == n {
		n = n.parent
	}
	it.node = n.parent
	it.visitedL = true
}

// DoMatching is the callback-driven alternative to RangeIter: it visits
// every interval overlapping [lo, hi] in ascending (Start, End) order,
// invoking fn on each. fn's return value controls continuation: returning
// false stops the walk early. DoMatching returns the number of intervals
// visited. It exists because the system this package is modeled on exposed
// both a callback query and a pull iterator; RangeIter is sufficient for
// every caller in this module, so DoMatching is provided for completeness
// rather than because anything here requires it.
func (t *Tree) DoMatching(lo, hi PosType, fn func(n *Node) bool) int {
	count := 0
	var walk func(n *Node) bool
	walk = func(n *Node) bool {
		if n == nil {
			return true
		}
		if n.left != nil && n.left.last >= lo {
			if !walk(n.left) {
				return false
			}
		}
		if n.Start <= hi && n.End >= lo {
			count++
			if fn != nil && !fn(n) {
				return false
			}
		}
		if n.Start <= hi && n.right != nil {
			return walk(n.right)
		}
		return true
	}
	walk(t.root)
	return count
}

// Check recursively validates the augmentation invariant (last ==
// max(End, left.last, right.last) for every node) and the BST ordering
// invariant. It returns the first violation found, or nil if the tree is
// internally consistent.
func (t *Tree) Check() error {
	_, err := checkNode(t.root)
	return err
}

func checkNode(n *Node) (PosType, error) {
	if n == nil {
		return 0, nil
	}
	if n.left != nil && !less(n.left, n) {
		return 0, errors.Errorf("ivtree: Check: left child (%d,%d) not less than node (%d,%d)",
			n.left.Start, n.left.End, n.Start, n.End)
	}
	if n.right != nil && less(n.right, n) {
		return 0, errors.Errorf("ivtree: Check: right child (%d,%d) less than node (%d,%d)",
			n.right.Start, n.right.End, n.Start, n.End)
	}
	leftLast, err := checkNode(n.left)
	if err != nil {
		return 0, err
	}
	rightLast, err := checkNode(n.right)
	if err != nil {
		return 0, err
	}
	want := n.End
	if n.left != nil && leftLast > want {
		want = leftLast
	}
	if n.right != nil && rightLast > want {
		want = rightLast
	}
	if n.last != want {
		return 0, errors.Errorf("ivtree: Check: node (%d,%d) has last=%d, want %d",
			n.Start, n.End, n.last, want)
	}
	return n.last, nil
}
