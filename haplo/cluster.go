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
package haplo

import (
	"math"
	"sort"

	"github.com/grailbio/haplo/ivtree"
)

// clusterPriority is the descending sort key used to decide which haplotype
// string in a block recruits into its neighbors first: longer, better
// supported strings go first, on the grounds that they carry the most
// information about which SNPs are truly linked.
func clusterPriority(h *HaplotypeString) int {
	length := h.End - h.Start + 1
	return int(math.Sqrt(float64(length)) * float64(h.NSeq))
}

// compatible reports whether a and b agree everywhere their SNP ranges
// overlap: every position where both have a non-gap call must carry the same
// base. Two strings with no overlapping positions at all are vacuously
// compatible.
func compatible(a, b *HaplotypeString) bool {
	lo := a.Start
	if b.Start > lo {
		lo = b.Start
	}
	hi := a.End
	if b.End < hi {
		hi = b.End
	}
	for i := lo; i <= hi; i++ {
		ca := a.Snps[i-a.Start]
		cb := b.Snps[i-b.Start]
		if ca != GapBase && cb != GapBase && ca != cb {
			return false
		}
	}
	return true
}

// mergeInto widens dst to cover src's full range and folds src's calls into
// it, preferring dst's own call at any position both cover (src can only
// supply new information at positions dst has not already filled in, or
// positions outside dst's original range). src is left tombstoned (NSeq=0)
// for the caller to detach and, eventually, filter out of the tree.
func mergeInto(dst, src *HaplotypeString) {
	newStart, newEnd := dst.Start, dst.End
	if src.Start < newStart {
		newStart = src.Start
	}
	if src.End > newEnd {
		newEnd = src.End
	}

	snps := make([]byte, newEnd-newStart+1)
	count := make([]int, newEnd-newStart+1)
	for i := newStart; i <= newEnd; i++ {
		snps[i-newStart] = GapBase
	}
	for i := dst.Start; i <= dst.End; i++ {
		snps[i-newStart] = dst.Snps[i-dst.Start]
		count[i-newStart] = dst.Count[i-dst.Start]
	}
	for i := src.Start; i <= src.End; i++ {
		sb := src.Snps[i-src.Start]
		if sb == GapBase {
			continue
		}
		j := i - newStart
		if snps[j] == GapBase {
			snps[j] = sb
			count[j] = src.Count[i-src.Start]
		} else {
			count[j] += src.Count[i-src.Start]
		}
	}

	dst.Start, dst.End = newStart, newEnd
	dst.Snps, dst.Count = snps, count
	dst.NSeq += src.NSeq
	dst.Recs = append(dst.Recs, src.Recs...)

	src.NSeq = 0
	src.Recs = nil
}

// clusterSubregion recruits the haplotype strings of one overlap block,
// given as the head of a doubly-linked sub-list threaded through
// Node.UNext/UPrev, into as few groups as possible.
//
// It first sorts the block by descending clusterPriority (ties broken by
// ascending Start then End, then by the block's original left-to-right
// order), re-threading UNext/UPrev to match; this mirrors the sort-then-
// relink step of the clustering engine it's modeled on. It then repeatedly
// takes the highest-priority remaining string and absorbs every other
// string in the block that overlaps its current span and disagrees
// nowhere, widening it and tombstoning the absorbed string each time;
// absorbing a string can newly overlap others, so each anchor retries until
// a full pass recruits nothing more. This is deliberately O(blockSize^2) per
// block, which is why the caller keeps blocks small (see clusterRegion).
func clusterSubregion(head *ivtree.Node) {
	var nodes []*ivtree.Node
	for n := head; n != nil; n = n.UNext {
		nodes = append(nodes, n)
	}

	sort.SliceStable(nodes, func(i, j int) bool {
		hi, hj := nodes[i].Payload.(*HaplotypeString), nodes[j].Payload.(*HaplotypeString)
		pi, pj := clusterPriority(hi), clusterPriority(hj)
		if pi != pj {
			return pi > pj
		}
		if hi.Start != hj.Start {
			return hi.Start < hj.Start
		}
		return hi.End < hj.End
	})
	for i, n := range nodes {
		if i > 0 {
			n.UPrev = nodes[i-1]
		} else {
			n.UPrev = nil
		}
		if i < len(nodes)-1 {
			n.UNext = nodes[i+1]
		} else {
			n.UNext = nil
		}
	}

	for _, anchorNode := range nodes {
		anchor := anchorNode.Payload.(*HaplotypeString)
		if anchor.tombstoned() {
			continue
		}

		for {
			recruited := false
			for _, otherNode := range nodes {
				if otherNode == anchorNode {
					continue
				}
				other := otherNode.Payload.(*HaplotypeString)
				if other.tombstoned() {
					continue
				}
				if other.Start > anchor.End || other.End < anchor.Start {
					continue
				}
				if !compatible(anchor, other) {
					continue
				}
				mergeInto(anchor, other)
				recruited = true
			}
			if !recruited {
				break
			}
		}
	}
}

// clusterRegion partitions every haplotype string currently indexed in tree
// into overlap blocks, threading each block through Node.UNext/UPrev as it
// scans, and clusters each block independently. A block is a maximal run of
// strings such that each overlaps the running maximum End of everything
// before it in region order; strings in different blocks can never overlap,
// so clustering them together would be wasted work.
func clusterRegion(tree *ivtree.Tree) {
	it := tree.RangeIter(math.MinInt32, math.MaxInt32)

	var head, tail *ivtree.Node
	haveBlock := false
	longestEnd := 0

	flush := func() {
		if head != nil {
			clusterSubregion(head)
			head, tail = nil, nil
		}
	}

	for n := it.Next(); n != nil; n = it.Next() {
		h := n.Payload.(*HaplotypeString)
		if haveBlock && h.Start > longestEnd {
			flush()
			haveBlock = false
		}
		if !haveBlock || h.End > longestEnd {
			longestEnd = h.End
		}
		haveBlock = true

		n.UPrev = tail
		n.UNext = nil
		if tail != nil {
			tail.UNext = n
		} else {
			head = n
		}
		tail = n
	}
	flush()
}
