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
	"sort"

	"github.com/grailbio/haplo/ivtree"
)

// complementTable maps a single ASCII base to its Watson-Crick complement.
// biosimd next door provides the same mapping as a batch, SIMD-accelerated
// slice operation (ReverseComp8Inplace); that API doesn't fit a one-base-at-
// a-time call site, so this package keeps its own table for this narrow use.
var complementTable = [256]byte{}

func init() {
	for i := range complementTable {
		complementTable[i] = 'N'
	}
	pairs := "ACGTNacgtn"
	comps := "TGCANtgcan"
	for i := 0; i < len(pairs); i++ {
		complementTable[pairs[i]] = comps[i]
	}
}

func complementBase(b byte) byte { return complementTable[b] }

// clipBounds returns the genomic [left, right] span of r's unclipped,
// aligned bases. The orientation test is "(Length < 0) != Complement" per
// ReadRecord's contract: when it holds, the stored sequence runs 3'-to-5'
// relative to the contig, so the clip offsets measured from the end of the
// stored sequence rather than its start.
func clipBounds(r ReadRecord) (left, right int) {
	used := r.Length
	if used < 0 {
		used = -used
	}
	if (r.Length < 0) != r.Complement {
		left = r.Start + used - (r.ClipRight - 1) - 1
		right = r.Start + used - (r.ClipLeft - 1) - 1
	} else {
		left = r.Start + r.ClipLeft - 1
		right = r.Start + r.ClipRight - 1
	}
	if left < r.Start {
		left = r.Start
	}
	if right > r.End {
		right = r.End
	}
	return left, right
}

// baseAt returns the base r carries at genomic position pos, which must lie
// within r's alignment span.
func baseAt(r ReadRecord, pos int) byte {
	used := r.Length
	if used < 0 {
		used = -used
	}
	if (r.Length < 0) != r.Complement {
		return complementBase(r.Base(used - 1 - (pos - r.Start)))
	}
	return r.Base(pos - r.Start)
}

// snpRange returns the half-open range [lo, hi) of indices into sites (sorted
// ascending by Pos) whose Pos falls within [left, right].
func snpRange(sites []SnpSite, left, right int) (lo, hi int) {
	lo = sort.Search(len(sites), func(i int) bool { return sites[i].Pos >= left })
	hi = lo
	for hi < len(sites) && sites[hi].Pos <= right {
		hi++
	}
	return lo, hi
}

// pairMates resolves read-pair partnerships within reads, which must be
// sorted by ascending leftmost clipped position. For each pair present in
// full (both mates returned by the query), the earlier-occurring mate's
// entry in mate is set to the later one's index; the later mate's entry in
// skip is set to true, so the main projection loop processes a pair exactly
// once, from its leftmost member.
func pairMates(reads []ReadRecord) (mate []int, skip []bool) {
	mate = make([]int, len(reads))
	skip = make([]bool, len(reads))
	for i := range mate {
		mate[i] = -1
	}
	pending := make(map[RecordID]int, len(reads))
	for i, r := range reads {
		if r.PairRec != 0 {
			if j, ok := pending[r.PairRec]; ok {
				mate[j] = i
				skip[i] = true
				delete(pending, r.PairRec)
				continue
			}
		}
		pending[r.RecID] = i
	}
	return mate, skip
}

// projectReads walks reads (sorted by ascending leftmost clipped position,
// per the ReadOracle contract) and, for each one not already consumed as the
// second half of a pair, builds its haplotype-string fragment over sites and
// folds it into tree via addFragment.
//
// When opts.Pairs is set and a read's mate is also present in reads, the two
// are fused into one fragment spanning both, with any SNP sites strictly
// between the mates' covered ranges filled with GapBase (the insert gap is
// unobserved by either mate). A read (or pair) that covers no SNP site at all
// contributes nothing.
func projectReads(tree *ivtree.Tree, sites []SnpSite, reads []ReadRecord, opts Options) {
	mate := make([]int, len(reads))
	skip := make([]bool, len(reads))
	for i := range mate {
		mate[i] = -1
	}
	if opts.Pairs {
		mate, skip = pairMates(reads)
	}

	for i, r := range reads {
		if skip[i] {
			continue
		}

		left, right := clipBounds(r)
		if right < left {
			continue
		}
		lo, hi := snpRange(sites, left, right)
		if lo == hi {
			continue
		}

		hstr := make([]byte, hi-lo)
		for k := lo; k < hi; k++ {
			hstr[k-lo] = baseAt(r, sites[k].Pos)
		}
		snpStart, snpEnd := lo, hi-1

		if mate[i] < 0 || !opts.Pairs {
			addFragment(tree, hstr, snpStart, snpEnd, []RecordID{r.RecID}, opts.AllowContainments)
			continue
		}

		rp := reads[mate[i]]
		rpLeft, rpRight := clipBounds(rp)
		if rpRight < rpLeft {
			// Mate has no usable bases; drop the whole fragment, matching
			// the single-ended path's treatment of an unusable mate.
			continue
		}

		k := hi
		for k < len(sites) && sites[k].Pos < rpLeft {
			hstr = append(hstr, GapBase)
			k++
		}
		for k < len(sites) && sites[k].Pos <= rpRight {
			hstr = append(hstr, baseAt(rp, sites[k].Pos))
			k++
		}
		snpEnd = k - 1

		addFragment(tree, hstr, snpStart, snpEnd, []RecordID{r.RecID, rp.RecID}, opts.AllowContainments)
	}
}
