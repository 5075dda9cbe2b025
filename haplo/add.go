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

import "github.com/grailbio/haplo/ivtree"

// addFragment is the insert-or-merge step (spec §4.E, "haplotype_str_add"):
// it compares a freshly-projected fragment against the haplotype strings
// already indexed in tree, merging it into a compatible one or inserting it
// as a new haplotype string.
//
// In strict mode (allowContainments == false, the default and the mode the
// clustering engine assumes), only a haplotype string with the exact same
// (start, end) as the fragment is eligible to receive it. In containment
// mode, any indexed string whose interval contains the fragment's is
// eligible, and among those the one with the largest agreeing-position
// overlap is chosen; containment mode is disabled by default because it
// tends to commit a fragment to a haplotype before enough evidence has
// accumulated to know that's the best place for it (see DESIGN.md).
func addFragment(tree *ivtree.Tree, snps []byte, start, end int, recs []RecordID, allowContainments bool) {
	var best *ivtree.Node
	bestOverlap := -1

	it := tree.RangeIter(start, end)
	for n := it.Next(); n != nil; n = it.Next() {
		cand := n.Payload.(*HaplotypeString)

		if !allowContainments {
			if cand.Start != start || cand.End != end {
				continue
			}
		} else {
			if cand.Start > start || cand.End < end {
				continue
			}
		}

		lo := cand.Start
		if start > lo {
			lo = start
		}
		hi := cand.End
		if end < hi {
			hi = end
		}

		overlap := 0
		compatible := true
		for i := lo; i <= hi; i++ {
			cb := cand.Snps[i-cand.Start]
			fb := snps[i-start]
			if cb != GapBase && fb != GapBase {
				if cb != fb {
					compatible = false
					break
				}
				overlap++
			}
		}
		if !compatible {
			continue
		}

		if !allowContainments {
			best = n
			break
		}
		if overlap > bestOverlap {
			bestOverlap = overlap
			best = n
		}
	}

	if best != nil {
		cand := best.Payload.(*HaplotypeString)
		for i := start; i <= end; i++ {
			fb := snps[i-start]
			if fb == GapBase {
				continue
			}
			j := i - cand.Start
			cand.Snps[j] = fb
			cand.Count[j]++
		}
		cand.NSeq++
		cand.Recs = append(cand.Recs, recs...)
		return
	}

	h := newHaplotypeString(snps, start, end)
	h.Recs = append(h.Recs, recs...)
	tree.Add(start, end, h)
}
