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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/grailbio/haplo/ivtree"
)

func allStrings(tr *ivtree.Tree) []*HaplotypeString {
	var out []*HaplotypeString
	it := tr.RangeIter(-1<<30, 1<<30)
	for n := it.Next(); n != nil; n = it.Next() {
		out = append(out, n.Payload.(*HaplotypeString))
	}
	return out
}

// TestAddStrictModeExactMatchMerges exercises testable property 4
// (compatibility idempotence): a fragment matching an indexed string's
// (start,end) exactly, and agreeing everywhere it overlaps, merges rather
// than creating a new group.
func TestAddStrictModeExactMatchMerges(t *testing.T) {
	tr := ivtree.New()
	addFragment(tr, []byte("AC-T"), 10, 13, []RecordID{1}, false)
	addFragment(tr, []byte("-CGT"), 10, 13, []RecordID{2}, false)

	all := allStrings(tr)
	assert.Equal(t, 1, len(all))
	h := all[0]
	assert.Equal(t, 2, h.NSeq)
	assert.Equal(t, "ACGT", string(h.Snps))
	assert.Equal(t, []RecordID{1, 2}, h.Recs)
}

// TestAddStrictModeDifferentBoundsNeverMerge exercises property 5 (merge
// agreement only ever happens within matching bounds in strict mode): a
// fragment with different (start,end) never merges, even if it would agree
// over the overlap.
func TestAddStrictModeDifferentBoundsNeverMerge(t *testing.T) {
	tr := ivtree.New()
	addFragment(tr, []byte("ACGT"), 10, 13, []RecordID{1}, false)
	addFragment(tr, []byte("ACG"), 10, 12, []RecordID{2}, false)

	all := allStrings(tr)
	assert.Equal(t, 2, len(all))
}

// TestAddDisagreementCreatesNewGroup exercises property 5: a fragment that
// disagrees with a same-bounds candidate at even one shared position does
// not merge into it.
func TestAddDisagreementCreatesNewGroup(t *testing.T) {
	tr := ivtree.New()
	addFragment(tr, []byte("AC-T"), 10, 13, []RecordID{1}, false)
	addFragment(tr, []byte("TC-T"), 10, 13, []RecordID{2}, false)

	all := allStrings(tr)
	assert.Equal(t, 2, len(all))
	for _, h := range all {
		assert.Equal(t, 1, h.NSeq)
	}
}

// TestAddContainmentModeMergesIntoWiderCandidate exercises the opt-in
// containment mode: a shorter fragment merges into a wider, compatible,
// already-indexed string whose interval contains it.
func TestAddContainmentModeMergesIntoWiderCandidate(t *testing.T) {
	tr := ivtree.New()
	addFragment(tr, []byte("ACGT"), 10, 13, []RecordID{1}, true)
	addFragment(tr, []byte("CG"), 11, 12, []RecordID{2}, true)

	all := allStrings(tr)
	assert.Equal(t, 1, len(all))
	assert.Equal(t, 2, all[0].NSeq)
	assert.Equal(t, "ACGT", string(all[0].Snps))
}

// TestAddContainmentModePrefersBestOverlap exercises the tie-break rule:
// among multiple containing candidates, the one agreeing over the largest
// overlap is chosen.
func TestAddContainmentModePrefersBestOverlap(t *testing.T) {
	tr := ivtree.New()
	addFragment(tr, []byte("AC--"), 10, 13, []RecordID{1}, true)
	addFragment(tr, []byte("TCGT"), 10, 13, []RecordID{2}, true)
	addFragment(tr, []byte("-CG-"), 10, 13, []RecordID{3}, true)

	all := allStrings(tr)
	assert.Equal(t, 2, len(all))
	var merged *HaplotypeString
	for _, h := range all {
		if h.NSeq == 2 {
			merged = h
		}
	}
	assert.NotNil(t, merged)
	if merged != nil {
		assert.ElementsMatch(t, []RecordID{2, 3}, merged.Recs)
	}
}

func TestAddDisjointFragmentsNeverMerge(t *testing.T) {
	tr := ivtree.New()
	addFragment(tr, []byte("AC"), 0, 1, []RecordID{1}, false)
	addFragment(tr, []byte("GT"), 5, 6, []RecordID{2}, false)
	assert.Equal(t, 2, len(allStrings(tr)))
}
