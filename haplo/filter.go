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

	"github.com/grailbio/haplo/ivtree"
)

// filterRegion drops every haplotype string in tree whose NSeq is below
// minCount, and every tombstone left behind by clusterRegion whatever the
// value of minCount. Nodes are staged into a side list during
// the scan and deleted only once the scan completes, since the tree's
// iterator does not tolerate deleting a node it has not yet yielded.
func filterRegion(tree *ivtree.Tree, minCount int) {
	it := tree.RangeIter(math.MinInt32, math.MaxInt32)

	var doomed []*ivtree.Node
	for n := it.Next(); n != nil; n = it.Next() {
		if h := n.Payload.(*HaplotypeString); h.NSeq < minCount || h.tombstoned() {
			doomed = append(doomed, n)
		}
	}

	for _, n := range doomed {
		// Del cannot fail for a node this scan just yielded from its own
		// tree; a returned error here would mean tree bookkeeping is
		// corrupt, which no caller of this package can recover from.
		if err := tree.Del(n); err != nil {
			panic(err)
		}
	}
}

// recordGroups returns the read-record lists of every surviving haplotype
// string in tree, in ascending (Start, End) order, after filterRegion has
// already removed the ones that didn't meet the minimum-count threshold.
func recordGroups(tree *ivtree.Tree) [][]RecordID {
	it := tree.RangeIter(math.MinInt32, math.MaxInt32)

	var groups [][]RecordID
	for n := it.Next(); n != nil; n = it.Next() {
		h := n.Payload.(*HaplotypeString)
		if h.tombstoned() {
			continue
		}
		groups = append(groups, h.Recs)
	}
	return groups
}
