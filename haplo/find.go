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
	"context"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/pkg/errors"

	"github.com/grailbio/haplo/ivtree"
)

// FindHaplotypes identifies candidate SNP sites in each of contigs using
// cons, projects the overlapping reads returned by reads down to haplotype
// strings over those sites, clusters the strings, and drops any group with
// fewer than opts.MinCount supporting reads.
//
// The result has one entry per contig (in the same order as contigs), each
// itself one entry per surviving haplotype group, holding the RecordIDs that
// support that group; a contig contributing zero surviving groups gets an
// empty (non-nil) slice. FindHaplotypes never reorders or interleaves the
// per-contig results, even when opts.Parallel is set: concurrency changes
// only the wall-clock schedule, never the returned value.
//
// A region that fails to process (consensus/read-oracle error) does not
// poison its siblings: FindHaplotypes aggregates the first error across all
// contigs and returns it alongside results, with every successfully
// processed contig's slot populated and every failed one left nil.
func FindHaplotypes(ctx context.Context, reads ReadOracle, cons ConsensusOracle, contigs []Contig, opts Options) ([][][]RecordID, error) {
	if reads == nil {
		return nil, errors.New("haplo: FindHaplotypes called with a nil ReadOracle")
	}
	if cons == nil {
		return nil, errors.New("haplo: FindHaplotypes called with a nil ConsensusOracle")
	}

	results := make([][][]RecordID, len(contigs))

	run := func(i int) error {
		c := contigs[i]
		log.Printf("haplo: processing %s:%d-%d", c.Name, c.Start, c.End)
		groups, err := findHaplotypesSingle(ctx, reads, cons, c, opts)
		if err != nil {
			return errors.Wrapf(err, "haplo: %s:%d-%d", c.Name, c.Start, c.End)
		}
		results[i] = groups
		return nil
	}

	// A failing contig does not poison its siblings: results already computed
	// for other contigs are returned alongside the first error encountered.
	if opts.Parallel && len(contigs) > 1 {
		err := traverse.Each(len(contigs), run)
		return results, err
	}

	var firstErr error
	for i := range contigs {
		if err := run(i); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return results, firstErr
}

// findHaplotypesSingle runs the full pipeline — SNP-site discovery,
// per-read projection, clustering, and filtering — for one contig region.
func findHaplotypesSingle(ctx context.Context, reads ReadOracle, cons ConsensusOracle, c Contig, opts Options) ([][]RecordID, error) {
	calls, err := cons.Consensus(ctx, c.Name, c.Start, c.End)
	if err != nil {
		return nil, errors.Wrap(err, "consensus")
	}
	if len(calls) != c.End-c.Start+1 {
		return nil, errors.Errorf("haplo: ConsensusOracle returned %d calls for a %d-position region", len(calls), c.End-c.Start+1)
	}

	sites := BuildSnpSites(calls, c.Start, opts.HetScore, opts.DiscrepScore)
	log.Debug.Printf("haplo: %s:%d-%d has %d candidate SNP sites", c.Name, c.Start, c.End, len(sites))
	if len(sites) == 0 {
		return [][]RecordID{}, nil
	}

	rr, err := reads.ReadsInRange(ctx, c.Name, c.Start, c.End)
	if err != nil {
		return nil, errors.Wrap(err, "reads")
	}

	tree := ivtree.New()
	projectReads(tree, sites, rr, opts)
	clusterRegion(tree)
	filterRegion(tree, opts.MinCount)

	groups := recordGroups(tree)
	if groups == nil {
		groups = [][]RecordID{}
	}
	return groups, nil
}
