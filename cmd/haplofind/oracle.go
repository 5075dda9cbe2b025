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
package main

import (
	"context"
	"sync"

	"github.com/grailbio/hts/sam"

	"github.com/grailbio/haplo"
	"github.com/grailbio/haplo/encoding/bamprovider"
)

// bamReadOracle implements haplo.ReadOracle over a bamprovider.Provider.
// RecordIDs are assigned sequentially within one ReadsInRange call (1-based;
// haplo.RecordID(0) means "no mate"); RecordName recovers the QNAME a given
// contig's IDs were assigned from, for rendering the final report.
type bamReadOracle struct {
	provider bamprovider.Provider

	mu    sync.Mutex
	names map[string]map[haplo.RecordID]string
}

func newBAMReadOracle(p bamprovider.Provider) *bamReadOracle {
	return &bamReadOracle{provider: p, names: map[string]map[haplo.RecordID]string{}}
}

// RecordName returns the QNAME that ReadsInRange(ctx, contig, ...) assigned
// id to, or "" if contig hasn't been queried or id is unrecognized.
func (o *bamReadOracle) RecordName(contig string, id haplo.RecordID) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.names[contig][id]
}

// ReadsInRange implements haplo.ReadOracle. Unmapped, secondary, and
// supplementary alignments are excluded, since they don't carry
// independent basecall evidence for a position. BAM
// stores SEQ already reverse-complemented onto the reference strand, so
// every returned ReadRecord has Complement == false and a positive Length;
// the clipping offsets are derived from the leading/trailing soft-clip CIGAR
// operations, which SAM requires to be outermost.
func (o *bamReadOracle) ReadsInRange(ctx context.Context, contig string, start, end int) ([]haplo.ReadRecord, error) {
	it := bamprovider.NewRefIterator(o.provider, contig, start, end+1)
	defer func() { _ = it.Close() }()

	var raw []*sam.Record
	for it.Scan() {
		r := it.Record()
		if r.Flags&(sam.Unmapped|sam.Secondary|sam.Supplementary) != 0 {
			continue
		}
		raw = append(raw, r)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}

	recs := make([]haplo.ReadRecord, len(raw))
	names := make(map[haplo.RecordID]string, len(raw))
	firstMate := make(map[string]int, len(raw))
	for i, r := range raw {
		id := haplo.RecordID(i + 1)
		names[id] = r.Name
		bases := r.Seq.Expand()
		clipLeft, clipRight := softClipBounds(r.Cigar, len(bases))

		recs[i] = haplo.ReadRecord{
			RecID:     id,
			Start:     r.Start(),
			End:       r.End() - 1,
			Length:    len(bases),
			ClipLeft:  clipLeft,
			ClipRight: clipRight,
			Base:      func(b []byte) func(int) byte { return func(i int) byte { return b[i] } }(bases),
		}

		if r.Flags&sam.Paired != 0 && r.Flags&sam.MateUnmapped == 0 {
			if j, ok := firstMate[r.Name]; ok {
				recs[j].PairRec = id
				recs[i].PairRec = recs[j].RecID
			} else {
				firstMate[r.Name] = i
			}
		}
	}

	o.mu.Lock()
	o.names[contig] = names
	o.mu.Unlock()

	return recs, nil
}

// softClipBounds returns the 1-based ClipLeft/ClipRight offsets (into a
// seqLen-long stored sequence) implied by cigar's leading and trailing
// soft-clip operations, per SAM's requirement that clips be outermost.
func softClipBounds(cigar sam.Cigar, seqLen int) (clipLeft, clipRight int) {
	lead, trail := 0, 0
	if len(cigar) > 0 && cigar[0].Type() == sam.CigarSoftClipped {
		lead = cigar[0].Len()
	}
	if n := len(cigar); n > 0 && cigar[n-1].Type() == sam.CigarSoftClipped {
		trail = cigar[n-1].Len()
	}
	return lead + 1, seqLen - trail
}
