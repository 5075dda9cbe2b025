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

	"github.com/grailbio/hts/sam"

	"github.com/grailbio/haplo"
	"github.com/grailbio/haplo/biosimd"
	"github.com/grailbio/haplo/encoding/bamprovider"
	"github.com/grailbio/haplo/encoding/fasta"
	"github.com/grailbio/haplo/pileup"
)

// pileupConsensusOracle is a minimal, self-contained haplo.ConsensusOracle
// backed by a per-position base tally over the same BAM/PAM file the read
// oracle reads from. It is not a port of any particular variant caller —
// the spec treats the consensus caller as an external collaborator this
// package never implements — just enough of one to drive haplofind
// end-to-end without a separately-run caller's output file.
//
// ref is optional; when nil, DiscrepScore always equals HetScore (no
// reference to compare the pileup against).
type pileupConsensusOracle struct {
	provider bamprovider.Provider
	ref      fasta.Fasta
}

func newPileupConsensusOracle(p bamprovider.Provider, ref fasta.Fasta) *pileupConsensusOracle {
	return &pileupConsensusOracle{provider: p, ref: ref}
}

func (o *pileupConsensusOracle) Consensus(ctx context.Context, contig string, start, end int) ([]haplo.ConsensusCall, error) {
	n := end - start + 1
	tally := make([][pileup.NBaseEnum]int, n)

	it := bamprovider.NewRefIterator(o.provider, contig, start, end+1)
	defer func() { _ = it.Close() }()

	seq8Buf := make([]byte, 0, 256)
	for it.Scan() {
		r := it.Record()
		if r.Flags&(sam.Unmapped|sam.Secondary|sam.Supplementary) != 0 {
			continue
		}
		bases := r.Seq.Expand()
		if cap(seq8Buf) < len(bases) {
			seq8Buf = make([]byte, len(bases))
		}
		seq8 := seq8Buf[:len(bases)]
		biosimd.ASCIIToSeq8(seq8, bases)

		posInRef, posInRead := r.Pos, 0
		for _, op := range r.Cigar {
			opLen := op.Len()
			switch op.Type() {
			case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
				for k := 0; k < opLen; k++ {
					p := posInRef + k
					if p >= start && p <= end {
						tally[p-start][pileup.Seq8ToEnumTable[seq8[posInRead+k]]]++
					}
				}
				posInRef += opLen
				posInRead += opLen
			case sam.CigarInsertion, sam.CigarSoftClipped:
				posInRead += opLen
			case sam.CigarDeletion, sam.CigarSkipped:
				posInRef += opLen
			}
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}

	var refSeq string
	if o.ref != nil {
		var err error
		if refSeq, err = o.ref.Get(contig, uint64(start), uint64(end+1)); err != nil {
			return nil, err
		}
	}

	calls := make([]haplo.ConsensusCall, n)
	for i, counts := range tally {
		calls[i] = callFromTally(counts, refSeq, i)
	}
	return calls, nil
}

// callFromTally turns one position's per-base depth counts into a
// ConsensusCall: the two most-observed bases become the primary/heterozygous
// call pair, and HetScore is the second allele's depth (so
// Options.HetScore, a minimum read count, compares directly against it).
// DiscrepScore counts reads disagreeing with the reference base when a
// reference is available, and otherwise falls back to HetScore.
func callFromTally(counts [pileup.NBaseEnum]int, refSeq string, refOffset int) haplo.ConsensusCall {
	type rank struct {
		enum  byte
		depth int
	}
	ranked := make([]rank, 0, pileup.NBase)
	for e := byte(0); e < pileup.NBase; e++ {
		ranked = append(ranked, rank{e, counts[e]})
	}
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && ranked[j].depth > ranked[j-1].depth; j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}

	call := haplo.ConsensusCall{
		PrimaryCall: pileup.EnumToASCIITable[ranked[0].enum],
		HetCallLo:   pileup.EnumToASCIITable[ranked[0].enum],
		HetCallHi:   pileup.EnumToASCIITable[ranked[1].enum],
		HetScore:    float64(ranked[1].depth),
	}

	if refOffset < len(refSeq) {
		refBase := refSeq[refOffset] &^ 0x20 // fold to uppercase
		mismatches := 0
		for e := byte(0); e < pileup.NBase; e++ {
			if pileup.EnumToASCIITable[e] != refBase {
				mismatches += int(counts[e])
			}
		}
		call.DiscrepScore = float64(mismatches)
	} else {
		call.DiscrepScore = call.HetScore
	}
	return call
}
