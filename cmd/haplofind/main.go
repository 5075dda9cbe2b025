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

/*
haplofind groups the reads overlapping a region into haplotype-supporting
clusters, using read-pair-aware SNP projection and greedy compatible-read
clustering over an augmented interval tree.
*/

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"

	"github.com/grailbio/hts/sam"

	"github.com/grailbio/haplo"
	"github.com/grailbio/haplo/encoding/bamprovider"
	"github.com/grailbio/haplo/encoding/fasta"
)

var (
	bamIndexPath = flag.String("index", "", "Input BAM index path. Defaults to bampath + .bai")
	region       = flag.String("region", "", "Restrict the search to <contig>:<1-based start>-<end>, or just <contig> for the whole reference sequence; default is every reference sequence in the BAM header")
	pairs        = flag.Bool("pairs", haplo.DefaultOptions.Pairs, "Fuse mated reads into a single fragment spanning both mates")
	hetScore     = flag.Float64("het-score", haplo.DefaultOptions.HetScore, "Minimum heterozygosity score (here: minor-allele read depth) for a position to become a SNP site")
	discrepScore = flag.Float64("discrep-score", haplo.DefaultOptions.DiscrepScore, "Discrepancy-from-reference score above which a position becomes a SNP site (OR'd with -het-score)")
	minCount     = flag.Int("min-count", haplo.DefaultOptions.MinCount, "Drop haplotype groups supported by fewer than this many reads (or read-pairs)")
	containments = flag.Bool("allow-containments", haplo.DefaultOptions.AllowContainments, "Allow a new fragment to merge into any compatible candidate whose span contains it, not just an exact span match")
	parallel     = flag.Bool("parallel", haplo.DefaultOptions.Parallel, "Process regions concurrently")
	out          = flag.String("out", "", "Output TSV path; default stdout")
)

func haplofindUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS] {b,p}ampath [fapath]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Other options:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = haplofindUsage
	shutdown := grail.Init()
	defer shutdown()

	allArgs := flag.Args()
	nPositionalArgs := flag.NArg()
	positionalArgs := allArgs[len(allArgs)-nPositionalArgs:]
	if nPositionalArgs < 1 || nPositionalArgs > 2 {
		log.Fatalf("Expected 1 or 2 positional arguments ({b,p}ampath and an optional fapath); please check flag syntax: '%s'", strings.Join(positionalArgs, " "))
	}
	bampath := positionalArgs[0]
	var fapath string
	if nPositionalArgs == 2 {
		fapath = positionalArgs[1]
	}

	ctx := vcontext.Background()
	provider := bamprovider.NewProvider(bampath, bamprovider.ProviderOpts{Index: *bamIndexPath})
	defer func() {
		if err := provider.Close(); err != nil {
			log.Fatalf("closing %s: %v", bampath, err)
		}
	}()

	header, err := provider.GetHeader()
	if err != nil {
		log.Fatalf("reading header of %s: %v", bampath, err)
	}

	contigs, err := resolveContigs(*region, header)
	if err != nil {
		log.Fatalf("%v", err)
	}

	var ref fasta.Fasta
	if fapath != "" {
		f, err := file.Open(ctx, fapath)
		if err != nil {
			log.Fatalf("opening %s: %v", fapath, err)
		}
		defer func() { _ = f.Close(ctx) }()
		if ref, err = fasta.New(f.Reader(ctx)); err != nil {
			log.Fatalf("parsing %s: %v", fapath, err)
		}
	}

	reads := newBAMReadOracle(provider)
	cons := newPileupConsensusOracle(provider, ref)

	opts := haplo.DefaultOptions
	opts.Pairs = *pairs
	opts.HetScore = *hetScore
	opts.DiscrepScore = *discrepScore
	opts.MinCount = *minCount
	opts.AllowContainments = *containments
	opts.Parallel = *parallel

	groups, err := haplo.FindHaplotypes(ctx, reads, cons, contigs, opts)
	if err != nil {
		log.Fatalf("%v", err)
	}

	w := os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			log.Fatalf("creating %s: %v", *out, err)
		}
		defer func() { _ = f.Close() }()
		w = f
	}
	writeReport(w, reads, contigs, groups)
	log.Debug.Printf("exiting")
}

// resolveContigs parses -region into the []haplo.Contig FindHaplotypes
// expects, defaulting to every reference sequence in header when region is
// empty.
func resolveContigs(region string, header *sam.Header) ([]haplo.Contig, error) {
	if region == "" {
		refs := header.Refs()
		contigs := make([]haplo.Contig, len(refs))
		for i, ref := range refs {
			contigs[i] = haplo.Contig{Name: ref.Name(), Start: 0, End: ref.Len() - 1}
		}
		return contigs, nil
	}

	name, start, end := region, 0, -1
	if i := strings.IndexByte(region, ':'); i >= 0 {
		name = region[:i]
		span := region[i+1:]
		parts := strings.SplitN(span, "-", 2)
		s, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("haplofind: bad -region %q: %v", region, err)
		}
		start = s - 1
		end = start
		if len(parts) == 2 {
			e, err := strconv.Atoi(parts[1])
			if err != nil {
				return nil, fmt.Errorf("haplofind: bad -region %q: %v", region, err)
			}
			end = e - 1
		}
	}
	ref := bamprovider.RefByName(header, name)
	if ref == nil {
		return nil, fmt.Errorf("haplofind: reference %q not found in BAM header", name)
	}
	if end < 0 {
		end = ref.Len() - 1
	}
	return []haplo.Contig{{Name: name, Start: start, End: end}}, nil
}
