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

/*
Package haplo implements the haplotype-inference core of a sequencing
assembly tool.

Given an aligned collection of reads covering a genomic region, FindHaplotypes
identifies candidate variant sites (SNPs) from a consensus oracle, projects
each read (or read-pair) down to a compact string over those sites, and
iteratively clusters the resulting strings into a small number of haplotype
groups together with the read records supporting each group.

The SNP-site identification and the per-read projection happen entirely
in-package; the consensus calls and the raw read records themselves are
supplied by the caller through the ConsensusOracle and ReadOracle interfaces,
so this package has no notion of a BAM file, a reference FASTA, or a specific
consensus-calling algorithm.

The heavy lifting is two coupled subsystems: package ivtree, an augmented
interval tree used as the primary index over partially-built haplotype
strings, and the clustering engine in cluster.go, an order-sensitive greedy
merge bounded by a region-blocking strategy.
*/
package haplo
