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
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/haplo"
)

// writeReport renders groups (as returned by haplo.FindHaplotypes, one entry
// per contigs[i]) as a TSV: contig, 1-based group index, supporting-read
// count, and the QNAMEs backing the group.
func writeReport(w io.Writer, reads *bamReadOracle, contigs []haplo.Contig, groups [][][]haplo.RecordID) {
	bw := bufio.NewWriter(w)
	defer func() { _ = bw.Flush() }()

	fmt.Fprintln(bw, "#contig\tgroup\tnseq\treads")
	for i, c := range contigs {
		for gi, recs := range groups[i] {
			names := make([]string, len(recs))
			for j, id := range recs {
				names[j] = reads.RecordName(c.Name, id)
			}
			fmt.Fprintf(bw, "%s\t%d\t%d\t%s\n", c.Name, gi+1, len(recs), strings.Join(names, ","))
		}
	}
}
