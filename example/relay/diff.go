package main

import (
	"strings"

	"github.com/MegaGrindStone/go-ts3query"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// diffRecords compares two results of the same command, one record per
// line. Removed records are prefixed with "-", added ones with "+"; unchanged
// records are left out. It returns an empty string when nothing changed.
func diffRecords(before, after []ts3query.Record) string {
	dmp := diffmatchpatch.New()

	a, b, lines := dmp.DiffLinesToChars(recordLines(before), recordLines(after))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var out strings.Builder
	for _, d := range diffs {
		var prefix string
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		default:
			continue
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			out.WriteString(prefix)
			out.WriteString(line)
		}
	}
	return out.String()
}

func recordLines(records []ts3query.Record) string {
	var b strings.Builder
	for _, rec := range records {
		b.WriteString(rec.String())
		b.WriteByte('\n')
	}
	return b.String()
}
