// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workspace

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// previewContext is the number of unchanged lines shown around a change.
const previewContext = 3

const noNewlineMarker = "\\ No newline at end of file\n"

// fileChange is the before and after content of one file.
type fileChange struct {
	path   string
	before string
	after  string
}

// renderPreview renders the changed files as a multi-file unified diff.
// Unchanged files are omitted.
func renderPreview(changes []fileChange) (string, error) {
	var diffs []*diff.FileDiff
	for _, c := range changes {
		if c.before == c.after {
			continue
		}
		diffs = append(diffs, fileDiff(c))
	}
	if len(diffs) == 0 {
		return "", nil
	}
	out, err := diff.PrintMultiFileDiff(diffs)
	if err != nil {
		return "", fmt.Errorf("render preview: %w", err)
	}
	return string(out), nil
}

// fileDiff builds a single-hunk diff covering everything between the
// common prefix and the common suffix of the two contents.
func fileDiff(c fileChange) *diff.FileDiff {
	a := splitLines(c.before)
	b := splitLines(c.after)

	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix &&
		a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}

	lead := max(prefix-previewContext, 0)
	trail := min(suffix, previewContext)

	var body bytes.Buffer
	writeLines(&body, ' ', a[lead:prefix])
	writeLines(&body, '-', a[prefix:len(a)-suffix])
	writeLines(&body, '+', b[prefix:len(b)-suffix])
	writeLines(&body, ' ', a[len(a)-suffix:len(a)-suffix+trail])

	origLines := len(a) - suffix + trail - lead
	newLines := len(b) - suffix + trail - lead

	return &diff.FileDiff{
		OrigName: "a" + toSlashPath(c.path),
		NewName:  "b" + toSlashPath(c.path),
		Hunks: []*diff.Hunk{{
			OrigStartLine: hunkStart(lead, origLines),
			OrigLines:     int32(origLines),
			NewStartLine:  hunkStart(lead, newLines),
			NewLines:      int32(newLines),
			Body:          body.Bytes(),
		}},
	}
}

// hunkStart is the 1-based first line of a hunk; an empty side names the
// line before it.
func hunkStart(lead, count int) int32 {
	if count == 0 {
		return int32(lead)
	}
	return int32(lead + 1)
}

// splitLines splits s after each newline. A final line without a newline
// is kept; an empty string has no lines.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func writeLines(buf *bytes.Buffer, prefix byte, lines []string) {
	for _, l := range lines {
		buf.WriteByte(prefix)
		buf.WriteString(l)
		if !strings.HasSuffix(l, "\n") {
			buf.WriteByte('\n')
			buf.WriteString(noNewlineMarker)
		}
	}
}

func toSlashPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
