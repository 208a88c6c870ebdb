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
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianMill/services/mill/lsp"
)

// checkBounds verifies that e addresses existing lines and characters of
// the content indexed by pc.
func checkBounds(file string, pc *lsp.PositionConverter, e lsp.TextEdit, index int) error {
	lines := pc.LineCount()
	start, end := e.Range.Start, e.Range.End

	if start.Line < 0 || start.Line >= lines {
		return &ValidationError{File: file, Index: index, Message: fmt.Sprintf(
			"Invalid start line %d for %s: file has %d lines", start.Line, file, lines)}
	}
	if end.Line < 0 || end.Line >= lines {
		return &ValidationError{File: file, Index: index, Message: fmt.Sprintf(
			"Invalid end line %d for %s: file has %d lines", end.Line, file, lines)}
	}
	if n := pc.LineLength(start.Line); start.Character < 0 || start.Character > n {
		return &ValidationError{File: file, Index: index, Message: fmt.Sprintf(
			"Invalid start character %d at line %d for %s: line has %d characters", start.Character, start.Line, file, n)}
	}
	if n := pc.LineLength(end.Line); end.Character < 0 || end.Character > n {
		return &ValidationError{File: file, Index: index, Message: fmt.Sprintf(
			"Invalid end character %d at line %d for %s: line has %d characters", end.Character, end.Line, file, n)}
	}
	return nil
}

// checkOrder rejects a range whose start comes after its end.
func checkOrder(file string, e lsp.TextEdit, index int) error {
	start, end := e.Range.Start, e.Range.End
	if lsp.ComparePositions(start, end) > 0 {
		return &ValidationError{File: file, Index: index, Message: fmt.Sprintf(
			"Invalid range for %s: start (%d:%d) is after end (%d:%d)",
			file, start.Line, start.Character, end.Line, end.Character)}
	}
	return nil
}

// ValidateEdits checks every edit against content without changing
// anything. The first problem found is returned as a *ValidationError.
func ValidateEdits(file, content string, edits []lsp.TextEdit) error {
	pc := lsp.NewPositionConverter(content)
	for i, e := range edits {
		if err := checkBounds(file, pc, e, i); err != nil {
			return err
		}
		if err := checkOrder(file, e, i); err != nil {
			return err
		}
	}
	return nil
}

type editSpan struct {
	start, end int
	index      int
	edit       lsp.TextEdit
}

// ApplyEdits returns content with edits applied.
//
// Description:
//
//	Edits are ordered by descending start offset (ties by descending end,
//	then reverse input order) and spliced from the end of the content
//	toward the beginning, so the result does not depend on input order
//	and inserts at the same position keep their input order. Overlapping
//	ranges are rejected. With validate set, out-of-range positions are
//	rejected; otherwise they clamp to the content.
//
// Outputs:
//
//	string - The new content.
//	error - A *ValidationError; content is never partially edited.
func ApplyEdits(file, content string, edits []lsp.TextEdit, validate bool) (string, error) {
	pc := lsp.NewPositionConverter(content)

	spans := make([]editSpan, 0, len(edits))
	for i, e := range edits {
		if validate {
			if err := checkBounds(file, pc, e, i); err != nil {
				return "", err
			}
		}
		if err := checkOrder(file, e, i); err != nil {
			return "", err
		}
		spans = append(spans, editSpan{
			start: pc.Offset(e.Range.Start),
			end:   pc.Offset(e.Range.End),
			index: i,
			edit:  e,
		})
	}

	sort.SliceStable(spans, func(i, j int) bool {
		a, b := spans[i], spans[j]
		if a.start != b.start {
			return a.start > b.start
		}
		if a.end != b.end {
			return a.end > b.end
		}
		return a.index > b.index
	})

	for i := 1; i < len(spans); i++ {
		later, cur := spans[i-1], spans[i]
		if cur.end > later.start {
			return "", &ValidationError{File: file, Index: cur.index, Message: fmt.Sprintf(
				"Overlapping edits for %s: edit %d %s overlaps edit %d %s",
				file, cur.index, formatRange(cur.edit.Range), later.index, formatRange(later.edit.Range))}
		}
	}

	// Walking the descending list backwards splices the same pieces as
	// applying each edit from the end, in one pass.
	var b strings.Builder
	b.Grow(len(content))
	last := 0
	for i := len(spans) - 1; i >= 0; i-- {
		s := spans[i]
		b.WriteString(content[last:s.start])
		b.WriteString(s.edit.NewText)
		last = s.end
	}
	b.WriteString(content[last:])
	return b.String(), nil
}

func formatRange(r lsp.Range) string {
	return fmt.Sprintf("(%d:%d-%d:%d)", r.Start.Line, r.Start.Character, r.End.Line, r.End.Character)
}
