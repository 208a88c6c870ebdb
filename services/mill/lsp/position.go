// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// PositionConverter maps protocol positions onto byte offsets of a fixed
// piece of content.
//
// Description:
//
//	Lines are split on "\n"; a trailing "\r" belongs to the terminator and
//	is not counted in the line length. Character offsets are UTF-16 code
//	units as the protocol requires.
//
// Thread Safety:
//
//	Immutable after construction; safe for concurrent use.
type PositionConverter struct {
	content string
	lines   []lineSpan
}

// lineSpan is the byte extent of one line without its terminator.
type lineSpan struct {
	start    int
	end      int
	utf16Len int
}

// NewPositionConverter indexes the lines of content.
func NewPositionConverter(content string) *PositionConverter {
	pc := &PositionConverter{content: content}

	start := 0
	for {
		nl := strings.IndexByte(content[start:], '\n')
		if nl < 0 {
			pc.lines = append(pc.lines, newLineSpan(content, start, len(content)))
			break
		}
		pc.lines = append(pc.lines, newLineSpan(content, start, start+nl))
		start += nl + 1
	}
	return pc
}

func newLineSpan(content string, start, end int) lineSpan {
	if end > start && content[end-1] == '\r' {
		end--
	}
	return lineSpan{start: start, end: end, utf16Len: utf16Len(content[start:end])}
}

// LineCount returns the number of lines. Content ending in a newline has
// an empty final line, and empty content has one empty line.
func (pc *PositionConverter) LineCount() int {
	return len(pc.lines)
}

// LineLength returns the length of line in UTF-16 code units, or -1 when
// the line does not exist.
func (pc *PositionConverter) LineLength(line int) int {
	if line < 0 || line >= len(pc.lines) {
		return -1
	}
	return pc.lines[line].utf16Len
}

// Offset converts pos to a byte offset into the content.
//
// Positions past the end of a line clamp to the line end and lines past
// the end of the content clamp to the content end. A character that falls
// inside a surrogate pair snaps to the start of that rune.
func (pc *PositionConverter) Offset(pos Position) int {
	if pos.Line < 0 {
		return 0
	}
	if pos.Line >= len(pc.lines) {
		return len(pc.content)
	}
	ls := pc.lines[pos.Line]
	return ls.start + utf16ToByteOffset(pc.content[ls.start:ls.end], pos.Character)
}

// PositionAt converts a byte offset back into a position.
func (pc *PositionConverter) PositionAt(offset int) Position {
	if offset <= 0 {
		return Position{}
	}
	if offset > len(pc.content) {
		offset = len(pc.content)
	}
	for i, ls := range pc.lines {
		next := len(pc.content) + 1
		if i+1 < len(pc.lines) {
			next = pc.lines[i+1].start
		}
		if offset < next {
			if offset > ls.end {
				offset = ls.end
			}
			return Position{Line: i, Character: utf16Len(pc.content[ls.start:offset])}
		}
	}
	last := len(pc.lines) - 1
	return Position{Line: last, Character: pc.lines[last].utf16Len}
}

// utf16Len counts the UTF-16 code units needed to encode s.
func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

// utf16ToByteOffset finds the byte offset in line of a UTF-16 offset.
func utf16ToByteOffset(line string, units int) int {
	if units <= 0 {
		return 0
	}
	count := 0
	for i := 0; i < len(line); {
		r, size := utf8.DecodeRuneInString(line[i:])
		w := utf16.RuneLen(r)
		if w < 0 {
			w = 1
		}
		if count+w > units {
			return i
		}
		count += w
		i += size
		if count == units {
			return i
		}
	}
	return len(line)
}
