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
	"testing"
)

func TestPositionConverter_Lines(t *testing.T) {
	tests := []struct {
		name    string
		content string
		lines   int
		lengths []int
	}{
		{"empty", "", 1, []int{0}},
		{"no trailing newline", "ab\ncd", 2, []int{2, 2}},
		{"trailing newline", "ab\n", 2, []int{2, 0}},
		{"crlf excluded", "ab\r\ncde\r\n", 3, []int{2, 3, 0}},
		{"astral rune counts two units", "a😀b", 1, []int{4}},
		{"bmp rune counts one unit", "héllo", 1, []int{5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc := NewPositionConverter(tt.content)
			if got := pc.LineCount(); got != tt.lines {
				t.Fatalf("LineCount = %d, want %d", got, tt.lines)
			}
			for i, want := range tt.lengths {
				if got := pc.LineLength(i); got != want {
					t.Errorf("LineLength(%d) = %d, want %d", i, got, want)
				}
			}
			if got := pc.LineLength(tt.lines); got != -1 {
				t.Errorf("LineLength past end = %d, want -1", got)
			}
		})
	}
}

func TestPositionConverter_Offset(t *testing.T) {
	content := "ab\r\na😀c\nxyz"
	pc := NewPositionConverter(content)

	tests := []struct {
		name string
		pos  Position
		want int
	}{
		{"origin", Position{0, 0}, 0},
		{"end of first line stops before cr", Position{0, 2}, 2},
		{"clamped to line end", Position{0, 10}, 2},
		{"start of second line", Position{1, 0}, 4},
		{"after astral rune", Position{1, 3}, 9},
		{"inside surrogate pair snaps to rune start", Position{1, 2}, 5},
		{"last line", Position{2, 1}, 12},
		{"past last line", Position{5, 0}, len(content)},
		{"negative line", Position{-1, 0}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pc.Offset(tt.pos); got != tt.want {
				t.Errorf("Offset(%+v) = %d, want %d", tt.pos, got, tt.want)
			}
		})
	}
}

func TestPositionConverter_PositionAt(t *testing.T) {
	pc := NewPositionConverter("ab\na😀c")

	tests := []struct {
		offset int
		want   Position
	}{
		{0, Position{0, 0}},
		{2, Position{0, 2}},
		{3, Position{1, 0}},
		{8, Position{1, 3}},
		{100, Position{1, 4}},
	}
	for _, tt := range tests {
		if got := pc.PositionAt(tt.offset); got != tt.want {
			t.Errorf("PositionAt(%d) = %+v, want %+v", tt.offset, got, tt.want)
		}
	}
}

func TestComparePositions(t *testing.T) {
	a := Position{Line: 1, Character: 5}
	if ComparePositions(a, a) != 0 {
		t.Error("equal positions")
	}
	if ComparePositions(a, Position{Line: 2}) >= 0 {
		t.Error("earlier line should compare less")
	}
	if ComparePositions(a, Position{Line: 1, Character: 2}) <= 0 {
		t.Error("later character should compare greater")
	}
}

func TestFromOneBased(t *testing.T) {
	if got := FromOneBased(10, 5); got != (Position{Line: 9, Character: 4}) {
		t.Errorf("FromOneBased(10, 5) = %+v", got)
	}
	if got := FromOneBased(1, 1); got != (Position{}) {
		t.Errorf("FromOneBased(1, 1) = %+v, want origin", got)
	}
}
