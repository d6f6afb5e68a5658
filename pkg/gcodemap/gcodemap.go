// Package gcodemap maps byte offsets reported by Moonraker's
// virtual_sdcard.file_position back to 1-based G-code source lines.
//
// Moonraker reports execution progress as a byte offset into the dispatched
// script. The UI wants a line number. Offsets must be computed on the encoded
// byte length of each line, not the rune count, or multi-byte comments shift
// every line after them.
//
// Copyright (C) 2026  HEPiC Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package gcodemap

import (
	"sort"
	"strings"
)

// Mapper answers "which source line contains byte offset B?" in O(log n)
// after a one-time O(n) build. Immutable after construction; build one per
// dispatched script and replace it when a new script is sent.
type Mapper struct {
	lineStarts []int // byte offset at which each line starts; index 0 = line 1
	totalBytes int
}

// New builds a Mapper from the full script text. Line terminators count
// toward the preceding line, so the offset of line k+1 is the offset of
// line k plus the full encoded length of line k including its newline.
func New(script string) *Mapper {
	m := &Mapper{totalBytes: len(script)}

	for offset := 0; offset < len(script); {
		m.lineStarts = append(m.lineStarts, offset)
		i := strings.IndexByte(script[offset:], '\n')
		if i < 0 {
			break
		}
		offset += i + 1
	}
	return m
}

// LineForOffset returns the 1-based line number containing byte offset p.
// Negative offsets map to line 1. Offsets past the end of the script clamp to
// the last line; Moonraker occasionally reports a position one past EOF when
// a job completes.
func (m *Mapper) LineForOffset(p int) int {
	if p < 0 {
		return 1
	}
	// Upper bound: number of line starts <= p. That count is already the
	// 1-based line number of the line containing p.
	line := sort.Search(len(m.lineStarts), func(i int) bool {
		return m.lineStarts[i] > p
	})
	if line > len(m.lineStarts) {
		return len(m.lineStarts)
	}
	return line
}

// TotalLines returns the number of lines in the script.
func (m *Mapper) TotalLines() int {
	return len(m.lineStarts)
}

// TotalBytes returns the encoded byte length of the script.
func (m *Mapper) TotalBytes() int {
	return m.totalBytes
}
