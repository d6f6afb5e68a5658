package gcodemap

import (
	"strings"
	"testing"
)

func TestLineForOffsetASCII(t *testing.T) {
	script := "G28\nG1 X10 Y10 F3000\nM104 S200\nM105\n"
	m := New(script)

	if m.TotalLines() != 4 {
		t.Fatalf("expected 4 lines, got %d", m.TotalLines())
	}
	if m.TotalBytes() != len(script) {
		t.Fatalf("expected %d bytes, got %d", len(script), m.TotalBytes())
	}

	cases := []struct {
		offset int
		line   int
	}{
		{0, 1},  // start of line 1
		{3, 1},  // the newline still belongs to line 1
		{4, 2},  // start of line 2
		{20, 2}, // last byte of line 2 (its newline)
		{21, 3}, // start of line 3
		{31, 4},
	}
	for _, c := range cases {
		if got := m.LineForOffset(c.offset); got != c.line {
			t.Errorf("LineForOffset(%d) = %d, want %d", c.offset, got, c.line)
		}
	}
}

func TestLineForOffsetMultibyte(t *testing.T) {
	// Comment line contains multi-byte UTF-8; offsets must count bytes.
	lines := []string{
		"G21\n",
		"; 注释：你好世界\n", // 24 bytes, 10 runes
		"G28\n",
		"M105",
	}
	script := strings.Join(lines, "")
	m := New(script)

	if m.TotalLines() != 4 {
		t.Fatalf("expected 4 lines, got %d", m.TotalLines())
	}

	// Round-trip: the start offset of every line maps back to that line.
	offset := 0
	for k, line := range lines {
		if got := m.LineForOffset(offset); got != k+1 {
			t.Errorf("LineForOffset(%d) = %d, want %d", offset, got, k+1)
		}
		// One byte into the line is still the same line.
		if got := m.LineForOffset(offset + 1); got != k+1 {
			t.Errorf("LineForOffset(%d) = %d, want %d", offset+1, got, k+1)
		}
		offset += len(line)
	}
}

func TestLineForOffsetClamping(t *testing.T) {
	m := New("G28\nM105\n")

	if got := m.LineForOffset(-5); got != 1 {
		t.Errorf("negative offset: got %d, want 1", got)
	}
	// Past EOF clamps to the last line instead of erroring.
	if got := m.LineForOffset(10000); got != 2 {
		t.Errorf("past-EOF offset: got %d, want 2", got)
	}
}

func TestTrailingContentWithoutNewline(t *testing.T) {
	m := New("G28\nM105")
	if m.TotalLines() != 2 {
		t.Fatalf("expected 2 lines, got %d", m.TotalLines())
	}
	if got := m.LineForOffset(6); got != 2 {
		t.Errorf("LineForOffset(6) = %d, want 2", got)
	}
}

func TestEmptyScript(t *testing.T) {
	m := New("")
	if m.TotalLines() != 0 {
		t.Fatalf("expected 0 lines, got %d", m.TotalLines())
	}
	if got := m.LineForOffset(3); got != 0 {
		t.Errorf("LineForOffset on empty script = %d, want 0", got)
	}
}
