// Log file output with rotation
//
// Copyright (C) 2026  HEPiC Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"io"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileOutput returns a writer that appends to path and rotates the file when
// it exceeds maxSizeMB, keeping maxBackups old files. Colors are pointless in
// a file, so callers normally pair this with SetColorize(false).
func FileOutput(path string, maxSizeMB, maxBackups int) io.WriteCloser {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	if maxBackups <= 0 {
		maxBackups = 5
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}
}
