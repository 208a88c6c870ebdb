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
	"errors"
	"fmt"
)

// RolledBackSuffix ends the message of a failed transaction that had
// already written at least one file.
const RolledBackSuffix = "All changes have been rolled back."

var (
	// ErrUnsupportedURI indicates an edit addresses something other than
	// a file:// URI.
	ErrUnsupportedURI = errors.New("unsupported document uri")
)

// ValidationError reports an edit that cannot be applied to the current
// content of its file. Nothing has been written when it is returned.
type ValidationError struct {
	// File is the path of the file the edit addresses.
	File string

	// Index is the position of the edit in the caller's list for File,
	// or -1 when the error concerns the file as a whole.
	Index int

	// Message is the user-facing description, naming the file.
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ApplyError reports an I/O failure on File after validation passed.
type ApplyError struct {
	File string
	Op   string
	Err  error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.File, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}
