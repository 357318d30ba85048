// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package playground

import (
	"errors"
	"fmt"
)

// Errors returned by the file store and config ingestion. These are caller errors and are
// reported at the point of ingestion rather than deep in the pipeline.
var (
	ErrFileNotFound  = errors.New("file not found")
	ErrDuplicateFile = errors.New("duplicate file name")
	ErrInvalidName   = errors.New("invalid file name")
)

// Errors returned by Call.Wait. Transport failures are the only errors that cross the bridge;
// compile diagnostics and resolution errors are returned as data.
var (
	ErrSuperseded      = errors.New("compile request superseded by a newer request")
	ErrWorkerRestarted = errors.New("compile worker restarted")
	ErrWorkerTimeout   = errors.New("compile worker did not respond in time")
	ErrClosed          = errors.New("bridge closed")
)

// ConfigError describes malformed project configuration input.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "invalid project config: " + e.Msg
	}
	return fmt.Sprintf("invalid project config: %s: %s", e.Field, e.Msg)
}
