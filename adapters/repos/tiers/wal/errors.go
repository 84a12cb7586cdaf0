//  _           _
// | |_ ___  __| |
// |  _/ -_)/ _` |
//  \__\___|\__,_|
//
//  Copyright © 2026 The ted-context Authors. All rights reserved.
//

package wal

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrIoFailure marks write, flush or read failures of the log files.
	ErrIoFailure = errors.New("wal io failure")
	// ErrCorrupt marks records that fail their consistency checks.
	ErrCorrupt = errors.New("wal corrupt")
	// ErrUnsafeTruncate is returned when truncation would pass the last
	// safely migrated position.
	ErrUnsafeTruncate = errors.New("wal truncation past migrated marker")
	ErrClosed         = errors.New("wal closed")
)

// Error carries the failure kind (ErrIoFailure or ErrCorrupt) together with
// the operation and the underlying cause. errors.Is matches both the kind and
// the cause.
type Error struct {
	Kind error
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s %s: %v", e.Kind, e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

func ioFailure(op, path string, err error) error {
	return &Error{Kind: ErrIoFailure, Op: op, Path: path, Err: err}
}

func corrupt(op, path string, err error) error {
	return &Error{Kind: ErrCorrupt, Op: op, Path: path, Err: err}
}
