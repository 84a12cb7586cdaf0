//  _           _
// | |_ ___  __| |
// |  _/ -_)/ _` |
//  \__\___|\__,_|
//
//  Copyright © 2026 The ted-context Authors. All rights reserved.
//

package errorcompounder

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorCompounder collects errors from independent steps that should all be
// attempted, e.g. closing every tier on shutdown.
type ErrorCompounder struct {
	errors []error
}

func New() *ErrorCompounder {
	return &ErrorCompounder{}
}

func (ec *ErrorCompounder) Add(err error) {
	if err != nil {
		ec.errors = append(ec.errors, err)
	}
}

func (ec *ErrorCompounder) Addf(format string, a ...any) {
	ec.errors = append(ec.errors, fmt.Errorf(format, a...))
}

func (ec *ErrorCompounder) AddWrapf(err error, format string, a ...any) {
	if err != nil {
		ec.errors = append(ec.errors, errors.Wrapf(err, format, a...))
	}
}

func (ec *ErrorCompounder) Len() int {
	return len(ec.errors)
}

func (ec *ErrorCompounder) Empty() bool {
	return len(ec.errors) == 0
}

func (ec *ErrorCompounder) First() error {
	if len(ec.errors) == 0 {
		return nil
	}
	return ec.errors[0]
}

// ToError joins all messages. A single error is returned as is so that
// errors.Is keeps working on it.
func (ec *ErrorCompounder) ToError() error {
	switch len(ec.errors) {
	case 0:
		return nil
	case 1:
		return ec.errors[0]
	}

	msgs := make([]string, len(ec.errors))
	for i, err := range ec.errors {
		msgs[i] = err.Error()
	}
	return errors.New(strings.Join(msgs, ", "))
}
