//  _           _
// | |_ ___  __| |
// |  _/ -_)/ _` |
//  \__\___|\__,_|
//
//  Copyright © 2026 The ted-context Authors. All rights reserved.
//

package errors

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrorGroupWrapper is an errgroup.Group whose goroutines cannot take the
// process down: a panic is logged and reported as the group's error.
type ErrorGroupWrapper struct {
	*errgroup.Group
	logger logrus.FieldLogger

	mu       sync.Mutex
	panicErr error
}

// NewErrorGroupWithContextWrapper derives a context that is cancelled as soon
// as one goroutine fails.
func NewErrorGroupWithContextWrapper(ctx context.Context, logger logrus.FieldLogger) (*ErrorGroupWrapper, context.Context) {
	eg, ctx := errgroup.WithContext(ctx)
	return &ErrorGroupWrapper{
		Group:  eg,
		logger: logger,
	}, ctx
}

func (egw *ErrorGroupWrapper) Go(f func() error) {
	egw.Group.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				egw.logger.WithField("action", "error_group_panic").
					Errorf("recovered from panic: %v", r)
				debug.PrintStack()

				err = fmt.Errorf("panic occurred: %v", r)
				egw.mu.Lock()
				egw.panicErr = err
				egw.mu.Unlock()
			}
		}()
		return f()
	})
}

func (egw *ErrorGroupWrapper) Wait() error {
	if err := egw.Group.Wait(); err != nil {
		return err
	}

	egw.mu.Lock()
	defer egw.mu.Unlock()
	return egw.panicErr
}
