//  _           _
// | |_ ___  __| |
// |  _/ -_)/ _` |
//  \__\___|\__,_|
//
//  Copyright © 2026 The ted-context Authors. All rights reserved.
//

package errors

import (
	"os"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"
)

// GoWrapper runs f in its own goroutine and turns a panic into an error log
// line instead of a crashed process. Setting
// TED_CONTEXT_DISABLE_RECOVERY_ON_PANIC lets the panic through, which is what
// you want under a debugger.
func GoWrapper(f func(), logger logrus.FieldLogger) {
	go func() {
		defer func() {
			if recoveryDisabled() {
				return
			}
			if r := recover(); r != nil {
				logger.WithField("action", "goroutine_panic").
					Errorf("recovered from panic: %v", r)
				debug.PrintStack()
			}
		}()
		f()
	}()
}

func recoveryDisabled() bool {
	switch strings.ToLower(os.Getenv("TED_CONTEXT_DISABLE_RECOVERY_ON_PANIC")) {
	case "true", "on", "1", "enabled":
		return true
	default:
		return false
	}
}
