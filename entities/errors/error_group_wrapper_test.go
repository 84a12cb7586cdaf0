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
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorGroupWrapperRecoversPanic(t *testing.T) {
	logger, hook := test.NewNullLogger()
	eg, _ := NewErrorGroupWithContextWrapper(context.Background(), logger)

	eg.Go(func() error {
		panic("boom")
	})

	err := eg.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "error_group_panic", hook.LastEntry().Data["action"])
}

func TestErrorGroupWrapperLimit(t *testing.T) {
	logger, _ := test.NewNullLogger()
	eg, ctx := NewErrorGroupWithContextWrapper(context.Background(), logger)
	eg.SetLimit(2)

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		eg.Go(func() error {
			ran.Add(1)
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	assert.Equal(t, int32(10), ran.Load())
	assert.Error(t, ctx.Err(), "derived context is cancelled once Wait returns")
}

func TestErrorGroupWrapperFirstError(t *testing.T) {
	logger, _ := test.NewNullLogger()
	eg, _ := NewErrorGroupWithContextWrapper(context.Background(), logger)

	sentinel := fmt.Errorf("load failed")
	eg.Go(func() error { return sentinel })
	eg.Go(func() error { return nil })

	assert.ErrorIs(t, eg.Wait(), sentinel)
}
