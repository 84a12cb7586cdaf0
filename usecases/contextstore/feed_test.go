//  _           _
// | |_ ___  __| |
// |  _/ -_)/ _` |
//  \__\___|\__,_|
//
//  Copyright © 2026 The ted-context Authors. All rights reserved.
//

package contextstore

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tedcli/ted-context/entities/entry"
	"github.com/tedcli/ted-context/usecases/monitoring"
)

func TestSubscribeReceivesRecordedEntries(t *testing.T) {
	metrics := monitoring.NewPrometheusMetrics(prometheus.NewPedanticRegistry())
	m := openManager(t, testConfig(t), newTestClock(), WithMetrics(metrics))

	sub := m.Subscribe(1)
	first := record(t, m, "s", 10, entry.PriorityNormal)
	// the buffer is full, the second entry is dropped instead of blocking
	record(t, m, "s", 10, entry.PriorityNormal)

	got := <-sub.C
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SubscriberDrops))

	sub.Close()
	_, open := <-sub.C
	assert.False(t, open)
	sub.Close()
}

func TestSubscriptionsCloseOnShutdown(t *testing.T) {
	m := openManager(t, testConfig(t), newTestClock())
	sub := m.Subscribe(0)

	require.NoError(t, m.Shutdown(context.Background()))
	_, open := <-sub.C
	assert.False(t, open)

	late := m.Subscribe(1)
	_, open = <-late.C
	assert.False(t, open)
	late.Close()
}
