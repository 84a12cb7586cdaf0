//  _           _
// | |_ ___  __| |
// |  _/ -_)/ _` |
//  \__\___|\__,_|
//
//  Copyright © 2026 The ted-context Authors. All rights reserved.
//

package contextstore

import (
	"sync"

	"github.com/tedcli/ted-context/entities/entry"
	"github.com/tedcli/ted-context/usecases/monitoring"
)

const defaultSubscriptionBuffer = 64

// Subscription receives a copy of every entry recorded after it was
// created. A subscriber that falls behind loses entries instead of slowing
// down Record.
type Subscription struct {
	C <-chan *entry.Entry

	ch   chan *entry.Entry
	feed *feed
	once sync.Once
}

func (s *Subscription) Close() {
	s.once.Do(func() { s.feed.unsubscribe(s) })
}

type feed struct {
	sync.Mutex
	metrics *monitoring.PrometheusMetrics
	subs    map[*Subscription]struct{}
	closed  bool
}

func newFeed(metrics *monitoring.PrometheusMetrics) *feed {
	return &feed{metrics: metrics, subs: map[*Subscription]struct{}{}}
}

func (f *feed) subscribe(buf int) *Subscription {
	if buf <= 0 {
		buf = defaultSubscriptionBuffer
	}
	ch := make(chan *entry.Entry, buf)
	s := &Subscription{C: ch, ch: ch, feed: f}

	f.Lock()
	defer f.Unlock()
	if f.closed {
		close(ch)
		return s
	}
	f.subs[s] = struct{}{}
	return s
}

func (f *feed) unsubscribe(s *Subscription) {
	f.Lock()
	defer f.Unlock()
	if _, ok := f.subs[s]; !ok {
		return
	}
	delete(f.subs, s)
	close(s.ch)
}

func (f *feed) publish(e *entry.Entry) {
	f.Lock()
	defer f.Unlock()

	for s := range f.subs {
		select {
		case s.ch <- e.Clone():
		default:
			f.metrics.FeedDropped()
		}
	}
}

func (f *feed) close() {
	f.Lock()
	defer f.Unlock()

	f.closed = true
	for s := range f.subs {
		close(s.ch)
		delete(f.subs, s)
	}
}

// Subscribe opens a feed of newly recorded entries for an external indexer.
// The channel is closed on Shutdown or Close.
func (m *Manager) Subscribe(buf int) *Subscription {
	return m.feed.subscribe(buf)
}
