// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ccheshirecat/vmdeck/internal/eventbus"
)

type subscription struct {
	pattern string
	ch      chan<- any
}

func (s subscription) matches(topic string) bool {
	if prefix, ok := strings.CutSuffix(s.pattern, "*"); ok {
		return strings.HasPrefix(topic, prefix)
	}
	return s.pattern == topic
}

// Bus is an in-process event bus. Publishing never blocks on a slow
// subscriber; the payload is dropped for that subscriber instead.
type Bus struct {
	mu      sync.RWMutex
	subs    []subscription
	dropped atomic.Uint64
}

var _ eventbus.Bus = (*Bus)(nil)

// New creates a new Bus instance.
func New() *Bus {
	return &Bus{}
}

// Publish fans a payload out to every matching subscriber.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sub.ch <- payload:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a channel for a topic or a "prefix.*" pattern.
func (b *Bus) Subscribe(topic string, ch chan<- any) (func(), error) {
	if ch == nil {
		return nil, errors.New("eventbus: channel must not be nil")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("eventbus: topic must not be empty")
	}
	sub := subscription{pattern: topic, ch: ch}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i := range b.subs {
				if b.subs[i] == sub {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
		})
	}, nil
}

// Dropped returns how many deliveries were skipped because a subscriber's
// channel was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
