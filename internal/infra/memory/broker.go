package memory

import (
	"context"
	"sync"

	"battle-sync-service/internal/domain"
	"github.com/google/uuid"
)

const brokerBuffer = 64

// Broker is an in-process push source. Events published for a match are
// fanned out to every subscriber of that match. It also keeps final results.
type Broker struct {
	mu          sync.Mutex
	subscribers map[string]map[chan domain.Event]struct{}
	results     map[string][]domain.MatchResult
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[string]map[chan domain.Event]struct{}),
		results:     make(map[string][]domain.MatchResult),
	}
}

// Subscribe implements app.PushSource. The subscription ends when ctx is
// done or cancel is called.
func (b *Broker) Subscribe(ctx context.Context, matchID string) (<-chan domain.Event, func(), error) {
	ch := make(chan domain.Event, brokerBuffer)

	b.mu.Lock()
	subs, ok := b.subscribers[matchID]
	if !ok {
		subs = make(map[chan domain.Event]struct{})
		b.subscribers[matchID] = subs
	}
	subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.subscribers[matchID]; ok {
				if _, ok := subs[ch]; ok {
					delete(subs, ch)
					close(ch)
				}
				if len(subs) == 0 {
					delete(b.subscribers, matchID)
				}
			}
		})
	}
	context.AfterFunc(ctx, cancel)
	return ch, cancel, nil
}

// Publish delivers ev to the match's subscribers, assigning an event id when
// missing. A slow subscriber loses its oldest queued event.
func (b *Broker) Publish(_ context.Context, ev domain.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers[ev.MatchID] {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- ev
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions for a match.
func (b *Broker) Subscribers(matchID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[matchID])
}

// RecordResult implements app.ResultSink.
func (b *Broker) RecordResult(_ context.Context, result domain.MatchResult) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results[result.MatchID] = append(b.results[result.MatchID], result)
	return nil
}

// Results returns the results recorded for a match.
func (b *Broker) Results(matchID string) []domain.MatchResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.MatchResult(nil), b.results[matchID]...)
}
