package app

import (
	"sync"
	"time"

	"battle-sync-service/internal/domain"
)

// NotificationKind names a Notification.
type NotificationKind string

const (
	NotifyRoundStarted   NotificationKind = "round_started"
	NotifyQuestion       NotificationKind = "question"
	NotifyCountdown      NotificationKind = "countdown"
	NotifyWaiting        NotificationKind = "waiting"
	NotifyScore          NotificationKind = "score"
	NotifyRoundCompleted NotificationKind = "round_completed"
	NotifyMatchCompleted NotificationKind = "match_completed"
)

// Notification is a Listener callback captured as a value so it can be queued.
type Notification struct {
	Kind      NotificationKind
	Round     *domain.Round
	Advantage domain.Advantage
	Question  *domain.Question
	Remaining time.Duration
	Scores    domain.ScoreBoard
}

const feedBuffer = 32

// Feed is a Listener that fans notifications out to subscribers. A slow
// subscriber loses its oldest queued notification rather than blocking the engine.
type Feed struct {
	mu          sync.Mutex
	closed      bool
	scores      domain.ScoreBoard
	subscribers map[chan Notification]struct{}
}

func NewFeed() *Feed {
	return &Feed{subscribers: make(map[chan Notification]struct{})}
}

// Subscribe returns a channel of notifications. The caller must invoke the
// returned cancel function to avoid leaks.
func (f *Feed) Subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, feedBuffer)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	f.subscribers[ch] = struct{}{}
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if _, ok := f.subscribers[ch]; ok {
			delete(f.subscribers, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

// Close ends every subscription.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for ch := range f.subscribers {
		delete(f.subscribers, ch)
		close(ch)
	}
}

// Subscribers returns the number of live subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribers)
}

func (f *Feed) OnRoundStart(round domain.Round, adv domain.Advantage) {
	f.broadcast(Notification{Kind: NotifyRoundStarted, Round: &round, Advantage: adv})
}

func (f *Feed) OnQuestionChange(q domain.Question, remaining time.Duration) {
	f.broadcast(Notification{Kind: NotifyQuestion, Question: &q, Remaining: remaining})
}

func (f *Feed) OnCountdown(remaining time.Duration) {
	f.broadcast(Notification{Kind: NotifyCountdown, Remaining: remaining})
}

func (f *Feed) OnWaitingForOpponent() {
	f.broadcast(Notification{Kind: NotifyWaiting})
}

func (f *Feed) OnScoreChange(self, opponent int) {
	f.mu.Lock()
	f.scores.Self, f.scores.Opponent = self, opponent
	f.mu.Unlock()
	f.broadcast(Notification{Kind: NotifyScore, Scores: domain.ScoreBoard{Self: self, Opponent: opponent}})
}

func (f *Feed) OnRoundComplete(round domain.Round) {
	f.broadcast(Notification{Kind: NotifyRoundCompleted, Round: &round})
}

func (f *Feed) OnMatchComplete(final domain.ScoreBoard) {
	f.mu.Lock()
	f.scores = final
	f.mu.Unlock()
	f.broadcast(Notification{Kind: NotifyMatchCompleted, Scores: final})
}

func (f *Feed) broadcast(n Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	if n.Kind != NotifyScore && n.Kind != NotifyMatchCompleted {
		n.Scores = f.scores
	}
	for ch := range f.subscribers {
		select {
		case ch <- n:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- n
		}
	}
}
