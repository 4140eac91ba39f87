package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"battle-sync-service/internal/advantage"
	"battle-sync-service/internal/domain"
	"battle-sync-service/internal/normalize"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Registry abstracts where live duels are tracked (in-memory, Redis, etc).
type Registry interface {
	// PutIfAbsent stores d unless a duel already exists for the same key, in
	// which case the existing duel is returned with false.
	PutIfAbsent(ctx context.Context, d *Duel) (*Duel, bool)
	Get(matchID, participantID string) (*Duel, bool)
	Delete(ctx context.Context, matchID, participantID string)
	All() []*Duel
}

// PushSource delivers push-channel events for a match.
// The caller must invoke the returned cancel function to avoid leaks.
type PushSource interface {
	Subscribe(ctx context.Context, matchID string) (<-chan domain.Event, func(), error)
}

// MatchupRepository loads the type chart used to resolve advantage.
type MatchupRepository interface {
	Matchups(ctx context.Context, chart string) (advantage.Matchups, error)
}

// ResultSink records final scores when a match completes.
type ResultSink interface {
	RecordResult(ctx context.Context, result domain.MatchResult) error
}

// ServiceOptions tunes the engines a BattleService creates.
type ServiceOptions struct {
	Chart           string
	Clock           clockwork.Clock
	Normalizer      *normalize.Normalizer
	ConfusionChance float64
	TickInterval    time.Duration
	// NewRand is called once per engine. Defaults to NewRand.
	NewRand func() Randomizer
}

// BattleService hosts one Engine per connected participant and feeds it
// from the push source.
type BattleService struct {
	duels     Registry
	push      PushSource
	matchups  MatchupRepository
	results   ResultSink
	submitter Submitter
	opts      ServiceOptions
}

func NewBattleService(duels Registry, push PushSource, matchups MatchupRepository, results ResultSink, submitter Submitter, opts ServiceOptions) *BattleService {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Normalizer == nil {
		opts.Normalizer = normalize.New()
	}
	if opts.NewRand == nil {
		opts.NewRand = func() Randomizer { return NewRand() }
	}
	return &BattleService{
		duels:     duels,
		push:      push,
		matchups:  matchups,
		results:   results,
		submitter: submitter,
		opts:      opts,
	}
}

// Duel is a running engine together with its notification feed and push pump.
type Duel struct {
	matchID       string
	participantID string
	engine        *Engine
	feed          *Feed

	stop     context.CancelFunc
	done     chan struct{}
	once     sync.Once
	recorded sync.Once
}

// NewDuel wraps an engine and feed that are not attached to a push source.
// Used by registries and tests that seed duels directly.
func NewDuel(matchID, participantID string, engine *Engine, feed *Feed) *Duel {
	done := make(chan struct{})
	close(done)
	return &Duel{
		matchID:       matchID,
		participantID: participantID,
		engine:        engine,
		feed:          feed,
		stop:          func() {},
		done:          done,
	}
}

func (d *Duel) MatchID() string       { return d.matchID }
func (d *Duel) ParticipantID() string { return d.participantID }
func (d *Duel) Engine() *Engine       { return d.engine }
func (d *Duel) Feed() *Feed           { return d.feed }

// shutdown stops the pump and tears down the engine and feed.
func (d *Duel) shutdown() {
	d.once.Do(func() {
		d.stop()
		d.engine.Close()
		<-d.done
		d.feed.Close()
	})
}

// Join starts, or returns the already running, duel for a participant.
func (s *BattleService) Join(ctx context.Context, matchID, participantID string) (*Duel, error) {
	if matchID == "" || participantID == "" {
		return nil, fmt.Errorf("join: match and participant are required: %w", domain.ErrParticipantNotFound)
	}
	if d, ok := s.duels.Get(matchID, participantID); ok {
		return d, nil
	}

	table, err := s.matchups.Matchups(ctx, s.opts.Chart)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", matchID, err)
	}

	feed := NewFeed()
	engine := NewEngine(EngineOptions{
		MatchID:         matchID,
		SelfID:          participantID,
		Submitter:       s.submitter,
		Listener:        feed,
		Matchups:        table,
		Normalizer:      s.opts.Normalizer,
		Clock:           s.opts.Clock,
		Rand:            s.opts.NewRand(),
		ConfusionChance: s.opts.ConfusionChance,
		TickInterval:    s.opts.TickInterval,
	})

	pumpCtx, stop := context.WithCancel(context.Background())
	events, unsubscribe, err := s.push.Subscribe(pumpCtx, matchID)
	if err != nil {
		stop()
		engine.Close()
		return nil, fmt.Errorf("join %s: subscribe: %w", matchID, err)
	}

	d := &Duel{
		matchID:       matchID,
		participantID: participantID,
		engine:        engine,
		feed:          feed,
		done:          make(chan struct{}),
	}
	d.stop = func() {
		stop()
		unsubscribe()
	}

	if existing, ok := s.duels.PutIfAbsent(ctx, d); !ok {
		// lost a concurrent join
		d.stop()
		engine.Close()
		feed.Close()
		return existing, nil
	}

	go s.pump(pumpCtx, d, events)
	log.Info().
		Str("match_id", matchID).
		Str("participant_id", participantID).
		Msg("duel joined")
	return d, nil
}

func (s *BattleService) pump(ctx context.Context, d *Duel, events <-chan domain.Event) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.MatchID != "" && ev.MatchID != d.matchID {
				continue
			}
			d.engine.HandlePush(ev)
			if ev.Name == domain.EventMatchCompleted && d.engine.State() == StateMatchComplete {
				s.recordResult(ctx, d)
			}
		}
	}
}

func (s *BattleService) recordResult(ctx context.Context, d *Duel) {
	if s.results == nil {
		return
	}
	d.recorded.Do(func() {
		scores := d.engine.Scores()
		result := domain.MatchResult{
			MatchID:       d.matchID,
			ParticipantID: d.participantID,
			Self:          scores.Self,
			Opponent:      scores.Opponent,
			CompletedAt:   s.opts.Clock.Now(),
		}
		if err := s.results.RecordResult(ctx, result); err != nil {
			log.Error().Err(err).Str("match_id", d.matchID).Msg("failed to record match result")
		}
	})
}

func (s *BattleService) duel(matchID, participantID string) (*Duel, error) {
	d, ok := s.duels.Get(matchID, participantID)
	if !ok {
		return nil, domain.ErrDuelNotFound
	}
	return d, nil
}

// Subscribe returns a channel of engine notifications for a participant.
// The caller must invoke the returned cancel function to avoid leaks.
func (s *BattleService) Subscribe(_ context.Context, matchID, participantID string) (<-chan Notification, func(), error) {
	d, err := s.duel(matchID, participantID)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := d.feed.Subscribe()
	return ch, cancel, nil
}

// SelectAnswer records a selection. It reports false when no question is open.
func (s *BattleService) SelectAnswer(_ context.Context, matchID, participantID string, option int) (bool, error) {
	d, err := s.duel(matchID, participantID)
	if err != nil {
		return false, err
	}
	if d.engine.Closed() {
		return false, domain.ErrEngineClosed
	}
	return d.engine.SelectAnswer(option), nil
}

// Submit sends the pending selection.
func (s *BattleService) Submit(ctx context.Context, matchID, participantID string) error {
	d, err := s.duel(matchID, participantID)
	if err != nil {
		return err
	}
	if d.engine.Closed() {
		return domain.ErrEngineClosed
	}
	return d.engine.SubmitPendingAnswer(ctx)
}

// Snapshot returns the engine view for a participant.
func (s *BattleService) Snapshot(_ context.Context, matchID, participantID string) (Snapshot, error) {
	d, err := s.duel(matchID, participantID)
	if err != nil {
		return Snapshot{}, err
	}
	return d.engine.Snapshot(), nil
}

// Leave tears down the participant's duel.
func (s *BattleService) Leave(ctx context.Context, matchID, participantID string) {
	d, ok := s.duels.Get(matchID, participantID)
	if !ok {
		return
	}
	s.duels.Delete(ctx, matchID, participantID)
	d.shutdown()
	log.Info().
		Str("match_id", matchID).
		Str("participant_id", participantID).
		Msg("duel left")
}

// Close tears down every running duel.
func (s *BattleService) Close(ctx context.Context) {
	for _, d := range s.duels.All() {
		s.Leave(ctx, d.matchID, d.participantID)
	}
}
