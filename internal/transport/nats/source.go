package nats

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"battle-sync-service/internal/domain"
	"battle-sync-service/internal/normalize"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// Config holds configuration for the JetStream push source.
type Config struct {
	URL             string
	StreamName      string
	SubjectPrefix   string // e.g., "battle.events"
	AckWait         time.Duration
	MaxDeliver      int
	MaxAckPending   int
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration
	DuplicateWindow time.Duration
}

// DefaultConfig returns the default JetStream configuration.
func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		StreamName:      "BATTLE_EVENTS",
		SubjectPrefix:   "battle.events",
		AckWait:         30 * time.Second,
		MaxDeliver:      5,
		MaxAckPending:   100,
		MaxReconnects:   -1, // Infinite
		ReconnectWait:   2 * time.Second,
		MaxAge:          24 * time.Hour,
		DuplicateWindow: 2 * time.Minute,
	}
}

const subscriberBuffer = 64

// Source is a JetStream-backed app.PushSource. Each subscription gets its own
// ephemeral consumer filtered to one match.
type Source struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	config Config
}

// NewSource connects to NATS and ensures the event stream exists.
func NewSource(ctx context.Context, config Config) (*Source, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	s := &Source{nc: nc, js: js, config: config}
	if err := s.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return s, nil
}

func (s *Source) ensureStream(ctx context.Context) error {
	stream, err := s.js.Stream(ctx, s.config.StreamName)
	if err == nil {
		s.stream = stream
		return nil
	}
	stream, err = s.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        s.config.StreamName,
		Description: "Battle push events",
		Subjects:    []string{s.config.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      s.config.MaxAge,
		Storage:     jetstream.FileStorage,
		Duplicates:  s.config.DuplicateWindow,
	})
	if err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	log.Info().Str("stream", s.config.StreamName).Msg("created JetStream stream")
	s.stream = stream
	return nil
}

// Subscribe implements app.PushSource. Events already in the stream are not
// replayed; delivery starts with the next published event.
func (s *Source) Subscribe(ctx context.Context, matchID string) (<-chan domain.Event, func(), error) {
	filter := MatchSubject(s.config.SubjectPrefix, matchID) + ".>"
	consumer, err := s.stream.CreateConsumer(ctx, jetstream.ConsumerConfig{
		Description:       "battle engine for " + matchID,
		FilterSubject:     filter,
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		AckPolicy:         jetstream.AckExplicitPolicy,
		AckWait:           s.config.AckWait,
		MaxDeliver:        s.config.MaxDeliver,
		MaxAckPending:     s.config.MaxAckPending,
		InactiveThreshold: time.Minute,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create consumer: %w", err)
	}

	events := make(chan domain.Event, subscriberBuffer)
	done := make(chan struct{})
	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		deliver(ctx, msg, events, done)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("start consumer: %w", err)
	}

	info := consumer.CachedInfo()
	log.Info().
		Str("match_id", matchID).
		Str("consumer", info.Name).
		Str("subject", filter).
		Msg("subscribed to battle events")

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			consumeCtx.Stop()
			delCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			if err := s.stream.DeleteConsumer(delCtx, info.Name); err != nil {
				log.Debug().Err(err).Str("consumer", info.Name).Msg("failed to delete consumer")
			}
		})
	}
	return events, cancel, nil
}

// deliver decodes msg onto events. An undecodable envelope is terminated since
// redelivery cannot fix it; a message that cannot be handed over is Nak'd.
func deliver(ctx context.Context, msg jetstream.Msg, events chan<- domain.Event, done <-chan struct{}) {
	ev, err := normalize.DecodeEnvelope(msg.Data(), msg.Subject())
	if err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject()).Msg("undecodable event envelope")
		if termErr := msg.Term(); termErr != nil {
			log.Error().Err(termErr).Msg("failed to TERM message")
		}
		return
	}
	select {
	case events <- ev:
		if ackErr := msg.Ack(); ackErr != nil {
			log.Error().Err(ackErr).Msg("failed to ACK message")
		}
	case <-done:
		_ = msg.Nak()
	case <-ctx.Done():
		_ = msg.Nak()
	}
}

// Publish sends one event for a match. Used by the CLI and tests to feed a running engine.
func (s *Source) Publish(ctx context.Context, ev domain.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	data, err := normalize.EncodeEnvelope(ev)
	if err != nil {
		return err
	}
	subject := MatchSubject(s.config.SubjectPrefix, ev.MatchID) + "." + string(ev.Name)
	_, err = s.js.PublishMsg(ctx, &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"Event-Type": []string{string(ev.Name)},
			"Match-ID":   []string{ev.MatchID},
			"Event-ID":   []string{ev.ID},
		},
	},
		jetstream.WithMsgID(ev.ID),
		jetstream.WithExpectStream(s.config.StreamName),
	)
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}
	return nil
}

// Close drains the NATS connection.
func (s *Source) Close() error {
	if s.nc != nil {
		return s.nc.Drain()
	}
	return nil
}

// MatchSubject is the subject prefix for one match's events.
func MatchSubject(prefix, matchID string) string {
	return prefix + "." + sanitizeToken(matchID)
}

// sanitizeToken keeps a subject token free of NATS separators and wildcards.
func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, s)
}
