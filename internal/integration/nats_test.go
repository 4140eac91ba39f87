package integration

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"battle-sync-service/internal/domain"
	natssource "battle-sync-service/internal/transport/nats"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestNATSSourceDeliversPerMatchOnce(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	url, cleanup := startNATS(t, ctx)
	defer cleanup()

	cfg := natssource.DefaultConfig()
	cfg.URL = url
	cfg.MaxReconnects = 0
	source, err := natssource.NewSource(ctx, cfg)
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	defer source.Close()

	events, cancel, err := source.Subscribe(ctx, "match-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	answered := domain.Event{
		ID:      "evt-1",
		Name:    domain.EventQuestionAnswered,
		MatchID: "match-1",
		Data:    []byte(`{"participantId":"p2","roundQuestionId":10,"isCorrect":true}`),
	}
	publishAll(t, source,
		answered,
		answered,
		domain.Event{ID: "evt-other", Name: domain.EventRoundCompleted, MatchID: "match-2", Data: []byte(`{"roundNumber":1}`)},
		domain.Event{ID: "evt-2", Name: domain.EventRoundCompleted, MatchID: "match-1", Data: []byte(`{"roundNumber":1}`)},
	)

	first := receive(t, events)
	if first.ID != "evt-1" || first.Name != domain.EventQuestionAnswered || first.MatchID != "match-1" {
		t.Fatalf("unexpected first event %+v", first)
	}
	if !strings.Contains(string(first.Data), `"roundQuestionId":10`) {
		t.Fatalf("payload not carried through: %s", first.Data)
	}
	second := receive(t, events)
	if second.ID != "evt-2" {
		t.Fatalf("expected evt-2 after a deduplicated evt-1, got %+v", second)
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected extra event %+v", ev)
	case <-time.After(500 * time.Millisecond):
	}

	cancel()
	js, closeJS := jetstreamFor(t, url)
	defer closeJS()
	stream, err := js.Stream(ctx, cfg.StreamName)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	names := stream.ConsumerNames(ctx)
	var left []string
	for name := range names.Name() {
		left = append(left, name)
	}
	if len(left) != 0 {
		t.Fatalf("consumer not deleted on cancel: %v", left)
	}
}

func TestNATSSourceSkipsUndecodableEnvelope(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	url, cleanup := startNATS(t, ctx)
	defer cleanup()

	cfg := natssource.DefaultConfig()
	cfg.URL = url
	cfg.MaxReconnects = 0
	source, err := natssource.NewSource(ctx, cfg)
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	defer source.Close()

	events, cancel, err := source.Subscribe(ctx, "match-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	js, closeJS := jetstreamFor(t, url)
	defer closeJS()
	if _, err := js.Publish(ctx, natssource.MatchSubject(cfg.SubjectPrefix, "match-1")+".garbage", []byte("not json")); err != nil {
		t.Fatalf("publish garbage: %v", err)
	}
	publishAll(t, source, domain.Event{ID: "evt-ok", Name: domain.EventRoundCompleted, MatchID: "match-1"})

	if ev := receive(t, events); ev.ID != "evt-ok" {
		t.Fatalf("expected evt-ok, got %+v", ev)
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected extra event %+v", ev)
	case <-time.After(500 * time.Millisecond):
	}
}

func publishAll(t *testing.T, source *natssource.Source, events ...domain.Event) {
	t.Helper()
	for _, ev := range events {
		if err := source.Publish(context.Background(), ev); err != nil {
			t.Fatalf("publish %s: %v", ev.ID, err)
		}
	}
}

func receive(t *testing.T, events <-chan domain.Event) domain.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return domain.Event{}
}

// jetstreamFor opens a plain JetStream client for inspecting the stream.
func jetstreamFor(t *testing.T, url string) (jetstream.JetStream, func()) {
	t.Helper()
	nc, err := natsgo.Connect(url)
	if err != nil {
		t.Fatalf("connect nats: %v", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		t.Fatalf("jetstream: %v", err)
	}
	return js, nc.Close
}

func startNATS(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "nats:2.10-alpine",
		Cmd:          []string{"-js"},
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start nats: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("nats host: %v", err)
	}
	port, err := container.MappedPort(ctx, "4222/tcp")
	if err != nil {
		t.Fatalf("nats port: %v", err)
	}
	url := fmt.Sprintf("nats://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}
