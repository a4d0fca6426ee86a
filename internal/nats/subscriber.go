package natsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/devghori1264/aerophoenix/cnapi/internal/models"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Subjects the nodes publish on. The server uuid is the third token of a
// startup subject and the second token of a heartbeat subject.
const (
	StartupSubjects   = "ur.startup.>"
	HeartbeatSubjects = "heartbeat.*"
)

// EventKind distinguishes the node events.
type EventKind string

const (
	Startup   EventKind = "startup"
	Heartbeat EventKind = "heartbeat"
)

// StartupSubject returns the subject a node announces itself on.
func StartupSubject(id string) string { return "ur.startup." + id }

// HeartbeatSubject returns the subject a node reports on.
func HeartbeatSubject(id string) string { return "heartbeat." + id }

// ParseSubject extracts the event kind and server uuid from a subject.
func ParseSubject(subject string) (EventKind, string, error) {
	tokens := strings.Split(subject, ".")
	var (
		kind EventKind
		id   string
	)
	switch {
	case len(tokens) >= 3 && tokens[0] == "ur" && tokens[1] == "startup":
		kind, id = Startup, tokens[2]
	case len(tokens) >= 2 && tokens[0] == "heartbeat":
		kind, id = Heartbeat, tokens[1]
	default:
		return "", "", fmt.Errorf("unexpected subject %q", subject)
	}
	if id == "" {
		return "", "", fmt.Errorf("no server uuid in subject %q", subject)
	}
	return kind, id, nil
}

// Handler reconciles node events.
type Handler interface {
	HandleStartup(ctx context.Context, id string, si models.Sysinfo) error
	HandleHeartbeat(ctx context.Context, id string, hb *models.Heartbeat) error
}

// Subscriber feeds node events to a Handler, running at most concurrency
// handlers at once.
type Subscriber struct {
	nc          *nats.Conn
	handler     Handler
	log         *zap.Logger
	concurrency int
}

func NewSubscriber(nc *nats.Conn, h Handler, concurrency int, log *zap.Logger) *Subscriber {
	return &Subscriber{
		nc:          nc,
		handler:     h,
		log:         log.Named("events"),
		concurrency: max(concurrency, 1),
	}
}

// Run subscribes and dispatches until ctx is done, then waits for the
// handlers in flight.
func (s *Subscriber) Run(ctx context.Context) error {
	msgs := make(chan *nats.Msg, 4*s.concurrency)
	var subs []*nats.Subscription
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()
	for _, subject := range []string{StartupSubjects, HeartbeatSubjects} {
		sub, err := s.nc.ChanSubscribe(subject, msgs)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	s.log.Info("listening for node events", zap.Int("concurrency", s.concurrency))

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case msg := <-msgs:
			g.Go(func() error {
				s.Dispatch(ctx, msg.Subject, msg.Data)
				return nil
			})
		}
	}
}

// Dispatch decodes one event and hands it to the handler. Failures are
// logged and the event is dropped; the node's next report is the retry.
func (s *Subscriber) Dispatch(ctx context.Context, subject string, data []byte) {
	kind, id, err := ParseSubject(subject)
	if err != nil {
		s.log.Warn("dropping event", zap.Error(err))
		return
	}
	log := s.log.With(zap.String("kind", string(kind)), zap.String("server_uuid", id))

	switch kind {
	case Startup:
		var si models.Sysinfo
		if err := json.Unmarshal(data, &si); err != nil {
			log.Warn("dropping malformed startup", zap.Error(err))
			return
		}
		err = s.handler.HandleStartup(ctx, id, si)
	case Heartbeat:
		var hb models.Heartbeat
		if err := json.Unmarshal(data, &hb); err != nil {
			log.Warn("dropping malformed heartbeat", zap.Error(err))
			return
		}
		err = s.handler.HandleHeartbeat(ctx, id, &hb)
	}
	if err != nil {
		log.Error("reconcile failed", zap.Error(err))
	}
}
