// Package relay streams ServerQuery notifications to HTTP clients as
// Server-Sent Events.
//
// A Relay is attached to a query client, which delivers the notifications of
// the requested kinds. Every event stream session opened through HandleSSE
// receives the notifications whose kind matches the session's filter, one SSE
// message per notification with the kind as event type and the payload fields
// as JSON data.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MegaGrindStone/go-ts3query"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tmaxmax/go-sse"
)

// Subscriber is the part of ts3query.Client the relay needs.
type Subscriber interface {
	Subscribe(ctx context.Context, t ts3query.NotificationType, handler ts3query.NotificationHandler) (ts3query.SubscriptionID, error)
	Unsubscribe(ctx context.Context, t ts3query.NotificationType, id ts3query.SubscriptionID) error
}

// Detach removes the subscriptions made by Attach.
type Detach func(ctx context.Context) error

// Option configures a Relay.
type Option func(*Relay)

// Relay fans notifications out to event stream sessions. Instances should be
// created with New and shut down with Shutdown.
type Relay struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	bufferSize int
	now        func() time.Time

	metrics *metrics

	mu       sync.Mutex
	sessions map[string]*session

	sessionsWaitGroup sync.WaitGroup
	done              chan struct{}
	closeOnce         sync.Once
}

// Event is the JSON data of a relayed notification.
type Event struct {
	Kind     string            `json:"kind"`
	Received time.Time         `json:"received"`
	Fields   map[string]string `json:"fields"`
}

type session struct {
	id     string
	filter Filter
	msgs   chan *sse.Message
}

const (
	defaultBufferSize = 64

	readyEventType = "ready"
)

// ErrShutdown is returned for sessions opened after Shutdown.
var ErrShutdown = errors.New("relay is shut down")

// WithLogger sets the logger of the relay.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

// WithRegisterer registers the relay's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Relay) {
		r.registerer = reg
	}
}

// WithBufferSize sets how many messages may wait for a session before new
// ones are dropped.
func WithBufferSize(size int) Option {
	return func(r *Relay) {
		r.bufferSize = size
	}
}

// New creates a relay.
func New(options ...Option) *Relay {
	r := &Relay{
		logger:     slog.Default(),
		bufferSize: defaultBufferSize,
		now:        time.Now,
		sessions:   make(map[string]*session),
		done:       make(chan struct{}),
	}
	for _, opt := range options {
		opt(r)
	}
	if r.bufferSize <= 0 {
		r.bufferSize = defaultBufferSize
	}
	r.metrics = newMetrics(r.registerer)
	return r
}

// Attach subscribes the relay to kinds through sub. With no kinds, every
// supported kind is subscribed. On failure the subscriptions already made are
// removed again.
func (r *Relay) Attach(ctx context.Context, sub Subscriber, kinds ...ts3query.NotificationType) (Detach, error) {
	if len(kinds) == 0 {
		kinds = ts3query.NotificationTypes()
	}

	type attached struct {
		kind ts3query.NotificationType
		id   ts3query.SubscriptionID
	}
	var subs []attached

	detach := func(ctx context.Context) error {
		var errs []error
		for _, s := range subs {
			if err := sub.Unsubscribe(ctx, s.kind, s.id); err != nil {
				errs = append(errs, fmt.Errorf("failed to unsubscribe %s: %w", s.kind, err))
			}
		}
		return errors.Join(errs...)
	}

	for _, kind := range kinds {
		id, err := sub.Subscribe(ctx, kind, r.Publish)
		if err != nil {
			if dErr := detach(ctx); dErr != nil {
				r.logger.Warn("failed to detach after subscribe failure", slog.String("err", dErr.Error()))
			}
			return nil, fmt.Errorf("failed to subscribe %s: %w", kind, err)
		}
		subs = append(subs, attached{kind: kind, id: id})
	}

	return detach, nil
}

// Publish queues n for every session whose filter matches its kind. It never
// blocks: a session whose queue is full loses the notification.
func (r *Relay) Publish(n ts3query.Notification) {
	kind := n.Type.String()
	r.metrics.received.WithLabelValues(kind).Inc()

	data, err := json.Marshal(Event{
		Kind:     kind,
		Received: r.now().UTC(),
		Fields:   n.Payload.Map(),
	})
	if err != nil {
		r.logger.Error("failed to marshal notification", slog.String("kind", kind), slog.String("err", err.Error()))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if !s.filter.Match(kind) {
			continue
		}

		msg := &sse.Message{Type: sse.Type(kind)}
		msg.AppendData(string(data))

		select {
		case s.msgs <- msg:
			r.metrics.relayed.WithLabelValues(kind).Inc()
		default:
			r.metrics.dropped.WithLabelValues(kind).Inc()
			r.logger.Warn("session queue full, dropping notification",
				slog.String("session", s.id), slog.String("kind", kind))
		}
	}
}

// Sessions returns the number of open event stream sessions.
func (r *Relay) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// HandleSSE returns an http.Handler for event stream sessions over GET
// requests. The optional kinds query parameter holds a comma separated list of
// glob patterns matched against kind names. The first message of a session
// has the type "ready" and carries the session id.
func (r *Relay) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		filter, err := ParseFilter(req.URL.Query().Get("kinds"))
		if err != nil {
			r.logger.Warn("rejecting session", slog.String("err", err.Error()))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		s, err := r.addSession(filter)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		defer r.removeSession(s)

		sess, err := sse.Upgrade(w, req)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			r.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		ready := &sse.Message{Type: sse.Type(readyEventType)}
		ready.AppendData(s.id)
		if err := send(sess, ready); err != nil {
			r.logger.Warn("failed to send ready event", slog.String("session", s.id), slog.String("err", err.Error()))
			return
		}

		logger := r.logger.With(slog.String("session", s.id))
		logger.Debug("session opened")

		// This goroutine is the only writer of sess.
		for {
			select {
			case <-req.Context().Done():
				logger.Debug("session closed by client")
				return
			case <-r.done:
				return
			case msg := <-s.msgs:
				if err := send(sess, msg); err != nil {
					logger.Warn("failed to send notification", slog.String("err", err.Error()))
					return
				}
			}
		}
	})
}

// Shutdown closes every session and waits for their handlers to return.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.closeOnce.Do(func() {
		close(r.done)
	})

	finished := make(chan struct{})
	go func() {
		r.sessionsWaitGroup.Wait()
		close(finished)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close sessions: %w", ctx.Err())
	case <-finished:
	}
	return nil
}

func (r *Relay) addSession(filter Filter) (*session, error) {
	s := &session{
		id:     uuid.New().String(),
		filter: filter,
		msgs:   make(chan *sse.Message, r.bufferSize),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case <-r.done:
		return nil, ErrShutdown
	default:
	}

	r.sessions[s.id] = s
	r.sessionsWaitGroup.Add(1)
	r.metrics.sessions.Inc()
	return s, nil
}

func (r *Relay) removeSession(s *session) {
	r.mu.Lock()
	delete(r.sessions, s.id)
	r.mu.Unlock()

	r.metrics.sessions.Dec()
	r.sessionsWaitGroup.Done()
}

func send(sess *sse.Session, msg *sse.Message) error {
	if err := sess.Send(msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	if err := sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush message: %w", err)
	}
	return nil
}
