package ts3query

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// NotificationType identifies a kind of event the server can push.
type NotificationType int

// Supported notification types.
const (
	NotifyClientEnterView NotificationType = iota + 1
	NotifyClientLeftView
	NotifyServerEdited
	NotifyChannelDescriptionChanged
	NotifyChannelPasswordChanged
	NotifyChannelMoved
	NotifyChannelEdited
	NotifyChannelCreated
	NotifyChannelDeleted
	NotifyClientMoved
	NotifyTextMessage
	NotifyTokenUsed
)

// NotificationEvent is a registration target of servernotifyregister.
type NotificationEvent string

// Registration targets accepted by the server.
const (
	EventServer      NotificationEvent = "server"
	EventChannel     NotificationEvent = "channel"
	EventTextServer  NotificationEvent = "textserver"
	EventTextChannel NotificationEvent = "textchannel"
	EventTextPrivate NotificationEvent = "textprivate"
	EventTokenUsed   NotificationEvent = "tokenused"
)

// Notification is a decoded event pushed by the server.
type Notification struct {
	Type    NotificationType
	Payload Record
}

// NotificationHandler receives notifications. Handlers run on their own
// goroutine and must be safe for concurrent use.
type NotificationHandler func(Notification)

// SubscriptionID identifies one registered handler.
type SubscriptionID string

type notificationKind struct {
	name   string
	events []NotificationEvent
}

var notificationKinds = map[NotificationType]notificationKind{
	NotifyClientEnterView:           {name: "cliententerview", events: []NotificationEvent{EventServer}},
	NotifyClientLeftView:            {name: "clientleftview", events: []NotificationEvent{EventServer}},
	NotifyServerEdited:              {name: "serveredited", events: []NotificationEvent{EventServer}},
	NotifyChannelDescriptionChanged: {name: "channeldescriptionchanged", events: []NotificationEvent{EventChannel}},
	NotifyChannelPasswordChanged:    {name: "channelpasswordchanged", events: []NotificationEvent{EventChannel}},
	NotifyChannelMoved:              {name: "channelmoved", events: []NotificationEvent{EventChannel}},
	NotifyChannelEdited:             {name: "channeledited", events: []NotificationEvent{EventChannel}},
	NotifyChannelCreated:            {name: "channelcreated", events: []NotificationEvent{EventChannel}},
	NotifyChannelDeleted:            {name: "channeldeleted", events: []NotificationEvent{EventChannel}},
	NotifyClientMoved:               {name: "clientmoved", events: []NotificationEvent{EventChannel}},
	NotifyTextMessage: {name: "textmessage", events: []NotificationEvent{
		EventTextServer, EventTextChannel, EventTextPrivate,
	}},
	NotifyTokenUsed: {name: "tokenused", events: []NotificationEvent{EventTokenUsed}},
}

var notificationsByName = func() map[string]NotificationType {
	m := make(map[string]NotificationType, len(notificationKinds))
	for t, k := range notificationKinds {
		m[k.name] = t
	}
	return m
}()

// NotificationTypes returns every supported type in declaration order.
func NotificationTypes() []NotificationType {
	types := make([]NotificationType, 0, len(notificationKinds))
	for t := range notificationKinds {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// ParseNotificationType maps a wire name such as "cliententerview", with or
// without the notify prefix, to its type.
func ParseNotificationType(name string) (NotificationType, error) {
	if t, ok := notificationsByName[name]; ok {
		return t, nil
	}
	if len(name) > len(notifyPrefix) && name[:len(notifyPrefix)] == notifyPrefix {
		if t, ok := notificationsByName[name[len(notifyPrefix):]]; ok {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownNotificationType, name)
}

// String returns the wire name of the type.
func (t NotificationType) String() string {
	k, ok := notificationKinds[t]
	if !ok {
		return fmt.Sprintf("NotificationType(%d)", int(t))
	}
	return k.name
}

// Events returns the registration targets the server needs for the type.
func (t NotificationType) Events() []NotificationEvent {
	return slices.Clone(notificationKinds[t].events)
}

func lookupNotificationType(t NotificationType) (notificationKind, error) {
	k, ok := notificationKinds[t]
	if !ok {
		return notificationKind{}, fmt.Errorf("%w: %d", ErrUnknownNotificationType, int(t))
	}
	return k, nil
}

// subscriptions is the registry of handlers, keyed by type and handle.
type subscriptions struct {
	mu       sync.RWMutex
	handlers map[NotificationType][]subscription
}

type subscription struct {
	id      SubscriptionID
	handler NotificationHandler
}

func newSubscriptions() *subscriptions {
	return &subscriptions{handlers: make(map[NotificationType][]subscription)}
}

func (s *subscriptions) add(t NotificationType, handler NotificationHandler) SubscriptionID {
	id := SubscriptionID(uuid.New().String())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[t] = append(s.handlers[t], subscription{id: id, handler: handler})
	return id
}

// remove deletes one handler and reports whether it was registered.
func (s *subscriptions) remove(t NotificationType, id SubscriptionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.handlers[t]
	i := slices.IndexFunc(subs, func(sub subscription) bool { return sub.id == id })
	if i < 0 {
		return false
	}
	subs = slices.Delete(subs, i, i+1)
	if len(subs) == 0 {
		delete(s.handlers, t)
	} else {
		s.handlers[t] = subs
	}
	return true
}

// removeAll deletes every handler of t and returns how many there were.
func (s *subscriptions) removeAll(t NotificationType) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.handlers[t])
	delete(s.handlers, t)
	return n
}

func (s *subscriptions) count(t NotificationType) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers[t])
}

func (s *subscriptions) snapshot(t NotificationType) []subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.handlers[t])
}

// activeEvents returns the registration targets needed by the types that
// currently have handlers, in a stable order.
func (s *subscriptions) activeEvents() []NotificationEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []NotificationEvent
	for t := range s.handlers {
		for _, ev := range notificationKinds[t].events {
			if !slices.Contains(events, ev) {
				events = append(events, ev)
			}
		}
	}
	slices.Sort(events)
	return events
}

// dispatch delivers a notification line to every handler of its type. It
// returns without waiting for the handlers.
func (s *subscriptions) dispatch(logger *slog.Logger, event string, records []Record) {
	t, ok := notificationsByName[event]
	if !ok {
		logger.Warn("dropping unknown notification", slog.String("kind", event))
		return
	}

	subs := s.snapshot(t)
	if len(subs) == 0 {
		logger.Debug("no handler for notification", slog.String("kind", event))
		return
	}

	for _, rec := range records {
		n := Notification{Type: t, Payload: rec}
		for _, sub := range subs {
			go runHandler(logger, sub.handler, n)
		}
	}
}

func runHandler(logger *slog.Logger, handler NotificationHandler, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("notification handler panicked",
				slog.String("kind", n.Type.String()), slog.Any("panic", r))
		}
	}()
	handler(n)
}
