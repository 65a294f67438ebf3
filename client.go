package ts3query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ConnState is the lifecycle state of a Client's connection.
type ConnState int

// Connection states. A client moves Disconnected → Connecting → Connected →
// Closing → Disconnected, and may connect again afterwards.
const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateClosing
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client is a ServerQuery client. It owns a single connection, pipelines
// commands over it and matches responses to commands in the order they were
// sent. Notifications pushed by the server are routed to the handlers
// registered with Subscribe.
//
// A Client is created with NewClient and does nothing until Connect is
// called. All methods are safe for concurrent use.
type Client struct {
	transport Transport
	logger    *slog.Logger

	writeTimeout      time.Duration
	requestTimeout    time.Duration
	keepAliveInterval time.Duration
	disconnectHandler func(error)

	// mu guards state, current and pending.
	mu      sync.Mutex
	state   ConnState
	current *connection
	pending []*Call

	// writeMu makes enqueueing a call and writing it one step, so the pending
	// queue always matches the order of commands on the wire.
	writeMu sync.Mutex

	subs *subscriptions
	// subMu orders the registration commands issued by Subscribe and
	// Unsubscribe.
	subMu sync.Mutex
}

type connection struct {
	conn Conn
	// done is closed once the dispatch loop has exited and every pending
	// call has been resolved.
	done chan struct{}
}

var (
	defaultClientWriteTimeout   = 10 * time.Second
	defaultClientRequestTimeout = 30 * time.Second
)

// WithLogger sets the logger for the client. slog.Default is used otherwise.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithWriteTimeout sets how long writing a command to the connection may
// take. A write that fails or times out closes the connection.
func WithWriteTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// WithRequestTimeout sets the deadline Send applies to every command. A
// command that times out is abandoned and its late response discarded.
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

// WithKeepAliveInterval makes the client send a version command at the given
// interval while connected. The server drops idle query clients after a few
// minutes. Zero, the default, disables keepalives.
func WithKeepAliveInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.keepAliveInterval = interval
	}
}

// WithDisconnectHandler sets a function called after the connection ends,
// with the error that ended it. It is not called for Close.
func WithDisconnectHandler(handler func(error)) ClientOption {
	return func(c *Client) {
		c.disconnectHandler = handler
	}
}

// NewClient creates a client that connects through transport.
func NewClient(transport Transport, options ...ClientOption) *Client {
	c := &Client{
		transport: transport,
		logger:    slog.Default(),
		subs:      newSubscriptions(),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.writeTimeout == 0 {
		c.writeTimeout = defaultClientWriteTimeout
	}
	if c.requestTimeout == 0 {
		c.requestTimeout = defaultClientRequestTimeout
	}
	return c
}

// Connect dials the server and starts reading from the connection. It
// returns ErrAlreadyConnected unless the client is disconnected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.transport.Dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		// Close was called while dialing.
		c.state = StateDisconnected
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("failed to connect: %w", ErrConnectionClosed)
	}
	cs := &connection{conn: conn, done: make(chan struct{})}
	c.current = cs
	c.state = StateConnected
	c.mu.Unlock()

	go c.listen(cs)
	if c.keepAliveInterval > 0 {
		go c.keepAlive(cs)
	}

	return nil
}

// Close closes the connection. Every command still waiting for a response
// fails with ErrConnectionClosed before Close returns. Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	switch c.state {
	case StateDisconnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.state = StateClosing
		c.mu.Unlock()
		return nil
	}
	cs := c.current
	first := c.state == StateConnected
	c.state = StateClosing
	c.mu.Unlock()

	if cs == nil {
		return nil
	}

	var err error
	if first {
		err = cs.conn.Close()
	}
	<-cs.done
	return err
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns the number of commands waiting for a response, including
// abandoned ones.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Go sends cmd without waiting for its response. The returned Call is
// resolved when the response arrives or the connection ends.
func (c *Client) Go(cmd Command) (*Call, error) {
	line, err := cmd.Encode()
	if err != nil {
		return nil, err
	}
	call := newCall(cmd, line)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", cmd.Name, ErrConnectionClosed)
	}
	cs := c.current
	c.pending = append(c.pending, call)
	c.mu.Unlock()

	wCtx, wCancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer wCancel()

	if err := cs.conn.WriteLine(wCtx, line); err != nil {
		// The line may have been written in part, so the connection can no
		// longer be kept in step. Closing it resolves the call.
		c.logger.Error("failed to write command", slog.String("command", cmd.Name), slog.String("err", err.Error()))
		cs.conn.Close()
		return nil, fmt.Errorf("failed to send %s: %w: %w", cmd.Name, ErrConnectionClosed, err)
	}

	return call, nil
}

// Send sends cmd and waits for its response. A non-zero status from the
// server is returned as a *ProtocolError. The request timeout of the client
// applies on top of ctx.
func (c *Client) Send(ctx context.Context, cmd Command) (Response, error) {
	call, err := c.Go(cmd)
	if err != nil {
		return Response{}, err
	}

	rCtx, rCancel := context.WithTimeout(ctx, c.requestTimeout)
	defer rCancel()

	return call.Wait(rCtx)
}

// Subscribe registers handler for notifications of type t. The first
// subscription that needs a registration target the server is not yet
// sending asks the server to start sending it.
func (c *Client) Subscribe(ctx context.Context, t NotificationType, handler NotificationHandler) (SubscriptionID, error) {
	kind, err := lookupNotificationType(t)
	if err != nil {
		return "", err
	}
	if handler == nil {
		return "", errors.New("nil notification handler")
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	before := c.subs.activeEvents()
	id := c.subs.add(t, handler)

	registered := false
	for _, ev := range kind.events {
		if slices.Contains(before, ev) {
			continue
		}
		if err := c.register(ctx, ev); err != nil {
			c.subs.remove(t, id)
			if registered {
				// Events registered for this kind must not outlive it.
				if rErr := c.reregister(ctx, before); rErr != nil {
					c.logger.Warn("failed to roll back notification registrations", slog.String("err", rErr.Error()))
				}
			}
			return "", fmt.Errorf("failed to register %s notifications: %w", ev, err)
		}
		registered = true
	}

	return id, nil
}

// Unsubscribe removes the handler identified by id. The server is asked to
// stop sending events that no remaining handler needs.
func (c *Client) Unsubscribe(ctx context.Context, t NotificationType, id SubscriptionID) error {
	if _, err := lookupNotificationType(t); err != nil {
		return err
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	before := c.subs.activeEvents()
	if !c.subs.remove(t, id) {
		return nil
	}
	return c.syncRegistrations(ctx, before)
}

// UnsubscribeAll removes every handler of type t.
func (c *Client) UnsubscribeAll(ctx context.Context, t NotificationType) error {
	if _, err := lookupNotificationType(t); err != nil {
		return err
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	before := c.subs.activeEvents()
	if c.subs.removeAll(t) == 0 {
		return nil
	}
	return c.syncRegistrations(ctx, before)
}

// Resubscribe registers every event that current handlers need. Handlers
// survive a reconnect but the server forgets registrations, so call it again
// after logging in on a new connection.
func (c *Client) Resubscribe(ctx context.Context) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	for _, ev := range c.subs.activeEvents() {
		if err := c.register(ctx, ev); err != nil {
			return fmt.Errorf("failed to register %s notifications: %w", ev, err)
		}
	}
	return nil
}

// syncRegistrations brings the server in line with the handlers after a
// removal. The server can only drop all registrations at once, so the
// events still in use are registered again.
func (c *Client) syncRegistrations(ctx context.Context, before []NotificationEvent) error {
	after := c.subs.activeEvents()
	if slices.Equal(before, after) {
		return nil
	}
	return c.reregister(ctx, after)
}

// reregister drops every server registration and registers events again.
func (c *Client) reregister(ctx context.Context, events []NotificationEvent) error {
	if _, err := c.Send(ctx, ServerNotifyUnregister()); err != nil {
		return fmt.Errorf("failed to unregister notifications: %w", err)
	}
	for _, ev := range events {
		if err := c.register(ctx, ev); err != nil {
			return fmt.Errorf("failed to register %s notifications: %w", ev, err)
		}
	}
	return nil
}

func (c *Client) register(ctx context.Context, ev NotificationEvent) error {
	_, err := c.Send(ctx, ServerNotifyRegister(ev))
	return err
}

// listen is the only reader of the connection. It runs until reading fails.
func (c *Client) listen(cs *connection) {
	var asm assembler

	var err error
	for {
		var line string
		line, err = cs.conn.ReadLine()
		if err != nil {
			break
		}
		if line == "" {
			continue
		}
		c.handleLine(&asm, line)
	}

	c.shutdown(cs, err)
}

func (c *Client) handleLine(asm *assembler, line string) {
	unit := decodeLine(line)

	switch unit.kind {
	case unitNotification:
		c.subs.dispatch(c.logger, unit.event, unit.records)
	case unitFragment:
		if c.Pending() == 0 {
			c.logger.Warn("dropping response line without pending command", slog.String("line", line))
			return
		}
		asm.add(unit.records)
	case unitStatus:
		res := asm.finish()
		call := c.popPending()
		if call == nil {
			c.logger.Warn("dropping status line without pending command", slog.String("line", line))
			return
		}
		if call.Abandoned() {
			c.logger.Debug("discarding response of abandoned command", slog.String("command", call.Command.Name))
		}
		call.resolve(res, unit.err)
	}
}

func (c *Client) popPending() *Call {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		return nil
	}
	call := c.pending[0]
	c.pending[0] = nil
	c.pending = c.pending[1:]
	return call
}

// shutdown fails every pending call and moves the client back to
// disconnected.
func (c *Client) shutdown(cs *connection, cause error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	expected := c.state == StateClosing
	c.state = StateDisconnected
	c.current = nil
	c.mu.Unlock()

	cs.conn.Close()

	for _, call := range pending {
		call.resolve(Response{}, fmt.Errorf("%s: %w", call.Command.Name, ErrConnectionClosed))
	}
	close(cs.done)

	if expected {
		return
	}

	c.logger.Warn("connection lost", slog.Any("err", cause), slog.Int("pending", len(pending)))
	if c.disconnectHandler != nil {
		c.disconnectHandler(cause)
	}
}

func (c *Client) keepAlive(cs *connection) {
	ticker := time.NewTicker(c.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cs.done:
			return
		case <-ticker.C:
		}

		if _, err := c.Send(context.Background(), Version()); err != nil {
			c.logger.Error("failed to send keepalive", slog.String("err", err.Error()))
		}
	}
}

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}
