// Package querytest provides an in-memory ServerQuery server for tests.
//
// A Server answers commands through a Handler and can push notifications to
// every connected client at any time. Connections are made either through
// Transport, which uses in-process pipes, or by serving a net.Listener, which
// behaves like a real server and sends the greeting first.
package querytest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/MegaGrindStone/go-ts3query"
	"github.com/google/uuid"
)

// Reply is the server's answer to one command.
type Reply struct {
	// Records are written as a single pipe separated line before the status.
	Records []ts3query.Record
	// ErrID and Msg make up the status line. The zero value is success.
	ErrID int
	Msg   string

	// Raw lines, when set, are written verbatim instead of Records and the
	// status line.
	Raw []string
	// Drop leaves the command unanswered.
	Drop bool
	// Hangup closes the connection after the reply, if any, is written.
	Hangup bool
}

// Handler produces the reply to a command.
type Handler func(cmd ts3query.Command) Reply

// Mux routes commands to handlers by name. Unknown commands get the server's
// "command not found" error.
type Mux map[string]Handler

// Server is an in-memory ServerQuery server. It is safe for concurrent use.
type Server struct {
	handler Handler
	logger  *slog.Logger
	welcome string

	mu        sync.Mutex
	conns     map[string]*serverConn
	requests  []string
	listeners []net.Listener
	closed    bool

	wg sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

type serverConn struct {
	id     string
	conn   net.Conn
	logger *slog.Logger

	// writeMu keeps replies and notifications whole on the wire.
	writeMu sync.Mutex
}

type pipeTransport struct {
	server *Server
}

const (
	// ErrCommandNotFound is the status id for unknown commands.
	ErrCommandNotFound = 256

	greetingHeader = "TS3"
	defaultWelcome = "Welcome to the TeamSpeak 3 ServerQuery interface, " +
		`type "help" for a list of commands and "help <command>" for information on a specific command.`
)

var errServerClosed = errors.New("querytest: server closed")

// OK is the reply for a successful command without output.
func OK() Reply {
	return Reply{}
}

// Records is the reply for a successful command with output.
func Records(records ...ts3query.Record) Reply {
	return Reply{Records: records}
}

// Error is the reply for a failed command.
func Error(id int, msg string) Reply {
	return Reply{ErrID: id, Msg: msg}
}

// Handle implements Handler.
func (m Mux) Handle(cmd ts3query.Command) Reply {
	h, ok := m[cmd.Name]
	if !ok {
		return Error(ErrCommandNotFound, "command not found")
	}
	return h(cmd)
}

// WithLogger sets the logger of the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithWelcome sets the welcome line sent after the greeting header on
// listener connections.
func WithWelcome(welcome string) Option {
	return func(s *Server) {
		s.welcome = welcome
	}
}

// NewServer creates a server answering with handler. A nil handler answers
// every command with success.
func NewServer(handler Handler, options ...Option) *Server {
	if handler == nil {
		handler = func(ts3query.Command) Reply { return OK() }
	}
	s := &Server{
		handler: handler,
		logger:  slog.Default(),
		welcome: defaultWelcome,
		conns:   make(map[string]*serverConn),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Transport returns a transport whose connections are pipes to the server.
// No greeting is sent on these connections.
func (s *Server) Transport() ts3query.Transport {
	return pipeTransport{server: s}
}

func (t pipeTransport) Dial(ctx context.Context) (ts3query.Conn, error) {
	client, server := net.Pipe()
	if err := t.server.accept(server, false); err != nil {
		client.Close()
		return nil, err
	}
	return ts3query.NewIOTransport(client, client).Dial(ctx)
}

// Serve accepts connections on l until it is closed or the server is closed.
// Each connection receives the greeting before any command is read.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errServerClosed
	}
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to accept: %w", err)
		}
		if err := s.accept(conn, true); err != nil {
			return nil
		}
	}
}

// Notify pushes a notification line of the given kind, such as
// "cliententerview", to every connected client.
func (s *Server) Notify(kind string, records ...ts3query.Record) {
	line := "notify" + kind
	if payload := ts3query.FormatRecords(records); payload != "" {
		line += " " + payload
	}

	for _, sc := range s.connections() {
		if err := sc.writeLines(line); err != nil {
			sc.logger.Warn("failed to push notification", slog.String("kind", kind), slog.String("err", err.Error()))
		}
	}
}

// Requests returns every request line received so far, in arrival order.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// RequestNames returns the command names of Requests.
func (s *Server) RequestNames() []string {
	lines := s.Requests()
	names := make([]string, len(lines))
	for i, line := range lines {
		names[i], _, _ = strings.Cut(line, " ")
	}
	return names
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Hangup closes every open connection, as if the server went away, but keeps
// accepting new ones.
func (s *Server) Hangup() {
	for _, sc := range s.connections() {
		sc.conn.Close()
	}
}

// Close closes every listener and connection and waits for the connection
// goroutines to exit.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	var errs []error
	for _, l := range listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	s.Hangup()
	s.wg.Wait()
	return errors.Join(errs...)
}

func (s *Server) accept(conn net.Conn, greet bool) error {
	id := uuid.New().String()
	sc := &serverConn{
		id:     id,
		conn:   conn,
		logger: s.logger.With(slog.String("conn", id)),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return errServerClosed
	}
	s.conns[id] = sc
	s.wg.Add(1)
	s.mu.Unlock()

	go s.serve(sc, greet)
	return nil
}

func (s *Server) serve(sc *serverConn, greet bool) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, sc.id)
		s.mu.Unlock()
		sc.conn.Close()
	}()

	if greet {
		if err := sc.writeLines(greetingHeader, s.welcome); err != nil {
			sc.logger.Warn("failed to write greeting", slog.String("err", err.Error()))
			return
		}
	}

	lines := newLineReader(sc.conn)
	for {
		line, err := lines.next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
				sc.logger.Warn("failed to read request", slog.String("err", err.Error()))
			}
			return
		}
		if line == "" {
			continue
		}

		s.mu.Lock()
		s.requests = append(s.requests, line)
		s.mu.Unlock()

		reply := s.reply(line)
		if !reply.Drop {
			if err := sc.writeLines(reply.lines()...); err != nil {
				sc.logger.Warn("failed to write reply", slog.String("err", err.Error()))
				return
			}
		}
		if reply.Hangup {
			return
		}
	}
}

func (s *Server) reply(line string) Reply {
	cmd, err := ts3query.ParseCommand(line)
	if err != nil {
		return Error(ErrCommandNotFound, "command not found")
	}
	return s.handler(cmd)
}

func (s *Server) connections() []*serverConn {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := make([]*serverConn, 0, len(s.conns))
	for _, sc := range s.conns {
		conns = append(conns, sc)
	}
	return conns
}

func (r Reply) lines() []string {
	if len(r.Raw) > 0 {
		return r.Raw
	}

	var lines []string
	if len(r.Records) > 0 {
		lines = append(lines, ts3query.FormatRecords(r.Records))
	}
	status := ts3query.Record{
		{Key: "id", Value: fmt.Sprint(r.ErrID)},
		{Key: "msg", Value: r.statusMessage()},
	}
	return append(lines, "error "+status.String())
}

func (r Reply) statusMessage() string {
	if r.Msg != "" {
		return r.Msg
	}
	if r.ErrID == 0 {
		return "ok"
	}
	return "error"
}

// writeLines writes lines terminated the way the real server does.
func (sc *serverConn) writeLines(lines ...string) error {
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\n\r")
	}

	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	_, err := io.WriteString(sc.conn, b.String())
	return err
}

type lineReader struct {
	reader *bufio.Reader
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{reader: bufio.NewReader(r)}
}

func (l *lineReader) next() (string, error) {
	line, err := l.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.Trim(line, "\r\n"), nil
}
