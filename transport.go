package ts3query

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
	"time"
)

// Transport opens connections to a ServerQuery server.
type Transport interface {
	// Dial establishes a new connection. Any server greeting must already be
	// consumed when Dial returns, so the first line read from the Conn is
	// protocol traffic.
	Dial(ctx context.Context) (Conn, error)
}

// Conn is a line oriented, bidirectional connection.
type Conn interface {
	// ReadLine blocks until a full line is available and returns it without
	// its terminator. It returns an error once the connection is closed or
	// the peer goes away.
	ReadLine() (string, error)

	// WriteLine writes one line and its terminator. Lines from concurrent
	// callers are never interleaved.
	WriteLine(ctx context.Context, line string) error

	// Close closes the connection and unblocks pending reads and writes.
	// It is safe to call more than once.
	Close() error
}

// IOTransport implements Transport over an existing reader/writer pair, such
// as pipes or the standard streams of a child process. It yields a single
// connection.
type IOTransport struct {
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	mu     sync.Mutex
	dialed bool
}

// TCPTransport implements Transport over TCP, the standard ServerQuery
// transport.
type TCPTransport struct {
	address         string
	dialTimeout     time.Duration
	greetingTimeout time.Duration
	logger          *slog.Logger
}

// TCPOption configures a TCPTransport.
type TCPOption func(*TCPTransport)

type lineConn struct {
	writer io.Writer
	closer io.Closer
	logger *slog.Logger

	lines         chan lineResult
	writeMessages chan lineWrite
	done          chan struct{}
	closeOnce     sync.Once
}

type lineResult struct {
	line string
	err  error
}

type lineWrite struct {
	msg  []byte
	errs chan error
}

const (
	// DefaultPort is the ServerQuery TCP port.
	DefaultPort = 10011

	greetingHeader = "TS3"
)

var (
	defaultTCPDialTimeout     = 10 * time.Second
	defaultTCPGreetingTimeout = 5 * time.Second

	errConnClosed = fmt.Errorf("line connection: %w", net.ErrClosed)
)

// NewIOTransport creates a transport over reader and writer. If either
// implements io.Closer it is closed together with the connection.
func NewIOTransport(reader io.Reader, writer io.Writer) *IOTransport {
	return &IOTransport{
		reader: reader,
		writer: writer,
		logger: slog.Default(),
	}
}

// Dial implements Transport. An IOTransport can be dialed only once.
func (t *IOTransport) Dial(_ context.Context) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dialed {
		return nil, errors.New("io transport already dialed")
	}
	t.dialed = true

	var closers multiCloser
	if c, ok := t.reader.(io.Closer); ok {
		closers = append(closers, c)
	}
	if c, ok := t.writer.(io.Closer); ok {
		closers = append(closers, c)
	}
	return newLineConn(t.reader, t.writer, closers, t.logger), nil
}

// WithTCPDialTimeout sets the timeout for establishing the TCP connection.
func WithTCPDialTimeout(timeout time.Duration) TCPOption {
	return func(t *TCPTransport) {
		t.dialTimeout = timeout
	}
}

// WithTCPGreetingTimeout sets how long Dial waits for the server greeting.
func WithTCPGreetingTimeout(timeout time.Duration) TCPOption {
	return func(t *TCPTransport) {
		t.greetingTimeout = timeout
	}
}

// WithTCPLogger sets the logger used by connections of the transport.
func WithTCPLogger(logger *slog.Logger) TCPOption {
	return func(t *TCPTransport) {
		t.logger = logger
	}
}

// NewTCPTransport creates a transport for address, in host:port form. A
// missing port defaults to DefaultPort.
func NewTCPTransport(address string, options ...TCPOption) *TCPTransport {
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, fmt.Sprint(DefaultPort))
	}
	t := &TCPTransport{
		address:         address,
		dialTimeout:     defaultTCPDialTimeout,
		greetingTimeout: defaultTCPGreetingTimeout,
		logger:          slog.Default(),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Address returns the host:port the transport dials.
func (t *TCPTransport) Address() string {
	return t.address
}

// Dial implements Transport. It connects and consumes the two line greeting
// the server sends before accepting commands.
func (t *TCPTransport) Dial(ctx context.Context) (Conn, error) {
	d := net.Dialer{Timeout: t.dialTimeout}
	nc, err := d.DialContext(ctx, "tcp", t.address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", t.address, err)
	}

	conn := newLineConn(nc, nc, nc, t.logger)

	gCtx, gCancel := context.WithTimeout(ctx, t.greetingTimeout)
	defer gCancel()

	if err := readGreeting(gCtx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func readGreeting(ctx context.Context, conn *lineConn) error {
	header, err := conn.readLineContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to read greeting: %w", err)
	}
	if header != greetingHeader {
		return fmt.Errorf("unexpected greeting %q", header)
	}
	// The second line is the human readable welcome text.
	if _, err := conn.readLineContext(ctx); err != nil {
		return fmt.Errorf("failed to read greeting: %w", err)
	}
	return nil
}

func newLineConn(reader io.Reader, writer io.Writer, closer io.Closer, logger *slog.Logger) *lineConn {
	c := &lineConn{
		writer:        writer,
		closer:        closer,
		logger:        logger,
		lines:         make(chan lineResult),
		writeMessages: make(chan lineWrite),
		done:          make(chan struct{}),
	}
	go c.readLines(bufio.NewReader(reader))
	go c.processWriteMessages()
	return c
}

func (c *lineConn) ReadLine() (string, error) {
	return c.readLineContext(context.Background())
}

func (c *lineConn) readLineContext(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.done:
		return "", errConnClosed
	case lr, ok := <-c.lines:
		if !ok {
			return "", io.EOF
		}
		return lr.line, lr.err
	}
}

func (c *lineConn) WriteLine(ctx context.Context, line string) error {
	msg := lineWrite{
		msg:  []byte(line + "\n"),
		errs: make(chan error, 1),
	}

	// Queue the line so that a single goroutine owns the writer.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errConnClosed
	case c.writeMessages <- msg:
	}

	select {
	case err := <-msg.errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errConnClosed
	}
}

func (c *lineConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.closer != nil {
			err = c.closer.Close()
		}
	})
	return err
}

func (c *lineConn) readLines(reader *bufio.Reader) {
	defer close(c.lines)

	for {
		// bufio.Reader instead of bufio.Scanner, responses such as clientlist
		// easily exceed the scanner's token limit.
		line, err := reader.ReadString('\n')
		if err != nil {
			// A last line without terminator is still delivered.
			if line = strings.Trim(line, "\r\n"); line != "" {
				select {
				case c.lines <- lineResult{line: line}:
				case <-c.done:
					return
				}
			}
			if !errors.Is(err, io.EOF) {
				select {
				case c.lines <- lineResult{err: err}:
				case <-c.done:
				}
			}
			return
		}

		// The server terminates lines with "\n\r", so the carriage return
		// shows up at the start of the following line.
		line = strings.Trim(line, "\r\n")

		select {
		case c.lines <- lineResult{line: line}:
		case <-c.done:
			return
		}
	}
}

func (c *lineConn) processWriteMessages() {
	for {
		var msg lineWrite
		select {
		case <-c.done:
			return
		case msg = <-c.writeMessages:
		}

		_, err := c.writer.Write(msg.msg)
		if err != nil {
			c.logger.Error("failed to write line", slog.String("err", err.Error()))
		}
		msg.errs <- err
	}
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var errs []error
	for _, c := range m {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
