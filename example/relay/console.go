package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/MegaGrindStone/go-ts3query"
	"github.com/ergochat/readline"
	"github.com/spf13/cobra"
)

const (
	consolePrompt   = "ts3> "
	historyFileName = ".ts3relay_history"
	historySize     = 500
)

const consoleHelp = `Commands are sent to the server as typed, for example:
  serverinfo
  clientlist -uid -away
  sendtextmessage targetmode=3 target=1 msg=hello\sworld

Console commands:
  .subscribe <kind>...    print notifications of the given kinds
  .unsubscribe <kind>...  stop printing them
  .subscriptions          list the kinds being printed
  .diff <command>         run a command and show the records changed since
                          its previous .diff run
  .kinds                  list notification kinds
  .help                   show this help
  quit, exit              leave the console`

// console is an interactive ServerQuery session. Notifications and command
// output share the writer, so every write holds mu.
type console struct {
	client *ts3query.Client

	mu   sync.Mutex
	out  io.Writer
	subs map[ts3query.NotificationType]ts3query.SubscriptionID
	last map[string][]ts3query.Record
}

// lineEditor reads console input with history on a terminal and falls back to
// a plain scanner for pipes and files.
type lineEditor struct {
	out     io.Writer
	rl      *readline.Instance
	scanner *bufio.Scanner
}

func newConsoleCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Open an interactive ServerQuery console",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger := ctx.config, ctx.logger
			out := cmd.OutOrStdout()

			c := newConsole(nil, out)
			c.client = newQueryClient(cfg, logger, newTransport(cfg, logger), func(err error) {
				c.printf("connection lost: %v\n", err)
			})
			if err := openSession(cmd.Context(), c.client, cfg); err != nil {
				return err
			}
			defer c.client.Close()

			editor := newLineEditor(cmd.InOrStdin(), out, logger)
			defer editor.Close()

			return c.run(cmd.Context(), editor)
		},
	}
}

func newConsole(client *ts3query.Client, out io.Writer) *console {
	return &console{
		client: client,
		out:    out,
		subs:   map[ts3query.NotificationType]ts3query.SubscriptionID{},
		last:   map[string][]ts3query.Record{},
	}
}

func (c *console) run(ctx context.Context, editor *lineEditor) error {
	for ctx.Err() == nil {
		line, err := editor.GetLine(consolePrompt)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		quit, err := c.execute(ctx, line)
		if err != nil {
			return err
		}
		if quit {
			return nil
		}
	}
	return nil
}

// execute runs one console line. Server errors are printed; only a lost
// connection is returned.
func (c *console) execute(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false, nil
	case line == "quit" || line == "exit":
		return true, nil
	case strings.HasPrefix(line, "."):
		return false, c.executeBuiltin(ctx, line)
	}

	cmd, err := ts3query.ParseCommand(line)
	if err != nil {
		c.printf("invalid command: %v\n", err)
		return false, nil
	}

	res, err := c.client.Send(ctx, cmd)
	switch {
	case errors.Is(err, ts3query.ErrConnectionClosed):
		return false, err
	case err != nil:
		c.printf("%v\n", err)
	case res.Len() == 0:
		c.printf("ok\n")
	default:
		c.printf("%s\n", renderRecords(res.Records))
	}
	return false, nil
}

func (c *console) executeBuiltin(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]

	switch name {
	case ".help":
		c.printf("%s\n", consoleHelp)
	case ".kinds":
		c.printf("%s\n", renderKinds())
	case ".subscriptions":
		names := c.subscribed()
		if len(names) == 0 {
			c.printf("no subscriptions\n")
			return nil
		}
		c.printf("%s\n", strings.Join(names, "\n"))
	case ".diff":
		return c.diff(ctx, strings.Join(args, " "))
	case ".subscribe", ".unsubscribe":
		if len(args) == 0 {
			c.printf("usage: %s <kind>...\n", name)
			return nil
		}
		for _, arg := range args {
			t, err := ts3query.ParseNotificationType(strings.ToLower(arg))
			if err != nil {
				c.printf("%v\n", err)
				continue
			}
			if name == ".subscribe" {
				err = c.subscribe(ctx, t)
			} else {
				err = c.unsubscribe(ctx, t)
			}
			if errors.Is(err, ts3query.ErrConnectionClosed) {
				return err
			}
			if err != nil {
				c.printf("%v\n", err)
			}
		}
	default:
		c.printf("unknown console command %s, try .help\n", name)
	}
	return nil
}

func (c *console) diff(ctx context.Context, line string) error {
	cmd, err := ts3query.ParseCommand(line)
	if err != nil {
		c.printf("usage: .diff <command>\n")
		return nil
	}
	key := cmd.String()

	res, err := c.client.Send(ctx, cmd)
	if errors.Is(err, ts3query.ErrConnectionClosed) {
		return err
	}
	if err != nil {
		c.printf("%v\n", err)
		return nil
	}

	c.mu.Lock()
	before, seen := c.last[key]
	c.last[key] = res.Records
	c.mu.Unlock()

	switch changes := diffRecords(before, res.Records); {
	case !seen:
		c.printf("%s\nsaved %d records as baseline for %s\n", renderRecords(res.Records), res.Len(), key)
	case changes == "":
		c.printf("no changes\n")
	default:
		c.printf("%s", changes)
	}
	return nil
}

func (c *console) subscribe(ctx context.Context, t ts3query.NotificationType) error {
	c.mu.Lock()
	_, ok := c.subs[t]
	c.mu.Unlock()
	if ok {
		c.printf("already subscribed to %s\n", t)
		return nil
	}

	id, err := c.client.Subscribe(ctx, t, c.printNotification)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.subs[t] = id
	c.mu.Unlock()
	c.printf("subscribed to %s\n", t)
	return nil
}

func (c *console) unsubscribe(ctx context.Context, t ts3query.NotificationType) error {
	c.mu.Lock()
	id, ok := c.subs[t]
	delete(c.subs, t)
	c.mu.Unlock()
	if !ok {
		c.printf("not subscribed to %s\n", t)
		return nil
	}

	if err := c.client.Unsubscribe(ctx, t, id); err != nil {
		return err
	}
	c.printf("unsubscribed from %s\n", t)
	return nil
}

// subscribed returns the kinds currently printed, sorted by name.
func (c *console) subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.subs))
	for t := range c.subs {
		names = append(names, t.String())
	}
	sort.Strings(names)
	return names
}

func (c *console) printNotification(n ts3query.Notification) {
	c.printf("[%s] %s\n", n.Type, n.Payload)
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func newLineEditor(in io.Reader, out io.Writer, logger *slog.Logger) *lineEditor {
	file, ok := in.(*os.File)
	if !ok || !isTerminal(file) || !isTerminal(out) {
		return &lineEditor{out: out, scanner: bufio.NewScanner(in)}
	}

	var history string
	if home, err := os.UserHomeDir(); err == nil {
		history = filepath.Join(home, historyFileName)
	}

	rl, err := readline.NewFromConfig(&readline.Config{
		HistoryFile:            history,
		HistoryLimit:           historySize,
		DisableAutoSaveHistory: true,
	})
	if err != nil {
		logger.Warn("readline unavailable, using basic input", slog.Any("err", err))
		return &lineEditor{out: out, scanner: bufio.NewScanner(in)}
	}
	return &lineEditor{out: out, rl: rl}
}

// GetLine prints prompt and reads one line. Interrupt and end of input both
// return io.EOF.
func (le *lineEditor) GetLine(prompt string) (string, error) {
	if le.rl != nil {
		le.rl.SetPrompt(prompt)
		line, err := le.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			return "", io.EOF
		}
		if err != nil {
			return "", err
		}
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			le.rl.SaveToHistory(trimmed)
		}
		return line, nil
	}

	fmt.Fprint(le.out, prompt)
	if !le.scanner.Scan() {
		if err := le.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return le.scanner.Text(), nil
}

func (le *lineEditor) Close() {
	if le.rl != nil {
		le.rl.Close()
		le.rl = nil
	}
}
