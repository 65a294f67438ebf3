package ts3query

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Parameter is a single key=value argument of a Command. The value is held
// unescaped; escaping happens when the command is encoded.
type Parameter struct {
	Key   string
	Value string
}

// Command is a request to the server: a command name followed by its
// parameters and bare option flags, in the order they should be sent.
type Command struct {
	Name    string
	Params  []Parameter
	Options []string
}

const optionMarker = "-"

// String builds a string parameter.
func String(key, value string) Parameter {
	return Parameter{Key: key, Value: value}
}

// Int builds an integer parameter.
func Int(key string, value int) Parameter {
	return Parameter{Key: key, Value: strconv.Itoa(value)}
}

// Bool builds a boolean parameter, encoded as 1 or 0.
func Bool(key string, value bool) Parameter {
	if value {
		return Parameter{Key: key, Value: "1"}
	}
	return Parameter{Key: key, Value: "0"}
}

// NewCommand creates a command with the given parameters.
func NewCommand(name string, params ...Parameter) Command {
	return Command{Name: name, Params: params}
}

// WithOptions returns a copy of the command with the option flags appended.
// Options are given without their leading marker, e.g. "uid" for -uid.
func (c Command) WithOptions(options ...string) Command {
	c.Options = append(append([]string(nil), c.Options...), options...)
	return c
}

// Encode renders the command in wire format, without the line terminator.
func (c Command) Encode() (string, error) {
	if err := validToken(c.Name); err != nil {
		return "", fmt.Errorf("invalid command name: %w", err)
	}

	var b strings.Builder
	b.WriteString(c.Name)
	for _, p := range c.Params {
		if err := validToken(p.Key); err != nil {
			return "", fmt.Errorf("invalid parameter key: %w", err)
		}
		b.WriteByte(' ')
		b.WriteString(p.Key)
		b.WriteByte('=')
		b.WriteString(Escape(p.Value))
	}
	for _, opt := range c.Options {
		opt = strings.TrimPrefix(opt, optionMarker)
		if err := validToken(opt); err != nil {
			return "", fmt.Errorf("invalid option: %w", err)
		}
		b.WriteByte(' ')
		b.WriteString(optionMarker)
		b.WriteString(opt)
	}
	return b.String(), nil
}

// String returns the encoded command, or the bare name if it does not encode.
func (c Command) String() string {
	s, err := c.Encode()
	if err != nil {
		return c.Name
	}
	return s
}

// ParseCommand decodes a request line into a Command. It is the inverse of
// Encode. Tokens starting with the option marker become options, tokens
// without '=' become parameters with an empty value.
func ParseCommand(line string) (Command, error) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return Command{}, errors.New("empty command")
	}

	cmd := Command{Name: tokens[0]}
	for _, tok := range tokens[1:] {
		if strings.HasPrefix(tok, optionMarker) && !strings.Contains(tok, "=") {
			cmd.Options = append(cmd.Options, strings.TrimPrefix(tok, optionMarker))
			continue
		}
		key, value, _ := strings.Cut(tok, "=")
		if key == "" {
			return Command{}, fmt.Errorf("parameter without key: %q", tok)
		}
		cmd.Params = append(cmd.Params, Parameter{Key: key, Value: Unescape(value)})
	}
	return cmd, nil
}

// Param returns the value of the first parameter named key.
func (c Command) Param(key string) (string, bool) {
	for _, p := range c.Params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// HasOption reports whether the command carries the option flag.
func (c Command) HasOption(option string) bool {
	option = strings.TrimPrefix(option, optionMarker)
	for _, o := range c.Options {
		if o == option {
			return true
		}
	}
	return false
}

func validToken(s string) error {
	if s == "" {
		return errors.New("empty token")
	}
	if i := strings.IndexAny(s, " \t\r\n\v\f=|\\/"); i >= 0 {
		return fmt.Errorf("token %q contains reserved character %q", s, s[i])
	}
	return nil
}
