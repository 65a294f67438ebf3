package ts3query

import "strings"

// escapeTable lists every character the protocol reserves, paired with the
// two-character sequence that replaces it on the wire. The backslash entry
// must stay first so escaping never re-escapes its own output.
var escapeTable = []struct {
	raw     byte
	escaped byte
}{
	{'\\', '\\'},
	{'/', '/'},
	{' ', 's'},
	{'|', 'p'},
	{'\a', 'a'},
	{'\b', 'b'},
	{'\f', 'f'},
	{'\n', 'n'},
	{'\r', 'r'},
	{'\t', 't'},
	{'\v', 'v'},
}

var (
	escapeReplacer   *strings.Replacer
	unescapeSequence = make(map[byte]byte, len(escapeTable))
)

func init() {
	pairs := make([]string, 0, len(escapeTable)*2)
	for _, e := range escapeTable {
		pairs = append(pairs, string(e.raw), `\`+string(e.escaped))
		unescapeSequence[e.escaped] = e.raw
	}
	escapeReplacer = strings.NewReplacer(pairs...)
}

// Escape encodes s so it can be used as a parameter value or record value.
// Every reserved character is replaced by its escape sequence.
func Escape(s string) string {
	return escapeReplacer.Replace(s)
}

// Unescape reverses Escape. Unknown sequences are kept verbatim, as is a
// trailing backslash with nothing after it.
func Unescape(s string) string {
	if strings.IndexByte(s, '\\') < 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i == len(s)-1 {
			b.WriteByte(c)
			continue
		}
		raw, ok := unescapeSequence[s[i+1]]
		if !ok {
			b.WriteByte(c)
			continue
		}
		b.WriteByte(raw)
		i++
	}
	return b.String()
}
