// Package protocol implements the line-oriented request/response codec
// spoken over the API socket.
//
// A request is a single LF-terminated line:
//
//	VERB [ARG ...]
//	ARG := BAREWORD | KEY=VALUE
//
// VALUE may be a double-quoted string supporting \" and \\ escapes, so
// clients can pass filters containing spaces. Verbs are matched
// case-insensitively and normalized to uppercase.
//
// Responses are either a single scalar line (PONG, OK, OK k=v ...,
// a plain string, or ERR <reason>) or an NDJSON stream terminated by
// connection close.
package protocol

import (
	"fmt"
	"strings"
)

// Arg is one parsed request argument. Positional barewords have an
// empty Key.
type Arg struct {
	Key   string
	Value string
}

// Request is one parsed request line.
type Request struct {
	Verb string
	Args []Arg
}

// Positional returns the bareword arguments in order.
func (r *Request) Positional() []string {
	var out []string
	for _, a := range r.Args {
		if a.Key == "" {
			out = append(out, a.Value)
		}
	}
	return out
}

// Get returns the value of a key=value argument. Keys are matched
// case-insensitively; the last occurrence wins.
func (r *Request) Get(key string) (string, bool) {
	val, ok := "", false
	for _, a := range r.Args {
		if a.Key != "" && strings.EqualFold(a.Key, key) {
			val, ok = a.Value, true
		}
	}
	return val, ok
}

// Keys returns the distinct lowercase keys present in the request.
func (r *Request) Keys() []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range r.Args {
		if a.Key == "" {
			continue
		}
		k := strings.ToLower(a.Key)
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// ParseRequest parses one request line (without the trailing newline).
func ParseRequest(line string) (*Request, error) {
	tokens, err := lex(line)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty request")
	}

	req := &Request{Verb: strings.ToUpper(tokens[0])}
	for _, tok := range tokens[1:] {
		if i := strings.IndexByte(tok, '='); i > 0 {
			req.Args = append(req.Args, Arg{Key: tok[:i], Value: tok[i+1:]})
		} else {
			req.Args = append(req.Args, Arg{Value: tok})
		}
	}
	return req, nil
}

// lex splits the line on whitespace, keeping double-quoted sections
// (with \" and \\ escapes) intact. The returned tokens have quotes
// stripped and escapes resolved; the KEY= prefix of a quoted value is
// preserved so the caller can split on '='.
func lex(line string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inToken := false
	inQuote := false

	flush := func() {
		if inToken {
			tokens = append(tokens, cur.String())
			cur.Reset()
			inToken = false
		}
	}

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case inQuote:
			switch c {
			case '\\':
				if i+1 >= len(line) {
					return nil, fmt.Errorf("dangling escape")
				}
				i++
				switch line[i] {
				case '"', '\\':
					cur.WriteByte(line[i])
				default:
					return nil, fmt.Errorf("invalid escape \\%c", line[i])
				}
			case '"':
				inQuote = false
			default:
				cur.WriteByte(c)
			}
		case c == '"':
			inQuote = true
			inToken = true
		case c == ' ' || c == '\t' || c == '\r':
			flush()
		default:
			cur.WriteByte(c)
			inToken = true
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quote")
	}
	flush()
	return tokens, nil
}

// QuoteValue wraps a value in double quotes with escapes when it
// contains characters the lexer would otherwise split on. Used by
// clients composing request lines.
func QuoteValue(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t\"\\") {
		return v
	}
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(v); i++ {
		if v[i] == '"' || v[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(v[i])
	}
	b.WriteByte('"')
	return b.String()
}

// OK formats a scalar success line, optionally with k=v pairs:
// "OK" or "OK inserted=5 total=12".
func OK(kv ...string) string {
	if len(kv) == 0 {
		return "OK\n"
	}
	return "OK " + strings.Join(kv, " ") + "\n"
}

// KV renders one key=value pair for an OK line.
func KV(key string, value interface{}) string {
	return fmt.Sprintf("%s=%v", key, value)
}

// Err formats an error line. The reason must be a short single-line
// token or phrase; newlines are collapsed so the response stays one
// line.
func Err(reason string) string {
	reason = strings.ReplaceAll(reason, "\n", " ")
	return "ERR " + reason + "\n"
}
