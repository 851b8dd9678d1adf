package mi

import (
	"fmt"
	"strconv"
	"strings"
)

// RecordType classifies a line of debugger machine-interface output.
type RecordType int

const (
	// RecordResult is a synchronous result record ("^class,...").
	RecordResult RecordType = iota
	// RecordExecAsync is an asynchronous execution-state record ("*class,...").
	RecordExecAsync
	// RecordNotifyAsync is an asynchronous notification record ("=class,...").
	RecordNotifyAsync
	// RecordConsole is a console output stream record ("~\"...\"").
	RecordConsole
	// RecordLog is a debugger log stream record ("&\"...\"").
	RecordLog
	// RecordTarget is a target output stream record ("@\"...\"").
	RecordTarget
	// RecordPrompt is the "(gdb)" ready prompt.
	RecordPrompt
)

// Record is one parsed machine-interface output line.
type Record struct {
	// Type classifies the record.
	Type RecordType
	// Token is the optional numeric command token prefix.
	Token string
	// Class is the record class (done, error, stopped, running, ...).
	// Empty for stream records and the prompt.
	Class string
	// Results holds the parsed key=value results following the class.
	Results Tuple
	// Stream holds the unescaped text of a stream record.
	Stream string
}

// Tuple is an ordered-insignificant map of result names to values.
type Tuple map[string]Value

// Value is one machine-interface result value: exactly one of Str,
// Tuple, or List is meaningful.
type Value struct {
	// Str is the value of a c-string constant.
	Str string
	// Tuple is the contents of a {...} tuple, nil otherwise.
	Tuple Tuple
	// List is the contents of a [...] list, nil otherwise.
	List []Value
}

// IsTuple reports whether the value is a tuple.
func (v Value) IsTuple() bool { return v.Tuple != nil }

// IsList reports whether the value is a list.
func (v Value) IsList() bool { return v.List != nil }

// Field returns the string value of a tuple member, or "" if absent
// or not a string.
func (v Value) Field(key string) string {
	if v.Tuple == nil {
		return ""
	}
	return v.Tuple[key].Str
}

// Get returns a tuple member and whether it exists.
func (v Value) Get(key string) (Value, bool) {
	if v.Tuple == nil {
		return Value{}, false
	}
	val, ok := v.Tuple[key]
	return val, ok
}

// Field returns the string value of a result, or "" if absent.
func (t Tuple) Field(key string) string {
	return t[key].Str
}

// ParseLine parses one machine-interface output line into a Record.
func ParseLine(line string) (Record, error) {
	line = strings.TrimRight(line, "\r\n")

	if line == "(gdb)" || line == "(gdb) " {
		return Record{Type: RecordPrompt}, nil
	}
	if line == "" {
		return Record{}, fmt.Errorf("mi: empty line")
	}

	// Optional numeric token prefix.
	var token string
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	token, line = line[:i], line[i:]
	if line == "" {
		return Record{}, fmt.Errorf("mi: token without record: %q", token)
	}

	sigil, rest := line[0], line[1:]

	switch sigil {
	case '~', '&', '@':
		text, _, err := parseCString(rest)
		if err != nil {
			return Record{}, fmt.Errorf("mi: stream record: %w", err)
		}
		rt := RecordConsole
		if sigil == '&' {
			rt = RecordLog
		} else if sigil == '@' {
			rt = RecordTarget
		}
		return Record{Type: rt, Token: token, Stream: text}, nil

	case '^', '*', '=':
		rt := RecordResult
		if sigil == '*' {
			rt = RecordExecAsync
		} else if sigil == '=' {
			rt = RecordNotifyAsync
		}

		class := rest
		var results Tuple
		if idx := strings.IndexByte(rest, ','); idx >= 0 {
			class = rest[:idx]
			parsed, err := parseResults(rest[idx+1:])
			if err != nil {
				return Record{}, fmt.Errorf("mi: %s record: %w", class, err)
			}
			results = parsed
		}
		return Record{Type: rt, Token: token, Class: class, Results: results}, nil

	default:
		return Record{}, fmt.Errorf("mi: unrecognized record: %q", line)
	}
}

// parseResults parses a comma-separated sequence of key=value results.
func parseResults(s string) (Tuple, error) {
	results := make(Tuple)
	for len(s) > 0 {
		key, value, rest, err := parseResult(s)
		if err != nil {
			return nil, err
		}
		results[key] = value
		s = rest
		if len(s) > 0 {
			if s[0] != ',' {
				return nil, fmt.Errorf("expected ',' at %q", s)
			}
			s = s[1:]
		}
	}
	return results, nil
}

// parseResult parses one key=value pair, returning the remainder.
func parseResult(s string) (string, Value, string, error) {
	eq := strings.IndexByte(s, '=')
	if eq <= 0 {
		return "", Value{}, "", fmt.Errorf("expected key=value at %q", s)
	}
	key := s[:eq]
	value, rest, err := parseValue(s[eq+1:])
	if err != nil {
		return "", Value{}, "", err
	}
	return key, value, rest, nil
}

// parseValue parses a c-string, tuple, or list, returning the remainder.
func parseValue(s string) (Value, string, error) {
	if s == "" {
		return Value{}, "", fmt.Errorf("empty value")
	}

	switch s[0] {
	case '"':
		str, rest, err := parseCString(s)
		if err != nil {
			return Value{}, "", err
		}
		return Value{Str: str}, rest, nil

	case '{':
		tuple := make(Tuple)
		s = s[1:]
		for len(s) > 0 && s[0] != '}' {
			key, value, rest, err := parseResult(s)
			if err != nil {
				return Value{}, "", err
			}
			tuple[key] = value
			s = rest
			if len(s) > 0 && s[0] == ',' {
				s = s[1:]
			}
		}
		if len(s) == 0 {
			return Value{}, "", fmt.Errorf("unterminated tuple")
		}
		return Value{Tuple: tuple}, s[1:], nil

	case '[':
		list := []Value{}
		s = s[1:]
		for len(s) > 0 && s[0] != ']' {
			// List items are either plain values or key=value results;
			// a keyed item is kept as a single-entry tuple.
			if item, rest, err := parseValue(s); err == nil {
				list = append(list, item)
				s = rest
			} else {
				key, value, rest, err := parseResult(s)
				if err != nil {
					return Value{}, "", err
				}
				list = append(list, Value{Tuple: Tuple{key: value}})
				s = rest
			}
			if len(s) > 0 && s[0] == ',' {
				s = s[1:]
			}
		}
		if len(s) == 0 {
			return Value{}, "", fmt.Errorf("unterminated list")
		}
		return Value{List: list}, s[1:], nil

	default:
		return Value{}, "", fmt.Errorf("unexpected value at %q", s)
	}
}

// parseCString parses a double-quoted, backslash-escaped string,
// returning the unescaped text and the remainder after the closing quote.
func parseCString(s string) (string, string, error) {
	if s == "" || s[0] != '"' {
		return "", "", fmt.Errorf("expected string at %q", s)
	}

	var b strings.Builder
	i := 1
	for i < len(s) {
		c := s[i]
		if c == '"' {
			return b.String(), s[i+1:], nil
		}
		if c == '\\' {
			i++
			if i >= len(s) {
				break
			}
			switch s[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '\\':
				b.WriteByte('\\')
			case '"':
				b.WriteByte('"')
			default:
				b.WriteByte(s[i])
			}
		} else {
			b.WriteByte(c)
		}
		i++
	}
	return "", "", fmt.Errorf("unterminated string")
}

// ParseInt parses an integer from debugger output, stripping any
// trailing symbol annotation ("0x452 <main+22>" parses as 0x452).
// Handles 0x/0X hex prefixes and plain decimal. This normalization is
// applied to every numeric field parsed anywhere in this package.
func ParseInt(value string) (uint64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("mi: empty integer")
	}

	// Strip "<function+offset>" style annotations.
	if idx := strings.IndexByte(value, ' '); idx >= 0 {
		value = value[:idx]
	}

	// Status registers print as signed decimal when the top bit is set.
	if strings.HasPrefix(value, "-") {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("mi: parse int %q: %w", value, err)
		}
		return uint64(n), nil
	}

	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		n, err := strconv.ParseUint(value[2:], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("mi: parse hex %q: %w", value, err)
		}
		return n, nil
	}

	n, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("mi: parse int %q: %w", value, err)
	}
	return n, nil
}

// parseAddr parses an address field, tolerating absence as zero.
func parseAddr(value string) uint64 {
	if value == "" {
		return 0
	}
	n, err := ParseInt(value)
	if err != nil {
		return 0
	}
	return n
}

// StripAnnotation removes a trailing "<symbol+offset>" annotation from
// a textual value, leaving the numeric part intact.
func StripAnnotation(value string) string {
	value = strings.TrimSpace(value)
	if idx := strings.Index(value, " <"); idx >= 0 && strings.HasSuffix(value, ">") {
		return value[:idx]
	}
	return value
}
