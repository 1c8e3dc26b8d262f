package gate

import "strings"

// argCalls are the only callables allowed inside arguments.
var argCalls = map[string]bool{
	"ObjectId":      true,
	"ISODate":       true,
	"Date":          true,
	"NumberInt":     true,
	"NumberLong":    true,
	"NumberDecimal": true,
	"Decimal128":    true,
	"Timestamp":     true,
	"RegExp":        true,
	"UUID":          true,
	"BinData":       true,
	"MinKey":        true,
	"MaxKey":        true,
}

// writeStages turn an aggregation into a write.
var writeStages = map[string]bool{
	"$out":   true,
	"$merge": true,
}

// deniedIdentifiers reach code or global state without a call the scanner
// could see.
var deniedIdentifiers = map[string]bool{
	"eval":        true,
	"Function":    true,
	"globalThis":  true,
	"this":        true,
	"arguments":   true,
	"constructor": true,
	"prototype":   true,
	"__proto__":   true,
	"require":     true,
	"process":     true,
	"import":      true,
}

// operatorKeywords are followed by an operand, so "/" after them starts a regex.
var operatorKeywords = map[string]bool{
	"typeof":     true,
	"void":       true,
	"delete":     true,
	"in":         true,
	"instanceof": true,
	"return":     true,
	"yield":      true,
	"await":      true,
	"case":       true,
	"throw":      true,
	"else":       true,
	"do":         true,
	"of":         true,
}

type token int

const (
	tokPunct token = iota // start, operator or opening bracket
	tokIdent
	tokMember // identifier reached through "."
	tokDot
	tokValue // literal
	tokClose
)

type scanner struct {
	src string
	pos int
}

func (s *scanner) eof() bool {
	return s.pos >= len(s.src)
}

func (s *scanner) peek(offset int) byte {
	if s.pos+offset >= len(s.src) {
		return 0
	}
	return s.src[s.pos+offset]
}

func (s *scanner) skipSpace() {
	for !s.eof() && isSpace(s.src[s.pos]) {
		s.pos++
	}
}

func (s *scanner) consume(b byte) bool {
	if !s.eof() && s.src[s.pos] == b {
		s.pos++
		return true
	}
	return false
}

func (s *scanner) word() string {
	start := s.pos
	for !s.eof() && isWordByte(s.src[s.pos]) {
		s.pos++
	}
	return s.src[start:s.pos]
}

// arguments scans from just after "(" to the matching ")" and returns the
// trimmed text in between.
func (s *scanner) arguments() (string, bool) {
	start := s.pos
	stack := []byte{'('}
	prev := tokPunct
	prevIdent := ""

	for !s.eof() {
		c := s.src[s.pos]
		switch {
		case isSpace(c):
			s.pos++
		case c >= 0x80 || c == '\\' || c == '`' || c == ';':
			return "", false
		case c == '"' || c == '\'':
			lit, ok := s.stringLiteral(c)
			if !ok || writeStages[lit] {
				return "", false
			}
			prev = tokValue
		case c == '/':
			if next := s.peek(1); next == '/' || next == '*' {
				return "", false
			}
			if prev == tokPunct {
				if !s.regexLiteral() {
					return "", false
				}
				prev = tokValue
			} else {
				s.pos++
				prev = tokPunct
			}
		case c == '<' && strings.HasPrefix(s.src[s.pos:], "<!--"),
			c == '-' && strings.HasPrefix(s.src[s.pos:], "-->"),
			c == '=' && s.peek(1) == '>',
			c == '+' && s.peek(1) == '+',
			c == '-' && s.peek(1) == '-':
			return "", false
		case c == '=':
			if !s.comparison() {
				return "", false
			}
			prev = tokPunct
		case isIdentStart(c):
			ident := s.identifier()
			switch {
			case writeStages[ident], deniedIdentifiers[ident]:
				return "", false
			case prev == tokDot:
				prev = tokMember
			case ident == "new":
				ctor, ok := s.constructor()
				if !ok {
					return "", false
				}
				prev, prevIdent = tokIdent, ctor
				continue
			case operatorKeywords[ident]:
				prev = tokPunct
			default:
				prev = tokIdent
			}
			prevIdent = ident
		case isDigit(c):
			for !s.eof() && (isWordByte(s.src[s.pos]) || s.src[s.pos] == '.') {
				s.pos++
			}
			prev = tokValue
		case c == '.':
			if isDigit(s.peek(1)) && prev != tokClose && prev != tokIdent && prev != tokMember {
				s.pos++
				continue
			}
			s.pos++
			prev = tokDot
		case c == '(':
			if prev != tokPunct && !(prev == tokIdent && argCalls[prevIdent]) {
				return "", false
			}
			stack = append(stack, c)
			s.pos++
			prev = tokPunct
		case c == '[' || c == '{':
			stack = append(stack, c)
			s.pos++
			prev = tokPunct
		case c == ')' || c == ']' || c == '}':
			if !closes(stack[len(stack)-1], c) {
				return "", false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				inner := s.src[start:s.pos]
				s.pos++
				return strings.TrimSpace(inner), true
			}
			s.pos++
			prev = tokClose
		default:
			s.pos++
			prev = tokPunct
		}
	}
	return "", false
}

// comparison consumes a run of "=" that belongs to ==, ===, !=, !==, <= or >=.
// Any other "=" assigns, alone or as part of a compound operator.
func (s *scanner) comparison() bool {
	start := s.pos
	for !s.eof() && s.src[s.pos] == '=' {
		s.pos++
	}
	n := s.pos - start
	if n >= 2 {
		return n <= 3
	}
	var before, beforeThat byte
	if start >= 1 {
		before = s.src[start-1]
	}
	if start >= 2 {
		beforeThat = s.src[start-2]
	}
	switch before {
	case '!':
		return true
	case '<', '>':
		return beforeThat != '<' && beforeThat != '>'
	}
	return false
}

// stringLiteral consumes a quoted literal and returns its raw content.
func (s *scanner) stringLiteral(quote byte) (string, bool) {
	s.pos++
	start := s.pos
	for !s.eof() {
		switch c := s.src[s.pos]; {
		case c == '\\':
			s.pos += 2
		case c == quote:
			lit := s.src[start:s.pos]
			s.pos++
			return lit, true
		case c == '\n' || c == '\r':
			return "", false
		default:
			s.pos++
		}
	}
	return "", false
}

// regexLiteral consumes /pattern/flags, honoring escapes and character classes.
func (s *scanner) regexLiteral() bool {
	s.pos++
	inClass := false
	for !s.eof() {
		c := s.src[s.pos]
		switch {
		case c == '\\':
			s.pos += 2
			continue
		case c == '\n' || c == '\r':
			return false
		case c == '[':
			inClass = true
		case c == ']':
			inClass = false
		case c == '/' && !inClass:
			s.pos++
			for !s.eof() && isIdentByte(s.src[s.pos]) {
				s.pos++
			}
			return true
		}
		s.pos++
	}
	return false
}

// constructor accepts "new X(" for an allowed X and stops before "(".
func (s *scanner) constructor() (string, bool) {
	s.skipSpace()
	if s.eof() || !isIdentStart(s.src[s.pos]) {
		return "", false
	}
	name := s.identifier()
	s.skipSpace()
	return name, argCalls[name] && s.peek(0) == '('
}

func (s *scanner) identifier() string {
	start := s.pos
	for !s.eof() && isIdentByte(s.src[s.pos]) {
		s.pos++
	}
	return s.src[start:s.pos]
}

func closes(open, c byte) bool {
	switch open {
	case '(':
		return c == ')'
	case '[':
		return c == ']'
	case '{':
		return c == '}'
	}
	return false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isWordByte(c byte) bool {
	return c == '_' || isDigit(c) || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentStart(c byte) bool {
	return c == '$' || c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentByte(c byte) bool {
	return c == '$' || isWordByte(c)
}
