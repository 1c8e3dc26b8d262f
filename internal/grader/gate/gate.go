// Package gate decides whether a submitted shell expression may run at all.
//
// Accepted shape:
//
//	db.<collection>.<find|aggregate>(<args>)[.sort(<args>)|.limit(<args>)]*[;]
//
// Arguments stay opaque to the caller but are scanned for bracket balance,
// string and regex literals, assignments, and anything that would let them
// invoke code.
package gate

import (
	"regexp"
	"strings"

	pkgerrors "querylab/pkg/errors"
)

// Plan is an accepted expression split into its parts.
// Args are forwarded verbatim to the sandbox.
type Plan struct {
	Collection string `json:"collection"`
	Operation  string `json:"op"`
	Args       string `json:"args"`
	Chain      []Step `json:"chain,omitempty"`
}

// Step is one chained cursor modifier.
type Step struct {
	Op   string `json:"op"`
	Args string `json:"args"`
}

// readOperations maps lowercased verbs to the shell method name.
var readOperations = map[string]string{
	"find":      "find",
	"aggregate": "aggregate",
}

var chainOperations = map[string]string{
	"sort":  "sort",
	"limit": "limit",
}

type state int

const (
	stSource state = iota
	stSourceDot
	stCollection
	stCollectionDot
	stOperation
	stCall
	stChainOrEnd
	stChainOp
	stTerminated
	stDone
)

// Validate parses expr or rejects it with QueryForbidden.
func Validate(expr string) (Plan, error) {
	s := &scanner{src: expr}
	var plan Plan
	st := stSource

	for st != stDone {
		s.skipSpace()
		switch st {
		case stSource:
			if !strings.EqualFold(s.word(), "db") {
				return Plan{}, forbidden()
			}
			st = stSourceDot
		case stSourceDot, stCollectionDot:
			if !s.consume('.') {
				return Plan{}, forbidden()
			}
			if st == stSourceDot {
				st = stCollection
			} else {
				st = stOperation
			}
		case stCollection:
			name := s.word()
			if !ValidCollectionName(name) {
				return Plan{}, forbidden()
			}
			plan.Collection = name
			st = stCollectionDot
		case stOperation:
			op, ok := readOperations[strings.ToLower(s.word())]
			if !ok {
				return Plan{}, forbidden()
			}
			plan.Operation = op
			st = stCall
		case stChainOp:
			op, ok := chainOperations[strings.ToLower(s.word())]
			if !ok {
				return Plan{}, forbidden()
			}
			plan.Chain = append(plan.Chain, Step{Op: op})
			st = stCall
		case stCall:
			if !s.consume('(') {
				return Plan{}, forbidden()
			}
			args, ok := s.arguments()
			if !ok {
				return Plan{}, forbidden()
			}
			if n := len(plan.Chain); n > 0 {
				plan.Chain[n-1].Args = args
			} else {
				plan.Args = args
			}
			st = stChainOrEnd
		case stChainOrEnd:
			switch {
			case s.eof():
				st = stDone
			case s.consume('.'):
				st = stChainOp
			case s.consume(';'):
				st = stTerminated
			default:
				return Plan{}, forbidden()
			}
		case stTerminated:
			if !s.eof() {
				return Plan{}, forbidden()
			}
			st = stDone
		}
	}
	return plan, nil
}

// ValidCollectionName reports whether name is a plain collection identifier.
func ValidCollectionName(name string) bool {
	if name == "" || len(name) > 120 {
		return false
	}
	for i := 0; i < len(name); i++ {
		if !isWordByte(name[i]) {
			return false
		}
	}
	return true
}

// RequireMethod reports whether expr calls method, e.g. ".aggregate(".
func RequireMethod(expr, method string) bool {
	method = strings.TrimSpace(method)
	if method == "" {
		return true
	}
	re, err := regexp.Compile(`(?i)\.\s*` + regexp.QuoteMeta(method) + `\s*\(`)
	if err != nil {
		return false
	}
	return re.MatchString(expr)
}

func forbidden() error {
	return pkgerrors.New(pkgerrors.QueryForbidden)
}
