package engine

import (
	"strconv"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// QuoteCommand joins args into a single shell command line, quoting each
// argument for bash where needed.
func QuoteCommand(args ...string) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, quoteArg(a))
	}
	return strings.Join(parts, " ")
}

func quoteArg(s string) string {
	if s == "" {
		return "''"
	}
	q, err := syntax.Quote(s, syntax.LangBash)
	if err != nil {
		return strconv.Quote(s)
	}
	return q
}

// DefaultCommand renders op as "<provider> <service> <verb> <target> --key value"
// for adapters that do not implement CommandRenderer. Parameters are emitted in
// key order and never redacted.
func DefaultCommand(op *Operation) string {
	args := []string{string(op.Provider)}
	if op.Service != "" {
		args = append(args, op.Service)
	}
	args = append(args, op.Verb)
	if op.Target != "" {
		args = append(args, op.Target)
	}
	for _, k := range op.SortedParamKeys() {
		args = append(args, "--"+k, op.Params[k])
	}
	return QuoteCommand(args...)
}
