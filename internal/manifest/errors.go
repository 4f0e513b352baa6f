package manifest

import (
	"fmt"
	"strings"
)

// FormatError reports a structurally invalid manifest: malformed document,
// missing required field, unknown kind, duplicate identifier or a reference
// to an undefined parent.
type FormatError struct {
	Node string
	Msg  string
	Err  error
}

func (e *FormatError) Error() string {
	msg := e.Msg
	if e.Node != "" {
		msg = fmt.Sprintf("node %q: %s", e.Node, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("manifest: %s: %v", msg, e.Err)
	}
	return "manifest: " + msg
}

func (e *FormatError) Unwrap() error { return e.Err }

func formatErrorf(node, format string, args ...any) error {
	return &FormatError{Node: node, Msg: fmt.Sprintf(format, args...)}
}

// CycleError reports parent references that loop back on themselves. Path
// lists the identifiers of one cycle, starting and ending with the same node.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "manifest: parent cycle: " + strings.Join(e.Path, " -> ")
}
