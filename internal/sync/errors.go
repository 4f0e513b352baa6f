package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrAncestorFailed marks nodes skipped because a parent could not be
	// probed or created.
	ErrAncestorFailed = errors.New("ancestor creation failed")

	// ErrParentNotPublished marks a publish refused because the parent is
	// still a draft.
	ErrParentNotPublished = errors.New("parent not published")

	// ErrRunTimeout marks nodes never started because the run budget expired.
	ErrRunTimeout = errors.New("run timeout")

	// ErrRunFailed is returned when at least one node failed.
	ErrRunFailed = errors.New("one or more nodes failed")

	// errNotProcessed is the fallback reason for nodes without a result.
	errNotProcessed = errors.New("not processed")
)

// ProbeError reports a failed existence check. Fatal probe errors
// (authentication, permission) abort the run; the others were retried.
type ProbeError struct {
	Node  string
	Fatal bool
	Err   error
}

func (e *ProbeError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("probe %s: fatal: %v", e.Node, e.Err)
	}
	return fmt.Sprintf("probe %s: %v", e.Node, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// MissingLocalFileError reports a declared file that does not exist under
// the data root, or a pattern that matched no regular file.
type MissingLocalFileError struct {
	Path    string
	Pattern bool
}

func (e *MissingLocalFileError) Error() string {
	if e.Pattern {
		return fmt.Sprintf("pattern %q matched no files", e.Path)
	}
	return fmt.Sprintf("local file %q not found", e.Path)
}

// FileError reports a failed file upload after retries.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Path, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// ancestorFailed records which ancestor took a descendant down.
func ancestorFailed(ancestor string) error {
	return fmt.Errorf("%w: %s", ErrAncestorFailed, ancestor)
}
