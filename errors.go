package cocoyolo

// Error types reported by parsing and conversion.

import (
	"fmt"

	"github.com/pkg/errors"
)

// MalformedInputError reports input that violates the COCO document structure or cannot be
// converted, such as an annotation referencing an undeclared image or a non-positive image size.
type MalformedInputError struct {
	Subject string // The offending element, e.g. `image 3 ("a.jpg")` or `annotation 12`.
	Field   string // The offending field, if any.
	Reason  string
}

func (e *MalformedInputError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed input: %s: %s", e.Subject, e.Reason)
	}
	return fmt.Sprintf("malformed input: %s: field %q: %s", e.Subject, e.Field, e.Reason)
}

// malformed creates a *MalformedInputError with a formatted reason.
func malformed(subject, field, format string, args ...interface{}) *MalformedInputError {
	return &MalformedInputError{Subject: subject, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IOError reports a failure to read an input or to create or write an output.
type IOError struct {
	Op   string // "read", "write" or "mkdir".
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("cannot %s %q: %v", e.Op, e.Path, e.Err)
}

// Cause returns the underlying error for errors.Cause.
func (e *IOError) Cause() error { return e.Err }

// Unwrap returns the underlying error.
func (e *IOError) Unwrap() error { return e.Err }

// IsMalformedInput reports whether err, or any error it wraps, is a *MalformedInputError.
func IsMalformedInput(err error) bool {
	var target *MalformedInputError
	return errors.As(err, &target)
}

// IsIOError reports whether err, or any error it wraps, is an *IOError.
func IsIOError(err error) bool {
	var target *IOError
	return errors.As(err, &target)
}

func imageSubject(img Image) string {
	return fmt.Sprintf("image %d (%q)", img.ID, img.FileName)
}

func annotationSubject(a Annotation) string {
	return fmt.Sprintf("annotation %d", a.ID)
}
