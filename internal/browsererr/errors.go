// Package browsererr defines the typed error taxonomy returned by watchdogs and
// actions. A *Error is an expected, caller-actionable outcome; the sentinels
// below are fatal.
package browsererr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an expected failure.
type Kind string

const (
	KindFileInputMisuse   Kind = "file_input_misuse"
	KindClickFailed       Kind = "click_failed"
	KindTypeFailed        Kind = "type_failed"
	KindScrollFailed      Kind = "scroll_failed"
	KindDropdownFailed    Kind = "dropdown_failed"
	KindUploadFailed      Kind = "upload_failed"
	KindElementNotFound   Kind = "element_not_found"
	KindNavigationFailed  Kind = "navigation_failed"
	KindNavigationBlocked Kind = "navigation_blocked"
	KindNetworkTimeout    Kind = "network_timeout"
	KindTargetCrashed     Kind = "target_crashed"
	KindProcessCrashed    Kind = "process_crashed"
	KindLaunchFailed      Kind = "launch_failed"
	KindStorageFailed     Kind = "storage_failed"
	KindScreenshotFailed  Kind = "screenshot_failed"
)

// Fatal conditions. These are never recovered from automatically.
var (
	ErrDuplicateHandler  = errors.New("handler already registered for event type")
	ErrUndeclaredHandler = errors.New("handler implemented for undeclared event type")
	ErrRecoveryFailed    = errors.New("session recovery failed")
	ErrProcessCrashed    = errors.New("browser process crashed")
	ErrNoHandler         = errors.New("no handler registered for event type")
	ErrDownloadsDir      = errors.New("downloads directory is not writable")
)

// Error is an expected failure carrying enough context for an upstream retry
// policy to act without inspecting internal state.
type Error struct {
	Kind Kind
	// Op is the attempted operation, e.g. "click" or "save_storage_state".
	Op      string
	Message string
	// Remediation suggests what the caller should do instead.
	Remediation string
	// Index is the element's selector-map index, 0 when not element-bound.
	Index int
	URL   string
	Path  string
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Index > 0 {
		fmt.Fprintf(&b, " (element %d)", e.Index)
	}
	if e.URL != "" {
		fmt.Fprintf(&b, " (url %s)", e.URL)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " (path %s)", e.Path)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Remediation != "" {
		b.WriteString(". ")
		b.WriteString(e.Remediation)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Message: msg}
}

// Wrap builds an Error of the given kind around a lower-level cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: "failed", Err: err}
}

// WithIndex sets the element index and returns e.
func (e *Error) WithIndex(i int) *Error { e.Index = i; return e }

// WithURL sets the url and returns e.
func (e *Error) WithURL(u string) *Error { e.URL = u; return e }

// WithPath sets the filesystem path and returns e.
func (e *Error) WithPath(p string) *Error { e.Path = p; return e }

// WithRemediation sets the remediation hint and returns e.
func (e *Error) WithRemediation(r string) *Error { e.Remediation = r; return e }

// IsTyped reports whether err is, or wraps, a *Error.
func IsTyped(err error) bool {
	var be *Error
	return errors.As(err, &be)
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return "", false
}

// IsFatal reports whether err carries one of the fatal sentinels.
func IsFatal(err error) bool {
	return errors.Is(err, ErrRecoveryFailed) ||
		errors.Is(err, ErrProcessCrashed) ||
		errors.Is(err, ErrDuplicateHandler) ||
		errors.Is(err, ErrUndeclaredHandler) ||
		errors.Is(err, ErrDownloadsDir)
}
