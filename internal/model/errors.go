package model

import (
	"errors"
	"fmt"
)

// Error taxonomy of the acquisition engine.
var (
	ErrManifestFetch   = errors.New("manifest fetch failed")
	ErrManifestParse   = errors.New("manifest parse failed")
	ErrEmptyManifest   = errors.New("manifest has no segments")
	ErrFetchExhausted  = errors.New("fetch retries exhausted")
	ErrCancelled       = errors.New("cancelled")
	ErrLocalIO         = errors.New("local io error")
	ErrAssemblyTimeout = errors.New("assembly timed out")
	ErrAssemblyTool    = errors.New("assembly tool failed")

	// Start-time validation errors
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnsupportedSource = errors.New("unsupported source type")
)

var kindNames = []struct {
	err  error
	name string
}{
	{ErrCancelled, "Cancelled"},
	{ErrManifestFetch, "ManifestFetchError"},
	{ErrManifestParse, "ManifestParseError"},
	{ErrEmptyManifest, "EmptyManifestError"},
	{ErrFetchExhausted, "FetchExhausted"},
	{ErrLocalIO, "LocalIOError"},
	{ErrAssemblyTimeout, "AssemblyTimeout"},
	{ErrAssemblyTool, "AssemblyToolError"},
	{ErrInvalidInput, "InvalidInput"},
	{ErrUnsupportedSource, "UnsupportedSource"},
}

// KindOf returns the taxonomy name of err, "" for nil and "Unknown" for
// errors outside the taxonomy.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kindNames {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Unknown"
}

// Error attaches a taxonomy kind and the failing operation to a cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

// NewError creates a new Error
func NewError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Error returns the error message
func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// FetchExhaustedError is returned once a unit has used every attempt.
type FetchExhaustedError struct {
	URI      string
	Attempts int
	Err      error // last underlying cause
}

func (e *FetchExhaustedError) Error() string {
	return fmt.Sprintf("fetch %s: giving up after %d attempts: %v", e.URI, e.Attempts, e.Err)
}

func (e *FetchExhaustedError) Unwrap() []error {
	return []error{ErrFetchExhausted, e.Err}
}

// AssemblyToolError carries the concatenation tool's diagnostic output.
type AssemblyToolError struct {
	ExitCode int
	Output   string
	Err      error
}

func (e *AssemblyToolError) Error() string {
	msg := fmt.Sprintf("assembly tool failed (exit %d)", e.ExitCode)
	if e.Output != "" {
		msg += ": " + e.Output
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AssemblyToolError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrAssemblyTool}
	}
	return []error{ErrAssemblyTool, e.Err}
}

// IsCancelled returns true if err is a cooperative abort rather than a failure.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
