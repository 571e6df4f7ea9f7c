package core

// core/errors.go — engine-wide error taxonomy.
//
// Five disjoint groups: storage, schema, changeset, sync protocol and
// client-reset/bootstrap.  Internal code returns plain errors built from
// these kinds; nothing in the engine keeps "last error" state.

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every error the engine can surface.
type ErrorKind int

const (
	// Storage
	ErrFileNotFound ErrorKind = iota + 1
	ErrFileAccessDenied
	ErrFileTooLarge
	ErrFileFormatUnsupported
	ErrCorruption
	ErrBusyWriter
	ErrVersionInvalidated
	ErrIndexOutOfBounds

	// Schema
	ErrSchemaMismatch
	ErrInvalidColumnKey
	ErrInvalidPrimaryKey
	ErrEmbeddedObjectCycle

	// Changeset
	ErrBadChangeset
	ErrTransformError
	ErrBadOriginFileIdent

	// Sync protocol
	ErrBadMessageOrder
	ErrBadSessionIdent
	ErrBadClientFileIdent
	ErrBadClientFileIdentSalt
	ErrBadServerVersion
	ErrBadServerVersionSalt
	ErrBadProgress
	ErrBadCompression
	ErrBadErrorCode
	ErrBadRequestIdent
	ErrBadStateMessage
	ErrClientTooOld
	ErrClientTooNew
	ErrProtocolMismatch
	ErrMissingFeature
	ErrSSLServerCertRejected
	ErrHTTPTunnelFailed
	ErrPongTimeout
	ErrConnectTimeout

	// Client reset / bootstrap
	ErrClientFileExpired
)

var errKindNames = map[ErrorKind]string{
	ErrFileNotFound:           "file not found",
	ErrFileAccessDenied:       "file access denied",
	ErrFileTooLarge:           "file too large",
	ErrFileFormatUnsupported:  "file format unsupported",
	ErrCorruption:             "corruption",
	ErrBusyWriter:             "busy writer",
	ErrVersionInvalidated:     "version invalidated",
	ErrIndexOutOfBounds:       "index out of bounds",
	ErrSchemaMismatch:         "schema mismatch",
	ErrInvalidColumnKey:       "invalid column key",
	ErrInvalidPrimaryKey:      "invalid primary key",
	ErrEmbeddedObjectCycle:    "embedded object cycle",
	ErrBadChangeset:           "bad changeset",
	ErrTransformError:         "transform error",
	ErrBadOriginFileIdent:     "bad origin file ident",
	ErrBadMessageOrder:        "bad message order",
	ErrBadSessionIdent:        "bad session ident",
	ErrBadClientFileIdent:     "bad client file ident",
	ErrBadClientFileIdentSalt: "bad client file ident salt",
	ErrBadServerVersion:       "bad server version",
	ErrBadServerVersionSalt:   "bad server version salt",
	ErrBadProgress:            "bad progress",
	ErrBadCompression:         "bad compression",
	ErrBadErrorCode:           "bad error code",
	ErrBadRequestIdent:        "bad request ident",
	ErrBadStateMessage:        "bad state message",
	ErrClientTooOld:           "client too old",
	ErrClientTooNew:           "client too new",
	ErrProtocolMismatch:       "protocol mismatch",
	ErrMissingFeature:         "missing feature",
	ErrSSLServerCertRejected:  "ssl server certificate rejected",
	ErrHTTPTunnelFailed:       "http tunnel failed",
	ErrPongTimeout:            "pong timeout",
	ErrConnectTimeout:         "connect timeout",
	ErrClientFileExpired:      "client file expired",
}

func (k ErrorKind) String() string {
	if s, ok := errKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("error kind %d", int(k))
}

// Error carries a kind plus free-form detail.
type Error struct {
	Kind   ErrorKind
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Cause)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a bare kinded error.
func NewError(kind ErrorKind) *Error { return &Error{Kind: kind} }

// Errorf builds a kinded error with formatted detail.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind to an underlying cause.
func WrapError(kind ErrorKind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// KindOf extracts the ErrorKind from err, or 0 when err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool { return KindOf(err) == kind }

// BootstrapErrorKind is the sub-taxonomy returned by
// ServerHistory.BootstrapClientSession, a type separate from ErrorKind.
// The kinds are mutually exclusive: a bootstrap failure names exactly
// one cause.
type BootstrapErrorKind int

const (
	BootstrapOK BootstrapErrorKind = iota
	BootstrapBadClientFileIdent
	BootstrapBadClientFileIdentSalt
	BootstrapBadDownloadServerVersion
	BootstrapBadDownloadClientVersion
	BootstrapBadServerVersion
	BootstrapBadServerVersionSalt
	BootstrapBadClientType
	BootstrapClientFileExpired
)

func (k BootstrapErrorKind) String() string {
	switch k {
	case BootstrapOK:
		return "ok"
	case BootstrapBadClientFileIdent:
		return "bad client file ident"
	case BootstrapBadClientFileIdentSalt:
		return "bad client file ident salt"
	case BootstrapBadDownloadServerVersion:
		return "bad download server version"
	case BootstrapBadDownloadClientVersion:
		return "bad download client version"
	case BootstrapBadServerVersion:
		return "bad server version"
	case BootstrapBadServerVersionSalt:
		return "bad server version salt"
	case BootstrapBadClientType:
		return "bad client type"
	case BootstrapClientFileExpired:
		return "client file expired"
	}
	return fmt.Sprintf("bootstrap error %d", int(k))
}

// BootstrapError wraps a BootstrapErrorKind as an error value.
type BootstrapError struct{ Kind BootstrapErrorKind }

func (e *BootstrapError) Error() string { return "bootstrap: " + e.Kind.String() }
