package client

import "github.com/ntripmesh/gocaster/pkg/ntrip/mime"

// Kind and Error are defined in pkg/ntrip/mime, since the queue itself
// needs to tag overflow/drop failures with a Kind and mime cannot
// import client back. These aliases keep every existing call site in
// this package (newErr, newStatusErr, the KindXxx constants) unchanged.
type Kind = mime.Kind

const (
	KindTransport     = mime.KindTransport
	KindTimeout       = mime.KindTimeout
	KindProtocol      = mime.KindProtocol
	KindHTTPStatus    = mime.KindHTTPStatus
	KindOutOfMemory   = mime.KindOutOfMemory
	KindOverflow      = mime.KindOverflow
	KindQueueOverflow = mime.KindQueueOverflow
)

// Error is the typed error returned by BuildRequest and Conn.Run, carrying
// enough structure for callers to branch on Kind without string matching
// and for the logging middleware to attach it as a structured field.
type Error = mime.Error

func newErr(op string, kind Kind, err error) *Error {
	return mime.NewError(op, kind, err)
}

func newStatusErr(op string, status int) *Error {
	return &Error{Op: op, Kind: KindHTTPStatus, StatusCode: status}
}
