package mobile

import (
	"errors"
	"fmt"
)

// ErrCode is the one-byte code carried in the payload of an ERROR response,
// identifying the precondition the request violated.
type ErrCode byte

const (
	ErrCodeUnknownCommand ErrCode = 1
	ErrCodeNoSession      ErrCode = 2
	ErrCodeIllegalState   ErrCode = 3
	ErrCodeBadPacket      ErrCode = 4
	ErrCodeConnectFailed  ErrCode = 5
	ErrCodeTransferFailed ErrCode = 6
	ErrCodeResolveFailed  ErrCode = 7
	ErrCodeConfigAccess   ErrCode = 8
	ErrCodeNoCall         ErrCode = 9
)

func (e ErrCode) String() string {
	switch e {
	case ErrCodeUnknownCommand:
		return "unknown command"
	case ErrCodeNoSession:
		return "no session"
	case ErrCodeIllegalState:
		return "illegal state"
	case ErrCodeBadPacket:
		return "malformed packet"
	case ErrCodeConnectFailed:
		return "connect failed"
	case ErrCodeTransferFailed:
		return "transfer failed"
	case ErrCodeResolveFailed:
		return "resolve failed"
	case ErrCodeConfigAccess:
		return "config access out of range"
	case ErrCodeNoCall:
		return "no call received"
	}
	return "unknown error"
}

// Resolver failures. Transport anomalies (stray datagrams, nothing received
// yet) are not errors; everything below is terminal for the transaction.
var (
	ErrBadName     = errors.New("malformed hostname")
	ErrNameTooLong = errors.New("encoded hostname too long")
	ErrIDMismatch  = errors.New("transaction id mismatch")
	ErrBadResponse = errors.New("malformed response")
	ErrBadCounts   = errors.New("unexpected section counts")
	ErrBadQuestion = errors.New("question does not match query")
	ErrBadPointer  = errors.New("bad compression pointer")
	ErrNoAnswer    = errors.New("no usable answer record")
)

var rcodeNames = map[int]string{
	0: "NOERROR",
	1: "FORMERR",
	2: "SERVFAIL",
	3: "NXDOMAIN",
	4: "NOTIMP",
	5: "REFUSED",
}

// ResponseCodeError reports a non-zero RCODE returned by the upstream
// resolver, so e.g. NXDOMAIN and SERVFAIL stay distinguishable.
type ResponseCodeError struct {
	Rcode int
}

func (e *ResponseCodeError) Error() string {
	if name, ok := rcodeNames[e.Rcode]; ok {
		return fmt.Sprintf("server returned %s", name)
	}
	return fmt.Sprintf("server returned rcode %d", e.Rcode)
}
