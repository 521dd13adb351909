package ws

import (
	"errors"
	"fmt"

	"palaver/internal/docstore"
	"palaver/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

// Op names a store operation carried by a Request.
type Op string

const (
	OpRead         Op = "read"
	OpSet          Op = "set"
	OpAppend       Op = "append"
	OpUpdate       Op = "update"
	OpRemove       Op = "remove"
	OpSubscribe    Op = "subscribe"
	OpUnsubscribe  Op = "unsubscribe"
	OpOnDisconnect Op = "on_disconnect"
)

// Request is a client to server frame.
type Request struct {
	ID     uint64            `msgpack:"id"`
	Op     Op                `msgpack:"op"`
	Path   string            `msgpack:"path,omitempty"`
	Doc    docstore.Document `msgpack:"doc,omitempty"`
	Fields map[string]any    `msgpack:"fields,omitempty"`
	SubID  string            `msgpack:"subId,omitempty"`
}

type FrameType string

const (
	FrameResult FrameType = "result"
	FrameEvent  FrameType = "event"
	// FrameSubClosed tells the client that the server ended a subscription.
	FrameSubClosed FrameType = "sub_closed"
)

// Error codes carried in result frames.
const (
	CodeNotFound    = "not_found"
	CodeInvalidPath = "invalid_path"
	CodeForbidden   = "forbidden"
	CodeRateLimited = "rate_limited"
	CodeBadRequest  = "bad_request"
	CodeInternal    = "internal"
)

var (
	ErrRateLimited = errors.New("rate limited")
	errBadRequest  = errors.New("bad request")
)

// Frame is a server to client frame. Result frames answer the request with
// the same ID; event frames belong to the subscription SubID.
type Frame struct {
	Type  FrameType         `msgpack:"type"`
	ID    uint64            `msgpack:"id,omitempty"`
	Code  string            `msgpack:"code,omitempty"`
	Error string            `msgpack:"error,omitempty"`
	Key   string            `msgpack:"key,omitempty"`
	Doc   docstore.Document `msgpack:"doc,omitempty"`
	SubID string            `msgpack:"subId,omitempty"`
	Event *docstore.Event   `msgpack:"event,omitempty"`
}

func encodeFrame(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func decodeFrame(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// errorCode classifies a store error for the wire.
func errorCode(err error) string {
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, docstore.ErrInvalidPath):
		return CodeInvalidPath
	case errors.Is(err, models.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, errBadRequest):
		return CodeBadRequest
	}
	return CodeInternal
}

// frameError turns a failed result frame back into an error that matches
// the sentinel it was derived from.
func frameError(f Frame) error {
	if f.Code == "" && f.Error == "" {
		return nil
	}
	var base error
	switch f.Code {
	case CodeNotFound:
		base = docstore.ErrNotFound
	case CodeInvalidPath:
		base = docstore.ErrInvalidPath
	case CodeForbidden:
		base = models.ErrForbidden
	case CodeRateLimited:
		base = ErrRateLimited
	default:
		return fmt.Errorf("server error: %s", f.Error)
	}
	return fmt.Errorf("%w: %s", base, f.Error)
}
