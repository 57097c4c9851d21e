// Package remote defines the request contract the sync engine uses to replay
// actions against the server, and an HTTP implementation of it.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Request methods used by the engine.
const (
	MethodPost   = "post"
	MethodPut    = "put"
	MethodDelete = "delete"
)

// Request is one replayed mutation.
type Request struct {
	Method string
	Data   json.RawMessage
}

// Response is a successful (2xx) server reply. Conflict is set when the body
// carries "conflict": true.
type Response struct {
	Status   int
	Conflict bool
	Data     json.RawMessage
}

// Client sends a request to endpoint. Failures are reported as *Error.
type Client interface {
	Request(ctx context.Context, endpoint string, req Request) (*Response, error)
}

// Error is a failed request. Status is 0 when no response was received.
type Error struct {
	Status  int
	Data    json.RawMessage
	Message string
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return "remote: " + e.Message
	}
	return fmt.Sprintf("remote: http %d: %s", e.Status, e.Message)
}

// Transient reports whether the failure is worth retrying: a network failure
// or a server error.
func (e *Error) Transient() bool {
	return e.Status == 0 || e.Status >= 500
}

// Conflict reports whether the server rejected the request as a conflict.
func (e *Error) Conflict() bool {
	return e.Status == http.StatusConflict
}

// Permanent reports whether the request can never succeed as sent.
func (e *Error) Permanent() bool {
	return !e.Transient() && !e.Conflict()
}

// Endpoint builds the collection or item path for an entity type.
func Endpoint(entityType, id string, isCreate bool) string {
	if isCreate {
		return "/" + entityType + "s"
	}
	return "/" + entityType + "s/" + id
}
