// Package protocol defines the wire schema spoken between a bridge host and
// its sandbox runtime. The schema is a closed tagged union: every request
// carries one of a fixed set of type tags, payloads are typed structs, and
// anything else is rejected at the decode boundary instead of being silently
// ignored.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/c360/embedbridge/errors"
)

// RequestType tags a request with the operation it carries.
type RequestType string

// The closed set of request types. The sandbox runtime switches
// exhaustively over these; an unlisted tag never survives decoding.
const (
	TypeInit            RequestType = "init"
	TypePing            RequestType = "ping"
	TypeEmbed           RequestType = "embed"
	TypeTokenize        RequestType = "tokenize"
	TypePreload         RequestType = "preload"
	TypeStatus          RequestType = "status"
	TypeCancel          RequestType = "cancel"
	TypeVectorAdd       RequestType = "vector_add"
	TypeVectorSearch    RequestType = "vector_search"
	TypeVectorSerialize RequestType = "vector_serialize"
	TypeVectorLoad      RequestType = "vector_load"
)

var validTypes = map[RequestType]bool{
	TypeInit:            true,
	TypePing:            true,
	TypeEmbed:           true,
	TypeTokenize:        true,
	TypePreload:         true,
	TypeStatus:          true,
	TypeCancel:          true,
	TypeVectorAdd:       true,
	TypeVectorSearch:    true,
	TypeVectorSerialize: true,
	TypeVectorLoad:      true,
}

// Valid reports whether t is a member of the closed request-type set.
func (t RequestType) Valid() bool {
	return validTypes[t]
}

// Backend identifies which inference backend the sandbox selected.
type Backend string

const (
	// BackendAccelerated means the sandbox reached the local inference
	// server and delegates embedding to it.
	BackendAccelerated Backend = "accelerated"
	// BackendCPUFallback means the sandbox runs the in-process lexical
	// embedder because no inference server answered.
	BackendCPUFallback Backend = "cpu-fallback"
)

// Request is the envelope for every host-to-sandbox message.
type Request struct {
	Type      RequestType     `json:"type"`
	RequestID string          `json:"request_id"`
	Reply     string          `json:"reply"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// WireError carries a sandbox-side failure back to the host with enough
// structure to re-classify it on arrival.
type WireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Error kinds a response may carry.
const (
	KindApplication = "application"
	KindInvalid     = "invalid"
	KindInternal    = "internal"
)

// Response is the envelope for every sandbox-to-host message. Responses are
// matched to callers strictly by RequestID; arrival order carries no meaning.
type Response struct {
	RequestID string          `json:"request_id"`
	OK        bool            `json:"ok"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *WireError      `json:"error,omitempty"`
}

// ReadyEvent is broadcast exactly once by a managed sandbox when its runtime
// finishes starting up.
type ReadyEvent struct {
	SessionID string  `json:"session_id"`
	Backend   Backend `json:"backend"`
}

// Request payloads.

// EmbedPayload asks for embeddings of one or more texts. IsQuery
// distinguishes retrieval queries from passages for models that encode the
// two asymmetrically, and keys the host-side cache.
type EmbedPayload struct {
	Texts   []string `json:"texts"`
	IsQuery bool     `json:"is_query,omitempty"`
}

// TokenizePayload asks for a tokenization of a single text.
type TokenizePayload struct {
	Text string `json:"text"`
}

// PreloadPayload names a unit of model work to warm ahead of first use.
type PreloadPayload struct {
	Task string `json:"task"`
}

// CancelPayload aborts the in-flight request with the given id, if it is
// still running.
type CancelPayload struct {
	TargetID string `json:"target_id"`
}

// VectorAddPayload inserts or updates one record in the sandbox index.
type VectorAddPayload struct {
	ID        string    `json:"id"`
	Embedding []float32 `json:"embedding"`
	Title     string    `json:"title,omitempty"`
	SourceURL string    `json:"source_url,omitempty"`
}

// VectorSearchPayload asks for the top-Limit most similar records.
type VectorSearchPayload struct {
	Embedding []float32 `json:"embedding"`
	Limit     int       `json:"limit"`
}

// VectorLoadPayload replaces the sandbox index with one reconstructed from
// a previously serialized blob.
type VectorLoadPayload struct {
	Blob []byte `json:"blob"`
}

// Response data.

// InitResult reports which backend the sandbox negotiated.
type InitResult struct {
	SessionID  string  `json:"session_id"`
	Backend    Backend `json:"backend"`
	Model      string  `json:"model"`
	Dimensions int     `json:"dimensions"`
}

// EmbedResult carries the vectors for an embed request, in input order.
type EmbedResult struct {
	Vectors [][]float32 `json:"vectors"`
}

// TokenizeResult carries the tokens for a tokenize request.
type TokenizeResult struct {
	Tokens []string `json:"tokens"`
	Count  int      `json:"count"`
}

// StatusResult reports sandbox runtime state.
type StatusResult struct {
	SessionID  string  `json:"session_id"`
	Backend    Backend `json:"backend"`
	Model      string  `json:"model"`
	Dimensions int     `json:"dimensions"`
	IndexSize  int     `json:"index_size"`
	UptimeSecs int64   `json:"uptime_secs"`
}

// Match is one similarity-search result.
type Match struct {
	ID        string  `json:"id"`
	Score     float32 `json:"score"`
	Title     string  `json:"title,omitempty"`
	SourceURL string  `json:"source_url,omitempty"`
}

// SearchResult carries matches sorted by descending score.
type SearchResult struct {
	Matches []Match `json:"matches"`
}

// SerializeResult carries the opaque index snapshot.
type SerializeResult struct {
	Blob []byte `json:"blob"`
}

// Ack is the empty success result for requests with no data.
type Ack struct{}

// EncodeRequest validates and marshals a request for transmission.
func EncodeRequest(req Request) ([]byte, error) {
	if !req.Type.Valid() {
		return nil, errors.WrapInvalid(errors.ErrUnknownRequest, "protocol", "EncodeRequest",
			fmt.Sprintf("type %q", req.Type))
	}
	if req.RequestID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidMessage, "protocol", "EncodeRequest", "empty request id")
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, errors.WrapInvalid(err, "protocol", "EncodeRequest", "marshal")
	}
	return data, nil
}

// DecodeRequest unmarshals and validates an incoming request. Unknown type
// tags are rejected here, at the boundary.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, errors.WrapInvalid(err, "protocol", "DecodeRequest", "unmarshal")
	}
	if !req.Type.Valid() {
		return Request{}, errors.WrapInvalid(errors.ErrUnknownRequest, "protocol", "DecodeRequest",
			fmt.Sprintf("type %q", req.Type))
	}
	if req.RequestID == "" {
		return Request{}, errors.WrapInvalid(errors.ErrInvalidMessage, "protocol", "DecodeRequest", "empty request id")
	}
	return req, nil
}

// EncodeResponse marshals a response for transmission.
func EncodeResponse(resp Response) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, errors.WrapInvalid(err, "protocol", "EncodeResponse", "marshal")
	}
	return data, nil
}

// DecodeResponse unmarshals an incoming response.
func DecodeResponse(data []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, errors.WrapInvalid(err, "protocol", "DecodeResponse", "unmarshal")
	}
	if resp.RequestID == "" {
		return Response{}, errors.WrapInvalid(errors.ErrInvalidMessage, "protocol", "DecodeResponse", "empty request id")
	}
	return resp, nil
}

// OKResponse builds a success response carrying data.
func OKResponse(requestID string, data any) (Response, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Response{}, errors.WrapInvalid(err, "protocol", "OKResponse", "marshal data")
	}
	return Response{RequestID: requestID, OK: true, Data: raw}, nil
}

// ErrResponse builds a failure response from an error, preserving its kind.
func ErrResponse(requestID string, err error) Response {
	kind := KindInternal
	switch {
	case errors.IsApplication(err):
		kind = KindApplication
	case errors.IsInvalid(err):
		kind = KindInvalid
	}
	return Response{
		RequestID: requestID,
		OK:        false,
		Error:     &WireError{Kind: kind, Message: err.Error()},
	}
}

// AsError converts a response's wire error back into a classified error on
// the host side. Application errors propagate with their sandbox message
// unmodified.
func (e *WireError) AsError() error {
	if e == nil {
		return nil
	}
	base := fmt.Errorf("%s", e.Message)
	switch e.Kind {
	case KindApplication:
		return &errors.ClassifiedError{Class: errors.ErrorApplication, Err: base, Message: e.Message}
	case KindInvalid:
		return &errors.ClassifiedError{Class: errors.ErrorInvalid, Err: base, Message: e.Message}
	default:
		return &errors.ClassifiedError{Class: errors.ErrorFatal, Err: base, Message: e.Message}
	}
}

// Subject layout. A sandbox session owns a base subject; requests,
// responses and the one-time ready broadcast hang off it.

// RequestSubject returns the subject a sandbox runtime serves requests on.
func RequestSubject(base string) string {
	return base + ".req"
}

// ReadySubject returns the subject a managed sandbox announces readiness on.
func ReadySubject(base string) string {
	return base + ".ready"
}

// SharedBase is the well-known base subject of the platform-shared sandbox
// instance used by hosts that cannot spawn their own.
const SharedBase = "embedbox.shared"
