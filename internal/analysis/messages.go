package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failed request.
type Kind string

const (
	KindMalformedMessage Kind = "malformed_message"
	KindMissingField     Kind = "missing_field"
	KindInvalidPosition  Kind = "invalid_position"
	KindAnalysisError    Kind = "analysis_error"
	KindCanceled         Kind = "canceled"
)

// Response statuses for requests that did not fail.
const (
	StatusOK     = "ok"
	StatusNoMove = "no_move"
)

// RequestError is a request failure carrying its classification. Raw holds
// the engine output, when there was any.
type RequestError struct {
	Kind Kind
	Err  error
	Raw  string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// KindOf returns the classification of err; unclassified errors are
// analysis errors.
func KindOf(err error) Kind {
	var rerr *RequestError
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	return KindAnalysisError
}

// Request is one inbound analysis message.
type Request struct {
	FEN string `json:"fen"`
}

// DecodeRequest parses a raw client message.
func DecodeRequest(raw []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, &RequestError{Kind: KindMalformedMessage, Err: fmt.Errorf("decode message: %w", err)}
	}
	req.FEN = strings.TrimSpace(req.FEN)
	if req.FEN == "" {
		return Request{}, &RequestError{Kind: KindMissingField, Err: errors.New("FEN position required")}
	}
	return req, nil
}

// Response is the single reply sent for each request. Exactly one of the
// success, no-move and error shapes is populated.
type Response struct {
	FEN        string   `json:"fen,omitempty"`
	Status     string   `json:"status,omitempty"`
	BestMove   string   `json:"bestMove,omitempty"`
	Evaluation *float64 `json:"evaluation,omitempty"`
	Score      string   `json:"score,omitempty"`
	Mate       *int     `json:"mate,omitempty"`
	Depth      int      `json:"depth,omitempty"`
	Ponder     string   `json:"ponder,omitempty"`
	Reason     string   `json:"reason,omitempty"`

	Error string `json:"error,omitempty"`
	Code  Kind   `json:"code,omitempty"`

	RawResult string `json:"raw_result,omitempty"`
}

// Failed reports whether r is an error response.
func (r Response) Failed() bool { return r.Code != "" }

// ErrorResponse converts err into the error reply shape.
func ErrorResponse(err error) Response {
	resp := Response{Error: err.Error(), Code: KindOf(err)}
	var rerr *RequestError
	if errors.As(err, &rerr) {
		resp.Error = rerr.Err.Error()
		resp.RawResult = rerr.Raw
	}
	return resp
}
