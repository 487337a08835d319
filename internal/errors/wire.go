package errors

import (
	"encoding/json"
	"net/http"
)

// wireError is the explicit serialized form of a ServiceError. It is a plain
// data struct so callers on the far side of an RPC boundary can reconstruct
// the error without any knowledge of concrete error types.
type wireError struct {
	Code    ErrorCode              `json:"code"`
	Status  int                    `json:"status"`
	Message string                 `json:"message"`
	Reason  string                 `json:"reason,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   string                 `json:"cause,omitempty"`
}

// statusByCode maps known codes back to their canonical HTTP status, used
// when a peer omits or mangles the status field.
var statusByCode = map[ErrorCode]int{
	CodeBadRequest:       http.StatusBadRequest,
	CodeUnauthorized:     http.StatusUnauthorized,
	CodeForbidden:        http.StatusForbidden,
	CodeNotFound:         http.StatusNotFound,
	CodeMethodNotAllowed: http.StatusMethodNotAllowed,
	CodeConflict:         http.StatusConflict,
	CodeInternal:         http.StatusInternalServerError,
	CodeNotImplemented:   http.StatusNotImplemented,
	CodeUnavailable:      http.StatusServiceUnavailable,
}

// Serialize encodes the error for cross-process propagation.
func (e *ServiceError) Serialize() []byte {
	w := wireError{
		Code:    e.Code,
		Status:  e.HTTPStatus,
		Message: e.Message,
		Reason:  e.Reason,
		Details: e.Details,
	}
	if e.Cause != nil {
		w.Cause = e.Cause.Error()
	}
	data, err := json.Marshal(w)
	if err != nil {
		// Details contained something unmarshalable; drop them rather than
		// losing the error itself.
		w.Details = nil
		data, _ = json.Marshal(w)
	}
	return data
}

// Deserialize reconstructs a ServiceError from its wire form. Unknown codes
// are preserved verbatim; unparsable payloads become an Internal error so a
// broken peer never turns into a silent success.
func Deserialize(data []byte) *ServiceError {
	var w wireError
	if err := json.Unmarshal(data, &w); err != nil || w.Code == "" {
		return Internal("Unparsable remote error", nil).WithDetails("payload", string(data))
	}

	status := w.Status
	if canonical, ok := statusByCode[w.Code]; ok && status == 0 {
		status = canonical
	}
	if status == 0 {
		status = http.StatusInternalServerError
	}

	se := &ServiceError{
		Code:       w.Code,
		HTTPStatus: status,
		Message:    w.Message,
		Reason:     w.Reason,
		Details:    w.Details,
	}
	if w.Cause != "" {
		se.Cause = remoteCause(w.Cause)
	}
	return se
}

// remoteCause carries the textual cause of an error raised in another
// process.
type remoteCause string

func (c remoteCause) Error() string { return string(c) }
