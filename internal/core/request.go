// Package core defines the canonical request model shared by every trigger
// kind, the per-request context, and the static method metadata the dispatch
// tables are built from. Transport adapters normalize inbound traffic into
// these shapes; the container only ever sees this package's types.
package core

import (
	"encoding/json"
	"mime"
	"strings"

	"github.com/nimbusfn/nimbus/internal/errors"
)

// RequestType tags the canonical request union.
type RequestType string

const (
	RequestHTTP     RequestType = "http"
	RequestRemote   RequestType = "remote"
	RequestInternal RequestType = "internal"
	RequestEvent    RequestType = "event"
)

// Request is the canonical inbound request consumed by the container.
type Request interface {
	Base() *BaseRequest
}

// BaseRequest carries the fields common to every request kind.
type BaseRequest struct {
	Type        RequestType `json:"type"`
	Application string      `json:"application,omitempty"`
	Service     string      `json:"service,omitempty"`
	Method      string      `json:"method,omitempty"`
	RequestID   string      `json:"requestId"`
}

// Base returns the shared request fields.
func (b *BaseRequest) Base() *BaseRequest { return b }

// =============================================================================
// HTTP
// =============================================================================

// HTTPRequest is the normalized form of an inbound HTTP call.
type HTTPRequest struct {
	BaseRequest
	HTTPMethod            string            `json:"httpMethod"`
	Resource              string            `json:"resource"`
	Path                  string            `json:"path"`
	PathParameters        map[string]string `json:"pathParameters,omitempty"`
	QueryStringParameters map[string]string `json:"queryStringParameters,omitempty"`
	Headers               map[string]string `json:"headers,omitempty"`
	Body                  string            `json:"body,omitempty"`
	IsBase64Encoded       bool              `json:"isBase64Encoded,omitempty"`
	SourceIP              string            `json:"sourceIp,omitempty"`

	contentType *ContentType
	jsonBody    map[string]interface{}
	jsonParsed  bool
}

// ContentType returns the parsed Content-Type header. Parsing happens once;
// subsequent calls return the cached value.
func (r *HTTPRequest) ContentType() *ContentType {
	if r.contentType == nil {
		r.contentType = ParseContentType(r.Header("Content-Type"))
	}
	return r.contentType
}

// Header returns a header value, matching the name case-insensitively.
func (r *HTTPRequest) Header(name string) string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// JSON parses the request body as a JSON object once and caches the result.
func (r *HTTPRequest) JSON() (map[string]interface{}, error) {
	if r.jsonParsed {
		return r.jsonBody, nil
	}
	if strings.TrimSpace(r.Body) == "" {
		r.jsonParsed = true
		return nil, nil
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(r.Body), &parsed); err != nil {
		return nil, errors.BadRequest("Invalid JSON body").WithReason("malformed_body")
	}
	r.jsonBody = parsed
	r.jsonParsed = true
	return parsed, nil
}

// ContentType is the parsed form of a Content-Type header. DomainModel is the
// optional domain-model parameter used to disambiguate polymorphic bodies on
// a shared verb+resource route.
type ContentType struct {
	Value       string
	MediaType   string
	Charset     string
	DomainModel string
	IsJSON      bool
	IsMultipart bool
}

// ParseContentType parses a Content-Type header value. Unparsable values
// yield a ContentType with only the raw value set.
func ParseContentType(value string) *ContentType {
	ct := &ContentType{Value: value}
	if strings.TrimSpace(value) == "" {
		return ct
	}
	mediaType, params, err := mime.ParseMediaType(value)
	if err != nil {
		return ct
	}
	ct.MediaType = mediaType
	ct.Charset = params["charset"]
	ct.DomainModel = params["domain-model"]
	ct.IsJSON = mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
	ct.IsMultipart = strings.HasPrefix(mediaType, "multipart/")
	return ct
}

// HTTPResponse is the normalized reply handed back to the HTTP adapter.
type HTTPResponse struct {
	StatusCode      int               `json:"statusCode"`
	Headers         map[string]string `json:"headers,omitempty"`
	ContentType     string            `json:"contentType,omitempty"`
	Body            string            `json:"body,omitempty"`
	IsBase64Encoded bool              `json:"isBase64Encoded,omitempty"`
}

// SetHeader sets a response header, allocating the map on first use.
func (r *HTTPResponse) SetHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[name] = value
}

// =============================================================================
// Remote / RPC
// =============================================================================

// RemoteRequest is an internal or cross-application RPC call.
type RemoteRequest struct {
	BaseRequest
	Token string        `json:"token,omitempty"`
	Args  []interface{} `json:"args,omitempty"`
}

// =============================================================================
// Events
// =============================================================================

// EventRecord is a single record within a batched event.
type EventRecord map[string]interface{}

// EventRequest is a batched trigger from an event source such as an object
// store, a queue, or the scheduler. Record holds the record currently being
// processed and is only set while a batch is in flight.
type EventRequest struct {
	BaseRequest
	Source   string        `json:"source"`
	Resource string        `json:"resource"`
	Action   string        `json:"action,omitempty"`
	Time     string        `json:"time,omitempty"`
	Object   string        `json:"object,omitempty"`
	Records  []EventRecord `json:"records,omitempty"`
	Record   EventRecord   `json:"-"`
}

// EventStatus is the aggregate outcome of a batch dispatch.
type EventStatus string

const (
	EventOK     EventStatus = "OK"
	EventFailed EventStatus = "FAILED"
	EventNop    EventStatus = "NOP"
)

// EventReturn is the per-record outcome of one handler invocation.
type EventReturn struct {
	Service string               `json:"service"`
	Method  string               `json:"method"`
	Error   *errors.ServiceError `json:"error,omitempty"`
	Data    interface{}          `json:"data,omitempty"`
}

// EventResult aggregates the outcome of processing a batch. Status stays NOP
// until a record is processed, flips to OK on the first success, and sticks
// at FAILED once any record errors.
type EventResult struct {
	Status   EventStatus   `json:"status"`
	Source   string        `json:"source"`
	Action   string        `json:"action,omitempty"`
	Resource string        `json:"resource,omitempty"`
	Object   string        `json:"object,omitempty"`
	Returns  []EventReturn `json:"returns"`
}

// NewEventResult creates an empty NOP result mirroring the request envelope.
func NewEventResult(req *EventRequest) *EventResult {
	return &EventResult{
		Status:   EventNop,
		Source:   req.Source,
		Action:   req.Action,
		Resource: req.Resource,
		Object:   req.Object,
		Returns:  []EventReturn{},
	}
}

// Append records one handler invocation outcome and updates the aggregate
// status.
func (r *EventResult) Append(service, method string, data interface{}, err error) {
	ret := EventReturn{Service: service, Method: method, Data: data}
	if err != nil {
		ret.Error = errors.Ensure(err)
		ret.Data = nil
		r.Status = EventFailed
	} else if r.Status == EventNop {
		r.Status = EventOK
	}
	r.Returns = append(r.Returns, ret)
}
