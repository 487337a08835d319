package transport

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/nimbusfn/nimbus/internal/core"
	"github.com/nimbusfn/nimbus/internal/errors"
)

// NormalizeEvent converts a raw event payload into the canonical batched
// request. Recognized shapes: object-store notifications, queue message
// batches, table stream batches, scheduler fires, and payloads already in
// canonical form.
func NormalizeEvent(payload []byte) (*core.EventRequest, error) {
	if !gjson.ValidBytes(payload) {
		return nil, errors.BadRequest("Invalid event payload").WithReason("malformed_body")
	}

	doc := gjson.ParseBytes(payload)

	if source := doc.Get("Records.0.eventSource"); source.Exists() {
		switch source.String() {
		case "aws:s3":
			return normalizeObjectStore(doc), nil
		case "aws:sqs":
			return normalizeQueue(doc), nil
		case "aws:dynamodb":
			return normalizeStream(doc), nil
		}
		return nil, errors.BadRequest("Unsupported event source: " + source.String())
	}

	// Keepalive pings become a single-record event so warmers go through
	// the ordinary dispatch path.
	if ping := doc.Get("ping"); ping.Exists() {
		return &core.EventRequest{
			BaseRequest: core.BaseRequest{Type: core.RequestEvent},
			Source:      "ping",
			Resource:    "ping",
			Action:      "Ping",
			Records:     []core.EventRecord{{"ping": ping.Value()}},
		}, nil
	}

	// Canonical form passes through untouched.
	if doc.Get("source").Exists() && doc.Get("resource").Exists() {
		var req core.EventRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errors.BadRequest("Invalid event payload").WithReason("malformed_body")
		}
		req.Type = core.RequestEvent
		return &req, nil
	}

	return nil, errors.BadRequest("Unrecognized event payload")
}

// normalizeObjectStore flattens an object-store notification batch. The
// route resource is the bucket; action and object come from the first
// record, and filters run against them.
func normalizeObjectStore(doc gjson.Result) *core.EventRequest {
	records := doc.Get("Records").Array()
	req := &core.EventRequest{
		BaseRequest: core.BaseRequest{Type: core.RequestEvent},
		Source:      "aws:s3",
	}

	for i, raw := range records {
		record := core.EventRecord{
			"bucket":    raw.Get("s3.bucket.name").String(),
			"key":       raw.Get("s3.object.key").String(),
			"size":      raw.Get("s3.object.size").Int(),
			"etag":      raw.Get("s3.object.eTag").String(),
			"eventName": raw.Get("eventName").String(),
		}
		req.Records = append(req.Records, record)
		if i == 0 {
			req.Resource = raw.Get("s3.bucket.name").String()
			req.Action = raw.Get("eventName").String()
			req.Object = raw.Get("s3.object.key").String()
			req.Time = raw.Get("eventTime").String()
		}
	}
	return req
}

// normalizeQueue flattens a queue message batch. The route resource is the
// queue name, taken from the source ARN's final segment.
func normalizeQueue(doc gjson.Result) *core.EventRequest {
	records := doc.Get("Records").Array()
	req := &core.EventRequest{
		BaseRequest: core.BaseRequest{Type: core.RequestEvent},
		Source:      "aws:sqs",
		Action:      "Message",
	}

	for i, raw := range records {
		record := core.EventRecord{
			"messageId": raw.Get("messageId").String(),
			"body":      raw.Get("body").String(),
		}
		// Message attributes come along untyped.
		if attrs := raw.Get("messageAttributes"); attrs.Exists() {
			record["attributes"] = attrs.Value()
		}
		req.Records = append(req.Records, record)
		if i == 0 {
			req.Resource = queueName(raw.Get("eventSourceARN").String())
		}
	}
	return req
}

// normalizeStream flattens a table stream batch. The route resource is the
// table name from the source ARN; the action is the first record's change
// kind (INSERT, MODIFY, REMOVE).
func normalizeStream(doc gjson.Result) *core.EventRequest {
	records := doc.Get("Records").Array()
	req := &core.EventRequest{
		BaseRequest: core.BaseRequest{Type: core.RequestEvent},
		Source:      "aws:dynamodb",
	}

	for i, raw := range records {
		record := core.EventRecord{
			"eventName":      raw.Get("eventName").String(),
			"sequenceNumber": raw.Get("dynamodb.SequenceNumber").String(),
		}
		if keys := raw.Get("dynamodb.Keys"); keys.Exists() {
			record["keys"] = keys.Value()
		}
		if image := raw.Get("dynamodb.NewImage"); image.Exists() {
			record["newImage"] = image.Value()
		}
		if image := raw.Get("dynamodb.OldImage"); image.Exists() {
			record["oldImage"] = image.Value()
		}
		req.Records = append(req.Records, record)
		if i == 0 {
			req.Resource = tableName(raw.Get("eventSourceARN").String())
			req.Action = raw.Get("eventName").String()
		}
	}
	return req
}

func queueName(arn string) string {
	if idx := strings.LastIndex(arn, ":"); idx >= 0 {
		return arn[idx+1:]
	}
	return arn
}

// tableName extracts the table from a stream ARN of the form
// "arn:...:table/<name>/stream/<label>".
func tableName(arn string) string {
	const marker = "table/"
	idx := strings.Index(arn, marker)
	if idx < 0 {
		return arn
	}
	rest := arn[idx+len(marker):]
	if end := strings.Index(rest, "/"); end >= 0 {
		return rest[:end]
	}
	return rest
}
