package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusfn/nimbus/internal/core"
	"github.com/nimbusfn/nimbus/internal/errors"
)

const s3Notification = `{
  "Records": [
    {
      "eventSource": "aws:s3",
      "eventName": "ObjectCreated:Put",
      "eventTime": "2024-05-01T12:00:00Z",
      "s3": {
        "bucket": {"name": "inbox"},
        "object": {"key": "reports/may.csv", "size": 1024, "eTag": "abc123"}
      }
    },
    {
      "eventSource": "aws:s3",
      "eventName": "ObjectCreated:Put",
      "s3": {
        "bucket": {"name": "inbox"},
        "object": {"key": "reports/june.csv", "size": 2048, "eTag": "def456"}
      }
    }
  ]
}`

func TestNormalizeObjectStoreBatch(t *testing.T) {
	req, err := NormalizeEvent([]byte(s3Notification))
	require.NoError(t, err)

	assert.Equal(t, core.RequestEvent, req.Type)
	assert.Equal(t, "aws:s3", req.Source)
	assert.Equal(t, "inbox", req.Resource)
	assert.Equal(t, "ObjectCreated:Put", req.Action)
	assert.Equal(t, "reports/may.csv", req.Object)
	assert.Equal(t, "2024-05-01T12:00:00Z", req.Time)

	require.Len(t, req.Records, 2)
	assert.Equal(t, "reports/may.csv", req.Records[0]["key"])
	assert.Equal(t, int64(1024), req.Records[0]["size"])
	assert.Equal(t, "reports/june.csv", req.Records[1]["key"])
}

const sqsNotification = `{
  "Records": [
    {
      "eventSource": "aws:sqs",
      "messageId": "msg-1",
      "body": "{\"orderId\":7}",
      "eventSourceARN": "arn:aws:sqs:us-east-1:123456789:orders-queue"
    }
  ]
}`

func TestNormalizeQueueBatch(t *testing.T) {
	req, err := NormalizeEvent([]byte(sqsNotification))
	require.NoError(t, err)

	assert.Equal(t, "aws:sqs", req.Source)
	assert.Equal(t, "orders-queue", req.Resource)
	assert.Equal(t, "Message", req.Action)
	require.Len(t, req.Records, 1)
	assert.Equal(t, "msg-1", req.Records[0]["messageId"])
	assert.Equal(t, `{"orderId":7}`, req.Records[0]["body"])
}

const dynamoNotification = `{
  "Records": [
    {
      "eventSource": "aws:dynamodb",
      "eventName": "INSERT",
      "eventSourceARN": "arn:aws:dynamodb:us-east-1:123456789:table/orders/stream/2024-05-01T00:00:00.000",
      "dynamodb": {
        "Keys": {"id": {"S": "order-7"}},
        "NewImage": {"id": {"S": "order-7"}, "total": {"N": "42"}},
        "SequenceNumber": "111"
      }
    },
    {
      "eventSource": "aws:dynamodb",
      "eventName": "REMOVE",
      "eventSourceARN": "arn:aws:dynamodb:us-east-1:123456789:table/orders/stream/2024-05-01T00:00:00.000",
      "dynamodb": {
        "Keys": {"id": {"S": "order-3"}},
        "OldImage": {"id": {"S": "order-3"}},
        "SequenceNumber": "112"
      }
    }
  ]
}`

func TestNormalizeStreamBatch(t *testing.T) {
	req, err := NormalizeEvent([]byte(dynamoNotification))
	require.NoError(t, err)

	assert.Equal(t, core.RequestEvent, req.Type)
	assert.Equal(t, "aws:dynamodb", req.Source)
	assert.Equal(t, "orders", req.Resource)
	assert.Equal(t, "INSERT", req.Action)

	require.Len(t, req.Records, 2)
	assert.Equal(t, "INSERT", req.Records[0]["eventName"])
	assert.Equal(t, "111", req.Records[0]["sequenceNumber"])
	assert.NotNil(t, req.Records[0]["keys"])
	assert.NotNil(t, req.Records[0]["newImage"])
	assert.Nil(t, req.Records[0]["oldImage"])
	assert.Equal(t, "REMOVE", req.Records[1]["eventName"])
	assert.NotNil(t, req.Records[1]["oldImage"])
}

func TestNormalizeCanonicalPassthrough(t *testing.T) {
	payload := `{
	  "source": "schedule",
	  "resource": "nightly-report",
	  "action": "Fire",
	  "records": [{"scheduled": "2024-05-01T00:00:00Z"}]
	}`
	req, err := NormalizeEvent([]byte(payload))
	require.NoError(t, err)

	assert.Equal(t, core.RequestEvent, req.Type)
	assert.Equal(t, "schedule", req.Source)
	assert.Equal(t, "nightly-report", req.Resource)
	require.Len(t, req.Records, 1)
}

func TestNormalizePing(t *testing.T) {
	req, err := NormalizeEvent([]byte(`{"ping": "keepalive"}`))
	require.NoError(t, err)

	assert.Equal(t, "ping", req.Source)
	assert.Equal(t, "ping", req.Resource)
	require.Len(t, req.Records, 1)
	assert.Equal(t, "keepalive", req.Records[0]["ping"])
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	_, err := NormalizeEvent([]byte("not json at all"))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeBadRequest))
}

func TestNormalizeRejectsUnknownShape(t *testing.T) {
	_, err := NormalizeEvent([]byte(`{"hello": "world"}`))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeBadRequest))
}

func TestNormalizeRejectsUnknownSource(t *testing.T) {
	payload := `{"Records": [{"eventSource": "aws:kinesis"}]}`
	_, err := NormalizeEvent([]byte(payload))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeBadRequest))
}
