package docsync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestDeltaRoundTrip(t *testing.T) {
	a, b, _ := testWriters()

	counter := CounterValue(10, FieldVersion{Clock: 1, Writer: a})
	counter = CounterIncrement(counter, 5, FieldVersion{Clock: 2, Writer: b})
	counter = CounterIncrement(counter, -1, FieldVersion{Clock: 3, Writer: a})

	delta := &Delta{
		Collection: "orders",
		Id:         "o1",
		Seq:        77,
		Fields: map[string]*Value{
			"status": StringValue("pending", FieldVersion{Clock: 4, Writer: a}),
			"total":  counter,
			"flag":   BoolValue(true, FieldVersion{Clock: 1, Writer: b}),
			"note":   NullValue(FieldVersion{Clock: 2, Writer: a}),
			"scan":   AttachmentValue("blob-7f3a", FieldVersion{Clock: 5, Writer: b}),
			"address": MapValue(map[string]*Value{
				"city":  StringValue("provo", FieldVersion{Clock: 1, Writer: a}),
				"phone": TombstoneValue(FieldVersion{Clock: 6, Writer: b}),
			}, FieldVersion{Clock: 1, Writer: a}),
		},
	}

	frame, err := EncodeDelta(delta)
	assert.Equal(t, err, nil)
	frameBytes, err := EncodeFrame(frame)
	assert.Equal(t, err, nil)

	decodedFrame, err := DecodeFrame(frameBytes)
	assert.Equal(t, err, nil)
	assert.Equal(t, decodedFrame.MessageType, MessageTypeDelta)

	decoded, err := DecodeDelta(decodedFrame.Message)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.Collection, "orders")
	assert.Equal(t, decoded.Id, DocumentId("o1"))
	assert.Equal(t, decoded.Seq, uint64(77))
	assert.Equal(t, len(decoded.Fields), len(delta.Fields))
	for fieldName, field := range delta.Fields {
		assert.Equal(t, ValueEqual(decoded.Fields[fieldName], field), true)
	}
}

func TestSubscribeRoundTrip(t *testing.T) {
	subscriptionId := NewId()
	frame, err := EncodeSubscribe(&SubscribeMessage{
		SubscriptionId: subscriptionId,
		Collection:     "orders",
		Predicate:      "status = 'open'",
		SinceSeq:       42,
	})
	assert.Equal(t, err, nil)

	frameBytes, err := EncodeFrame(frame)
	assert.Equal(t, err, nil)
	decodedFrame, err := DecodeFrame(frameBytes)
	assert.Equal(t, err, nil)

	decoded, err := DecodeSubscribe(decodedFrame.Message)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.SubscriptionId, subscriptionId)
	assert.Equal(t, decoded.Collection, "orders")
	assert.Equal(t, decoded.Predicate, "status = 'open'")
	assert.Equal(t, decoded.SinceSeq, uint64(42))
}

func TestHelloRoundTrip(t *testing.T) {
	nodeId := NewId()
	frame, err := EncodeHello(&HelloMessage{NodeId: nodeId})
	assert.Equal(t, err, nil)
	frameBytes, err := EncodeFrame(frame)
	assert.Equal(t, err, nil)
	decodedFrame, err := DecodeFrame(frameBytes)
	assert.Equal(t, err, nil)
	decoded, err := DecodeHello(decodedFrame.Message)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.NodeId, nodeId)
}

func TestBadFrame(t *testing.T) {
	_, err := DecodeFrame([]byte{0xff, 0x01, 0x02})
	assert.NotEqual(t, err, nil)
}
