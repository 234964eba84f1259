package docsync

import (
	"fmt"
	"strconv"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// wire format. Every message is one protobuf-encoded struct frame:
//
//	{"type": <message type>, "message": {...}}
//
// Field trees are schema-less, so merge state rides in struct values
// instead of generated message types. Clocks and counter totals encode as
// decimal strings to keep uint64/int64 fidelity through the double-typed
// struct numbers.

const (
	MessageTypeHello        = "hello"
	MessageTypeSubscribe    = "subscribe"
	MessageTypeSubscribeAck = "subscribeAck"
	MessageTypeUnsubscribe  = "unsubscribe"
	MessageTypeDelta        = "delta"
	MessageTypeCheckpoint   = "checkpoint"
)

type Frame struct {
	MessageType string
	Message     *structpb.Struct
}

func EncodeFrame(frame *Frame) ([]byte, error) {
	envelope, err := structpb.NewStruct(map[string]any{
		"type": frame.MessageType,
	})
	if err != nil {
		return nil, err
	}
	envelope.Fields["message"] = structpb.NewStructValue(frame.Message)
	return proto.Marshal(envelope)
}

func DecodeFrame(frameBytes []byte) (*Frame, error) {
	envelope := &structpb.Struct{}
	if err := proto.Unmarshal(frameBytes, envelope); err != nil {
		return nil, err
	}
	messageType, ok := structString(envelope, "type")
	if !ok {
		return nil, fmt.Errorf("frame missing type")
	}
	messageValue, ok := envelope.Fields["message"]
	if !ok {
		return nil, fmt.Errorf("frame missing message")
	}
	message := messageValue.GetStructValue()
	if message == nil {
		return nil, fmt.Errorf("frame message is not a struct")
	}
	return &Frame{
		MessageType: messageType,
		Message:     message,
	}, nil
}

// messages

// first frame in each direction on a new channel
type HelloMessage struct {
	NodeId Id
}

func EncodeHello(message *HelloMessage) (*Frame, error) {
	s, err := structpb.NewStruct(map[string]any{
		"nodeId": message.NodeId.String(),
	})
	if err != nil {
		return nil, err
	}
	return &Frame{MessageType: MessageTypeHello, Message: s}, nil
}

func DecodeHello(message *structpb.Struct) (*HelloMessage, error) {
	nodeId, err := structId(message, "nodeId")
	if err != nil {
		return nil, err
	}
	return &HelloMessage{NodeId: nodeId}, nil
}

type SubscribeMessage struct {
	SubscriptionId Id
	Collection     string
	// predicate source text, empty for match-all
	Predicate string
	// resume cursor into the remote peer's apply sequence
	SinceSeq uint64
}

type SubscribeAckMessage struct {
	SubscriptionId Id
	Accepted       bool
	ErrorMessage   string
}

type UnsubscribeMessage struct {
	SubscriptionId Id
}

// sent after a full send pass: everything up to Seq has been considered
// against the subscription, so the subscriber can resume from there
type CheckpointMessage struct {
	SubscriptionId Id
	Seq            uint64
}

func EncodeSubscribe(message *SubscribeMessage) (*Frame, error) {
	s, err := structpb.NewStruct(map[string]any{
		"subscriptionId": message.SubscriptionId.String(),
		"collection":     message.Collection,
		"predicate":      message.Predicate,
		"sinceSeq":       strconv.FormatUint(message.SinceSeq, 10),
	})
	if err != nil {
		return nil, err
	}
	return &Frame{MessageType: MessageTypeSubscribe, Message: s}, nil
}

func DecodeSubscribe(message *structpb.Struct) (*SubscribeMessage, error) {
	subscriptionId, err := structId(message, "subscriptionId")
	if err != nil {
		return nil, err
	}
	collection, _ := structString(message, "collection")
	predicate, _ := structString(message, "predicate")
	sinceSeq, err := structUint(message, "sinceSeq")
	if err != nil {
		return nil, err
	}
	return &SubscribeMessage{
		SubscriptionId: subscriptionId,
		Collection:     collection,
		Predicate:      predicate,
		SinceSeq:       sinceSeq,
	}, nil
}

func EncodeSubscribeAck(message *SubscribeAckMessage) (*Frame, error) {
	s, err := structpb.NewStruct(map[string]any{
		"subscriptionId": message.SubscriptionId.String(),
		"accepted":       message.Accepted,
		"error":          message.ErrorMessage,
	})
	if err != nil {
		return nil, err
	}
	return &Frame{MessageType: MessageTypeSubscribeAck, Message: s}, nil
}

func DecodeSubscribeAck(message *structpb.Struct) (*SubscribeAckMessage, error) {
	subscriptionId, err := structId(message, "subscriptionId")
	if err != nil {
		return nil, err
	}
	accepted := false
	if value, ok := message.Fields["accepted"]; ok {
		accepted = value.GetBoolValue()
	}
	errorMessage, _ := structString(message, "error")
	return &SubscribeAckMessage{
		SubscriptionId: subscriptionId,
		Accepted:       accepted,
		ErrorMessage:   errorMessage,
	}, nil
}

func EncodeUnsubscribe(message *UnsubscribeMessage) (*Frame, error) {
	s, err := structpb.NewStruct(map[string]any{
		"subscriptionId": message.SubscriptionId.String(),
	})
	if err != nil {
		return nil, err
	}
	return &Frame{MessageType: MessageTypeUnsubscribe, Message: s}, nil
}

func DecodeUnsubscribe(message *structpb.Struct) (*UnsubscribeMessage, error) {
	subscriptionId, err := structId(message, "subscriptionId")
	if err != nil {
		return nil, err
	}
	return &UnsubscribeMessage{SubscriptionId: subscriptionId}, nil
}

func EncodeCheckpoint(message *CheckpointMessage) (*Frame, error) {
	s, err := structpb.NewStruct(map[string]any{
		"subscriptionId": message.SubscriptionId.String(),
		"seq":            strconv.FormatUint(message.Seq, 10),
	})
	if err != nil {
		return nil, err
	}
	return &Frame{MessageType: MessageTypeCheckpoint, Message: s}, nil
}

func DecodeCheckpoint(message *structpb.Struct) (*CheckpointMessage, error) {
	subscriptionId, err := structId(message, "subscriptionId")
	if err != nil {
		return nil, err
	}
	seq, err := structUint(message, "seq")
	if err != nil {
		return nil, err
	}
	return &CheckpointMessage{
		SubscriptionId: subscriptionId,
		Seq:            seq,
	}, nil
}

func EncodeDelta(delta *Delta) (*Frame, error) {
	fields := map[string]*structpb.Value{}
	for fieldName, field := range delta.Fields {
		fields[fieldName] = valueToStruct(field)
	}
	message := &structpb.Struct{
		Fields: map[string]*structpb.Value{
			"collection": structpb.NewStringValue(delta.Collection),
			"id":         structpb.NewStringValue(string(delta.Id)),
			"seq":        structpb.NewStringValue(strconv.FormatUint(delta.Seq, 10)),
			"fields":     structpb.NewStructValue(&structpb.Struct{Fields: fields}),
		},
	}
	return &Frame{MessageType: MessageTypeDelta, Message: message}, nil
}

func DecodeDelta(message *structpb.Struct) (*Delta, error) {
	collection, ok := structString(message, "collection")
	if !ok {
		return nil, fmt.Errorf("delta missing collection")
	}
	id, ok := structString(message, "id")
	if !ok {
		return nil, fmt.Errorf("delta missing id")
	}
	seq, err := structUint(message, "seq")
	if err != nil {
		return nil, err
	}
	fieldsValue, ok := message.Fields["fields"]
	if !ok {
		return nil, fmt.Errorf("delta missing fields")
	}
	fieldsStruct := fieldsValue.GetStructValue()
	if fieldsStruct == nil {
		return nil, fmt.Errorf("delta fields is not a struct")
	}
	fields := map[string]*Value{}
	for fieldName, fieldValue := range fieldsStruct.Fields {
		field, err := valueFromStruct(fieldValue)
		if err != nil {
			return nil, fmt.Errorf("delta field %s: %w", fieldName, err)
		}
		fields[fieldName] = field
	}
	return &Delta{
		Collection: collection,
		Id:         DocumentId(id),
		Seq:        seq,
		Fields:     fields,
	}, nil
}

// merge state encoding. Each node is an envelope:
//
//	{"k": kind, "c": clock, "w": writer, "v": payload}
//
// where the counter payload is
//
//	{"e": epoch, "b": base, "bc": base clock, "bw": base writer,
//	 "i": {writer: {"p": pos, "n": neg}}}

func valueToStruct(value *Value) *structpb.Value {
	fields := map[string]*structpb.Value{
		"k": structpb.NewStringValue(value.kind.String()),
		"c": structpb.NewStringValue(strconv.FormatUint(value.version.Clock, 10)),
		"w": structpb.NewStringValue(value.version.Writer.String()),
	}
	switch value.kind {
	case ValueKindBool:
		fields["v"] = structpb.NewBoolValue(value.boolValue)
	case ValueKindNumber:
		fields["v"] = structpb.NewNumberValue(value.numberValue)
	case ValueKindString, ValueKindAttachment:
		fields["v"] = structpb.NewStringValue(value.stringValue)
	case ValueKindCounter:
		counter := value.counter
		increments := map[string]*structpb.Value{}
		for writer, entry := range counter.increments {
			increments[writer.String()] = structpb.NewStructValue(&structpb.Struct{
				Fields: map[string]*structpb.Value{
					"p": structpb.NewStringValue(strconv.FormatInt(entry.pos, 10)),
					"n": structpb.NewStringValue(strconv.FormatInt(entry.neg, 10)),
				},
			})
		}
		fields["v"] = structpb.NewStructValue(&structpb.Struct{
			Fields: map[string]*structpb.Value{
				"e":  structpb.NewStringValue(strconv.FormatUint(counter.epoch, 10)),
				"b":  structpb.NewStringValue(strconv.FormatInt(counter.base, 10)),
				"bc": structpb.NewStringValue(strconv.FormatUint(counter.baseVersion.Clock, 10)),
				"bw": structpb.NewStringValue(counter.baseVersion.Writer.String()),
				"i":  structpb.NewStructValue(&structpb.Struct{Fields: increments}),
			},
		})
	case ValueKindMap:
		mapFields := map[string]*structpb.Value{}
		for key, field := range value.mapFields {
			mapFields[key] = valueToStruct(field)
		}
		fields["v"] = structpb.NewStructValue(&structpb.Struct{Fields: mapFields})
	}
	return structpb.NewStructValue(&structpb.Struct{Fields: fields})
}

func valueFromStruct(node *structpb.Value) (*Value, error) {
	envelope := node.GetStructValue()
	if envelope == nil {
		return nil, fmt.Errorf("value node is not a struct")
	}
	kindName, ok := structString(envelope, "k")
	if !ok {
		return nil, fmt.Errorf("value node missing kind")
	}
	clock, err := structUint(envelope, "c")
	if err != nil {
		return nil, err
	}
	writerStr, _ := structString(envelope, "w")
	writer, err := ParseId(writerStr)
	if err != nil {
		return nil, fmt.Errorf("bad writer id: %w", err)
	}
	version := FieldVersion{Clock: clock, Writer: writer}
	payload := envelope.Fields["v"]

	switch kindName {
	case "null":
		return NullValue(version), nil
	case "tombstone":
		return TombstoneValue(version), nil
	case "bool":
		return BoolValue(payload.GetBoolValue(), version), nil
	case "number":
		return NumberValue(payload.GetNumberValue(), version), nil
	case "string":
		return StringValue(payload.GetStringValue(), version), nil
	case "attachment":
		return AttachmentValue(payload.GetStringValue(), version), nil
	case "counter":
		return counterFromStruct(payload, version)
	case "map":
		mapStruct := payload.GetStructValue()
		if mapStruct == nil {
			return nil, fmt.Errorf("map payload is not a struct")
		}
		mapFields := map[string]*Value{}
		for key, fieldValue := range mapStruct.Fields {
			field, err := valueFromStruct(fieldValue)
			if err != nil {
				return nil, fmt.Errorf("map key %s: %w", key, err)
			}
			mapFields[key] = field
		}
		value := MapValue(mapFields, version)
		// keep the sender's version even if a child carries a lower clock
		value.version = maxVersion(value.version, version)
		return value, nil
	default:
		return nil, fmt.Errorf("unknown value kind %q", kindName)
	}
}

func counterFromStruct(payload *structpb.Value, version FieldVersion) (*Value, error) {
	counterStruct := payload.GetStructValue()
	if counterStruct == nil {
		return nil, fmt.Errorf("counter payload is not a struct")
	}
	epoch, err := structUint(counterStruct, "e")
	if err != nil {
		return nil, err
	}
	base, err := structInt(counterStruct, "b")
	if err != nil {
		return nil, err
	}
	baseClock, err := structUint(counterStruct, "bc")
	if err != nil {
		return nil, err
	}
	baseWriterStr, _ := structString(counterStruct, "bw")
	baseWriter, err := ParseId(baseWriterStr)
	if err != nil {
		return nil, fmt.Errorf("bad counter base writer: %w", err)
	}
	increments := map[Id]counterEntry{}
	if incrementsValue, ok := counterStruct.Fields["i"]; ok {
		incrementsStruct := incrementsValue.GetStructValue()
		if incrementsStruct == nil {
			return nil, fmt.Errorf("counter increments is not a struct")
		}
		for writerStr, entryValue := range incrementsStruct.Fields {
			writer, err := ParseId(writerStr)
			if err != nil {
				return nil, fmt.Errorf("bad counter writer: %w", err)
			}
			entryStruct := entryValue.GetStructValue()
			if entryStruct == nil {
				return nil, fmt.Errorf("counter entry is not a struct")
			}
			pos, err := structInt(entryStruct, "p")
			if err != nil {
				return nil, err
			}
			neg, err := structInt(entryStruct, "n")
			if err != nil {
				return nil, err
			}
			increments[writer] = counterEntry{pos: pos, neg: neg}
		}
	}
	return &Value{
		kind:    ValueKindCounter,
		version: version,
		counter: &counterState{
			epoch:       epoch,
			base:        base,
			baseVersion: FieldVersion{Clock: baseClock, Writer: baseWriter},
			increments:  increments,
		},
	}, nil
}

// struct field accessors

func structString(s *structpb.Struct, key string) (string, bool) {
	value, ok := s.Fields[key]
	if !ok {
		return "", false
	}
	str, ok := value.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", false
	}
	return str.StringValue, true
}

func structId(s *structpb.Struct, key string) (Id, error) {
	str, ok := structString(s, key)
	if !ok {
		return Id{}, fmt.Errorf("missing %s", key)
	}
	return ParseId(str)
}

func structUint(s *structpb.Struct, key string) (uint64, error) {
	str, ok := structString(s, key)
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	n, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad %s: %w", key, err)
	}
	return n, nil
}

func structInt(s *structpb.Struct, key string) (int64, error) {
	str, ok := structString(s, key)
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad %s: %w", key, err)
	}
	return n, nil
}
