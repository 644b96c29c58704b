package pubsub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"
)

type Decoder interface {
	Decode(ctx context.Context, data []byte, into any) error
}

type jsonCodec struct{}

func (jsonCodec) Decode(_ context.Context, data []byte, into any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, into)
}

// Message is one unit of data delivered by the service. It is immutable.
type Message struct {
	id          string
	data        []byte
	attributes  map[string]string
	publishTime time.Time
	decoder     Decoder
}

// DecodeMessage builds a Message from its wire form. Absent fields default to
// empty values; a payload that is not valid base64 is an error.
func DecodeMessage(w WireMessage) (*Message, error) {
	return decodeMessage(w, nil)
}

func decodeMessage(w WireMessage, decoder Decoder) (*Message, error) {
	data, err := base64.StdEncoding.DecodeString(w.Data)
	if err != nil {
		return nil, ErrDecode.Wrap(err, "message %q", w.MessageID)
	}
	m := &Message{
		id:         w.MessageID,
		data:       data,
		attributes: cloneMap(w.Attributes),
		decoder:    decoder,
	}
	if m.data == nil {
		m.data = []byte{}
	}
	if w.PublishTime != "" {
		if ts, err := time.Parse(time.RFC3339Nano, w.PublishTime); err == nil {
			m.publishTime = ts
		}
	}
	return m, nil
}

func (m *Message) ID() string { return m.id }

func (m *Message) Data() []byte { return append([]byte{}, m.data...) }

func (m *Message) Attributes() map[string]string {
	out := cloneMap(m.attributes)
	if out == nil {
		out = map[string]string{}
	}
	return out
}

func (m *Message) PublishTime() time.Time { return m.publishTime }

// Decode unmarshals the payload into v with the client's Decoder.
func (m *Message) Decode(ctx context.Context, into any) error {
	if m.decoder == nil {
		return jsonCodec{}.Decode(ctx, m.data, into)
	}
	return m.decoder.Decode(ctx, m.data, into)
}

// Wire re-encodes m into its wire form.
func (m *Message) Wire() WireMessage {
	w := WireMessage{
		Data:       base64.StdEncoding.EncodeToString(m.data),
		Attributes: cloneMap(m.attributes),
		MessageID:  m.id,
	}
	if !m.publishTime.IsZero() {
		w.PublishTime = m.publishTime.UTC().Format(time.RFC3339Nano)
	}
	return w
}

func cloneMap(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	cloned := make(map[string]string, len(src))
	for k, v := range src {
		cloned[k] = v
	}
	return cloned
}
