package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKafkaWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPublisherKeysByUser(t *testing.T) {
	w := &fakeKafkaWriter{}
	p := &KafkaPublisher{writer: w, topic: "auth-audit"}

	require.NoError(t, p.Handle(context.Background(), Event{ID: "e1", UserID: 42, Type: EventLogin, Origin: "node-a"}))
	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "42", string(msg.Key))

	var ev Event
	require.NoError(t, json.Unmarshal(msg.Value, &ev))
	assert.Equal(t, "e1", ev.ID)
	assert.Equal(t, "event_type", msg.Headers[0].Key)

	w.err = errors.New("broker down")
	assert.Error(t, p.Handle(context.Background(), Event{UserID: 1}))

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestNewKafkaPublisherValidates(t *testing.T) {
	_, err := NewKafkaPublisher([]string{" ", ""}, "topic")
	assert.Error(t, err)
	_, err = NewKafkaPublisher([]string{"localhost:9092"}, " ")
	assert.Error(t, err)

	p, err := NewKafkaPublisher([]string{"localhost:9092"}, "auth-audit")
	require.NoError(t, err)
	assert.Equal(t, "kafka_audit", p.Name())
	require.NoError(t, p.Close())
}
