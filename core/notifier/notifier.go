/*
Package notifier publishes post store change events to kafka.

Each event is keyed by the collection, so all changes of one collection land on the same
partition and keep their order.
*/
package notifier

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/blogger/core"
	"github.com/relabs-tech/blogger/core/logger"
)

// DefaultTopic is used when no topic is configured
const DefaultTopic = "post_notification"

// Event is the value of every published message
type Event struct {
	Resource  string          `json:"resource"`
	Operation core.Operation  `json:"operation"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka implements core.Notifier
type Kafka struct {
	writer  messageWriter
	timeout time.Duration
}

// NewKafka returns a notifier writing to topic on the given brokers
func NewKafka(brokers []string, topic string) *Kafka {
	if topic == "" {
		topic = DefaultTopic
	}
	logger.Default().Infof("notifier: publishing post events to kafka topic %s", topic)
	return &Kafka{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
		timeout: 10 * time.Second,
	}
}

// Notify implements core.Notifier. Delivery is best effort, failures are logged.
func (k *Kafka) Notify(resource string, operation core.Operation, payload []byte) {
	rlog := logger.Default().WithField("resource", resource)
	if !json.Valid(payload) {
		payload = []byte("null")
	}
	value, err := json.Marshal(Event{
		Resource:  resource,
		Operation: operation,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		rlog.WithError(err).Errorln("notifier: cannot marshal event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(resource),
		Value: value,
		Headers: []kafka.Header{
			{Key: "operation", Value: []byte(operation)},
		},
	})
	if err != nil {
		rlog.WithError(err).Errorf("notifier: cannot publish %s event", operation)
		return
	}
	rlog.Debugf("notifier: published %s event", operation)
}

// Close flushes and closes the underlying writer
func (k *Kafka) Close() error {
	return k.writer.Close()
}
