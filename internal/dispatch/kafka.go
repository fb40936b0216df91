package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaSink publishes alert payloads to a Kafka topic, keyed by
// correlation key so alerts for one key land on one partition in order.
type KafkaSink struct {
	name    string
	brokers []string
	writer  *kafka.Writer
}

// NewKafkaSink creates a Kafka sink.
func NewKafkaSink(name string, brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		name:    name,
		brokers: brokers,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

func (k *KafkaSink) Name() string { return k.name }
func (k *KafkaSink) Kind() string { return "kafka" }

func (k *KafkaSink) Send(ctx context.Context, payload *Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	msg := kafka.Message{Value: data}
	if payload.Key != "" {
		msg.Key = []byte(payload.Key)
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write failed: %w", err)
	}
	return nil
}

func (k *KafkaSink) Check(ctx context.Context) error {
	if len(k.brokers) == 0 {
		return fmt.Errorf("kafka: no brokers configured")
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", k.brokers[0])
	if err != nil {
		return err
	}
	return conn.Close()
}

// Close flushes and closes the underlying writer.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
