// Package events publishes terminal task results to Kafka so the
// orchestrator side can consume progress without polling the
// controller.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/andrej220/winbatch/pkg/batch"
	"github.com/andrej220/winbatch/pkg/lg"
)

type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// ResultEvent is the wire form of one published task result.
type ResultEvent struct {
	Host       string           `json:"host"`
	Result     batch.TaskResult `json:"result"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// Publisher writes result events to one Kafka topic, keyed by host so
// per-host ordering survives partitioning.
type Publisher struct {
	writer messageWriter
	log    lg.Logger
}

func NewPublisher(brokers []string, topic string, log lg.Logger) *Publisher {
	if log == nil {
		log = lg.Discard
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			Async:                  false,
			AllowAutoTopicCreation: true,
		},
		log: log,
	}
}

func (p *Publisher) Publish(ctx context.Context, host string, res batch.TaskResult) error {
	value, err := json.Marshal(ResultEvent{
		Host:       host,
		Result:     res,
		OccurredAt: time.Now(),
	})
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(host),
		Value: value,
	})
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
