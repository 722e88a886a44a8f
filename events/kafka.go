package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// DefaultWriteTimeout bounds one write to the brokers.
const DefaultWriteTimeout = 5 * time.Second

// KafkaConfig selects the brokers and topic for operator events.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// WriteTimeout bounds each broker write. Defaults to DefaultWriteTimeout.
	WriteTimeout time.Duration
	// Sync waits for the broker acknowledgement in Publish. By default
	// writes are queued and failures are logged from the completion hook.
	Sync   bool
	Logger *zerolog.Logger
}

// ParseBrokers splits a comma-separated broker list.
func ParseBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic keyed by survey, so every
// event of a survey lands on the same partition in order.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	now    func() time.Time
}

// NewKafkaPublisher builds a publisher backed by a kafka.Writer.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		MaxAttempts:            3,
		WriteTimeout:           cfg.WriteTimeout,
		Async:                  !cfg.Sync,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		Completion:             completionLogger(logger, cfg.Topic),
	}
	return newKafkaPublisher(writer, cfg.Topic), nil
}

func newKafkaPublisher(w messageWriter, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic, now: time.Now}
}

// Publish hands evt to the writer. With an async writer it returns once the
// message is queued; delivery failures surface in the completion log.
func (p *KafkaPublisher) Publish(ctx context.Context, evt Event) error {
	if evt.Type == "" || evt.SurveyID == "" {
		return fmt.Errorf("event type and survey id are required")
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = p.now().UTC()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	headers := []kafka.Header{
		{Key: "type", Value: []byte(evt.Type)},
		{Key: "survey_id", Value: []byte(evt.SurveyID)},
	}
	if evt.EntryID != "" {
		headers = append(headers, kafka.Header{Key: "entry_id", Value: []byte(evt.EntryID)})
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(evt.SurveyID),
		Value:   data,
		Headers: headers,
	}); err != nil {
		return fmt.Errorf("publish %s to %s: %w", evt.Type, p.topic, err)
	}
	return nil
}

// completionLogger reports async delivery failures, which Publish cannot see.
func completionLogger(logger zerolog.Logger, topic string) func([]kafka.Message, error) {
	return func(msgs []kafka.Message, err error) {
		if err == nil {
			return
		}
		logger.Warn().Err(err).
			Str("event", "publish").
			Str("topic", topic).
			Int("messages", len(msgs)).
			Msg("operator events dropped")
	}
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
