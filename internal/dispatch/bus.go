package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"larkgate/internal/config"
	"larkgate/internal/constants"
	"larkgate/internal/logger"
	"larkgate/pkg/errors"
	"larkgate/pkg/metrics"
	"larkgate/pkg/models"
	"larkgate/pkg/tracing"
)

// busWriter is the slice of *kafka.Writer the dispatcher needs, kept narrow
// so tests can substitute a recording fake.
type busWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// BusDispatcher publishes accepted canonical messages to a Kafka topic.
// Messages are keyed by session so one conversation stays ordered within a
// partition.
type BusDispatcher struct {
	writer busWriter
	topic  string
	logger logger.Logger
}

func NewBusDispatcher(cfg config.KafkaConfig, log logger.Logger) *BusDispatcher {
	topic := cfg.Topic
	if topic == "" {
		topic = constants.DefaultBusTopic
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: constants.KafkaBatchTimeout,
		WriteTimeout: constants.KafkaWriteTimeout,
		Async:        false,
	}
	return &BusDispatcher{writer: w, topic: topic, logger: log}
}

func (d *BusDispatcher) Name() string { return "bus" }

func (d *BusDispatcher) Dispatch(ctx context.Context, msg models.CanonicalMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	headers := []kafka.Header{}
	headers = tracing.InjectTraceContext(ctx, headers)

	start := time.Now()
	err = d.writer.WriteMessages(ctx,
		kafka.Message{
			Topic:   d.topic,
			Key:     []byte(msg.SessionKey),
			Value:   body,
			Headers: headers,
			Time:    time.Now(),
		},
	)
	elapsed := time.Since(start)
	metrics.BusWriteDuration.WithLabelValues(d.topic).Observe(float64(elapsed.Milliseconds()))
	metrics.ObserveDispatchDuration(elapsed, d.Name())

	if err != nil {
		metrics.DispatchTotal.WithLabelValues(d.Name(), "error").Inc()
		return errors.Wrap(fmt.Errorf("failed to write bus message: %w", err), errors.ErrDispatch)
	}

	metrics.BusMessagesWrittenTotal.WithLabelValues(d.topic).Inc()
	metrics.DispatchTotal.WithLabelValues(d.Name(), "success").Inc()
	d.logger.DebugwCtx(ctx, "Message published to bus",
		"topic", d.topic,
		"session_key", msg.SessionKey,
	)
	return nil
}

func (d *BusDispatcher) Close() error {
	return d.writer.Close()
}
