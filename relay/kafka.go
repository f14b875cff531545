package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	kafka "github.com/segmentio/kafka-go"
)

const (
	kafkaReadTimeout  = 10 * time.Second
	kafkaWriteTimeout = 3 * time.Second

	// Publish is synchronous and blocks a peer's read loop, so a write must
	// not wait for a batch to fill.
	kafkaBatchTimeout = 5 * time.Millisecond

	// All envelopes share one key, so they land on one partition and every
	// node consumes them in the same order.
	kafkaKey = "minichat"

	BackoffMinInterval = 1 * time.Second
	BackoffMaxInterval = 60 * time.Second
	BackoffMultiplier  = 1.5
)

type IKafkaReader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

type IKafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

type KafkaConf struct {
	Brokers     []string
	Topic       string
	GroupPrefix string
	NodeId      string

	// Envelopes larger than this are neither written nor delivered.
	MaxValueBytes int
}

// KafkaBroker lets several relay nodes share one conversation. Each node
// reads the topic with its own consumer group, starting at the tail.
type KafkaBroker struct {
	reader        IKafkaReader
	writer        IKafkaWriter
	maxValueBytes int
}

func NewKafkaBroker(conf *KafkaConf) *KafkaBroker {
	return newKafkaBroker(kafka.NewReader(readerConfig(conf)), kafka.NewWriter(writerConfig(conf)), conf.MaxValueBytes)
}

func readerConfig(conf *KafkaConf) kafka.ReaderConfig {
	return kafka.ReaderConfig{
		Brokers:     conf.Brokers,
		GroupID:     fmt.Sprintf("%s-%s", conf.GroupPrefix, conf.NodeId),
		Topic:       conf.Topic,
		StartOffset: kafka.LastOffset,
		Dialer: &kafka.Dialer{
			Timeout:   kafkaReadTimeout,
			DualStack: true,
		},
	}
}

func writerConfig(conf *KafkaConf) kafka.WriterConfig {
	return kafka.WriterConfig{
		Brokers:      conf.Brokers,
		Topic:        conf.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    1,
		BatchTimeout: kafkaBatchTimeout,
		Dialer: &kafka.Dialer{
			Timeout:   kafkaWriteTimeout,
			DualStack: true,
		},
	}
}

func newKafkaBroker(reader IKafkaReader, writer IKafkaWriter, maxValueBytes int) *KafkaBroker {
	if maxValueBytes <= 0 {
		maxValueBytes = 2 * DefaultMaxMsgBytes
	}
	return &KafkaBroker{
		reader:        reader,
		writer:        writer,
		maxValueBytes: maxValueBytes,
	}
}

func (b *KafkaBroker) Publish(ctx context.Context, env *Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %v", err)
	}
	if len(value) > b.maxValueBytes {
		return fmt.Errorf("envelope exceeds max limit: %d bytes", b.maxValueBytes)
	}

	ctx2, cancel := context.WithTimeout(ctx, kafkaWriteTimeout)
	defer cancel()
	if err := b.writer.WriteMessages(ctx2, kafka.Message{Key: []byte(kafkaKey), Value: value}); err != nil {
		return fmt.Errorf("write to kafka: %w", err)
	}
	return nil
}

// Run consumes the topic until ctx is done, then closes reader and writer.
func (b *KafkaBroker) Run(ctx context.Context, deliver func(*Envelope)) {
	glog.Info("kafka broker: running")
	b.consumeLoop(ctx, deliver)

	glog.Info("kafka broker: stopping")
	_ = b.reader.Close() // slow: may take several seconds
	_ = b.writer.Close()
	glog.Info("kafka broker: stopped")
}

func (b *KafkaBroker) consumeLoop(ctx context.Context, deliver func(*Envelope)) {
	var sleep time.Duration

	for {
		msg, err := b.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				glog.V(5).Info("kafka broker: fetch was cancelled")
				return
			}
			glog.Errorf("kafka broker: fetch err: %v", err)
			if !sleepBackoff(ctx, &sleep) {
				return
			}
			continue
		}
		sleep = 0

		// skip: bad format or too large.
		if env := b.decode(&msg); env != nil {
			deliver(env)
		}

		for {
			err := b.reader.CommitMessages(ctx, msg)
			if err == nil {
				sleep = 0
				break
			}
			if ctx.Err() != nil {
				glog.V(5).Info("kafka broker: commit was cancelled")
				return
			}
			// An uncommitted message is fetched again after a restart.
			glog.Errorf("kafka broker: commit err: %v", err)
			if !sleepBackoff(ctx, &sleep) {
				return
			}
		}
	}
}

func (b *KafkaBroker) decode(msg *kafka.Message) *Envelope {
	if len(msg.Value) > b.maxValueBytes {
		glog.Errorf("kafka broker: value out of limit, offset: %d", msg.Offset)
		return nil
	}
	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		glog.Errorf("kafka broker: failed to unmarshal value: `%s`, error: %v", msg.Value, err)
		return nil
	}
	if env.Event == "" || env.Origin == "" || env.Node == "" {
		glog.Errorf("kafka broker: incomplete envelope at offset %d", msg.Offset)
		return nil
	}
	return &env
}

// sleepBackoff waits for the next backoff interval; false means ctx is done.
func sleepBackoff(ctx context.Context, d *time.Duration) bool {
	backoff(d)
	select {
	case <-time.After(*d):
		return true
	case <-ctx.Done():
		return false
	}
}

func backoff(d *time.Duration) {
	switch {
	case *d == 0:
		*d = BackoffMinInterval
	case *d >= BackoffMaxInterval:
		*d = BackoffMaxInterval
	default:
		*d = time.Duration(float64(*d) * BackoffMultiplier).Truncate(time.Millisecond)
		if *d > BackoffMaxInterval {
			*d = BackoffMaxInterval
		}
	}
}
