package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/portredir/internal/core"
	"firestige.xyz/portredir/internal/metrics"
)

const (
	defaultQueueSize    = 4096
	defaultBatchSize    = 100
	defaultBatchTimeout = 100 * time.Millisecond
	defaultCompression  = "snappy"
	defaultMaxAttempts  = 3
	defaultCloseTimeout = 5 * time.Second
)

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	Compression  string // none|gzip|snappy|lz4
	MaxAttempts  int
	QueueSize    int
	Node         string // added to every message as a header
	Interface    string
}

func (c *KafkaConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = defaultBatchTimeout
	}
	if c.Compression == "" {
		c.Compression = defaultCompression
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
}

// messageWriter is the subset of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaEvent struct {
	SourcePort uint16 `json:"source_port"`
	Timestamp  int64  `json:"timestamp"`
}

type queued struct {
	port uint16
	at   time.Time
}

// KafkaSink streams diagnostic records to a Kafka topic. Record enqueues into
// a bounded channel and drops on overflow.
type KafkaSink struct {
	writer  messageWriter
	cfg     KafkaConfig
	queue   chan queued
	dropped prometheus.Counter
	logger  *slog.Logger

	closeOnce sync.Once
	closing   atomic.Bool
	stop      chan struct{}
	done      chan struct{}

	sent   atomic.Uint64
	errors atomic.Uint64
}

// NewKafkaSink creates a Kafka sink and starts its writer goroutine.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka brokers are required", core.ErrConfigInvalid)
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("%w: kafka topic is required", core.ErrConfigInvalid)
	}
	cfg.applyDefaults()

	writerConfig := kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  cfg.MaxAttempts,
	}

	switch cfg.Compression {
	case "none":
		writerConfig.CompressionCodec = nil
	case "gzip":
		writerConfig.CompressionCodec = compress.Gzip.Codec()
	case "snappy":
		writerConfig.CompressionCodec = compress.Snappy.Codec()
	case "lz4":
		writerConfig.CompressionCodec = compress.Lz4.Codec()
	default:
		return nil, fmt.Errorf("%w: invalid compression type: %s", core.ErrConfigInvalid, cfg.Compression)
	}

	return newKafkaSink(kafka.NewWriter(writerConfig), cfg), nil
}

func newKafkaSink(w messageWriter, cfg KafkaConfig) *KafkaSink {
	cfg.applyDefaults()
	s := &KafkaSink{
		writer:  w,
		cfg:     cfg,
		queue:   make(chan queued, cfg.QueueSize),
		dropped: metrics.DiagDroppedTotal.WithLabelValues("kafka"),
		logger:  slog.Default().With("component", "diag", "sink", "kafka"),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run()

	s.logger.Info("kafka sink started",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"batch_size", cfg.BatchSize,
		"batch_timeout", cfg.BatchTimeout,
		"compression", cfg.Compression,
	)
	return s
}

// Record implements Sink.
func (s *KafkaSink) Record(r Record) {
	if s.closing.Load() {
		s.dropped.Inc()
		return
	}
	select {
	case s.queue <- queued{port: r.SourcePort, at: time.Now()}:
	default:
		s.dropped.Inc()
	}
}

func (s *KafkaSink) run() {
	defer close(s.done)

	batch := make([]kafka.Message, 0, s.cfg.BatchSize)
	ticker := time.NewTicker(s.cfg.BatchTimeout)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), defaultCloseTimeout)
		err := s.writer.WriteMessages(ctx, batch...)
		cancel()
		if err != nil {
			s.errors.Add(uint64(len(batch)))
			s.dropped.Add(float64(len(batch)))
			s.logger.Warn("kafka write failed", "error", err, "messages", len(batch))
		} else {
			s.sent.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}

	add := func(q queued) {
		msg, err := s.message(q)
		if err != nil {
			s.errors.Add(1)
			return
		}
		batch = append(batch, msg)
		if len(batch) >= s.cfg.BatchSize {
			flush()
		}
	}

	for {
		select {
		case q := <-s.queue:
			add(q)
		case <-ticker.C:
			flush()
		case <-s.stop:
			for {
				select {
				case q := <-s.queue:
					add(q)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *KafkaSink) message(q queued) (kafka.Message, error) {
	value, err := json.Marshal(kafkaEvent{SourcePort: q.port, Timestamp: q.at.UnixMilli()})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("serialize record failed: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(strconv.Itoa(int(q.port))),
		Value: value,
		Time:  q.at,
	}
	if s.cfg.Node != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: core.LabelNode, Value: []byte(s.cfg.Node)})
	}
	if s.cfg.Interface != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: core.LabelInterface, Value: []byte(s.cfg.Interface)})
	}
	return msg, nil
}

// Sent returns the number of records delivered to Kafka.
func (s *KafkaSink) Sent() uint64 { return s.sent.Load() }

// Close flushes queued records and closes the writer.
// Records arriving after Close are dropped.
func (s *KafkaSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		close(s.stop)
		<-s.done
		if cerr := s.writer.Close(); cerr != nil {
			err = fmt.Errorf("close kafka writer: %w", cerr)
		}
		s.logger.Info("kafka sink stopped",
			"total_sent", s.sent.Load(),
			"total_errors", s.errors.Load(),
		)
	})
	return err
}
