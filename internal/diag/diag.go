// Package diag implements the diagnostic sinks fed by the redirector.
//
// Every sink is non-blocking: a record that cannot be delivered immediately is
// discarded and counted in portredir_diag_dropped_total.
package diag

import "fmt"

// Record is one diagnostic event: a TCP source port about to be looked up.
type Record struct {
	SourcePort uint16
}

// Sink receives diagnostic records from the decision path.
// Record must not block and must be safe for concurrent use.
type Sink interface {
	Record(r Record)
}

// Closer is implemented by sinks that own background resources.
type Closer interface {
	Close() error
}

// Discard drops every record.
type Discard struct{}

// Record implements Sink.
func (Discard) Record(Record) {}

// Close releases the sink's resources if it owns any.
func Close(s Sink) error {
	if c, ok := s.(Closer); ok {
		return c.Close()
	}
	return nil
}

// Config selects and configures a sink.
type Config struct {
	Sink      string      // log | kafka | none
	RateLimit float64     // records per second for the log sink
	Burst     int         // burst for the log sink
	Kafka     KafkaConfig // used when Sink == "kafka"
}

// New builds the sink described by cfg.
func New(cfg Config) (Sink, error) {
	switch cfg.Sink {
	case "", "log":
		return NewLogSink(nil, cfg.RateLimit, cfg.Burst), nil
	case "kafka":
		s, err := NewKafkaSink(cfg.Kafka)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "none":
		return Discard{}, nil
	default:
		return nil, fmt.Errorf("unknown diagnostic sink %q", cfg.Sink)
	}
}
