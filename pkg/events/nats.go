package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/speedrun-hq/giwa-runner/pkg/config"
	"github.com/speedrun-hq/giwa-runner/pkg/logger"
)

// NATSSink publishes events as JSON on <prefix>.<runID>
type NATSSink struct {
	conn   *nats.Conn
	prefix string
}

var _ Sink = (*NATSSink)(nil)

// NewNATSSink connects to the NATS server at url, reconnecting forever
func NewNATSSink(url, prefix string, log logger.Logger) (*NATSSink, error) {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	if prefix == "" {
		prefix = config.DefaultNATSSubjectPrefix
	}

	conn, err := nats.Connect(url,
		nats.Name("giwa-runner"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Error("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Notice("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSSink{conn: conn, prefix: strings.TrimSuffix(prefix, ".")}, nil
}

// Subject returns the subject the events of runID are published on
func (s *NATSSink) Subject(runID string) string {
	return Subject(s.prefix, runID)
}

// Subject joins prefix and runID into a NATS subject
func Subject(prefix, runID string) string {
	return strings.TrimSuffix(prefix, ".") + "." + runID
}

func (s *NATSSink) Publish(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return s.conn.Publish(s.Subject(ev.RunID), data)
}

func (s *NATSSink) Close() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
	}
}
