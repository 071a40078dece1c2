package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const DefaultSubject = "listing-batch.events"

type NATSConfig struct {
	URL     string
	Subject string
}

// NATSSink publishes events as JSON on a core NATS subject.
type NATSSink struct {
	nc      *nats.Conn
	subject string
}

func NewNATSSink(cfg NATSConfig) (*NATSSink, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("listing-batch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	subject := cfg.Subject
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSSink{nc: nc, subject: subject}, nil
}

func (s *NATSSink) Publish(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.nc.Publish(s.subject, data)
}

func (s *NATSSink) Close() {
	if s.nc == nil {
		return
	}
	_ = s.nc.Drain()
}
