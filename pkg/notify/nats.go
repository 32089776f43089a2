package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/odvcencio/chartshot/pkg/logging"
)

// DefaultSubject is the base subject events are published under.
const DefaultSubject = "chartshot.events"

// NATSConfig configures the NATS connection shared by publisher and
// subscriber.
type NATSConfig struct {
	URL            string
	Subject        string
	ConnectTimeout time.Duration
	// Logger receives disconnect and reconnect notices.
	Logger *logging.Logger
}

func (cfg NATSConfig) withDefaults() NATSConfig {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	return cfg
}

// dial connects with unlimited reconnects. The first connect is not retried
// so a wrong URL fails fast at startup.
func dial(cfg NATSConfig, name string) (*nats.Conn, error) {
	log := cfg.Logger
	conn, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn(logging.CategoryNotify, "nats.disconnected", err.Error(), map[string]any{"url": cfg.URL})
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info(logging.CategoryNotify, "nats.reconnected", "reconnected", map[string]any{"url": c.ConnectedUrl()})
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	return conn, nil
}

// Subject returns the subject an event is published on: <base>.<type>.
func Subject(base string, event *Event) string {
	return base + "." + string(event.Type)
}

// NATSPublisher publishes events to NATS.
type NATSPublisher struct {
	conn *nats.Conn
	base string
}

func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	cfg = cfg.withDefaults()
	conn, err := dial(cfg, "chartshot-publisher")
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{conn: conn, base: cfg.Subject}, nil
}

// Publish sends the event with its ID as the Nats-Msg-Id header, which lets
// a JetStream stream on the subject drop redeliveries.
func (p *NATSPublisher) Publish(ctx context.Context, event *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := nats.NewMsg(Subject(p.base, event))
	msg.Header.Set(nats.MsgIdHdr, event.ID)
	msg.Data = event.JSON()
	return p.conn.PublishMsg(msg)
}

// Close flushes buffered messages before closing the connection.
func (p *NATSPublisher) Close() error {
	err := p.conn.FlushTimeout(2 * time.Second)
	p.conn.Close()
	if err == nats.ErrConnectionClosed {
		return nil
	}
	return err
}

// NATSSubscriber receives events published under a base subject.
type NATSSubscriber struct {
	conn   *nats.Conn
	base   string
	logger *logging.Logger
}

func NewNATSSubscriber(cfg NATSConfig) (*NATSSubscriber, error) {
	cfg = cfg.withDefaults()
	conn, err := dial(cfg, "chartshot-events")
	if err != nil {
		return nil, err
	}
	return &NATSSubscriber{conn: conn, base: cfg.Subject, logger: cfg.Logger}, nil
}

// Subscribe delivers every event under <base>.> to handler, in order, until
// ctx ends. Messages that do not decode are logged and skipped.
func (s *NATSSubscriber) Subscribe(ctx context.Context, handler func(*Event)) error {
	msgs := make(chan *nats.Msg, 64)
	sub, err := s.conn.ChanSubscribe(s.base+".>", msgs)
	if err != nil {
		return fmt.Errorf("subscribe %s.>: %w", s.base, err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			event, err := ParseEvent(msg.Data)
			if err != nil {
				s.logger.Debug(logging.CategoryNotify, "nats.bad_event", err.Error(), map[string]any{"subject": msg.Subject})
				continue
			}
			handler(event)
		}
	}
}

func (s *NATSSubscriber) Close() error {
	s.conn.Close()
	return nil
}

var (
	_ Publisher  = (*NATSPublisher)(nil)
	_ Subscriber = (*NATSSubscriber)(nil)
)
