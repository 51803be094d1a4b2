package relay

import (
	"context"
	"log/slog"

	nats "github.com/nats-io/nats.go"

	"github.com/mirkobrombin/go-todolock/v1/broadcast"
)

// NATSSink publishes events on per-item NATS subjects.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSSink returns a NATSSink using conn. An empty prefix means
// DefaultSubjectPrefix.
func NewNATSSink(conn *nats.Conn, prefix string) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{conn: conn, prefix: prefix}
}

// Name implements broadcast.Sink.
func (s *NATSSink) Name() string { return "nats" }

// Forward implements broadcast.Sink.
func (s *NATSSink) Forward(_ context.Context, ev broadcast.ChangeEvent) error {
	data, err := encode(ev)
	if err != nil {
		return err
	}
	return s.conn.Publish(s.prefix+"."+subjectToken(ev.ItemID), data)
}

// SubscribeNATS feeds events published under prefix by other nodes into b
// until ctx is done.
func SubscribeNATS(ctx context.Context, conn *nats.Conn, prefix string, b *broadcast.Broadcaster, logger *slog.Logger) (*nats.Subscription, error) {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	sub, err := conn.Subscribe(prefix+".>", func(msg *nats.Msg) {
		deliver(b, logger, "nats", msg.Data)
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return sub, nil
}
