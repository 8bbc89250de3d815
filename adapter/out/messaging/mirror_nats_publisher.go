package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"mirror_server/core/domain"
	"mirror_server/core/port/out"
)

const (
	natsStreamName    = "MIRROR_SYNC"
	natsSubjectPrefix = "mirror.sync"
)

// NATSPublisher publishes sync events to NATS JetStream.
// The broker deduplicates on the message id (run id + event type).
type NATSPublisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewNATSPublisher connects and makes sure the event stream exists.
func NewNATSPublisher(url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("mirror-sync"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	p := &NATSPublisher{nc: nc, js: js}
	if err := p.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

func (p *NATSPublisher) ensureStream() error {
	if info, err := p.js.StreamInfo(natsStreamName); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       natsStreamName,
		Subjects:   []string{natsSubjectPrefix + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: eventDedupeTTL,
		MaxAge:     7 * 24 * time.Hour,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// PublishSyncEvent publishes to mirror.sync.<account>.<event>.
func (p *NATSPublisher) PublishSyncEvent(ctx context.Context, event *domain.SyncEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := p.js.Publish(eventSubject(event), payload, nats.MsgId(eventKey(event)), nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close closes the NATS connection.
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// eventSubject keeps account ids from introducing extra subject tokens.
func eventSubject(event *domain.SyncEvent) string {
	account := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(event.AccountID)
	kind := strings.TrimPrefix(string(event.Type), "sync.")
	return natsSubjectPrefix + "." + account + "." + kind
}

var _ out.SyncEventPublisher = (*NATSPublisher)(nil)
