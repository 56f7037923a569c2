// Package events publishes pipeline notifications to downstream consumers.
// The in-process backend is a watermill gochannel; production deployments
// publish to core NATS subjects through watermill-nats.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/jengzang/trail-pipeline/internal/logging"
	"github.com/jengzang/trail-pipeline/internal/metrics"
	"github.com/jengzang/trail-pipeline/internal/models"
)

// Topics
const (
	TopicPlaceCreated    = "place.created"
	TopicVisitsUpdated   = "visits.updated"
	TopicTripsUpdated    = "trips.updated"
	TopicRawDataReceived = "rawdata.received"
)

// Drivers
const (
	DriverMemory = "memory"
	DriverNATS   = "nats"
)

// Config selects the event backend
type Config struct {
	Driver  string `koanf:"driver"`
	NATSURL string `koanf:"nats_url"`
}

// Payload is the body of the data-change topics
type Payload struct {
	Username  string   `json:"username"`
	PreviewID string   `json:"previewId,omitempty"`
	Dates     []string `json:"dates"`
}

// PlaceCreatedPayload is the body of place.created
type PlaceCreatedPayload struct {
	Username  string  `json:"username"`
	PreviewID string  `json:"previewId,omitempty"`
	PlaceID   int64   `json:"placeId"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// NewGoChannel creates the in-process pub/sub
func NewGoChannel() *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, watermillLogger())
}

// NewNATSPublisher connects a core NATS publisher; JetStream is not used
func NewNATSPublisher(url string) (message.Publisher, error) {
	log := logging.Component("events")
	pub, err := wmnats.NewPublisher(wmnats.PublisherConfig{
		URL: url,
		NatsOptions: []natsgo.Option{
			natsgo.RetryOnFailedConnect(true),
			natsgo.MaxReconnects(-1),
			natsgo.ReconnectWait(2 * time.Second),
			natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
				if err != nil {
					log.Warn().Err(err).Msg("NATS disconnected")
				}
			}),
			natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
				log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			}),
		},
		Marshaler: &wmnats.NATSMarshaler{},
		JetStream: wmnats.JetStreamConfig{Disabled: true},
	}, watermillLogger())
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS publisher: %w", err)
	}
	return pub, nil
}

// Open builds the publisher named by cfg.Driver
func Open(cfg Config) (message.Publisher, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewGoChannel(), nil
	case DriverNATS:
		return NewNATSPublisher(cfg.NATSURL)
	default:
		return nil, fmt.Errorf("unknown events driver %q", cfg.Driver)
	}
}

func watermillLogger() watermill.LoggerAdapter {
	return watermill.NewSlogLogger(logging.NewSlogLogger())
}

// Bus serializes payloads and publishes them behind a circuit breaker.
// Publishing never fails the caller: errors are logged and counted.
type Bus struct {
	pub     message.Publisher
	breaker *gobreaker.CircuitBreaker[struct{}]
	log     zerolog.Logger
}

// NewBus wraps a watermill publisher
func NewBus(pub message.Publisher) *Bus {
	log := logging.Component("events")
	return &Bus{
		pub: pub,
		breaker: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        "events",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
			},
		}),
		log: log,
	}
}

// PlaceCreated announces a new significant place
func (b *Bus) PlaceCreated(ctx context.Context, scope models.Scope, p models.SignificantPlace) {
	b.publish(ctx, TopicPlaceCreated, PlaceCreatedPayload{
		Username:  scope.Username,
		PreviewID: scope.PreviewID,
		PlaceID:   p.ID,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
	})
}

// VisitsUpdated announces that processed visits changed in tr
func (b *Bus) VisitsUpdated(ctx context.Context, scope models.Scope, tr models.TimeRange) {
	b.publish(ctx, TopicVisitsUpdated, payload(scope, tr))
}

// TripsUpdated announces that trips changed in tr
func (b *Bus) TripsUpdated(ctx context.Context, scope models.Scope, tr models.TimeRange) {
	b.publish(ctx, TopicTripsUpdated, payload(scope, tr))
}

// RawDataReceived announces stored raw points in tr
func (b *Bus) RawDataReceived(ctx context.Context, scope models.Scope, tr models.TimeRange) {
	b.publish(ctx, TopicRawDataReceived, payload(scope, tr))
}

// Close closes the underlying publisher
func (b *Bus) Close() error {
	return b.pub.Close()
}

func (b *Bus) publish(ctx context.Context, topic string, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		b.fail(topic, err)
		return
	}

	msg := message.NewMessage(uuid.NewString(), data)
	msg.SetContext(ctx)
	msg.Metadata.Set("topic", topic)

	_, err = b.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, b.pub.Publish(topic, msg)
	})
	if err != nil {
		b.fail(topic, err)
		return
	}
	b.log.Debug().Str("topic", topic).Str("message_id", msg.UUID).Msg("Event published")
}

func (b *Bus) fail(topic string, err error) {
	metrics.EventsFailed.WithLabelValues(topic).Inc()
	b.log.Error().Err(err).Str("topic", topic).Msg("Failed to publish event")
}

func payload(scope models.Scope, tr models.TimeRange) Payload {
	return Payload{Username: scope.Username, PreviewID: scope.PreviewID, Dates: Dates(tr)}
}

// Dates lists the UTC calendar days touched by tr as YYYY-MM-DD
func Dates(tr models.TimeRange) []string {
	if tr.End.Before(tr.Start) {
		return nil
	}
	start := tr.Start.UTC().Truncate(24 * time.Hour)
	end := tr.End.UTC()

	var out []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, d.Format("2006-01-02"))
	}
	return out
}
