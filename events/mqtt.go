package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

const DefaultTopicPrefix = "fapi/events"

// MQTTPublisher publishes each event as JSON to
// <prefix>/<resourceType>/<eventType>.
type MQTTPublisher struct {
	client  paho.Client
	prefix  string
	qos     byte
	timeout time.Duration
	logger  *slog.Logger
}

type MQTTPublisherArgs struct {
	// Broker is a url such as tcp://localhost:1883.
	Broker      string
	ClientId    string
	TopicPrefix string
	QoS         byte
	Timeout     time.Duration
	Logger      *slog.Logger
}

func NewMQTTPublisher(args MQTTPublisherArgs) (*MQTTPublisher, error) {
	if args.Broker == "" {
		return nil, fmt.Errorf("no broker provided")
	}

	if args.ClientId == "" {
		args.ClientId = "fapi-events"
	}

	if args.TopicPrefix == "" {
		args.TopicPrefix = DefaultTopicPrefix
	}

	if args.Timeout <= 0 {
		args.Timeout = 5 * time.Second
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(args.Broker)
	opts.SetClientID(args.ClientId)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(args.Timeout)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(args.Timeout) {
		return nil, fmt.Errorf("timed out connecting to %s", args.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", args.Broker, err)
	}

	return &MQTTPublisher{
		client:  client,
		prefix:  strings.TrimSuffix(args.TopicPrefix, "/"),
		qos:     args.QoS,
		timeout: args.Timeout,
		logger:  args.Logger.With("component", "events", "sink", "mqtt"),
	}, nil
}

func (p *MQTTPublisher) Topic(ev Event) string {
	return p.prefix + "/" + ev.ResourceType + "/" + ev.Type
}

func (p *MQTTPublisher) Publish(ctx context.Context, ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		p.logger.ErrorContext(ctx, "could not marshal event", "err", err)
		return
	}

	token := p.client.Publish(p.Topic(ev), p.qos, false, b)
	if !token.WaitTimeout(p.timeout) {
		p.logger.WarnContext(ctx, "timed out publishing event", "type", ev.Type, "resource_id", ev.ResourceID)
		return
	}

	if err := token.Error(); err != nil {
		p.logger.ErrorContext(ctx, "could not publish event", "type", ev.Type, "err", err)
	}
}

func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
