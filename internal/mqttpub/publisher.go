package mqttpub

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/micro-ha/audiconnect/addon/internal/audiapi"
	"github.com/micro-ha/audiconnect/addon/internal/coordinator"
)

const (
	AvailabilityOnline  = "online"
	AvailabilityStale   = "stale"
	AvailabilityOffline = "offline"

	publishTimeout = 10 * time.Second
	queueSize      = 128
)

func StateTopic(prefix, vin string) string {
	return prefix + "/" + strings.ToUpper(vin) + "/state"
}

func AvailabilityTopic(prefix, vin string) string {
	return prefix + "/" + strings.ToUpper(vin) + "/availability"
}

func BridgeTopic(prefix string) string {
	return prefix + "/bridge/availability"
}

// Sink is the publishing side of an MQTT connection.
type Sink interface {
	Publish(ctx context.Context, topic string, retain bool, payload []byte) error
}

type message struct {
	topic   string
	payload []byte
}

// Publisher mirrors coordinator snapshots to retained MQTT topics.
type Publisher struct {
	sink   Sink
	prefix string
	logger *slog.Logger
	queue  chan message

	mu    sync.Mutex
	known map[string]map[string]struct{} // account -> VINs
}

func NewPublisher(sink Sink, prefix string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		sink:   sink,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
		queue:  make(chan message, queueSize),
		known:  make(map[string]map[string]struct{}),
	}
}

// Handle is a coordinator subscriber and never blocks.
func (p *Publisher) Handle(ev coordinator.Event) {
	switch ev.Kind {
	case coordinator.EventSnapshot:
		if ev.View == nil {
			return
		}
		p.remember(ev.Account, ev.VIN)
		payload, err := json.Marshal(ev.View)
		if err != nil {
			p.logger.Warn("mqtt state encode failed", "err", err)
			return
		}
		availability := AvailabilityOnline
		switch {
		case ev.View.AuthFailed:
			availability = AvailabilityOffline
		case ev.View.Stale:
			availability = AvailabilityStale
		}
		p.enqueue(StateTopic(p.prefix, ev.VIN), payload)
		p.enqueue(AvailabilityTopic(p.prefix, ev.VIN), []byte(availability))
	case coordinator.EventRefreshFailed:
		if ev.VIN == "" && audiapi.IsAuth(ev.Err) {
			for _, vin := range p.vins(ev.Account) {
				p.enqueue(AvailabilityTopic(p.prefix, vin), []byte(AvailabilityOffline))
			}
		}
	}
}

// Run publishes queued messages until ctx is done.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.queue:
			p.publish(ctx, msg)
		}
	}
}

// Offline marks every published vehicle offline; called on shutdown.
func (p *Publisher) Offline(ctx context.Context) {
	p.mu.Lock()
	var vins []string
	for _, set := range p.known {
		for vin := range set {
			vins = append(vins, vin)
		}
	}
	p.mu.Unlock()
	for _, vin := range vins {
		p.publish(ctx, message{topic: AvailabilityTopic(p.prefix, vin), payload: []byte(AvailabilityOffline)})
	}
}

func (p *Publisher) publish(ctx context.Context, msg message) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.sink.Publish(ctx, msg.topic, true, msg.payload); err != nil {
		p.logger.Warn("mqtt publish failed", "topic", msg.topic, "err", err)
	}
}

func (p *Publisher) enqueue(topic string, payload []byte) {
	select {
	case p.queue <- message{topic: topic, payload: payload}:
	default:
		p.logger.Warn("mqtt queue full, dropping message", "topic", topic)
	}
}

func (p *Publisher) remember(account, vin string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.known[account]
	if !ok {
		set = make(map[string]struct{})
		p.known[account] = set
	}
	set[strings.ToUpper(vin)] = struct{}{}
}

func (p *Publisher) vins(account string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.known[account]))
	for vin := range p.known[account] {
		out = append(out, vin)
	}
	return out
}
