// Package events fans position, price and liquidation events out to
// subscribers: WebSocket clients and NATS subjects.
package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Message types.
const (
	TypePositionCreated  = "position_created"
	TypePositionUpdated  = "position_updated"
	TypePositionClosed   = "position_closed"
	TypeLiquidated       = "position_liquidated"
	TypeCandidates       = "liquidation_candidates"
	TypePriceUpdated     = "price_updated"
	TypeSettlementParked = "settlement_deferred"
)

// Message is one event as delivered to subscribers.
type Message struct {
	Type         string    `json:"type"`
	CDPID        uint64    `json:"cdp_id,omitempty"`
	Owner        string    `json:"owner,omitempty"`
	Actor        string    `json:"actor,omitempty"`
	Amount       uint64    `json:"amount,omitempty"`
	Collateral   uint64    `json:"collateral,omitempty"`
	Minted       uint64    `json:"minted,omitempty"`
	RatioBps     uint64    `json:"ratio_bps,omitempty"`
	PriceCents   uint64    `json:"price_cents,omitempty"`
	PriceUSD     string    `json:"price_usd,omitempty"`
	Status       string    `json:"status,omitempty"`
	Count        int       `json:"count,omitempty"`
	SettlementID string    `json:"settlement_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Publisher delivers messages. Publish must not block the caller on slow
// subscribers.
type Publisher interface {
	Publish(msg Message)
}

// Multi publishes to every publisher in order.
type Multi []Publisher

func (m Multi) Publish(msg Message) {
	for _, p := range m {
		if p != nil {
			p.Publish(msg)
		}
	}
}

// Discard drops every message.
type Discard struct{}

func (Discard) Publish(Message) {}

// NATSPublisher publishes each message as JSON on <prefix>.<type>.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher wraps an established connection.
func NewNATSPublisher(conn *nats.Conn, prefix string, logger *slog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "bollar"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger.With("component", "nats")}
}

// ConnectNATS dials url with reconnects enabled.
func ConnectNATS(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
}

// Subject returns the subject msg is published on.
func (p *NATSPublisher) Subject(msg Message) string {
	return p.prefix + "." + msg.Type
}

func (p *NATSPublisher) Publish(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := p.conn.Publish(p.Subject(msg), data); err != nil {
		p.logger.Warn("nats publish failed", "type", msg.Type, "err", err)
	}
}
