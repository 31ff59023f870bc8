package chatsync

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// DeliveryState is the per-message status shown next to own messages.
type DeliveryState string

const (
	DeliverySending   DeliveryState = "sending"
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliverySeen      DeliveryState = "seen"
)

// Receipt is the derived status of one message. ReadBy lists the other
// participants found in the reader set, in participant order.
type Receipt struct {
	State  DeliveryState
	ReadBy []string
}

// Status derives a message's delivery state. It is computed the same way for
// direct and group chats: "others" are the participants minus the current
// user and minus the sender.
func Status(m Message, currentUserID string, participants []string) Receipt {
	if m.Pending() {
		return Receipt{State: DeliverySending}
	}
	if len(participants) == 0 {
		return Receipt{State: DeliverySent}
	}
	seen := make(map[string]struct{}, len(participants))
	var others, readers []string
	for _, p := range participants {
		if p == "" || p == currentUserID || p == m.SenderID {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		others = append(others, p)
		if m.HasReader(p) {
			readers = append(readers, p)
		}
	}
	switch {
	case len(others) == 0:
		return Receipt{State: DeliverySent}
	case len(readers) == len(others):
		return Receipt{State: DeliverySeen, ReadBy: readers}
	case len(readers) > 0:
		return Receipt{State: DeliveryDelivered, ReadBy: readers}
	default:
		return Receipt{State: DeliverySent}
	}
}

// ReadMarker persists "everything read" for a conversation. *Client
// implements it.
type ReadMarker interface {
	MarkAllRead(ctx context.Context, chatID string) error
}

// Emitter writes socket events. *Connection implements it.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

// AggregatorConfig configures an Aggregator.
type AggregatorConfig struct {
	Store   *MessageStore
	API     ReadMarker
	Socket  Emitter // optional
	Timeout time.Duration
	Logger  *zap.Logger
}

// Aggregator applies local and remote read markers to a store.
type Aggregator struct {
	cfg AggregatorConfig
}

// NewAggregator creates an Aggregator.
func NewAggregator(cfg AggregatorConfig) *Aggregator {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Aggregator{cfg: cfg}
}

// MarkRead adds userID to the reader set of every visible message, tells
// the socket, then persists through REST. A 404 means the server has no
// read-all endpoint yet and is not an error. It returns how many messages
// changed locally.
func (a *Aggregator) MarkRead(ctx context.Context, chatID, userID string) (int, error) {
	n := a.cfg.Store.AppendReaderAll(userID)

	if a.cfg.Socket != nil {
		err := a.cfg.Socket.Emit(ctx, EventMessageRead, map[string]string{"chatId": chatID, "userId": userID})
		if err != nil && !errors.Is(err, ErrNotConnected) {
			a.cfg.Logger.Debug("mark_read_emit_failed", zap.Error(err))
		}
	}
	if a.cfg.API == nil {
		return n, nil
	}

	rctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	if err := a.cfg.API.MarkAllRead(rctx, chatID); err != nil {
		if IsNotFound(err) {
			a.cfg.Logger.Warn("read_all_unavailable", zap.String("chat", chatID))
			return n, nil
		}
		return n, err
	}
	return n, nil
}

// ApplyRemoteRead records a messageRead frame. Without message ids the
// reader has read everything they did not send.
func (a *Aggregator) ApplyRemoteRead(f *ReadFrame) int {
	if len(f.MessageIDs) == 0 {
		return a.cfg.Store.AppendReaderAll(f.UserID)
	}
	n := 0
	for _, id := range f.MessageIDs {
		if a.cfg.Store.AppendReader(id, f.UserID) {
			n++
		}
	}
	return n
}
