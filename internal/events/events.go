// Package events implements the subscriber side of the operation
// broadcast channel CRDT publishes to (§6): a dedicated pgx connection
// parked on LISTEN, decoding each NOTIFY payload and handing it to the
// caller's callback until the context is cancelled.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"kerai/internal/kerrors"
	"kerai/internal/kstore"
)

const channel = "kerai_ops"

// Event mirrors the JSON payload crdt.eventPayload emits.
type Event struct {
	OpType    string    `json:"op_type"`
	NodeID    uuid.UUID `json:"node_id"`
	LamportTS int64     `json:"lamport_ts"`
	Author    string    `json:"author"`
}

// Subscriber holds a dedicated connection listening on the kerai_ops
// channel, separate from the pool every other component shares.
type Subscriber struct {
	conn *pgx.Conn
	log  *logrus.Logger
}

// Subscribe acquires a raw connection off the pool's DSN and issues
// LISTEN. The caller owns the returned Subscriber's lifetime and must
// call Close when done.
func Subscribe(ctx context.Context, store *kstore.Store, log *logrus.Logger) (*Subscriber, error) {
	cfg := store.Pool.Config().ConnConfig.Copy()
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Internal, err, "events: connect dedicated listen conn")
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel)); err != nil {
		conn.Close(ctx)
		return nil, kerrors.Wrap(kerrors.Internal, err, "events: LISTEN")
	}
	return &Subscriber{conn: conn, log: log}, nil
}

// Close releases the dedicated connection.
func (s *Subscriber) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// Next blocks until the next notification arrives, the context is
// cancelled, or the connection drops.
func (s *Subscriber) Next(ctx context.Context) (Event, error) {
	notif, err := s.conn.WaitForNotification(ctx)
	if err != nil {
		return Event{}, kerrors.Wrap(kerrors.Internal, err, "events: wait for notification")
	}
	var ev Event
	if err := json.Unmarshal([]byte(notif.Payload), &ev); err != nil {
		return Event{}, kerrors.Wrap(kerrors.Internal, err, "events: decode payload")
	}
	return ev, nil
}

// Run drives Next in a loop, invoking handler for every event until
// ctx is cancelled (returns nil) or Next fails (returns that error). A
// handler panic is recovered and logged and the loop continues -- one
// bad subscriber callback should never tear down the listener.
func (s *Subscriber) Run(ctx context.Context, handler func(Event)) error {
	for {
		ev, err := s.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		func() {
			defer func() {
				if r := recover(); r != nil && s.log != nil {
					s.log.WithField("panic", r).Error("events: handler panicked")
				}
			}()
			handler(ev)
		}()
	}
}
