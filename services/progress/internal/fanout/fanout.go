// Package fanout delivers stored progress to every open stream for the same
// user and book, across service replicas.
package fanout

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/reading-sync/internal/progress"
)

const subjectPrefix = "progress.updated"

type key struct{ user, book string }

// Hub is the in-process subscriber registry. With a NATS connection every
// publish goes through the broker so other replicas see it too; without one
// it short-circuits to local subscribers.
type Hub struct {
	mu   sync.Mutex
	subs map[key]map[chan progress.RemoteRecord]struct{}
	nc   *nats.Conn
	sub  *nats.Subscription
	log  *zap.Logger
}

func New(nc *nats.Conn, log *zap.Logger) (*Hub, error) {
	h := &Hub{subs: make(map[key]map[chan progress.RemoteRecord]struct{}), nc: nc, log: log}
	if nc == nil {
		log.Warn("NATS_URL not set, progress fanout stays inside this process")
		return h, nil
	}
	sub, err := nc.Subscribe(subjectPrefix+".>", h.handleMsg)
	if err != nil {
		return nil, err
	}
	h.sub = sub
	return h, nil
}

// Subject is the NATS subject for one user's book. Tokens are base64url so
// dots and wildcards in identifiers cannot leak into the subject grammar.
func Subject(userID, bookIdentifier string) string {
	enc := base64.RawURLEncoding
	return strings.Join([]string{subjectPrefix, enc.EncodeToString([]byte(userID)), enc.EncodeToString([]byte(bookIdentifier))}, ".")
}

// Publish announces a newly stored record.
func (h *Hub) Publish(_ context.Context, rec progress.RemoteRecord) error {
	if h.nc == nil {
		h.broadcast(rec)
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return h.nc.Publish(Subject(rec.UserID, rec.BookIdentifier), data)
}

func (h *Hub) handleMsg(msg *nats.Msg) {
	var rec progress.RemoteRecord
	if err := json.Unmarshal(msg.Data, &rec); err != nil {
		h.log.Warn("dropping malformed fanout message", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if msg.Subject != Subject(rec.UserID, rec.BookIdentifier) {
		h.log.Warn("fanout subject does not match payload", zap.String("subject", msg.Subject))
		return
	}
	h.broadcast(rec)
}

// Subscribe returns a channel holding at most the latest record for the
// book, and a cancel func that must be called once the caller is done.
func (h *Hub) Subscribe(userID, bookIdentifier string) (<-chan progress.RemoteRecord, func()) {
	ch := make(chan progress.RemoteRecord, 1)
	k := key{userID, bookIdentifier}

	h.mu.Lock()
	if h.subs[k] == nil {
		h.subs[k] = make(map[chan progress.RemoteRecord]struct{})
	}
	h.subs[k][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[k], ch)
			if len(h.subs[k]) == 0 {
				delete(h.subs, k)
			}
		})
	}
}

func (h *Hub) broadcast(rec progress.RemoteRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[key{rec.UserID, rec.BookIdentifier}] {
		// Replace whatever the slow reader has not picked up yet.
		select {
		case <-ch:
		default:
		}
		ch <- rec
	}
}

// Close stops receiving from NATS. Local subscribers stay registered.
func (h *Hub) Close() error {
	if h.sub == nil {
		return nil
	}
	return h.sub.Unsubscribe()
}
