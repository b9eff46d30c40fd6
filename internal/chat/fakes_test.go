package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"go-social/internal/presence"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

var errStoreDown = errors.New("connection refused")

type fakeStore struct {
	mu      sync.Mutex
	rows    []*Message
	failErr error

	// When set, InsertMessage signals entered and then blocks until gate is closed.
	entered chan struct{}
	gate    chan struct{}
}

func (s *fakeStore) InsertMessage(_ context.Context, m NewMessage) (*Message, error) {
	if s.gate != nil {
		s.entered <- struct{}{}
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failErr != nil {
		return nil, s.failErr
	}
	msg := &Message{
		ID:         uuid.NewString(),
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		MediaURL:   m.MediaURL,
		Status:     m.Status,
		CreatedAt:  time.Now(),
	}
	s.rows = append(s.rows, msg)
	return msg, nil
}

func (s *fakeStore) RecentMessages(_ context.Context, a, b string, limit int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failErr != nil {
		return nil, s.failErr
	}
	var out []*Message
	for _, m := range s.rows {
		if (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a) {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *fakeStore) first() *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[0]
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// recordingConn captures every payload pushed to it.
type recordingConn struct {
	id      string
	mu      sync.Mutex
	frames  [][]byte
	sendErr error
}

func newRecordingConn() *recordingConn { return &recordingConn{id: uuid.NewString()} }

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.frames = append(c.frames, p)
	return nil
}

func (c *recordingConn) Close() {}

func (c *recordingConn) events() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Envelope, 0, len(c.frames))
	for _, f := range c.frames {
		var env Envelope
		if err := json.Unmarshal(f, &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

type fakePeers struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (p *fakePeers) Publish(_ context.Context, receiverID string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, receiverID)
	return nil
}

var _ presence.Conn = (*recordingConn)(nil)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

func sendEvent(senderID, receiverID, text string) SendMessageEvent {
	var ev SendMessageEvent
	ev.Message.SenderID = senderID
	ev.Message.Text = text
	ev.ReceiverID = receiverID
	return ev
}

func decodeOutbound(env Envelope) OutboundMessage {
	var out OutboundMessage
	_ = json.Unmarshal(env.Data, &out)
	return out
}
