package server

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/ChenxingM/RenderQ/db"
	"github.com/ChenxingM/RenderQ/event"
)

// broadcastEvent forwards a bus event to every connected client. It runs
// synchronously on the emitting goroutine, so delivery order per emitter
// is preserved.
func (s *Server) broadcastEvent(evt event.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		s.logger.Errorw("Failed to encode event",
			"event_type", string(evt.Type),
			"error", err,
		)
		return
	}
	s.broadcastPayload(payload)
}

// broadcastPayload fans a frame out to all clients. A client whose queue
// is full is dropped rather than allowed to stall the rest.
func (s *Server) broadcastPayload(payload []byte) {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.RUnlock()

	for _, client := range clients {
		select {
		case client.send <- payload:
		default:
			s.broadcastDrops.Add(1)
			s.removeSlowClient(client)
		}
	}
}

// statsMessage wraps a queue stats snapshot in the same envelope shape
// as bus events, with type "stats".
type statsMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// startStatsBroadcaster pushes the queue stats snapshot to clients on a
// ticker. Snapshots are compared against the last push and only sent
// when something changed; with no clients connected the snapshot query
// is skipped entirely.
func (s *Server) startStatsBroadcaster() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.cfg.StatsInterval)
		defer ticker.Stop()

		var last []byte
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.mu.RLock()
				connected := len(s.clients)
				s.mu.RUnlock()
				if connected == 0 {
					continue
				}

				stats, err := s.store.Stats()
				if err != nil {
					// a closing database during embedder shutdown is not
					// worth a warning
					if !db.IsDatabaseClosed(err) {
						s.logger.Warnw("Stats snapshot failed", "error", err)
					}
					continue
				}
				payload, err := json.Marshal(stats)
				if err != nil {
					s.logger.Warnw("Failed to encode stats", "error", err)
					continue
				}
				if bytes.Equal(payload, last) {
					continue
				}
				last = payload

				message, err := json.Marshal(statsMessage{
					Type:      "stats",
					Data:      payload,
					Timestamp: time.Now().UTC(),
				})
				if err != nil {
					continue
				}
				s.broadcastPayload(message)
			}
		}
	}()
}
