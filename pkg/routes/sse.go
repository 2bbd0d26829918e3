package routes

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

const DefaultHeartbeat = 30 * time.Second

// Notifier fans change notifications out to SSE subscribers. Notifications
// coalesce: a subscriber that has not caught up sees one pending update.
type Notifier struct {
	subscribers map[chan struct{}]struct{}
	mu          sync.RWMutex
}

func NewNotifier() *Notifier {
	return &Notifier{
		subscribers: make(map[chan struct{}]struct{}),
	}
}

// Subscribe adds a new subscriber that will be notified on changes
func (n *Notifier) Subscribe() chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch := make(chan struct{}, 1)
	n.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber
func (n *Notifier) Unsubscribe(ch chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subscribers[ch]; !ok {
		return
	}
	delete(n.subscribers, ch)
	close(ch)
}

// Notify triggers all subscribers about a change
func (n *Notifier) Notify() {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for ch := range n.subscribers {
		select {
		case ch <- struct{}{}:
		default:
			// already has a pending notification
		}
	}
}

// Subscribers returns the number of open subscriptions.
func (n *Notifier) Subscribers() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscribers)
}

// SSE endpoint for status updates
func (sr *StatusRouter) statusSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}
	if sr.Notifier == nil {
		sr.log.Warn("SSE endpoint called but notifier is nil")
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	notifyCh := sr.Notifier.Subscribe()
	defer sr.Notifier.Unsubscribe(notifyCh)

	ctx := r.Context()
	heartbeat := sr.Heartbeat
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	sendStatus := func() error {
		data, err := json.Marshal(sr.Snapshot(ctx))
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := sendStatus(); err != nil {
		sr.log.Error("error sending initial SSE data", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-notifyCh:
			if err := sendStatus(); err != nil {
				sr.log.Debug("error sending SSE update", "error", err)
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
