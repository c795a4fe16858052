package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/astromechza/counter-sync/internal/obs"
)

// Update is the authoritative value of a counter after an adjustment.
type Update struct {
	Name  string `json:"name"`
	Value int64  `json:"value"`
}

type subscriber struct {
	name    string
	updates chan Update
}

// hub fans adjust results out to websocket watchers. Slow watchers only ever see the
// latest value.
type hub struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[*subscriber]struct{})}
}

func (h *hub) subscribe(name string) *subscriber {
	s := &subscriber{name: name, updates: make(chan Update, 1)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	obs.WatchSubscribers.Inc()
	return s
}

func (h *hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	_, ok := h.subs[s]
	delete(h.subs, s)
	h.mu.Unlock()
	if ok {
		obs.WatchSubscribers.Dec()
	}
}

func (h *hub) publish(name string, value int64) {
	u := Update{Name: name, Value: value}
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if s.name != name {
			continue
		}
		select {
		case s.updates <- u:
		default:
			// replace the stale value nobody has read yet
			select {
			case <-s.updates:
			default:
			}
			s.updates <- u
		}
	}
}

func (h *hub) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// serveWatch pumps updates to conn until the peer goes away or ctx ends.
func serveWatch(ctx context.Context, conn *websocket.Conn, sub *subscriber, initial Update, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			// watchers never send anything; reading surfaces the close
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close()
		if err := conn.WriteJSON(initial); err != nil {
			logger.Debug("failed to write watch update", zap.Error(err))
			return
		}
		for {
			select {
			case u := <-sub.updates:
				if err := conn.WriteJSON(u); err != nil {
					logger.Debug("failed to write watch update", zap.Error(err))
					return
				}
			case <-ctx.Done():
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}()

	wg.Wait()
}

// readUpdates calls fn for each update on conn until ctx ends or the connection fails.
func readUpdates(ctx context.Context, conn *websocket.Conn, fn func(Update)) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	for {
		var u Update
		if err := conn.ReadJSON(&u); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read message: %w", err)
		}
		fn(u)
	}
}
