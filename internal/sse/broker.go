// Package sse implements a Server-Sent Events broker that streams conversion
// and topic changes to clients.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Event represents an SSE event to broadcast.
type Event struct {
	Type string `json:"type"`
	// Subject is the document path or topic key the event is about. Filters match on it.
	Subject string `json:"-"`
	Data    any    `json:"data"`
}

// Event types broadcast by the broker.
const (
	TypeDocumentConverted = "document.converted"
	TypeDocumentDeleted   = "document.deleted"
	TypeTopicUpdated      = "topic.updated"
	TypeGraphUpdated      = "graph.updated"
)

// historySize is how many past messages a reconnecting client can replay.
const historySize = 128

// Filter narrows what a subscriber receives. The zero Filter matches everything.
type Filter struct {
	// Types limits delivery to these event types.
	Types []string
	// Prefix limits document events to paths under it. Other events pass.
	Prefix string
}

func (f Filter) match(e Event) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			ok = ok || t == e.Type
		}
		if !ok {
			return false
		}
	}
	if f.Prefix != "" && (e.Type == TypeDocumentConverted || e.Type == TypeDocumentDeleted) {
		return strings.HasPrefix(e.Subject, f.Prefix)
	}
	return true
}

type message struct {
	id    uint64
	event Event
	raw   []byte
}

type subscriber struct {
	ch     chan []byte
	filter Filter
	// after replays history newer than this id on subscribe.
	after uint64
}

type changeReq struct {
	kind    string
	subject string
}

// Broker manages SSE client connections and broadcasts events.
//
// Concurrency model: a single internal event loop (goroutine) owns mutable state
// (clients, history, graph throttle). Public methods communicate with this loop
// through channels, so no mutexes are required.
type Broker struct {
	graphMin  time.Duration
	keepAlive time.Duration

	subscribeCh   chan subscriber
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	changeCh      chan changeReq
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a new SSE broker. graph.updated is sent at most once per
// graphThrottle; changes inside the window are coalesced into one trailing event.
func NewBroker(graphThrottle time.Duration) *Broker {
	if graphThrottle <= 0 {
		graphThrottle = 2 * time.Second
	}

	b := &Broker{
		graphMin:      graphThrottle,
		keepAlive:     30 * time.Second,
		subscribeCh:   make(chan subscriber),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		changeCh:      make(chan changeReq, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]Filter)
	history := make([]message, 0, historySize)
	var nextID uint64

	broadcast := func(event Event) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		nextID++
		raw := []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", nextID, event.Type, payload))
		if len(history) == historySize {
			history = append(history[:0], history[1:]...)
		}
		history = append(history, message{id: nextID, event: event, raw: raw})

		for ch, f := range clients {
			if !f.match(event) {
				continue
			}
			select {
			case ch <- raw:
			default:
				// Client buffer full; skip to avoid blocking broker loop.
			}
		}
	}

	// Graph throttle: the first change in a window is sent at once, later ones
	// are counted and flushed when the window closes.
	var (
		lastGraph time.Time
		pending   int
		flush     *time.Timer
		flushCh   <-chan time.Time
	)
	sendGraph := func(n int) {
		lastGraph = time.Now()
		broadcast(Event{Type: TypeGraphUpdated, Data: map[string]int{"changes": n}})
	}
	defer func() {
		if flush != nil {
			flush.Stop()
		}
	}()

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case sub := <-b.subscribeCh:
			clients[sub.ch] = sub.filter
			if sub.after > 0 {
				for _, m := range history {
					if m.id <= sub.after || !sub.filter.match(m.event) {
						continue
					}
					select {
					case sub.ch <- m.raw:
					default:
					}
				}
			}

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case event := <-b.publishCh:
			broadcast(event)

		case req := <-b.changeCh:
			switch req.kind {
			case TypeDocumentConverted, TypeDocumentDeleted:
				broadcast(Event{Type: req.kind, Subject: req.subject, Data: map[string]string{"path": req.subject}})
			case TypeTopicUpdated:
				broadcast(Event{Type: req.kind, Subject: req.subject, Data: map[string]string{"key": req.subject}})
				continue
			default:
				continue
			}

			// Only document changes move the graph.
			if wait := b.graphMin - time.Since(lastGraph); wait <= 0 && pending == 0 {
				sendGraph(1)
			} else {
				pending++
				if flushCh == nil {
					if wait < 0 {
						wait = 0
					}
					flush = time.NewTimer(wait)
					flushCh = flush.C
				}
			}

		case <-flushCh:
			flushCh = nil
			sendGraph(pending)
			pending = 0

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close gracefully stops broker loop and closes all client channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a new client and returns its channel. Messages with an id
// above lastID that are still in the history are queued first; zero skips replay.
func (b *Broker) Subscribe(f Filter, lastID uint64) chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.subscribeCh <- subscriber{ch: ch, filter: f, after: lastID}:
	case <-b.stopped:
		close(ch)
	}

	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends an event to all matching clients.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// PublishChange publishes a document or topic change. Document changes also
// move the throttled graph.updated event. Unknown kinds are dropped.
// Its signature matches convert.EventCallback.
func (b *Broker) PublishChange(kind, subject string) {
	if b.closed.Load() {
		return
	}
	select {
	case b.changeCh <- changeReq{kind: kind, subject: subject}:
	case <-b.stopped:
	}
}

// ServeHTTP is the SSE endpoint handler (GET /api/events).
//
// Query parameters: types (comma separated event types) and prefix (document
// path prefix). A Last-Event-ID header replays what the client missed.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var f Filter
	if types := r.URL.Query().Get("types"); types != "" {
		f.Types = strings.Split(types, ",")
	}
	f.Prefix = r.URL.Query().Get("prefix")
	lastID, _ := strconv.ParseUint(r.Header.Get("Last-Event-ID"), 10, 64)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe(f, lastID)
	defer b.Unsubscribe(ch)

	ping := time.NewTicker(b.keepAlive)
	defer ping.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
