// Package dashboard streams sync activity to WebSocket clients.
//
// The daemon publishes sync progress, connectivity changes, store counters
// and new sales so a back-office screen can follow a terminal live.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// MessageType names a dashboard event.
type MessageType string

const (
	MessageTypeSyncProgress   MessageType = "sync_progress"
	MessageTypeSyncComplete   MessageType = "sync_complete"
	MessageTypeNetworkStatus  MessageType = "network_status"
	MessageTypeStats          MessageType = "stats"
	MessageTypeInvoiceCreated MessageType = "invoice_created"
)

// Message is one frame on the feed.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Server fans dashboard messages out to WebSocket subscribers.
//
// Every subscriber has its own send queue and writer goroutine; one that
// falls behind by more than its queue is disconnected. The newest message of
// each replayable type is kept and sent to new subscribers right after the
// welcome, so a screen opened mid-day shows connectivity and the last sync
// outcome without waiting for the next event.
type Server struct {
	addr     string
	listener net.Listener
	http     *http.Server
	logger   *log.Logger

	broadcast chan Message
	welcome   func() Message

	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	latest map[MessageType]Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// replayed lists the types kept for late subscribers, in replay order.
var replayed = []MessageType{MessageTypeNetworkStatus, MessageTypeSyncComplete}

const subscriberQueue = 32

type subscriber struct {
	conn   *websocket.Conn
	send   chan []byte
	types  map[MessageType]bool
	remote string
	since  time.Time
	once   sync.Once
}

// wants reports whether the subscriber asked for typ. No filter means all.
func (c *subscriber) wants(typ MessageType) bool {
	return len(c.types) == 0 || c.types[typ]
}

// Config holds server configuration
type Config struct {
	// Host to bind (default: 127.0.0.1)
	Host string

	// Port to listen on (default: 8787, 0 picks a free port)
	Port int

	// Logger for server activity
	Logger *log.Logger
}

// DefaultConfig returns the loopback listener on the default port.
func DefaultConfig() *Config {
	return &Config{
		Host:   "127.0.0.1",
		Port:   8787,
		Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// NewServer creates a server. Nothing listens until Start.
func NewServer(config *Config) *Server {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Host == "" {
		config.Host = defaults.Host
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
		logger:    config.Logger,
		broadcast: make(chan Message, 100),
		subs:      make(map[*subscriber]struct{}),
		latest:    make(map[MessageType]Message),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetWelcome sets the builder for the first message each subscriber gets.
// Call it before Start.
func (s *Server) SetWelcome(fn func() Message) {
	s.welcome = fn
}

// Start listens and serves /ws, /health and /.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleSubscribe)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleIndex)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(2)
	go s.fanOut()
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Serve: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every subscriber and shuts the listener down.
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for c := range s.subs {
		subs = append(subs, c)
	}
	s.subs = make(map[*subscriber]struct{})
	s.mu.Unlock()
	for _, c := range subs {
		c.close(websocket.StatusGoingAway, "dashboard stopping")
	}

	var err error
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := s.http.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("dashboard shutdown: %w", shutdownErr)
		}
	}
	s.wg.Wait()
	s.logger.Println("Dashboard stopped")
	return err
}

// Broadcast queues msg for every subscriber without blocking. A full queue
// drops the message.
func (s *Server) Broadcast(msg Message) {
	select {
	case <-s.ctx.Done():
	case s.broadcast <- msg:
	default:
		s.logger.Printf("WARNING: dashboard queue full, dropping %s", msg.Type)
	}
}

// Publish encodes data as the payload of a typ message and broadcasts it.
func (s *Server) Publish(typ MessageType, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Printf("WARNING: encoding %s payload: %v", typ, err)
		return
	}
	s.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: raw})
}

// fanOut encodes each queued message once and hands it to every interested
// subscriber.
func (s *Server) fanOut() {
	defer s.wg.Done()
	for {
		var msg Message
		select {
		case <-s.ctx.Done():
			return
		case msg = <-s.broadcast:
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now()
		}
		frame, err := json.Marshal(msg)
		if err != nil {
			s.logger.Printf("WARNING: encoding %s message: %v", msg.Type, err)
			continue
		}

		var slow []*subscriber
		s.mu.Lock()
		s.latest[msg.Type] = msg
		for c := range s.subs {
			if !c.wants(msg.Type) {
				continue
			}
			select {
			case c.send <- frame:
			default:
				slow = append(slow, c)
			}
		}
		s.mu.Unlock()

		for _, c := range slow {
			s.logger.Printf("Subscriber %s fell behind, disconnecting", c.remote)
			s.drop(c, websocket.StatusTryAgainLater, "too slow")
		}
	}
}

// handleSubscribe upgrades the request. ?types=a,b limits the message types
// the subscriber receives; the welcome is always sent.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	c := &subscriber{
		conn:   conn,
		send:   make(chan []byte, subscriberQueue),
		types:  parseTypes(r.URL.Query().Get("types")),
		remote: r.RemoteAddr,
		since:  time.Now(),
	}

	welcome := Message{Type: MessageTypeStats, Timestamp: time.Now()}
	if s.welcome != nil {
		welcome = s.welcome()
	}
	if frame, err := json.Marshal(welcome); err == nil {
		c.send <- frame
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "dashboard stopping")
		return
	}
	for _, typ := range replayed {
		if msg, ok := s.latest[typ]; ok && c.wants(typ) {
			if frame, err := json.Marshal(msg); err == nil {
				c.send <- frame
			}
		}
	}
	s.subs[c] = struct{}{}
	n := len(s.subs)
	s.wg.Add(2)
	s.mu.Unlock()
	s.logger.Printf("Subscriber %s connected (%d total)", c.remote, n)

	go s.writePump(c)
	go s.readPump(c)
}

func parseTypes(raw string) map[MessageType]bool {
	if raw == "" {
		return nil
	}
	types := make(map[MessageType]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types[MessageType(t)] = true
		}
	}
	return types
}

func (s *Server) writePump(c *subscriber) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
			err := c.conn.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				s.drop(c, websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// readPump discards inbound frames; its error is how a client close is seen.
func (s *Server) readPump(c *subscriber) {
	defer s.wg.Done()
	for {
		if _, _, err := c.conn.Read(s.ctx); err != nil {
			s.drop(c, websocket.StatusNormalClosure, "")
			return
		}
	}
}

// drop unregisters c and closes its connection once.
func (s *Server) drop(c *subscriber, code websocket.StatusCode, reason string) {
	s.mu.Lock()
	_, registered := s.subs[c]
	delete(s.subs, c)
	n := len(s.subs)
	s.mu.Unlock()

	c.close(code, reason)
	if registered {
		s.logger.Printf("Subscriber %s left after %v (%d total)", c.remote, time.Since(c.since).Round(time.Second), n)
	}
}

func (c *subscriber) close(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close(code, reason)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	last := make(map[MessageType]time.Time, len(s.latest))
	for typ, msg := range s.latest {
		last[typ] = msg.Timestamp
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.ClientCount(),
		"last":    last,
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "POS sync feed\n\n")
	fmt.Fprintf(w, "  ws://%s/ws                     all messages\n", r.Host)
	fmt.Fprintf(w, "  ws://%s/ws?types=stats,...     selected types\n", r.Host)
	fmt.Fprintf(w, "  http://%s/health\n\n", r.Host)
	fmt.Fprintf(w, "Types: sync_progress sync_complete network_status stats invoice_created\n")
}

// GetAddr returns the listening address, or the configured one before Start.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected subscribers.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
