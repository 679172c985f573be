// WebSocket gateway — the reference consumer of the websocket output
// stream. It tails the stream and broadcasts every depth/trade update to
// all connected clients. Subscription filtering and authentication belong
// to the frontend fabric, not here; this process only bridges the stream
// onto live sockets.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/purplecity/PredictionMarket/internal/config"
	"github.com/purplecity/PredictionMarket/pkg/types"
)

const (
	writeTimeout   = 10 * time.Second // deadline for outgoing messages
	pingInterval   = 50 * time.Second // how often we ping to keep alive
	pongTimeout    = 90 * time.Second // no pong for 90s (under two ping intervals) drops the client
	sendBufferSize = 256              // per-client outgoing buffer
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The gateway is origin-agnostic; access control happens upstream.
	CheckOrigin: func(*http.Request) bool { return true },
}

// hub tracks connected clients. A client that cannot keep up with the
// broadcast rate is dropped rather than letting its buffer grow.
type hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
	logger  *slog.Logger
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		clients: make(map[*websocket.Conn]chan []byte),
		logger:  logger.With("component", "hub"),
	}
}

func (h *hub) add(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, sendBufferSize)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	h.logger.Info("client connected", "remote", conn.RemoteAddr().String())
	return ch
}

func (h *hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(ch)
	}
	h.mu.Unlock()
	conn.Close()
}

func (h *hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- data:
		default:
			h.logger.Warn("client too slow, dropping", "remote", conn.RemoteAddr().String())
			delete(h.clients, conn)
			close(ch)
			conn.Close()
		}
	}
}

// serveClient runs the write side of one connection.
func (h *hub) serveClient(conn *websocket.Conn, ch chan []byte) {
	defer h.remove(conn)

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	// Drain (and discard) client frames so control messages are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.remove(conn)
				return
			}
		}
	}()

	pings := time.NewTicker(pingInterval)
	defer pings.Stop()
	for {
		select {
		case data, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-pings.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// tail follows the websocket stream from "now" and feeds the hub.
func tail(ctx context.Context, rdb *redis.Client, h *hub, logger *slog.Logger) {
	lastID := "$"
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{types.StreamWebsocket, lastID},
			Count:   128,
			Block:   time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			logger.Warn("stream read failed, retrying", "error", err)
			time.Sleep(time.Second)
			continue
		}
		for _, sr := range res {
			for _, msg := range sr.Messages {
				lastID = msg.ID
				if data, ok := msg.Values["data"].(string); ok {
					h.broadcast([]byte(data))
				}
			}
		}
	}
}

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("PM_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		logger.Error("redis unreachable", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h := newHub(logger)
	go tail(ctx, rdb, h, logger)

	addr := ":8090"
	if a := os.Getenv("PM_GATEWAY_ADDR"); a != "" {
		addr = a
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("upgrade failed", "error", err)
			return
		}
		ch := h.add(conn)
		go h.serveClient(conn, ch)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	logger.Info("gateway listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("gateway server failed", "error", err)
		os.Exit(1)
	}
}
