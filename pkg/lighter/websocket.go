package lighter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/perpexec/pkg/models"
	"github.com/sirupsen/logrus"
)

const DefaultStreamURL = "wss://mainnet.zklighter.elliot.ai/stream"

// StreamClient follows market_stats channels over the exchange websocket.
// Quotes from the stream are for display only; market actions re-fetch a
// quote over REST right before submission.
type StreamClient struct {
	url       string
	conn      *websocket.Conn
	mu        sync.Mutex
	connected bool
	handler   MarketStatsHandler
	logger    *logrus.Logger
	done      chan struct{}
}

type MarketStatsHandler func(stats models.MarketStats)

type streamMessage struct {
	Type        string          `json:"type"`
	Channel     string          `json:"channel"`
	MarketStats json.RawMessage `json:"market_stats"`
}

type subscribeMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

func NewStreamClient(url string, handler MarketStatsHandler, logger *logrus.Logger) *StreamClient {
	if url == "" {
		url = DefaultStreamURL
	}
	return &StreamClient{
		url:     url,
		handler: handler,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

func (ws *StreamClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.connected {
		return nil
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, ws.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to websocket: %w", err)
	}

	ws.conn = conn
	ws.connected = true

	go ws.readLoop()
	go ws.keepAlive(ctx)

	return nil
}

func (ws *StreamClient) SubscribeMarketStats(market uint8) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if !ws.connected {
		return fmt.Errorf("websocket not connected")
	}

	return ws.conn.WriteJSON(subscribeMessage{
		Type:    "subscribe",
		Channel: fmt.Sprintf("market_stats/%d", market),
	})
}

// Done is closed when the read loop exits.
func (ws *StreamClient) Done() <-chan struct{} {
	return ws.done
}

func (ws *StreamClient) readLoop() {
	defer close(ws.done)
	for {
		_, data, err := ws.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				ws.logger.WithError(err).Debug("Websocket read loop ended")
			}
			ws.handleDisconnect()
			return
		}

		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			ws.logger.WithError(err).Warn("Failed to decode websocket message")
			continue
		}
		if !strings.HasSuffix(msg.Type, "market_stats") || len(msg.MarketStats) == 0 {
			continue
		}

		var stats models.MarketStats
		if err := json.Unmarshal(msg.MarketStats, &stats); err != nil {
			ws.logger.WithError(err).Warn("Failed to decode market stats")
			continue
		}
		if ws.handler != nil {
			ws.handler(stats)
		}
	}
}

func (ws *StreamClient) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ws.Close()
			return
		case <-ws.done:
			return
		case <-ticker.C:
			ws.mu.Lock()
			var err error
			if ws.connected {
				err = ws.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
			ws.mu.Unlock()
			if err != nil {
				ws.logger.WithError(err).Error("Failed to send ping")
				ws.handleDisconnect()
			}
		}
	}
}

func (ws *StreamClient) handleDisconnect() {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if !ws.connected {
		return
	}
	ws.connected = false
	ws.conn.Close()
}

// Close sends a close frame and tears the connection down.
func (ws *StreamClient) Close() {
	ws.mu.Lock()
	if ws.connected {
		_ = ws.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}
	ws.mu.Unlock()
	ws.handleDisconnect()
}
