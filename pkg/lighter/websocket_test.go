package lighter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/perpexec/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// statsServer answers every subscription with one market_stats update and
// echoes the channel it was asked for.
func statsServer(t *testing.T, channels chan<- string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var sub subscribeMessage
			if err := conn.ReadJSON(&sub); err != nil {
				return
			}
			channels <- sub.Channel

			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connected"}`))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{
				"type": "update/market_stats",
				"channel": "market_stats:1",
				"market_stats": {"market_id": 1, "index_price": "98.1", "mark_price": "98.05", "last_trade_price": "98", "open_interest": "1000"}
			}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamClientDeliversMarketStats(t *testing.T) {
	channels := make(chan string, 1)
	srv := statsServer(t, channels)

	got := make(chan models.MarketStats, 1)
	ws := NewStreamClient("ws"+strings.TrimPrefix(srv.URL, "http"), func(s models.MarketStats) {
		got <- s
	}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, ws.Connect(ctx))
	defer ws.Close()

	require.NoError(t, ws.SubscribeMarketStats(1))

	select {
	case ch := <-channels:
		assert.Equal(t, "market_stats/1", ch)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not received")
	}

	select {
	case s := <-got:
		assert.Equal(t, uint8(1), s.MarketID)
		assert.True(t, decimal.NewFromInt(98).Equal(s.LastTradePrice))
		assert.True(t, decimal.RequireFromString("98.05").Equal(s.MarkPrice))
	case <-time.After(2 * time.Second):
		t.Fatal("market stats not delivered")
	}
}

func TestStreamClientCloseEndsReadLoop(t *testing.T) {
	srv := statsServer(t, make(chan string, 8))
	ws := NewStreamClient("ws"+strings.TrimPrefix(srv.URL, "http"), nil, quietLogger())

	require.NoError(t, ws.Connect(context.Background()))
	ws.Close()

	select {
	case <-ws.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop still running after Close")
	}
	assert.Error(t, ws.SubscribeMarketStats(1))
}

func TestStreamClientContextCancelCloses(t *testing.T) {
	srv := statsServer(t, make(chan string, 8))
	ws := NewStreamClient("ws"+strings.TrimPrefix(srv.URL, "http"), nil, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, ws.Connect(ctx))
	cancel()

	select {
	case <-ws.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop still running after cancel")
	}
}

func TestSubscribeBeforeConnect(t *testing.T) {
	ws := NewStreamClient("", nil, quietLogger())
	assert.Error(t, ws.SubscribeMarketStats(1))
}
