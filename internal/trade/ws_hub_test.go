package trade_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/amm-engine/internal/store"
	"github.com/atmx/amm-engine/internal/trade"
)

func startHub(t *testing.T) (*trade.WSHub, *httptest.Server) {
	t.Helper()
	hub := trade.NewWSHub([]string{"*"})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) trade.WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg trade.WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWSHub_BroadcastFiltersByMarket(t *testing.T) {
	hub, srv := startHub(t)
	all := dial(t, srv, "")
	onlyB := dial(t, srv, "?market=market-b")
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast(trade.WSMessage{Type: trade.MsgMarketStatus, MarketID: "market-a", Status: "pending"})
	hub.Broadcast(trade.WSMessage{Type: trade.MsgMarketStatus, MarketID: "market-b", Status: "active"})

	first := readMessage(t, all)
	second := readMessage(t, all)
	assert.Equal(t, "market-a", first.MarketID)
	assert.Equal(t, "market-b", second.MarketID)

	got := readMessage(t, onlyB)
	assert.Equal(t, "market-b", got.MarketID)
	assert.Equal(t, "active", got.Status)
}

func TestWSHub_DisconnectUnregisters(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWSHub_NilIsSafe(t *testing.T) {
	var hub *trade.WSHub
	assert.NotPanics(t, func() {
		hub.Broadcast(trade.WSMessage{Type: trade.MsgTradeExecuted, MarketID: "m"})
	})
}

func TestExecutor_BroadcastsCommittedTrades(t *testing.T) {
	hub, srv := startHub(t)
	exec, err := trade.NewExecutor(store.NewMemoryStore(), engineConfig(), nil, hub)
	require.NoError(t, err)
	view := createBinary(t, exec, "streamed", 1000)
	fund(t, exec, "zoe", 100)

	conn := dial(t, srv, "?market="+view.ID)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	// A rejected trade is never broadcast.
	_, err = exec.Buy(context.Background(), view.ID, "zoe", "YES", d(1000))
	require.Error(t, err)

	res, err := exec.Buy(context.Background(), view.ID, "zoe", "NO", d(25))
	require.NoError(t, err)

	msg := readMessage(t, conn)
	assert.Equal(t, trade.MsgTradeExecuted, msg.Type)
	assert.Equal(t, view.ID, msg.MarketID)
	assert.Equal(t, "NO", msg.Outcome)
	assert.Equal(t, res.Shares.String(), msg.Shares)
	require.Len(t, msg.Prices, 2)
	assert.True(t, msg.Prices[1].Price.Equal(res.NewPrices[1].Price))
	assert.False(t, msg.Timestamp.IsZero())
}
