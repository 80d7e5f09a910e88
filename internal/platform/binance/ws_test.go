package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/yxzhao/perpbot/internal/domain"
)

// markPriceServer upgrades incoming connections, drops the first one right
// after the handshake, and serves a single mark-price event on every later
// connection before holding it open.
func markPriceServer(t *testing.T, dials *atomic.Int32) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		if dials.Add(1) == 1 {
			c.Close()
			return
		}
		defer c.Close()
		event := `{"e":"markPriceUpdate","E":1748779200000,"s":"BTCUSDT","p":"45123.50","r":"0.0001"}`
		if err := c.WriteMessage(websocket.TextMessage, []byte(event)); err != nil {
			return
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestWSClientSurvivesOneDropWithOneReconnect(t *testing.T) {
	var dials atomic.Int32
	srv := markPriceServer(t, &dials)
	defer srv.Close()

	client := NewWSClient("ws" + strings.TrimPrefix(srv.URL, "http"))
	defer client.Close()

	quotes := make(chan domain.Quote, 16)
	client.OnQuote(func(q domain.Quote) {
		select {
		case quotes <- q:
		default:
		}
	})

	require.NoError(t, client.Connect(context.Background()))

	// The server-side drop costs exactly one reconnect.
	require.Eventually(t, func() bool {
		return dials.Load() == 2
	}, 10*time.Second, 50*time.Millisecond)

	// The replacement connection is live and delivering.
	select {
	case q := <-quotes:
		require.Equal(t, "BTCUSDT", q.Symbol)
		require.InDelta(t, 45123.50, q.Price, 1e-9)
		require.InDelta(t, 0.0001, q.FundingRate, 1e-9)
	case <-time.After(5 * time.Second):
		t.Fatal("no quote received after reconnect")
	}

	// The first connection's loops must not tear the replacement down; a
	// single drop settles at two dials total, with no further churn.
	require.Never(t, func() bool {
		return dials.Load() > 2
	}, 3*time.Second, 100*time.Millisecond)
}

func TestWSClientCloseStopsReconnecting(t *testing.T) {
	var dials atomic.Int32
	srv := markPriceServer(t, &dials)
	defer srv.Close()

	client := NewWSClient("ws" + strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, client.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return dials.Load() == 2
	}, 10*time.Second, 50*time.Millisecond)

	require.NoError(t, client.Close())

	require.Never(t, func() bool {
		return dials.Load() > 2
	}, 3*time.Second, 100*time.Millisecond)
}
