package eventchannel

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
)

// newTestServer поднимает websocket сервер, который после подписки
// отправляет переданные кадры.
func newTestServer(t *testing.T, frames []string) string {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		// Ждем кадр подписки
		var sub map[string]interface{}
		require.NoError(t, conn.ReadJSON(&sub))
		assert.Equal(t, "subscribe", sub["event"])
		assert.Equal(t, "toky-channel-chan-4", sub["channel"])

		for _, f := range frames {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(f)))
		}

		// Держим соединение открытым до закрытия клиентом
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestValidation(t *testing.T) {
	_, err := New(Config{ChannelID: "x"})
	assert.Error(t, err, "missing URL should be rejected")

	_, err = New(Config{URL: "ws://x"})
	assert.Error(t, err, "missing ChannelID should be rejected")
}

func TestDeliversCallEvents(t *testing.T) {
	url := newTestServer(t, []string{
		`{"event":"call-event","channel":"toky-channel-chan-4","data":{"type":"call.transfer.update","callid":"call-1","is_warm":true}}`,
		`{"event":"noise","channel":"toky-channel-chan-4"}`,
		`{"event":"call-event","channel":"toky-channel-chan-4","data":{"type":"call.transfer.success","callid":"call-1","is_warm":true}}`,
	})

	c, err := New(Config{URL: url, ChannelID: "chan-4"})
	require.NoError(t, err)
	defer c.Close()

	events := make(chan CallEvent, 4)
	c.Subscribe(func(ev CallEvent) { events <- ev })

	require.NoError(t, c.Connect(context.Background()))

	var got []CallEvent
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %d events", len(got))
		}
	}

	assert.Equal(t, TransferUpdate, got[0].Type)
	assert.Equal(t, "call-1", got[0].CallID)
	assert.True(t, got[0].IsWarm)
	assert.Equal(t, TransferSuccess, got[1].Type)
}

func TestCloseIsIdempotent(t *testing.T) {
	url := newTestServer(t, nil)

	c, err := New(Config{URL: url, ChannelID: "chan-4"})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}
