package wirelink

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/wirelink/pkg/config"
	"github.com/fluxline/wirelink/pkg/events"
	"github.com/fluxline/wirelink/pkg/frame"
)

func testConfig(wsURL, apiURL string) config.Config {
	cfg := config.Default()
	cfg.Server.WebSocketURL = wsURL
	cfg.Server.APIBaseURL = apiURL
	cfg.Auth.UserID = "u1"
	cfg.Auth.Token = "tok"
	cfg.Reconnect.BaseDelay = config.Duration(20 * time.Millisecond)
	cfg.Reconnect.MaxDelay = config.Duration(80 * time.Millisecond)
	return cfg
}

func TestNewClientRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default() // no URLs set
	_, err := NewClient(cfg, nil)
	require.Error(t, err)
}

func TestClientEndToEnd(t *testing.T) {
	frames := make(chan *frame.Envelope, 4)
	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		for env := range frames {
			if err := wsjson.Write(context.Background(), c, env); err != nil {
				return
			}
		}
		c.Close(websocket.StatusNormalClosure, "done")
	}))
	t.Cleanup(wsSrv.Close)
	t.Cleanup(func() { close(frames) })

	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte(`{"ok":true,"data":{"id":"m1"}}`))
	}))
	t.Cleanup(apiSrv.Close)

	cfg := testConfig("ws"+wsSrv.URL[4:], apiSrv.URL)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := NewClient(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	notifs, unsub := events.Listen[frame.Notification](client.Bus, events.TopicNotification)
	defer unsub()

	require.NoError(t, client.Connect(context.Background()))

	env, err := frame.New(frame.TypeNotification, frame.Notification{Title: "it works"})
	require.NoError(t, err)
	frames <- env

	select {
	case n := <-notifs:
		assert.Equal(t, "it works", n.Title)
	case <-time.After(2 * time.Second):
		t.Fatal("pushed frame never surfaced on the bus")
	}

	data, err := client.REST.Post(context.Background(), "/v1/messages", map[string]string{"text": "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"m1"}`, string(data))
}
