package display

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoDisplay upgrades and echoes binary frames back, like a websockify'd
// SPICE port would for a handshake probe.
func echoDisplay(t *testing.T) Target {
	t.Helper()
	upgrader := websocket.Upgrader{
		CheckOrigin:  func(*http.Request) bool { return true },
		Subprotocols: []string{"binary"},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			assert.Equal(t, websocket.BinaryMessage, kind)
			if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return Target{Host: host, Port: port, Password: "s3cret"}
}

func TestSessionRelaysBytes(t *testing.T) {
	target := echoDisplay(t)
	s, err := Start(context.Background(), target, "127.0.0.1:0", nil)
	require.NoError(t, err)
	defer s.Stop()

	conn, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = conn.Write([]byte("REDQ"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "REDQ", string(buf))

	assert.Contains(t, s.ViewerURI(), "spice://127.0.0.1:")
	assert.Contains(t, s.ViewerURI(), "password=s3cret")
}

func TestStopIsIdempotentAndClosesListener(t *testing.T) {
	s, err := Start(context.Background(), echoDisplay(t), "127.0.0.1:0", nil)
	require.NoError(t, err)
	addr := s.Addr()

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())

	_, err = net.DialTimeout("tcp", addr, 500*time.Millisecond)
	assert.Error(t, err)
}

func TestManagerReplacesSession(t *testing.T) {
	target := echoDisplay(t)
	m := NewManager("127.0.0.1:0", nil)
	defer m.Close()

	first, err := m.Open(context.Background(), target)
	require.NoError(t, err)
	firstAddr := first.Addr()

	second, err := m.Open(context.Background(), target)
	require.NoError(t, err)
	assert.Same(t, second, m.Current())

	_, err = net.DialTimeout("tcp", firstAddr, 500*time.Millisecond)
	assert.Error(t, err, "previous session must be stopped")

	require.NoError(t, m.Close())
	assert.Nil(t, m.Current())
}

func TestTargetValidate(t *testing.T) {
	assert.Error(t, Target{Port: 5900}.Validate())
	assert.Error(t, Target{Host: "h", Port: -1}.Validate())
	assert.NoError(t, Target{Host: "h", Port: 5900}.Validate())
	assert.Equal(t, "ws://h:5900", Target{Host: "h", Port: 5900}.WebSocketURL())
}
