// Package display bridges a local TCP port to a VM's websocket-wrapped SPICE
// endpoint so native viewers can attach to it.
package display

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ccheshirecat/vmdeck/internal/shared/logging"
)

// Target is the remote display a session relays to.
type Target struct {
	Host     string
	Port     int
	Password string
}

// WebSocketURL is the ws:// address of the target.
func (t Target) WebSocketURL() string {
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(t.Host, strconv.Itoa(t.Port))}
	return u.String()
}

// Validate rejects targets without a host or usable port.
func (t Target) Validate() error {
	if t.Host == "" {
		return errors.New("display: host is required")
	}
	if t.Port <= 0 || t.Port > 65535 {
		return fmt.Errorf("display: invalid port %d", t.Port)
	}
	return nil
}

// Session is one running relay.
type Session struct {
	target   Target
	listener net.Listener
	dialer   *websocket.Dialer
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Start listens on bind (host:port, port 0 picks a free one) and relays every
// accepted connection to the target over its own websocket.
func Start(ctx context.Context, target Target, bind string, logger *slog.Logger) (*Session, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Discard()
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("display: listen %s: %w", bind, err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		target:   target,
		listener: ln,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			Subprotocols:     []string{"binary"},
		},
		logger: logger.With("display", target.WebSocketURL()),
		cancel: cancel,
	}
	s.wg.Add(1)
	go s.acceptLoop(runCtx)
	s.logger.Info("display relay started", "listen", ln.Addr().String())
	return s, nil
}

// Target returns the remote display this session serves.
func (s *Session) Target() Target { return s.target }

// Addr is the local address viewers connect to.
func (s *Session) Addr() string { return s.listener.Addr().String() }

// ViewerURI is a spice:// URI a native viewer accepts.
func (s *Session) ViewerURI() string {
	host, port, _ := net.SplitHostPort(s.Addr())
	u := url.URL{Scheme: "spice", Host: net.JoinHostPort(host, port)}
	if s.target.Password != "" {
		u.RawQuery = url.Values{"password": {s.target.Password}}.Encode()
	}
	return u.String()
}

// Stop closes the listener and every live relay, then waits for them.
func (s *Session) Stop() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.listener.Close()
		s.wg.Wait()
		s.logger.Info("display relay stopped")
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Session) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("accept failed", "error", err)
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.relay(ctx, conn); err != nil {
				s.logger.Warn("relay ended", "error", err)
			}
		}()
	}
}

func (s *Session) relay(ctx context.Context, local net.Conn) error {
	defer local.Close()

	remote, resp, err := s.dialer.DialContext(ctx, s.target.WebSocketURL(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial display: %w", err)
	}
	defer remote.Close()

	errCh := make(chan error, 2)
	go func() { errCh <- pumpToSocket(local, remote) }()
	go func() { errCh <- pumpFromSocket(remote, local) }()

	var relayErr error
	select {
	case <-ctx.Done():
	case relayErr = <-errCh:
	}

	_ = remote.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = local.Close()
	_ = remote.Close()
	<-errCh
	if relayErr == nil || errors.Is(relayErr, io.EOF) || errors.Is(relayErr, net.ErrClosed) ||
		websocket.IsCloseError(relayErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return relayErr
}

// pumpToSocket copies raw bytes into binary frames.
func pumpToSocket(src net.Conn, dst *websocket.Conn) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if werr := dst.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
	}
}

// pumpFromSocket unwraps frames back into the byte stream.
func pumpFromSocket(src *websocket.Conn, dst net.Conn) error {
	for {
		_, payload, err := src.ReadMessage()
		if err != nil {
			return err
		}
		if _, err := dst.Write(payload); err != nil {
			return err
		}
	}
}

// Manager keeps at most one active session; opening a new one stops the
// previous.
type Manager struct {
	bind   string
	logger *slog.Logger

	mu      sync.Mutex
	current *Session
}

// NewManager relays on bind for every session it opens.
func NewManager(bind string, logger *slog.Logger) *Manager {
	return &Manager{bind: bind, logger: logger}
}

// Open replaces the active session with one for target.
func (m *Manager) Open(ctx context.Context, target Target) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		_ = m.current.Stop()
		m.current = nil
	}
	s, err := Start(ctx, target, m.bind, m.logger)
	if err != nil {
		return nil, err
	}
	m.current = s
	return s, nil
}

// Current returns the active session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Close stops the active session, if any.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	err := m.current.Stop()
	m.current = nil
	return err
}
