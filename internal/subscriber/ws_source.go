package subscriber

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/changefeed"
	"github.com/example/ride-dispatch/internal/models"
)

// WSSource subscribes to the server's /ws/rides change channel.
type WSSource struct {
	BaseURL string // ws://host:port
	Token   string // bearer token, optional
	Dialer  *websocket.Dialer
	Buffer  int
}

func (w *WSSource) Subscribe(ctx context.Context, f models.Filter) (changefeed.Stream, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	u, err := url.Parse(w.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("ws source: %w", err)
	}
	u.Path = "/ws/rides"
	q := url.Values{}
	q.Set(string(f.Field), f.Value)
	u.RawQuery = q.Encode()

	hdr := http.Header{}
	if w.Token != "" {
		hdr.Set("Authorization", "Bearer "+w.Token)
	}
	dialer := w.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), hdr)
	if err != nil {
		return nil, fmt.Errorf("ws source: dial %s: %w", u.Redacted(), err)
	}
	buf := w.Buffer
	if buf <= 0 {
		buf = changefeed.DefaultBuffer
	}
	s := &wsStream{conn: conn, ch: make(chan models.ChangeEvent, buf), done: make(chan struct{})}
	go s.read()
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	s.mu.Lock()
	s.stop = stop
	s.mu.Unlock()
	return s, nil
}

type wsStream struct {
	conn *websocket.Conn
	ch   chan models.ChangeEvent
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	stop func() bool
	err  error
}

func (s *wsStream) read() {
	defer close(s.ch)
	for {
		var ev models.ChangeEvent
		if err := s.conn.ReadJSON(&ev); err != nil {
			select {
			case <-s.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					s.setErr(err)
				}
			}
			return
		}
		if err := ev.Validate(); err != nil {
			s.setErr(fmt.Errorf("ws source: bad event: %w", err))
			_ = s.conn.Close()
			return
		}
		select {
		case s.ch <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *wsStream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *wsStream) Events() <-chan models.ChangeEvent { return s.ch }

func (s *wsStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = s.conn.Close()
		s.mu.Lock()
		stop := s.stop
		s.mu.Unlock()
		if stop != nil {
			stop()
		}
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *wsStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
