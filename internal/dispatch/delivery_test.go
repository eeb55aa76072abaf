package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

type staticTokens map[string]string

func (s staticTokens) Token(_ context.Context, userID string) (string, error) { return s[userID], nil }

func TestPushGatewayPayload(t *testing.T) {
	var got PushMessage
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := &OfferPusher{Gateway: NewPushGateway(srv.URL, "secret"), Tokens: staticTokens{"d1": "tok-1"}}
	o := offer("r1", "d1")
	o.ExpiresAt = time.Now().Add(time.Minute)
	if err := p.SendOffer(context.Background(), o); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.To != "tok-1" || got.Priority != "high" || got.Data["rideId"] != "r1" {
		t.Fatalf("unexpected payload %+v", got)
	}
	if auth != "Bearer secret" {
		t.Fatalf("unexpected auth header %q", auth)
	}
}

func TestPushGatewayErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	g := NewPushGateway(srv.URL, "")
	if err := g.Send(context.Background(), PushMessage{To: "x"}); err == nil {
		t.Fatal("expected error on 502")
	}
	p := &OfferPusher{Gateway: g, Tokens: staticTokens{}}
	if err := p.SendOffer(context.Background(), offer("r1", "d1")); !errors.Is(err, ErrNoDeviceToken) {
		t.Fatalf("expected ErrNoDeviceToken, got %v", err)
	}
}

func TestWSRegistrySendsOffer(t *testing.T) {
	reg := NewWSRegistry()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Add("d1", c)
	}))
	defer srv.Close()
	defer reg.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// registration happens on the server goroutine
	deadline := time.Now().Add(time.Second)
	for {
		err = reg.SendOffer(context.Background(), offer("r1", "d1"))
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("send offer: %v", err)
	}
	var got models.Offer
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.RideID != "r1" || got.Type != models.OfferMessageType {
		t.Fatalf("unexpected offer %+v", got)
	}
	if err := reg.SendOffer(context.Background(), offer("r1", "nobody")); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}
