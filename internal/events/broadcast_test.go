package events

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestBroadcastReachesConnectedSubscriber(t *testing.T) {
	b := NewBroadcaster(8, nil)
	ts := httptest.NewServer(b)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	deadline := time.Now().Add(2 * time.Second)
	for b.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(time.Millisecond)
	}

	b.Emit(Record{Kind: Blocked, Skill: "probe", Detail: "denied"})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.Kind != Blocked || rec.Skill != "probe" {
		t.Errorf("record = %+v", rec)
	}
}

func TestBroadcastWithNoSubscribersDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(1, nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Emit(Record{Kind: Access})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked with zero subscribers")
	}
}

func TestBroadcastDropsWhenBacklogFull(t *testing.T) {
	b := NewBroadcaster(1, nil)
	sub := &subscriber{ch: make(chan Record, 1)}
	b.add(sub)
	defer b.remove(sub)

	for i := 0; i < 5; i++ {
		b.Emit(Record{Kind: Access})
	}

	if b.Dropped() == 0 {
		t.Error("expected at least one dropped frame once the backlog filled")
	}
}

func TestBroadcastUnsubscribeOnDisconnect(t *testing.T) {
	b := NewBroadcaster(8, nil)
	ts := httptest.NewServer(b)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(time.Millisecond)
	}

	conn.Close(websocket.StatusNormalClosure, "done")

	deadline = time.Now().Add(2 * time.Second)
	for b.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber was never removed after disconnect")
		}
		time.Sleep(time.Millisecond)
	}
}
