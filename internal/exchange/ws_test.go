package exchange

import (
	"testing"
)

func TestDispatchBookUpdate(t *testing.T) {
	t.Parallel()
	feed := NewBooksFeed("wss://example.invalid/ws", discardLogger())

	feed.dispatchMessage([]byte(`{
		"arg":{"channel":"books","instId":"BTC-USDT"},
		"action":"snapshot",
		"data":[{"bids":[["60000","1","0","1"]],"asks":[["60010","2","0","1"]],
			"ts":"1700000000000","checksum":-855196043}]}`))

	select {
	case u := <-feed.Updates():
		if u.Pair != "BTC-USDT" || u.Action != "snapshot" {
			t.Errorf("update = %+v", u)
		}
		if u.Data.Checksum != -855196043 {
			t.Errorf("checksum = %d", u.Data.Checksum)
		}
	default:
		t.Fatal("snapshot not routed to updates channel")
	}
}

func TestDispatchIgnoresControlFrames(t *testing.T) {
	t.Parallel()
	feed := NewBooksFeed("wss://example.invalid/ws", discardLogger())

	feed.dispatchMessage([]byte("pong"))
	feed.dispatchMessage([]byte(`{"event":"subscribe","arg":{"channel":"books","instId":"BTC-USDT"}}`))
	feed.dispatchMessage([]byte(`{"event":"error","code":"60012","msg":"invalid request"}`))

	select {
	case u := <-feed.Updates():
		t.Errorf("control frame produced update %+v", u)
	default:
	}
}

func TestSubscribeTracksPairs(t *testing.T) {
	t.Parallel()
	feed := NewBooksFeed("wss://example.invalid/ws", discardLogger())

	// Not connected: the write fails but the subscription intent is recorded
	// for the reconnect path.
	_ = feed.Subscribe([]string{"BTC-USDT", "ETH-USDT"})
	feed.subscribedMu.RLock()
	defer feed.subscribedMu.RUnlock()
	if !feed.subscribed["BTC-USDT"] || !feed.subscribed["ETH-USDT"] {
		t.Errorf("subscribed = %v", feed.subscribed)
	}
}

func TestSubscribeMsgShape(t *testing.T) {
	t.Parallel()

	msg := subscribeMsg("subscribe", []string{"BTC-USDT"})
	if msg.Op != "subscribe" || len(msg.Args) != 1 {
		t.Fatalf("msg = %+v", msg)
	}
	if msg.Args[0].Channel != "books" || msg.Args[0].InstID != "BTC-USDT" {
		t.Errorf("args = %+v", msg.Args)
	}
}
