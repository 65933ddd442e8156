package gateway

import (
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/adred-codev/postoffice/internal/metrics"
	"github.com/adred-codev/postoffice/internal/postoffice"
)

func newTestGateway() (*Gateway, *postoffice.PostOffice) {
	po := postoffice.New(postoffice.Options{})
	g := New(Config{Addr: ":0"}, po, nil, nil, metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	return g, po
}

// recvJSON drains one queued frame from the client's send buffer.
func recvJSON(t *testing.T, c *client) map[string]any {
	t.Helper()
	select {
	case data := <-c.send:
		var v map[string]any
		if err := json.Unmarshal(data, &v); err != nil {
			t.Fatalf("client received invalid JSON: %v", err)
		}
		return v
	default:
		t.Fatal("expected a queued frame, send buffer is empty")
		return nil
	}
}

func TestGatewaySubscribePublishRoundTrip(t *testing.T) {
	g, _ := newTestGateway()
	subscriber := newClient(1, nil, "127.0.0.1")
	publisher := newClient(2, nil, "127.0.0.1")

	g.handleCommand(subscriber, []byte(`{"type":"subscribe","channel":"news"}`))
	ack := recvJSON(t, subscriber)
	if ack["type"] != "subscription_ack" {
		t.Fatalf("expected subscription_ack, got %v", ack)
	}

	g.handleCommand(publisher, []byte(`{"type":"publish","channel":"news","payload":"hi","scope":"process"}`))

	delivered := recvJSON(t, subscriber)
	if delivered["channel"] != "news" {
		t.Fatalf("delivered envelope has wrong channel: %v", delivered)
	}
	if delivered["payload"] != "hi" {
		t.Fatalf("delivered envelope has wrong payload: %v", delivered)
	}
}

func TestGatewayPatternSubscribe(t *testing.T) {
	g, _ := newTestGateway()
	c := newClient(1, nil, "127.0.0.1")

	g.handleCommand(c, []byte(`{"type":"subscribe","channel":"ch.*","pattern":true}`))
	recvJSON(t, c) // ack

	g.handleCommand(c, []byte(`{"type":"publish","channel":"ch.42","payload":"x"}`))
	delivered := recvJSON(t, c)
	if delivered["channel"] != "ch.42" {
		t.Fatalf("pattern subscriber should receive ch.42, got %v", delivered)
	}

	g.handleCommand(c, []byte(`{"type":"publish","channel":"other","payload":"x"}`))
	select {
	case data := <-c.send:
		t.Fatalf("non-matching publish must not deliver, got %s", data)
	default:
	}
}

func TestGatewayUnsubscribe(t *testing.T) {
	g, po := newTestGateway()
	c := newClient(1, nil, "127.0.0.1")

	g.handleCommand(c, []byte(`{"type":"subscribe","channel":"news"}`))
	recvJSON(t, c)
	if po.ChannelCount() != 1 {
		t.Fatalf("expected 1 channel after subscribe, got %d", po.ChannelCount())
	}

	g.handleCommand(c, []byte(`{"type":"unsubscribe","channel":"news"}`))
	ack := recvJSON(t, c)
	if ack["type"] != "unsubscription_ack" {
		t.Fatalf("expected unsubscription_ack, got %v", ack)
	}
	if po.ChannelCount() != 0 {
		t.Fatalf("expected channel teardown after unsubscribe, got %d", po.ChannelCount())
	}
}

func TestGatewayRejectsBadCommands(t *testing.T) {
	g, _ := newTestGateway()
	c := newClient(1, nil, "127.0.0.1")

	cases := []struct {
		raw  string
		code string
	}{
		{`not json`, "INVALID_JSON"},
		{`{"type":"subscribe"}`, "INVALID_CHANNEL"},
		{`{"type":"publish","channel":"x","scope":"galaxy"}`, "INVALID_SCOPE"},
		{`{"type":"unsubscribe","channel":"never"}`, "NOT_SUBSCRIBED"},
		{`{"type":"mystery"}`, "UNKNOWN_COMMAND"},
	}

	for _, tc := range cases {
		g.handleCommand(c, []byte(tc.raw))
		reply := recvJSON(t, c)
		if reply["type"] != "error" || reply["code"] != tc.code {
			t.Fatalf("command %q: expected error code %s, got %v", tc.raw, tc.code, reply)
		}
	}
}

func TestGatewayDisconnectTearsDownSubscriptions(t *testing.T) {
	g, po := newTestGateway()
	c := newClient(1, nil, "127.0.0.1")
	g.clients.Store(c, struct{}{})

	g.handleCommand(c, []byte(`{"type":"subscribe","channel":"a"}`))
	recvJSON(t, c)
	g.handleCommand(c, []byte(`{"type":"subscribe","channel":"b.*","pattern":true}`))
	recvJSON(t, c)

	g.disconnect(c, "test")

	if po.ChannelCount() != 0 || po.PatternCount() != 0 {
		t.Fatalf("disconnect must unsubscribe everything, have %d channels and %d patterns",
			po.ChannelCount(), po.PatternCount())
	}
}

func TestClientSlowConsumerPolicy(t *testing.T) {
	c := newClient(1, nil, "127.0.0.1")
	for i := 0; i < sendBufferSize; i++ {
		if tooSlow := c.queue([]byte("fill")); tooSlow {
			t.Fatal("filling the buffer must not trip the slow-client policy")
		}
	}

	for i := 0; i < maxFullSends-1; i++ {
		if c.queue([]byte("overflow")) {
			t.Fatalf("full send %d should not yet disconnect", i+1)
		}
	}
	if !c.queue([]byte("overflow")) {
		t.Fatalf("full send %d must trip the slow-client policy", maxFullSends)
	}

	// A successful delivery resets the allowance.
	<-c.send
	if c.queue([]byte("ok")) {
		t.Fatal("successful send should reset the consecutive-full counter")
	}
	if c.queue([]byte("overflow")) {
		t.Fatal("one full send after a reset must not disconnect")
	}
}
