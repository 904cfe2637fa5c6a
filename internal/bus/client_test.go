package bus_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/loqalabs/loqa-coach/internal/bus"
	"github.com/loqalabs/loqa-coach/internal/bus/bustest"
	"github.com/nats-io/nats.go"
)

type ping struct {
	Value string `json:"value"`
}

func TestRequestJSON(t *testing.T) {
	client := bustest.Start(t)
	if !client.Healthy() {
		t.Fatal("expected healthy connection")
	}

	sub, err := client.Conn().Subscribe("test.echo", func(msg *nats.Msg) {
		var in ping
		_ = json.Unmarshal(msg.Data, &in)
		out, _ := json.Marshal(ping{Value: in.Value + "!"})
		_ = msg.Respond(out)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var reply ping
	if err := client.RequestJSON(ctx, "test.echo", ping{Value: "hi"}, &reply); err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.Value != "hi!" {
		t.Fatalf("unexpected reply %q", reply.Value)
	}
}

func TestRequestNoResponders(t *testing.T) {
	client := bustest.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var reply ping
	err := client.RequestJSON(ctx, "nobody.home", ping{}, &reply)
	if err == nil {
		t.Fatal("expected error without responders")
	}
}

func TestPublishJSON(t *testing.T) {
	client := bustest.Start(t)
	sub, err := client.Conn().SubscribeSync("test.publish")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.PublishJSON("test.publish", ping{Value: "x"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	if string(msg.Data) != `{"value":"x"}` {
		t.Fatalf("unexpected payload %s", msg.Data)
	}
}

func TestSubscribeJSONSkipsUndecodable(t *testing.T) {
	client := bustest.Start(t)
	got := make(chan ping, 2)
	sub, err := bus.SubscribeJSON(client, "test.typed", func(p ping) { got <- p })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := client.Conn().Publish("test.typed", []byte("not json")); err != nil {
		t.Fatalf("publish raw: %v", err)
	}
	if err := client.PublishJSON("test.typed", ping{Value: "ok"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case p := <-got:
		if p.Value != "ok" {
			t.Fatalf("unexpected value %q", p.Value)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("typed message never delivered")
	}
	select {
	case p := <-got:
		t.Fatalf("unexpected extra message %+v", p)
	case <-time.After(50 * time.Millisecond):
	}
}
