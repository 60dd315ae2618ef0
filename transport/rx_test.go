package transport

import (
	"errors"
	"testing"
	"time"
)

func TestInstanceSubscribeReplaceAndUnsubscribe(t *testing.T) {
	cfg := DefaultConfig()
	ins := NewInstance(cfg)

	var sub Sub
	const port PortID = 0xccc
	if err := ins.Subscribe(KindMessageBroadcast, port, 32, 2*time.Second, 16, &sub); err != nil {
		t.Fatal(err)
	}
	// Replacing an existing subscription on the same port should overwrite it in place.
	if err := ins.Subscribe(KindMessageBroadcast, port, 16, time.Second, 32, &sub); err != nil {
		t.Fatal(err)
	}
	subs := ins.GetSubs(KindMessageBroadcast)
	if len(subs) != 1 {
		t.Fatalf("expected a single subscription, got %d", len(subs))
	}
	if subs[0].Extent != 16 || subs[0].CRCWidth != 32 {
		t.Errorf("replacement did not take effect: %+v", *subs[0])
	}

	if err := ins.Unsubscribe(KindMessageBroadcast, port); err != nil {
		t.Fatal(err)
	}
	if got := ins.GetSubs(KindMessageBroadcast); len(got) != 0 {
		t.Errorf("expected no subscriptions after Unsubscribe, got %d", len(got))
	}
	// Unsubscribing something absent is a no-op, not an error.
	if err := ins.Unsubscribe(KindMessageBroadcast, port); err != nil {
		t.Errorf("expected nil error unsubscribing an absent port, got %v", err)
	}
}

func TestInstanceAcceptNoMatchingSub(t *testing.T) {
	cfg := DefaultConfig()
	ins := NewInstance(cfg)
	ins.NodeID = NodeIDBroadcast

	sink := &recordingSink{}
	tx := NewSender(cfg, sink)
	frame := &Frame{Kind: KindMessageBroadcast, DataTypeID: 42, Src: 10, Dst: NodeIDBroadcast, TID: 1}
	if _, err := tx.Send(frame, []byte("hi"), time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	var out Transfer
	_, _, err := ins.Accept(time.Now(), &sink.frames[0], &out)
	if !errors.Is(err, ErrNoMatchingSub) {
		t.Fatalf("expected ErrNoMatchingSub, got %v", err)
	}
}

func TestInstanceAcceptWrongDestinationIgnored(t *testing.T) {
	cfg := DefaultConfig()
	ins := NewInstance(cfg)
	ins.NodeID = 99

	sink := &recordingSink{}
	tx := NewSender(cfg, sink)
	frame := &Frame{Kind: KindServiceRequest, DataTypeID: 7, Src: 10, Dst: 20, TID: 1}
	if _, err := tx.Send(frame, []byte("hi"), time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	var sub Sub
	if err := ins.Subscribe(KindServiceRequest, 7, 64, time.Second, 16, &sub); err != nil {
		t.Fatal(err)
	}

	var out Transfer
	_, _, err := ins.Accept(time.Now(), &sink.frames[0], &out)
	if !errors.Is(err, ErrBadDstAddr) {
		t.Fatalf("expected ErrBadDstAddr, got %v", err)
	}
}
