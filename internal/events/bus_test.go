package events

import (
	"sync"
	"testing"
	"time"
)

func TestSubscribeReceivesOnlyMatchingType(t *testing.T) {
	b := NewBus()
	var mu sync.Mutex
	var got []Event
	done := make(chan struct{}, 1)

	b.Subscribe(TypeOrderFilled, func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		done <- struct{}{}
	})

	b.PublishBreakerChanged("KRW-BTC", "CLOSED", "OPEN", "loss streak")
	b.PublishOrderResult("KRW-BTC", "BUY", "MARKET", true, false, "", 100, 0.001)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscriber never invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("events = %d, want 1", len(got))
	}
	if got[0].Type != TypeOrderFilled {
		t.Errorf("type = %s", got[0].Type)
	}
	if got[0].Data["market"] != "KRW-BTC" {
		t.Errorf("market = %v", got[0].Data["market"])
	}
	if got[0].Timestamp.IsZero() {
		t.Error("timestamp must be stamped on publish")
	}
}

func TestSubscribeAllReceivesEverything(t *testing.T) {
	b := NewBus()
	var wg sync.WaitGroup
	wg.Add(3)
	var mu sync.Mutex
	count := 0

	b.SubscribeAll(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
		wg.Done()
	})

	b.PublishPositionClosed("KRW-XRP", "SYNC_CONFIRMED", 210, 50, 5)
	b.PublishReconcileReport(1, 3, 2)
	b.PublishError("executor", "submit failed", nil)

	waited := make(chan struct{})
	go func() { wg.Wait(); close(waited) }()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("not all events delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestOrderResultTypeMapping(t *testing.T) {
	cases := []struct {
		success bool
		pending bool
		want    Type
	}{
		{true, false, TypeOrderFilled},
		{false, true, TypeOrderPending},
		{false, false, TypeOrderFailed},
	}
	for _, tc := range cases {
		b := NewBus()
		ch := make(chan Event, 1)
		b.SubscribeAll(func(e Event) { ch <- e })
		b.PublishOrderResult("KRW-SOL", "SELL", "LIMIT", tc.success, tc.pending, "", 0, 0)

		select {
		case e := <-ch:
			if e.Type != tc.want {
				t.Errorf("success=%v pending=%v: type = %s, want %s", tc.success, tc.pending, e.Type, tc.want)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}
