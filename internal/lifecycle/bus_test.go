package lifecycle

import "testing"

func TestBusSubscribeUnsubscribe(t *testing.T) {
	b := NewBus(nil)
	var got int
	unsub := b.Subscribe(SubscriberFunc(func(Event) { got++ }))
	b.Publish(Event{Kind: EventLogLine})
	unsub()
	unsub() // second call is harmless
	b.Publish(Event{Kind: EventLogLine})
	if got != 1 {
		t.Fatalf("expected 1 delivery, got %d", got)
	}
	if b.Len() != 0 {
		t.Fatalf("expected no subscribers, got %d", b.Len())
	}
}

func TestBusRecoversPanickingSubscriber(t *testing.T) {
	b := NewBus(nil)
	var after bool
	b.Subscribe(SubscriberFunc(func(Event) { panic("bad subscriber") }))
	b.Subscribe(SubscriberFunc(func(Event) { after = true }))
	b.Publish(Event{Kind: EventStateChanged})
	if !after {
		t.Fatal("subscriber after a panicking one was not notified")
	}
}

func TestChannelSubscriberDropsWhenFull(t *testing.T) {
	c := NewChannelSubscriber(2)
	for i := 0; i < 5; i++ {
		c.Notify(Event{Kind: EventLogLine})
	}
	if c.Dropped() != 3 {
		t.Fatalf("expected 3 dropped, got %d", c.Dropped())
	}
	if len(c.Events()) != 2 {
		t.Fatalf("expected 2 buffered, got %d", len(c.Events()))
	}
}

func TestChannelSubscriberDoesNotBlockTransition(t *testing.T) {
	bus := NewBus(nil)
	c := NewChannelSubscriber(1)
	bus.Subscribe(c)
	m := NewMachine("engine", bus)
	// Nobody drains the channel; transitions must still complete.
	_ = m.Transition(StateStarting, Detail{})
	_ = m.Transition(StateRunning, Detail{})
	_ = m.Transition(StateStopping, Detail{})
	if !m.Is(StateStopping) {
		t.Fatal("transitions blocked by a full subscriber")
	}
	if c.Dropped() != 2 {
		t.Fatalf("expected 2 dropped, got %d", c.Dropped())
	}
}
