package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribe_ReceivesEmittedEvents(t *testing.T) {
	b := New(10)
	ch, unsubscribe := b.Subscribe(4)
	defer unsubscribe()

	b.Emit(TypeStarted, map[string]string{"goal": "ship it"})

	select {
	case ev := <-ch:
		assert.Equal(t, TypeStarted, ev.Type)
		assert.Contains(t, string(ev.Payload), "ship it")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribe_UnsubscribeClosesChannel(t *testing.T) {
	b := New(10)
	ch, unsubscribe := b.Subscribe(4)
	unsubscribe()

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestEmit_FullSubscriberBufferDropsRatherThanBlocks(t *testing.T) {
	b := New(10)
	ch, unsubscribe := b.Subscribe(1)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			b.Emit(TypeIterationComplete, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full subscriber buffer")
	}
	<-ch // drain the one event that made it through
}

func TestSnapshot_BoundedBySlidingWindow(t *testing.T) {
	b := New(3)
	for i := 0; i < 5; i++ {
		b.Emit(TypeIterationComplete, nil)
	}
	snap := b.Snapshot()
	require.Len(t, snap, 3)
}

func TestSnapshot_ReturnsACopyNotTheLiveWindow(t *testing.T) {
	b := New(10)
	b.Emit(TypeStarted, nil)
	snap := b.Snapshot()
	b.Emit(TypeComplete, nil)
	assert.Len(t, snap, 1, "earlier snapshot must not observe later emits")
}
