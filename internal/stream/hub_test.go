package stream

import (
	"fmt"
	"testing"
	"time"

	"github.com/mkmeral/containerized-strands-agents/internal/domain"
)

func TestPublishReachesSubscriber(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("alice")
	defer hub.Unsubscribe(sub)

	hub.Publish("alice", domain.NewEntry(domain.RoleAssistant, "hi"))

	select {
	case entry := <-sub.Entries():
		if entry.Content != "hi" {
			t.Errorf("Unexpected entry: %+v", entry)
		}
	case <-time.After(time.Second):
		t.Fatal("Entry never delivered")
	}
}

func TestPublishIsScopedToAgent(t *testing.T) {
	hub := NewHub()
	alice := hub.Subscribe("alice")
	bob := hub.Subscribe("bob")
	defer hub.Unsubscribe(alice)
	defer hub.Unsubscribe(bob)

	hub.Publish("alice", domain.NewEntry(domain.RoleUser, "for alice"))

	select {
	case <-alice.Entries():
	case <-time.After(time.Second):
		t.Fatal("Alice's follower missed the entry")
	}

	select {
	case entry := <-bob.Entries():
		t.Errorf("Bob received alice's entry: %+v", entry)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("alice")

	hub.Unsubscribe(sub)

	if _, ok := <-sub.Entries(); ok {
		t.Error("Channel should be closed after unsubscribe")
	}

	// Publishing after unsubscribe must not panic or deliver.
	hub.Publish("alice", domain.NewEntry(domain.RoleUser, "late"))
}

func TestSlowFollowerIsDropped(t *testing.T) {
	hub := NewHub()
	slow := hub.Subscribe("alice")

	// Never read: fill the buffer and overflow it.
	for i := 0; i < subscriberBuffer+1; i++ {
		hub.Publish("alice", domain.NewEntry(domain.RoleUser, fmt.Sprintf("msg-%d", i)))
	}

	// The dropped follower's channel is closed after the buffered entries.
	drained := 0
	for range slow.Entries() {
		drained++
	}
	if drained != subscriberBuffer {
		t.Errorf("Expected %d buffered entries before drop, got %d", subscriberBuffer, drained)
	}

	// A fresh follower still works.
	fresh := hub.Subscribe("alice")
	defer hub.Unsubscribe(fresh)
	hub.Publish("alice", domain.NewEntry(domain.RoleUser, "after drop"))
	select {
	case <-fresh.Entries():
	case <-time.After(time.Second):
		t.Fatal("Fresh follower missed the entry")
	}
}
