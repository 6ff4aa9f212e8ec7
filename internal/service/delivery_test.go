package service

import (
	"context"
	"testing"
	"time"

	"pulse/internal/logger"
	"pulse/internal/models"
)

func newTestDeliveryTracker() (*DeliveryTracker, *ConversationCache, *MockDirectory) {
	cache := NewConversationCache()
	directory := &MockDirectory{}
	tracker := NewDeliveryTracker("alice", cache, directory, logger.New(logger.LevelError))
	return tracker, cache, directory
}

func trackedSend(t *testing.T, tracker *DeliveryTracker, cache *ConversationCache, body string) *models.Message {
	t.Helper()
	msg := models.NewTextMessage("alice", "bob", "conv-1", body)
	cache.Append("conv-1", msg)
	tracker.TrackSend("conv-1", msg)
	return msg
}

func TestAckAdvancesToAcknowledged(t *testing.T) {
	tracker, cache, _ := newTestDeliveryTracker()
	msg := trackedSend(t, tracker, cache, "hi")

	tracker.HandleAck(&models.MessageSentPayload{TempID: msg.ID, Status: "sent"})

	got, _ := cache.Message("conv-1", msg.ID)
	if got.Status != models.StatusAcknowledged {
		t.Errorf("Expected acknowledged, got %s", got.Status)
	}
}

func TestAckWithErrorMarksFailed(t *testing.T) {
	tracker, cache, _ := newTestDeliveryTracker()
	msg := trackedSend(t, tracker, cache, "hi")

	tracker.HandleAck(&models.MessageSentPayload{TempID: msg.ID, Error: "recipient unknown"})

	got, _ := cache.Message("conv-1", msg.ID)
	if got.Status != models.StatusFailed {
		t.Errorf("Expected failed, got %s", got.Status)
	}

	// Failed is terminal; a late success ack must not resurrect it
	tracker.TrackSend("conv-1", got)
	tracker.HandleAck(&models.MessageSentPayload{TempID: msg.ID, Status: "sent"})
	got, _ = cache.Message("conv-1", msg.ID)
	if got.Status != models.StatusFailed {
		t.Errorf("Failed should be terminal, got %s", got.Status)
	}
}

func TestDuplicateAckIgnored(t *testing.T) {
	tracker, cache, _ := newTestDeliveryTracker()
	handler := &MockClientHandler{}
	tracker.SetEventHandler(handler)
	msg := trackedSend(t, tracker, cache, "hi")

	tracker.HandleAck(&models.MessageSentPayload{TempID: msg.ID, Status: "sent"})
	tracker.HandleAck(&models.MessageSentPayload{TempID: msg.ID, Status: "sent"})

	handler.mu.Lock()
	updates := len(handler.convUpdates)
	handler.mu.Unlock()
	if updates != 1 {
		t.Errorf("Duplicate ack should not re-notify, got %d updates", updates)
	}
}

func TestAckForUnknownSendIgnored(t *testing.T) {
	tracker, _, _ := newTestDeliveryTracker()
	// Must not panic or create state
	tracker.HandleAck(&models.MessageSentPayload{TempID: "never-sent", Status: "sent"})
}

func TestReadReceiptBulkWithSinglePersist(t *testing.T) {
	tracker, cache, directory := newTestDeliveryTracker()

	// Three own acknowledged messages, one still pending, one from the peer
	for _, id := range []string{"m1", "m2", "m3"} {
		msg := models.NewTextMessage("alice", "bob", "conv-1", "out "+id)
		msg.ID = id
		msg.AdvanceStatus(models.StatusAcknowledged)
		cache.Append("conv-1", msg)
	}
	pending := models.NewTextMessage("alice", "bob", "conv-1", "still pending")
	pending.ID = "m4"
	cache.Append("conv-1", pending)
	theirs := models.NewTextMessage("bob", "alice", "conv-1", "inbound")
	theirs.ID = "m5"
	theirs.AdvanceStatus(models.StatusAcknowledged)
	cache.Append("conv-1", theirs)

	tracker.HandleRead(context.Background(), &models.MessagesReadPayload{ChatID: "conv-1", ReaderID: "bob"})

	for _, id := range []string{"m1", "m2", "m3"} {
		got, _ := cache.Message("conv-1", id)
		if got.Status != models.StatusRead {
			t.Errorf("Message %s should be read, got %s", id, got.Status)
		}
	}
	got, _ := cache.Message("conv-1", "m4")
	if got.Status != models.StatusPending {
		t.Errorf("Pending message must not jump to read, got %s", got.Status)
	}
	got, _ = cache.Message("conv-1", "m5")
	if got.Status != models.StatusAcknowledged {
		t.Errorf("Peer's message must not be touched by our receipt, got %s", got.Status)
	}

	if directory.PersistCount() != 1 {
		t.Errorf("Bulk read should persist once, got %d writes", directory.PersistCount())
	}

	// Redelivered receipt changes nothing and writes nothing
	tracker.HandleRead(context.Background(), &models.MessagesReadPayload{ChatID: "conv-1", ReaderID: "bob"})
	if directory.PersistCount() != 1 {
		t.Errorf("Duplicate receipt should not persist again, got %d writes", directory.PersistCount())
	}
}

func TestTypingIndicatorExpires(t *testing.T) {
	tracker, _, _ := newTestDeliveryTracker()
	handler := &MockClientHandler{}
	tracker.SetEventHandler(handler)
	tracker.expiry = 30 * time.Millisecond

	tracker.HandleTyping(&models.TypingPayload{From: "bob", IsTyping: true})
	if !tracker.IsTyping("bob") {
		t.Fatal("Indicator should be lit after a typing signal")
	}

	deadline := time.Now().Add(time.Second)
	for tracker.IsTyping("bob") {
		if time.Now().After(deadline) {
			t.Fatal("Indicator did not expire")
		}
		time.Sleep(5 * time.Millisecond)
	}

	events := handler.TypingEvents()
	if len(events) == 0 || events[len(events)-1] != "bob:stop" {
		t.Errorf("Expiry should emit a stop event, got %v", events)
	}
}

func TestTypingSignalResetsTimer(t *testing.T) {
	tracker, _, _ := newTestDeliveryTracker()
	tracker.expiry = 60 * time.Millisecond

	tracker.HandleTyping(&models.TypingPayload{From: "bob", IsTyping: true})
	time.Sleep(40 * time.Millisecond)
	// Second signal before expiry must restart the clock, not stack a timer
	tracker.HandleTyping(&models.TypingPayload{From: "bob", IsTyping: true})
	time.Sleep(40 * time.Millisecond)

	if !tracker.IsTyping("bob") {
		t.Error("Indicator expired on the first timer; reset did not happen")
	}
}

func TestTypingStopSignalClearsImmediately(t *testing.T) {
	tracker, _, _ := newTestDeliveryTracker()

	tracker.HandleTyping(&models.TypingPayload{From: "bob", IsTyping: true})
	tracker.HandleTyping(&models.TypingPayload{From: "bob", IsTyping: false})

	if tracker.IsTyping("bob") {
		t.Error("Explicit stop should clear the indicator")
	}
}

func TestStopCancelsTimers(t *testing.T) {
	tracker, _, _ := newTestDeliveryTracker()
	handler := &MockClientHandler{}
	tracker.SetEventHandler(handler)
	tracker.expiry = 20 * time.Millisecond

	tracker.HandleTyping(&models.TypingPayload{From: "bob", IsTyping: true})
	tracker.Stop()

	if tracker.IsTyping("bob") {
		t.Error("Stop should clear all indicators")
	}

	// Signals after shutdown are ignored
	tracker.HandleTyping(&models.TypingPayload{From: "carol", IsTyping: true})
	if tracker.IsTyping("carol") {
		t.Error("Tracker should ignore signals after Stop")
	}
}
