package messages

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/estelle/pylon/internal/common/logger"
	"github.com/estelle/pylon/internal/identity"
)

var testConv = identity.Encode(1, 1, 1)

func TestAppendOrder(t *testing.T) {
	s := NewStore(nil, logger.Default())
	s.AddUserMessage(testConv, "hi")
	s.AddAssistantText(testConv, "hello")
	s.AddResult(testConv, ResultPayload{Subtype: "success", DurationMs: 1500})

	msgs := s.GetMessages(testConv)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Type != TypeText || msgs[0].Role != RoleUser {
		t.Errorf("unexpected first message: %+v", msgs[0])
	}
	if msgs[2].Type != TypeResult {
		t.Errorf("unexpected last message: %+v", msgs[2])
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Timestamp < msgs[i-1].Timestamp {
			t.Errorf("timestamps out of order at %d", i)
		}
	}
}

func TestConcurrentAppendsSerialize(t *testing.T) {
	s := NewStore(nil, logger.Default())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				s.AddUserMessage(testConv, "m")
			}
		}()
	}
	wg.Wait()

	msgs := s.GetMessages(testConv)
	if len(msgs) != 200 {
		t.Fatalf("expected 200 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Timestamp < msgs[i-1].Timestamp {
			t.Fatalf("non-decreasing timestamp violated at %d", i)
		}
	}
}

func TestMergeHistory(t *testing.T) {
	s := NewStore(nil, logger.Default())
	external := []*Message{
		{ID: "e1", Role: RoleUser, Type: TypeText, Timestamp: 100, Text: "old user"},
		{ID: "e2", Role: RoleAssistant, Type: TypeText, Timestamp: 200, Text: "old assistant"},
	}
	// Local state: one message duplicated in the external set, one older
	// local-only message, one newer local-only message.
	s.Load(testConv, []*Message{
		{ID: "e2", Role: RoleAssistant, Type: TypeText, Timestamp: 200, Text: "old assistant"},
		{ID: "l1", Role: RoleUser, Type: TypeText, Timestamp: 150, Text: "dropped: older than external max"},
		{ID: "l2", Role: RoleUser, Type: TypeText, Timestamp: 300, Text: "kept"},
	})

	s.MergeHistory(testConv, external)
	msgs := s.GetMessages(testConv)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 merged messages, got %d", len(msgs))
	}
	wantIDs := []string{"e1", "e2", "l2"}
	for i, want := range wantIDs {
		if msgs[i].ID != want {
			t.Errorf("msgs[%d].ID = %s, want %s", i, msgs[i].ID, want)
		}
	}
}

func TestMergeHistoryDeduplicatesNewerIDs(t *testing.T) {
	s := NewStore(nil, logger.Default())
	s.Load(testConv, []*Message{
		{ID: "dup", Timestamp: 500, Type: TypeText},
	})
	// The external copy of "dup" has an older timestamp; the local one is
	// newer than the external max but shares the id, so it must not double.
	s.MergeHistory(testConv, []*Message{
		{ID: "dup", Timestamp: 400, Type: TypeText},
	})
	if msgs := s.GetMessages(testConv); len(msgs) != 1 {
		t.Fatalf("expected 1 message after dedup, got %d", len(msgs))
	}
}

func TestDebouncedFlush(t *testing.T) {
	var mu sync.Mutex
	flushes := 0
	s := NewStore(func(id identity.ConversationID, msgs []*Message) error {
		mu.Lock()
		flushes++
		mu.Unlock()
		return nil
	}, logger.Default())

	s.AddUserMessage(testConv, "a")
	s.AddUserMessage(testConv, "b")
	s.AddUserMessage(testConv, "c")

	mu.Lock()
	if flushes != 0 {
		mu.Unlock()
		t.Fatal("flush fired before debounce window")
	}
	mu.Unlock()

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := flushes
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected exactly 1 coalesced flush, got %d", n)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestFlushAllFlushesSynchronously(t *testing.T) {
	var mu sync.Mutex
	flushed := make(map[identity.ConversationID]int)
	s := NewStore(func(id identity.ConversationID, msgs []*Message) error {
		mu.Lock()
		flushed[id] = len(msgs)
		mu.Unlock()
		return nil
	}, logger.Default())

	other := identity.Encode(1, 1, 2)
	s.AddUserMessage(testConv, "a")
	s.AddUserMessage(other, "b")
	s.AddUserMessage(other, "c")

	s.FlushAll()
	mu.Lock()
	defer mu.Unlock()
	if flushed[testConv] != 1 || flushed[other] != 2 {
		t.Fatalf("unexpected flush counts: %v", flushed)
	}
}

func TestFlushFailureRetainsStateAndEscalates(t *testing.T) {
	fatal := make(chan error, 1)
	s := NewStore(func(id identity.ConversationID, msgs []*Message) error {
		return errors.New("disk full")
	}, logger.Default())
	s.SetOnFatal(func(err error) {
		select {
		case fatal <- err:
		default:
		}
	})

	s.AddUserMessage(testConv, "keep me")
	s.FlushAll() // first failure
	if len(s.GetMessages(testConv)) != 1 {
		t.Fatal("in-memory state lost after failed flush")
	}
	select {
	case <-fatal:
		t.Fatal("fatal escalation after a single failure")
	default:
	}

	s.FlushAll() // second consecutive failure
	select {
	case <-fatal:
	case <-time.After(time.Second):
		t.Fatal("expected fatal escalation after two consecutive failures")
	}
}

func TestDeleteConversationNotifies(t *testing.T) {
	s := NewStore(nil, logger.Default())
	deleted := make(chan identity.ConversationID, 1)
	s.SetOnDelete(func(id identity.ConversationID) { deleted <- id })

	s.AddUserMessage(testConv, "hi")
	s.DeleteConversation(testConv)

	if got := s.GetMessages(testConv); len(got) != 0 {
		t.Fatalf("expected empty log after delete, got %d messages", len(got))
	}
	select {
	case id := <-deleted:
		if id != testConv {
			t.Errorf("delete notified for wrong conversation: %v", id)
		}
	default:
		t.Fatal("expected delete notification")
	}
}
