package convstore

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestConvStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "conversations.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPartitionName(t *testing.T) {
	cases := []struct {
		phone string
		want  string
	}{
		{"+18327725964", "conversations_18327725964"},
		{"18327725964", "conversations_18327725964"},
		{"+1 (832) 772-5964", "conversations_18327725964"},
	}
	for _, c := range cases {
		if got := PartitionName(c.phone); got != c.want {
			t.Errorf("PartitionName(%q) = %q, want %q", c.phone, got, c.want)
		}
	}
}

func TestPhoneForPartition(t *testing.T) {
	if got := PhoneForPartition("conversations_18327725964"); got != "+18327725964" {
		t.Errorf("PhoneForPartition = %q", got)
	}
}

func TestStore_GetMissingReturnsNil(t *testing.T) {
	store := newTestConvStore(t)
	conv, err := store.Get("+18325550100", "whatsapp_15550001111")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if conv != nil {
		t.Errorf("expected nil for missing conversation, got %+v", conv)
	}
}

func TestStore_AppendMessagesRoundTrip(t *testing.T) {
	store := newTestConvStore(t)
	phone := "+18325550100"
	convID := "whatsapp_15550001111"

	first := []Message{
		{Role: "user", Content: "hello", Name: "+15550001111"},
		{Role: "assistant", Content: "hi there", Name: "agent-asst_1"},
	}
	if err := store.AppendMessages(phone, convID, first); err != nil {
		t.Fatalf("append: %v", err)
	}
	second := []Message{
		{Role: "user", Content: "follow-up", Name: "+15550001111"},
		{Role: "assistant", Content: "sure", Name: "agent-asst_1"},
	}
	if err := store.AppendMessages(phone, convID, second); err != nil {
		t.Fatalf("append: %v", err)
	}

	conv, err := store.Get(phone, convID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if conv == nil {
		t.Fatal("conversation missing after append")
	}
	if len(conv.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(conv.Messages))
	}
	wantOrder := []string{"hello", "hi there", "follow-up", "sure"}
	for i, want := range wantOrder {
		if conv.Messages[i].Content != want {
			t.Errorf("message %d = %q, want %q", i, conv.Messages[i].Content, want)
		}
	}
	if conv.Messages[0].Timestamp.IsZero() {
		t.Error("expected append to stamp messages")
	}
	if conv.PhoneNumber != phone {
		t.Errorf("expected phone %s, got %s", phone, conv.PhoneNumber)
	}
}

func TestStore_ConcurrentAppendsAllPersist(t *testing.T) {
	store := newTestConvStore(t)
	phone := "+18325550100"
	convID := "conv1"

	const writers = 8
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			errs <- store.AppendMessages(phone, convID, []Message{
				{Role: "user", Content: fmt.Sprintf("message %d", n), Name: "+15550001111"},
				{Role: "assistant", Content: fmt.Sprintf("reply %d", n), Name: "agent-asst_1"},
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent append failed: %v", err)
		}
	}

	conv, err := store.Get(phone, convID)
	if err != nil || conv == nil {
		t.Fatalf("get after concurrent appends: %v", err)
	}
	if len(conv.Messages) != writers*2 {
		t.Errorf("expected %d messages, got %d", writers*2, len(conv.Messages))
	}
}

func TestStore_AppendPreservesCreatedAt(t *testing.T) {
	store := newTestConvStore(t)
	phone := "+18325550100"
	convID := "sms_15550002222"

	t0 := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return t0 }
	if err := store.AppendMessages(phone, convID, []Message{{Role: "user", Content: "one"}}); err != nil {
		t.Fatal(err)
	}

	store.now = func() time.Time { return t0.Add(time.Hour) }
	if err := store.AppendMessages(phone, convID, []Message{{Role: "user", Content: "two"}}); err != nil {
		t.Fatal(err)
	}

	conv, err := store.Get(phone, convID)
	if err != nil || conv == nil {
		t.Fatalf("get: %v", err)
	}
	if !conv.CreatedAt.Equal(t0) {
		t.Errorf("created_at changed: %v, want %v", conv.CreatedAt, t0)
	}
	if !conv.UpdatedAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("updated_at = %v, want %v", conv.UpdatedAt, t0.Add(time.Hour))
	}
}

func TestStore_SaveUpsert(t *testing.T) {
	store := newTestConvStore(t)
	phone := "+18325550100"
	convID := "whatsapp_15550001111"

	if err := store.Save(phone, convID, Conversation{
		Messages:  []Message{{Role: "user", Content: "v1"}},
		Variables: map[string]any{"lang": "en"},
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(phone, convID, Conversation{
		Messages: []Message{{Role: "user", Content: "v1"}, {Role: "assistant", Content: "v2"}},
	}); err != nil {
		t.Fatalf("save: %v", err)
	}

	conv, err := store.Get(phone, convID)
	if err != nil || conv == nil {
		t.Fatalf("get: %v", err)
	}
	if len(conv.Messages) != 2 {
		t.Errorf("expected 2 messages, got %d", len(conv.Messages))
	}
}

func TestStore_PartitionsIsolatePhones(t *testing.T) {
	store := newTestConvStore(t)
	convID := "whatsapp_15550001111"

	if err := store.AppendMessages("+18325550100", convID, []Message{{Role: "user", Content: "for A"}}); err != nil {
		t.Fatal(err)
	}
	conv, err := store.Get("+18325550199", convID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if conv != nil {
		t.Error("conversation leaked across phone partitions")
	}
}

func TestStore_List(t *testing.T) {
	store := newTestConvStore(t)
	phone := "+18325550100"

	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"whatsapp_1111111111", "whatsapp_2222222222", "whatsapp_3333333333"} {
		tick := base.Add(time.Duration(i) * time.Minute)
		store.now = func() time.Time { return tick }
		if err := store.AppendMessages(phone, id, []Message{{Role: "user", Content: "hi"}}); err != nil {
			t.Fatal(err)
		}
	}

	convs, err := store.List(phone, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(convs))
	}
	if convs[0].ConversationID != "whatsapp_3333333333" {
		t.Errorf("expected most recent first, got %s", convs[0].ConversationID)
	}
}

func TestStore_Delete(t *testing.T) {
	store := newTestConvStore(t)
	phone := "+18325550100"
	convID := "sms_15550002222"

	if err := store.AppendMessages(phone, convID, []Message{{Role: "user", Content: "bye"}}); err != nil {
		t.Fatal(err)
	}
	deleted, err := store.Delete(phone, convID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !deleted {
		t.Error("expected delete to report true")
	}
	deleted, err = store.Delete(phone, convID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted {
		t.Error("expected second delete to report false")
	}
}

func TestStore_StatsForPhone(t *testing.T) {
	store := newTestConvStore(t)
	phone := "+18325550100"

	for _, id := range []string{"whatsapp_1111111111", "whatsapp_2222222222"} {
		if err := store.AppendMessages(phone, id, []Message{{Role: "user", Content: "hi"}}); err != nil {
			t.Fatal(err)
		}
	}
	stats, err := store.StatsForPhone(phone)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalConversations != 2 {
		t.Errorf("expected 2 conversations, got %d", stats.TotalConversations)
	}
	if stats.Partition != "conversations_18325550100" {
		t.Errorf("unexpected partition %s", stats.Partition)
	}
	if len(stats.Recent) != 2 {
		t.Errorf("expected 2 recent entries, got %d", len(stats.Recent))
	}
	if stats.LastActivity == nil {
		t.Error("expected last activity")
	}
}

func TestStore_RejectsDigitlessPhone(t *testing.T) {
	store := newTestConvStore(t)
	if err := store.AppendMessages("no-digits", "conv", []Message{{Role: "user", Content: "x"}}); err == nil {
		t.Error("expected error for phone without digits")
	}
}
