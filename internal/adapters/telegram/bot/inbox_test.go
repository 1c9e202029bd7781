package bot

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestInboxKeepsPerOwnerOrder(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		got = map[int64][]int{}
	)
	b := newInbox(func(_ context.Context, in Incoming) {
		mu.Lock()
		got[in.OwnerID] = append(got[in.OwnerID], in.MsgID)
		mu.Unlock()
	})
	b.Open(context.Background())

	for i := 1; i <= 50; i++ {
		b.Push(Incoming{OwnerID: int64(i % 3), MsgID: i})
	}
	b.Close()

	for owner, ids := range got {
		for i := 1; i < len(ids); i++ {
			if ids[i] <= ids[i-1] {
				t.Fatalf("owner %d: out of order %v", owner, ids)
			}
		}
	}
	if total := len(got[0]) + len(got[1]) + len(got[2]); total != 50 {
		t.Fatalf("handled %d messages, want 50", total)
	}
}

func TestInboxSlowOwnerDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	fast := make(chan struct{})
	b := newInbox(func(_ context.Context, in Incoming) {
		if in.OwnerID == 1 {
			<-release
			return
		}
		close(fast)
	})
	b.Open(context.Background())

	b.Push(Incoming{OwnerID: 1, MsgID: 1})
	b.Push(Incoming{OwnerID: 2, MsgID: 1})

	select {
	case <-fast:
	case <-time.After(2 * time.Second):
		t.Fatal("owner 2 blocked behind owner 1")
	}
	close(release)
	b.Close()

	if b.Push(Incoming{OwnerID: 3, MsgID: 1}) {
		t.Fatal("Push accepted after Close")
	}
}

func TestInboxPassesOpenContext(t *testing.T) {
	t.Parallel()

	type key struct{}
	got := make(chan any, 1)
	b := newInbox(func(ctx context.Context, _ Incoming) {
		got <- ctx.Value(key{})
	})
	if b.Push(Incoming{OwnerID: 1, MsgID: 1}) {
		t.Fatal("Push accepted before Open")
	}

	b.Open(context.WithValue(context.Background(), key{}, "run"))
	if !b.Push(Incoming{OwnerID: 1, MsgID: 2}) {
		t.Fatal("Push rejected after Open")
	}
	b.Close()
	if v := <-got; v != "run" {
		t.Fatalf("handler ctx value = %v, want run", v)
	}
}
