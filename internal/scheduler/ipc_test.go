package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/nextlevelbuilder/agentos/internal/quota"
	"github.com/nextlevelbuilder/agentos/internal/store"
)

func TestIPC_FIFOAndAddressing(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, quota.DefaultConfig())
	a := submit(t, s, "a", 50)
	b := submit(t, s, "b", 50)

	if err := s.Send(a, b, "work", "note", "x"); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("send on missing channel err = %v", err)
	}
	if !s.CreateChannel("work") || s.CreateChannel("work") {
		t.Fatal("CreateChannel should succeed once")
	}

	for _, content := range []string{"first", "second"} {
		if err := s.Send(a, b, "work", "note", content); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if _, ok := s.Receive(a, "work"); ok {
		t.Error("a received a message addressed to b")
	}
	if err := s.Send(b, "", "work", "broadcast", "hello all"); err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{"first", "second"} {
		msg, ok := s.Receive(b, "work")
		if !ok || msg.Content != want {
			t.Errorf("receive = %q, %v; want %q", msg.Content, ok, want)
		}
	}
	if _, ok := s.Receive(b, "work"); ok {
		t.Error("b received its own broadcast")
	}
	if msg, ok := s.Receive(a, "work"); !ok || msg.Content != "hello all" || msg.From != b {
		t.Errorf("broadcast receive = %+v, %v", msg, ok)
	}
	if s.Pending("work") != 0 {
		t.Errorf("pending = %d, want 0", s.Pending("work"))
	}
}

func TestIPC_SendWakesWaitingRecipient(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, quota.DefaultConfig())
	ctx := context.Background()
	a := submit(t, s, "a", 10)
	b := submit(t, s, "b", 50)
	s.CreateChannel("inbox")

	s.Tick(ctx)
	if err := s.Wait(a, "ipc"); err != nil {
		t.Fatal(err)
	}
	if st := state(t, s, a); st != store.StateWaiting {
		t.Fatalf("a state = %s", st)
	}
	if err := s.Send(b, a, "inbox", "reply", "done"); err != nil {
		t.Fatal(err)
	}
	if st := state(t, s, a); st != store.StateReady {
		t.Errorf("a state after message = %s, want ready", st)
	}
}

func TestIPC_SendLeavesQuotaWaitParked(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, quota.Config{MaxTokensPerRequest: 100})
	ctx := context.Background()
	a := submit(t, s, "a", 10)
	b := submit(t, s, "b", 50)
	s.CreateChannel("inbox")

	s.Tick(ctx)
	if s.RequestResources(a, 150, 1) {
		t.Fatal("oversized request granted")
	}
	if err := s.Send(b, a, "inbox", "reply", "done"); err != nil {
		t.Fatal(err)
	}
	p, _ := s.Get(a)
	if p.State != store.StateWaiting {
		t.Fatalf("quota waiter state after message = %s, want waiting", p.State)
	}
	if p.PendingTokens != 150 || p.PendingCalls != 1 || p.WaitingReason != quota.ReasonRequestTokens {
		t.Errorf("pending request lost: tokens=%d calls=%d reason=%q", p.PendingTokens, p.PendingCalls, p.WaitingReason)
	}
	if s.Pending("inbox") != 1 {
		t.Errorf("message not queued, pending = %d", s.Pending("inbox"))
	}
}

func TestIPC_SendWakesExplicitWait(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, quota.DefaultConfig())
	a := submit(t, s, "a", 10)
	b := submit(t, s, "b", 50)
	s.CreateChannel("inbox")

	s.Tick(context.Background())
	if err := s.Wait(a, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.Send(b, a, "inbox", "reply", "done"); err != nil {
		t.Fatal(err)
	}
	if st := state(t, s, a); st != store.StateReady {
		t.Errorf("a state after message = %s, want ready", st)
	}
}

func TestIPC_DropPolicy(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, quota.DefaultConfig())
	s.SetConfig(Config{Channel: ChannelConfig{Cap: 2, Drop: DropOld}})
	s.CreateChannel("c")
	for _, m := range []string{"1", "2", "3"} {
		if err := s.Send("x", "y", "c", "t", m); err != nil {
			t.Fatalf("drop-old send: %v", err)
		}
	}
	msg, _ := s.Receive("y", "c")
	if msg.Content != "2" {
		t.Errorf("oldest after drop = %q, want 2", msg.Content)
	}

	s.SetConfig(Config{Channel: ChannelConfig{Cap: 1, Drop: DropNew}})
	if err := s.Send("x", "y", "c", "t", "4"); !errors.Is(err, ErrQueueFull) {
		t.Errorf("drop-new err = %v, want ErrQueueFull", err)
	}
}
