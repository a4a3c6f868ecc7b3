package cron

import (
	"context"
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		spec    string
		kind    string
		wantErr bool
	}{
		{"15m", KindEvery, false},
		{"*/5 * * * *", KindCron, false},
		{"0s", KindEvery, true},
		{"not a schedule", KindCron, true},
	}
	for _, tt := range tests {
		s, err := ParseSchedule(tt.spec)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSchedule(%q) err = %v, wantErr %v", tt.spec, err, tt.wantErr)
			continue
		}
		if s.Kind != tt.kind {
			t.Errorf("ParseSchedule(%q) kind = %q, want %q", tt.spec, s.Kind, tt.kind)
		}
	}
}

func TestTickRunsDueJobs(t *testing.T) {
	cs := NewService()
	runs := 0
	job, err := cs.AddJob("checkpoint", Schedule{Kind: KindEvery, Every: time.Minute}, t0, func(context.Context, Job) error {
		runs++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if n := cs.Tick(ctx, t0.Add(30*time.Second)); n != 0 || runs != 0 {
		t.Fatalf("early tick ran %d jobs", n)
	}
	if n := cs.Tick(ctx, t0.Add(time.Minute)); n != 1 || runs != 1 {
		t.Fatalf("due tick ran %d jobs (%d handler calls)", n, runs)
	}
	// Rescheduled a minute after the run, not after the original slot.
	if n := cs.Tick(ctx, t0.Add(90*time.Second)); n != 0 {
		t.Errorf("job ran again before its next slot")
	}
	jobs := cs.ListJobs()
	if len(jobs) != 1 || jobs[0].State.Runs != 1 || jobs[0].State.LastStatus != "ok" {
		t.Errorf("job state = %+v", jobs)
	}
	if !jobs[0].State.NextRun.Equal(t0.Add(2 * time.Minute)) {
		t.Errorf("next run = %v", jobs[0].State.NextRun)
	}

	if err := cs.EnableJob(job.ID, false, t0); err != nil {
		t.Fatal(err)
	}
	if n := cs.Tick(ctx, t0.Add(time.Hour)); n != 0 {
		t.Error("disabled job ran")
	}
}

func TestCronExpressionSchedule(t *testing.T) {
	cs := NewService()
	if _, err := cs.AddJob("hourly", Schedule{Kind: KindCron, Expr: "0 * * * *"}, t0.Add(time.Minute), func(context.Context, Job) error { return nil }); err != nil {
		t.Fatal(err)
	}
	jobs := cs.ListJobs()
	if want := t0.Add(time.Hour); !jobs[0].State.NextRun.Equal(want) {
		t.Errorf("next run = %v, want %v", jobs[0].State.NextRun, want)
	}
}

func TestFailedRunsAreLogged(t *testing.T) {
	cs := NewService()
	cs.SetRetryConfig(RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	job, _ := cs.AddJob("flaky", Schedule{Kind: KindEvery, Every: time.Second}, t0, func(context.Context, Job) error {
		return errors.New("storage down")
	})
	cs.Tick(context.Background(), t0.Add(time.Second))

	log := cs.GetRunLog(job.ID, 10)
	if len(log) != 1 || log[0].Status != "error" || log[0].Attempts != 2 || log[0].Error != "storage down" {
		t.Errorf("run log = %+v", log)
	}
	if err := cs.RemoveJob(job.ID); err != nil {
		t.Fatal(err)
	}
	if err := cs.RemoveJob(job.ID); err == nil {
		t.Error("removing a missing job succeeded")
	}
}
