package jobs

import (
	"context"
	"errors"
	"log"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type stubReviewRunner struct {
	run func(report ProgressFunc, cancelled func() bool) (string, error)
}

func (s *stubReviewRunner) RunReviewJob(ctx context.Context, task ReviewTask, report ProgressFunc, cancelled func() bool) (string, error) {
	return s.run(report, cancelled)
}

type stubIndexRunner struct{}

func (s *stubIndexRunner) RunIndexJob(ctx context.Context, task IndexTask, report ProgressFunc, cancelled func() bool) (string, error) {
	return "", nil
}

func newTestManager(t *testing.T, runner ReviewRunner) (*Manager, *Lifecycle) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	lc := NewLifecycle(NewStore(rdb), nil, log.Default())
	manager, err := NewManager("redis://"+mr.Addr(), lc, runner, &stubIndexRunner{}, log.Default())
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	t.Cleanup(func() { manager.Shutdown(context.Background()) })
	return manager, lc
}

func TestRunJobCompletes(t *testing.T) {
	runner := &stubReviewRunner{
		run: func(report ProgressFunc, cancelled func() bool) (string, error) {
			report(50)
			return "final-1", nil
		},
	}
	manager, lc := newTestManager(t, runner)
	ctx := context.Background()

	record, err := lc.Create(ctx, KindReviewProcessing, "user-1", "industry-1")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	manager.runJob(ctx, record.JobID, func(report ProgressFunc, cancelled func() bool) (string, error) {
		return runner.RunReviewJob(ctx, ReviewTask{JobID: record.JobID}, report, cancelled)
	})

	got, err := lc.GetOwned(ctx, record.JobID, "user-1")
	if err != nil {
		t.Fatalf("GetOwned returned error: %v", err)
	}
	if got.Status != StatusCompleted || got.ResultRef != "final-1" {
		t.Fatalf("record = %+v, want completed with final-1", got)
	}
}

func TestRunJobWorkerErrorMessageIsKept(t *testing.T) {
	runner := &stubReviewRunner{
		run: func(report ProgressFunc, cancelled func() bool) (string, error) {
			return "", &WorkerError{Message: "OpenAI APIキーが設定されていません。"}
		},
	}
	manager, lc := newTestManager(t, runner)
	ctx := context.Background()

	record, err := lc.Create(ctx, KindReviewProcessing, "user-1", "industry-1")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	manager.runJob(ctx, record.JobID, func(report ProgressFunc, cancelled func() bool) (string, error) {
		return runner.RunReviewJob(ctx, ReviewTask{JobID: record.JobID}, report, cancelled)
	})

	got, err := lc.GetOwned(ctx, record.JobID, "user-1")
	if err != nil {
		t.Fatalf("GetOwned returned error: %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Error != "OpenAI APIキーが設定されていません。" {
		t.Fatalf("error = %q, want the worker message", got.Error)
	}
}

func TestRunJobHidesInternalErrors(t *testing.T) {
	runner := &stubReviewRunner{
		run: func(report ProgressFunc, cancelled func() bool) (string, error) {
			return "", errors.New("dial tcp 10.0.0.1:443: connection refused")
		},
	}
	manager, lc := newTestManager(t, runner)
	ctx := context.Background()

	record, err := lc.Create(ctx, KindReviewProcessing, "user-1", "industry-1")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	manager.runJob(ctx, record.JobID, func(report ProgressFunc, cancelled func() bool) (string, error) {
		return runner.RunReviewJob(ctx, ReviewTask{JobID: record.JobID}, report, cancelled)
	})

	got, err := lc.GetOwned(ctx, record.JobID, "user-1")
	if err != nil {
		t.Fatalf("GetOwned returned error: %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Error != "処理中に予期しないエラーが発生しました。" {
		t.Fatalf("error = %q, want the generic message", got.Error)
	}
}

func TestRunJobAcknowledgesCancel(t *testing.T) {
	manager, lc := newTestManager(t, nil)
	ctx := context.Background()

	record, err := lc.Create(ctx, KindReviewProcessing, "user-1", "industry-1")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	manager.runJob(ctx, record.JobID, func(report ProgressFunc, cancelled func() bool) (string, error) {
		// Simulate a cancel arriving mid-run.
		if err := lc.RequestCancel(ctx, record.JobID); err != nil {
			t.Fatalf("RequestCancel returned error: %v", err)
		}
		if !cancelled() {
			t.Fatal("cancelled() false after request")
		}
		return "", ErrCancelled
	})

	got, err := lc.GetOwned(ctx, record.JobID, "user-1")
	if err != nil {
		t.Fatalf("GetOwned returned error: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
}

func TestRunJobRecoversFromPanic(t *testing.T) {
	manager, lc := newTestManager(t, nil)
	ctx := context.Background()

	record, err := lc.Create(ctx, KindReviewProcessing, "user-1", "industry-1")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	manager.runJob(ctx, record.JobID, func(report ProgressFunc, cancelled func() bool) (string, error) {
		panic("worker bug")
	})

	got, err := lc.GetOwned(ctx, record.JobID, "user-1")
	if err != nil {
		t.Fatalf("GetOwned returned error: %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want failed after panic", got.Status)
	}
}

func TestRunJobSkipsCancelledPendingJob(t *testing.T) {
	manager, lc := newTestManager(t, nil)
	ctx := context.Background()

	record, err := lc.Create(ctx, KindReviewProcessing, "user-1", "industry-1")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := lc.RequestCancel(ctx, record.JobID); err != nil {
		t.Fatalf("RequestCancel returned error: %v", err)
	}

	ran := false
	manager.runJob(ctx, record.JobID, func(report ProgressFunc, cancelled func() bool) (string, error) {
		ran = true
		return "", nil
	})
	if ran {
		t.Fatal("worker ran for a job cancelled while queued")
	}

	got, err := lc.GetOwned(ctx, record.JobID, "user-1")
	if err != nil {
		t.Fatalf("GetOwned returned error: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
}
