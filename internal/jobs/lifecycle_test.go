package jobs

import (
	"context"
	"errors"
	"log"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type snapshotRecorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *snapshotRecorder) Publish(jobID string, snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
}

func (r *snapshotRecorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, len(r.snaps))
	copy(out, r.snaps)
	return out
}

func newTestLifecycle(t *testing.T) (*Lifecycle, *snapshotRecorder) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	recorder := &snapshotRecorder{}
	return NewLifecycle(NewStore(rdb), recorder, log.Default()), recorder
}

func TestLifecycleHappyPath(t *testing.T) {
	lc, recorder := newTestLifecycle(t)
	ctx := context.Background()

	record, err := lc.Create(ctx, KindReviewProcessing, "user-1", "industry-1")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if record.Status != StatusPending {
		t.Fatalf("new job status = %s, want pending", record.Status)
	}

	if err := lc.Start(ctx, record.JobID); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := lc.ReportProgress(ctx, record.JobID, 40); err != nil {
		t.Fatalf("ReportProgress returned error: %v", err)
	}
	if err := lc.Complete(ctx, record.JobID, "final-123"); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}

	got, err := lc.GetOwned(ctx, record.JobID, "user-1")
	if err != nil {
		t.Fatalf("GetOwned returned error: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.ResultRef != "final-123" {
		t.Fatalf("result ref = %q, want final-123", got.ResultRef)
	}
	if got.Progress == nil || *got.Progress != 100 {
		t.Fatalf("progress = %v, want 100", got.Progress)
	}

	snaps := recorder.all()
	if len(snaps) != 3 {
		t.Fatalf("published %d snapshots, want 3", len(snaps))
	}
	wantStatuses := []Status{StatusProcessing, StatusProcessing, StatusCompleted}
	for i, want := range wantStatuses {
		if snaps[i].Status != want {
			t.Fatalf("snapshot[%d].Status = %s, want %s", i, snaps[i].Status, want)
		}
	}
	if snaps[2].FinalReviewID != "final-123" {
		t.Fatalf("terminal snapshot final_review_id = %q, want final-123", snaps[2].FinalReviewID)
	}
}

func TestProgressNeverDecreases(t *testing.T) {
	lc, recorder := newTestLifecycle(t)
	ctx := context.Background()

	record, err := lc.Create(ctx, KindReviewProcessing, "user-1", "industry-1")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := lc.Start(ctx, record.JobID); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	if err := lc.ReportProgress(ctx, record.JobID, 50); err != nil {
		t.Fatalf("ReportProgress(50) returned error: %v", err)
	}
	// A lower or equal report is dropped without error or publish.
	if err := lc.ReportProgress(ctx, record.JobID, 30); err != nil {
		t.Fatalf("ReportProgress(30) returned error: %v", err)
	}
	if err := lc.ReportProgress(ctx, record.JobID, 50); err != nil {
		t.Fatalf("ReportProgress(50) again returned error: %v", err)
	}

	got, err := lc.GetOwned(ctx, record.JobID, "user-1")
	if err != nil {
		t.Fatalf("GetOwned returned error: %v", err)
	}
	if got.Progress == nil || *got.Progress != 50 {
		t.Fatalf("progress = %v, want 50", got.Progress)
	}

	// Start + one progress update, nothing for the dropped reports.
	if snaps := recorder.all(); len(snaps) != 2 {
		t.Fatalf("published %d snapshots, want 2", len(snaps))
	}
}

func TestProgressRejectedAfterTerminal(t *testing.T) {
	lc, _ := newTestLifecycle(t)
	ctx := context.Background()

	record, err := lc.Create(ctx, KindReviewProcessing, "user-1", "industry-1")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := lc.Start(ctx, record.JobID); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := lc.Complete(ctx, record.JobID, "final-1"); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}

	if err := lc.ReportProgress(ctx, record.JobID, 80); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("ReportProgress after complete = %v, want ErrInvalidState", err)
	}
	if err := lc.Complete(ctx, record.JobID, "final-2"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second Complete = %v, want ErrInvalidState", err)
	}

	got, err := lc.GetOwned(ctx, record.JobID, "user-1")
	if err != nil {
		t.Fatalf("GetOwned returned error: %v", err)
	}
	if got.ResultRef != "final-1" {
		t.Fatalf("result ref = %q, want final-1", got.ResultRef)
	}
}

func TestCreateConflictWhileActive(t *testing.T) {
	lc, _ := newTestLifecycle(t)
	ctx := context.Background()

	first, err := lc.Create(ctx, KindReviewProcessing, "user-1", "industry-1")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	if _, err := lc.Create(ctx, KindReviewProcessing, "user-1", "industry-1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate Create = %v, want ErrConflict", err)
	}

	// A different kind or scope is a different slot.
	if _, err := lc.Create(ctx, KindIndexUpdate, "user-1", "industry-1"); err != nil {
		t.Fatalf("Create with other kind returned error: %v", err)
	}
	if _, err := lc.Create(ctx, KindReviewProcessing, "user-1", "industry-2"); err != nil {
		t.Fatalf("Create with other scope returned error: %v", err)
	}

	if err := lc.Start(ctx, first.JobID); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := lc.Complete(ctx, first.JobID, "final-1"); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}

	// The slot is released once the job is terminal.
	if _, err := lc.Create(ctx, KindReviewProcessing, "user-1", "industry-1"); err != nil {
		t.Fatalf("Create after terminal returned error: %v", err)
	}
}

func TestCancelPendingJob(t *testing.T) {
	lc, recorder := newTestLifecycle(t)
	ctx := context.Background()

	record, err := lc.Create(ctx, KindReviewProcessing, "user-1", "industry-1")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	if err := lc.RequestCancel(ctx, record.JobID); err != nil {
		t.Fatalf("RequestCancel returned error: %v", err)
	}

	got, err := lc.GetOwned(ctx, record.JobID, "user-1")
	if err != nil {
		t.Fatalf("GetOwned returned error: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled (pending jobs cancel immediately)", got.Status)
	}

	snaps := recorder.all()
	if len(snaps) != 1 || snaps[0].Status != StatusCancelled {
		t.Fatalf("unexpected snapshots: %#v", snaps)
	}
}

func TestCancelProcessingJobIsCooperative(t *testing.T) {
	lc, _ := newTestLifecycle(t)
	ctx := context.Background()

	record, err := lc.Create(ctx, KindReviewProcessing, "user-1", "industry-1")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := lc.Start(ctx, record.JobID); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	if lc.CancelRequested(record.JobID) {
		t.Fatal("CancelRequested true before any request")
	}
	if err := lc.RequestCancel(ctx, record.JobID); err != nil {
		t.Fatalf("RequestCancel returned error: %v", err)
	}

	// Still processing until the worker acknowledges.
	got, err := lc.GetOwned(ctx, record.JobID, "user-1")
	if err != nil {
		t.Fatalf("GetOwned returned error: %v", err)
	}
	if got.Status != StatusProcessing {
		t.Fatalf("status = %s, want processing", got.Status)
	}
	if !lc.CancelRequested(record.JobID) {
		t.Fatal("CancelRequested false after request")
	}
	select {
	case <-lc.CancelChan(record.JobID):
	default:
		t.Fatal("CancelChan not closed after request")
	}

	if err := lc.AcknowledgeCancel(ctx, record.JobID); err != nil {
		t.Fatalf("AcknowledgeCancel returned error: %v", err)
	}
	got, err = lc.GetOwned(ctx, record.JobID, "user-1")
	if err != nil {
		t.Fatalf("GetOwned returned error: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
}

func TestCancelTerminalJobRejected(t *testing.T) {
	lc, _ := newTestLifecycle(t)
	ctx := context.Background()

	record, err := lc.Create(ctx, KindReviewProcessing, "user-1", "industry-1")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := lc.Fail(ctx, record.JobID, "boom"); err != nil {
		t.Fatalf("Fail returned error: %v", err)
	}

	if err := lc.RequestCancel(ctx, record.JobID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("RequestCancel on failed job = %v, want ErrInvalidState", err)
	}
}

func TestFailFromPending(t *testing.T) {
	lc, _ := newTestLifecycle(t)
	ctx := context.Background()

	record, err := lc.Create(ctx, KindIndexUpdate, "user-1", "industry-1")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := lc.Fail(ctx, record.JobID, "投入に失敗しました。"); err != nil {
		t.Fatalf("Fail returned error: %v", err)
	}

	got, err := lc.GetOwned(ctx, record.JobID, "user-1")
	if err != nil {
		t.Fatalf("GetOwned returned error: %v", err)
	}
	if got.Status != StatusFailed || got.Error == "" {
		t.Fatalf("record = %+v, want failed with error message", got)
	}
	snap := got.Snapshot()
	if snap.Error != got.Error {
		t.Fatalf("snapshot error = %q, want %q", snap.Error, got.Error)
	}
}

func TestGetOwnedHidesForeignJobs(t *testing.T) {
	lc, _ := newTestLifecycle(t)
	ctx := context.Background()

	record, err := lc.Create(ctx, KindReviewProcessing, "user-1", "industry-1")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	if _, err := lc.GetOwned(ctx, record.JobID, "user-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetOwned as other user = %v, want ErrNotFound", err)
	}
	if _, err := lc.GetOwned(ctx, "no-such-job", "user-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetOwned unknown job = %v, want ErrNotFound", err)
	}
}

func TestListOwnedFilters(t *testing.T) {
	lc, _ := newTestLifecycle(t)
	ctx := context.Background()

	review, err := lc.Create(ctx, KindReviewProcessing, "user-1", "industry-1")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if _, err := lc.Create(ctx, KindIndexUpdate, "user-1", "industry-1"); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := lc.Start(ctx, review.JobID); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	all, err := lc.ListOwned(ctx, "user-1", "", "")
	if err != nil {
		t.Fatalf("ListOwned returned error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("listed %d jobs, want 2", len(all))
	}

	processing, err := lc.ListOwned(ctx, "user-1", "", StatusProcessing)
	if err != nil {
		t.Fatalf("ListOwned returned error: %v", err)
	}
	if len(processing) != 1 || processing[0].JobID != review.JobID {
		t.Fatalf("unexpected processing list: %#v", processing)
	}

	indexJobs, err := lc.ListOwned(ctx, "user-1", KindIndexUpdate, "")
	if err != nil {
		t.Fatalf("ListOwned returned error: %v", err)
	}
	if len(indexJobs) != 1 || indexJobs[0].Kind != KindIndexUpdate {
		t.Fatalf("unexpected kind list: %#v", indexJobs)
	}
}
