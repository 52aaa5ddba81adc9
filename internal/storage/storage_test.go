package storage

import (
	"path/filepath"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJobLifecycle(t *testing.T) {
	s := testStore(t)

	rec := JobRecord{
		ID:         "job-1",
		Status:     "queued",
		ImageCount: 4,
		Quality:    "medium",
		Format:     "jpg",
		Resolution: "2K",
		OutputPath: "/tmp/out.jpg",
	}
	if err := s.RecordJobQueued(rec); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := s.RecordJobStart("job-1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	meta := map[string]any{
		"engine":   "hugin",
		"strategy": "scans-full",
		"width":    2048,
	}
	if err := s.RecordJobResult("job-1", "completed", meta, ""); err != nil {
		t.Fatalf("result: %v", err)
	}

	jobs, err := s.RecentJobs(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	got := jobs[0]
	if got.Status != "completed" {
		t.Errorf("status: %s", got.Status)
	}
	if got.Engine != "hugin" || got.Strategy != "scans-full" {
		t.Errorf("engine/strategy not persisted: %s/%s", got.Engine, got.Strategy)
	}
	if got.ImageCount != 4 {
		t.Errorf("image count: %d", got.ImageCount)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("timestamps should be recorded")
	}

	stored, err := s.JobMeta("job-1")
	if err != nil {
		t.Fatal(err)
	}
	if stored["engine"] != "hugin" {
		t.Errorf("meta blob not persisted: %v", stored)
	}
}

func TestFailedJobKeepsErrorMessage(t *testing.T) {
	s := testStore(t)

	if err := s.RecordJobQueued(JobRecord{ID: "job-2", Status: "queued", ImageCount: 2}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordJobResult("job-2", "failed", nil, "no overlapping regions"); err != nil {
		t.Fatal(err)
	}

	jobs, err := s.RecentJobs(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].Error != "no overlapping regions" {
		t.Fatalf("error message not persisted: %+v", jobs)
	}
}

func TestRecentJobsLimit(t *testing.T) {
	s := testStore(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := s.RecordJobQueued(JobRecord{ID: id, Status: "queued"}); err != nil {
			t.Fatal(err)
		}
	}

	jobs, err := s.RecentJobs(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
}

func TestNilStoreIsSafe(t *testing.T) {
	var s *Store
	if err := s.RecordJobQueued(JobRecord{ID: "x"}); err != nil {
		t.Error("nil store writes must be no-ops")
	}
	if err := s.RecordJobStart("x"); err != nil {
		t.Error("nil store writes must be no-ops")
	}
	if err := s.Close(); err != nil {
		t.Error("closing a nil store must be safe")
	}
}
