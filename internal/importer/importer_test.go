package importer

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/teacherly/plansync/internal/remote"
)

const sampleCurriculum = `
name: Grade 5 Mathematics
subject: math
grade: "5"
units:
  - title: Fractions
    bigIdeas:
      - Parts of a whole
    lessons:
      - title: Introducing fractions
        objectives:
          - Identify numerator and denominator
  - title: Decimals
`

func writeCurriculum(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "curriculum.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseFile(t *testing.T) {
	c, err := ParseFile(writeCurriculum(t, sampleCurriculum))
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if c.Name != "Grade 5 Mathematics" {
		t.Fatalf("name = %q", c.Name)
	}
	if len(c.Units) != 2 || c.Units[0].Title != "Fractions" {
		t.Fatalf("units = %+v", c.Units)
	}
	if len(c.Units[0].Lessons) != 1 {
		t.Fatalf("lessons = %+v", c.Units[0].Lessons)
	}
}

func TestParseFileRejectsMissingName(t *testing.T) {
	if _, err := ParseFile(writeCurriculum(t, "units:\n  - title: Lonely\n")); err == nil {
		t.Fatal("expected error for missing name")
	}
}

func TestParseFileRejectsEmptyUnits(t *testing.T) {
	if _, err := ParseFile(writeCurriculum(t, "name: Empty\n")); err == nil {
		t.Fatal("expected error for empty units")
	}
}

func TestParseFileRejectsUntitledUnit(t *testing.T) {
	bad := "name: Bad\nunits:\n  - bigIdeas: [x]\n"
	if _, err := ParseFile(writeCurriculum(t, bad)); err == nil {
		t.Fatal("expected error for untitled unit")
	}
}

func testConfig() *Config {
	return &Config{
		PollInterval: 10 * time.Millisecond,
		Timeout:      2 * time.Second,
		Logger:       log.New(io.Discard, "", 0),
	}
}

func TestRunFollowsJobToReady(t *testing.T) {
	client := remote.NewMockClient()
	im := New(client, nil, testConfig())

	c, err := ParseFile(writeCurriculum(t, sampleCurriculum))
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		// Advance the job while Run polls it.
		time.Sleep(30 * time.Millisecond)
		for _, id := range client.JobIDs() {
			client.SetJobStatus(id, remote.ImportProcessing, 50, "")
		}
		time.Sleep(30 * time.Millisecond)
		for _, id := range client.JobIDs() {
			client.SetJobStatus(id, remote.ImportReady, 100, "")
		}
		close(done)
	}()

	job, err := im.Run(context.Background(), c)
	<-done
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.Status != remote.ImportReady || job.Progress != 100 {
		t.Fatalf("job = %+v, want READY at 100%%", job)
	}
}

func TestRunReturnsErrorOnFailedJob(t *testing.T) {
	client := remote.NewMockClient()
	im := New(client, nil, testConfig())

	c, err := ParseFile(writeCurriculum(t, sampleCurriculum))
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		for _, id := range client.JobIDs() {
			client.SetJobStatus(id, remote.ImportFailed, 0, "unknown subject code")
		}
	}()

	job, err := im.Run(context.Background(), c)
	if err == nil {
		t.Fatal("expected error for failed import")
	}
	if job == nil || job.Status != remote.ImportFailed {
		t.Fatalf("job = %+v, want FAILED", job)
	}
}

func TestRunTimesOutOnStuckJob(t *testing.T) {
	client := remote.NewMockClient()
	cfg := testConfig()
	cfg.Timeout = 100 * time.Millisecond
	im := New(client, nil, cfg)

	c, err := ParseFile(writeCurriculum(t, sampleCurriculum))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := im.Run(context.Background(), c); err == nil {
		t.Fatal("expected timeout error for job stuck in UPLOADING")
	}
}
