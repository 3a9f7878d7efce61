package facestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"faceattend/internal/model"
)

func event(id string, at time.Time) model.AttendanceEvent {
	return model.AttendanceEvent{
		ExternalID:  id,
		DisplayName: "Student " + id,
		Time:        at,
		Confidence:  91,
		Date:        at.Format(model.DateLayout),
		Status:      model.StatusPresent,
	}
}

func TestDailyLogMissingPartitionIsEmpty(t *testing.T) {
	l := NewDailyLog(filepath.Join(t.TempDir(), "attendance"))
	entries, err := l.Entries("2026-03-02")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries, got %d", len(entries))
	}
	dates, err := l.Dates()
	if err != nil || len(dates) != 0 {
		t.Errorf("expected no dates, got %v (%v)", dates, err)
	}
}

func TestDailyLogInsertIfAbsentKeepsFirst(t *testing.T) {
	dir := t.TempDir()
	l := NewDailyLog(dir)
	first := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

	stored, inserted, err := l.InsertIfAbsent(event("S1", first))
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}
	if !stored.Time.Equal(first) {
		t.Errorf("unexpected stored time %s", stored.Time)
	}

	later := event("S1", first.Add(30*time.Minute))
	later.Status = model.StatusLate
	stored, inserted, err = l.InsertIfAbsent(later)
	if err != nil || inserted {
		t.Fatalf("second insert: inserted=%v err=%v", inserted, err)
	}
	if !stored.Time.Equal(first) || stored.Status != model.StatusPresent {
		t.Errorf("existing event overwritten: %+v", stored)
	}

	data, err := os.ReadFile(filepath.Join(dir, "2026-03-02.json"))
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if e := raw["S1"]; e["name"] != "Student S1" || e["date"] != "2026-03-02" || e["confidence"] != 91.0 {
		t.Errorf("unexpected file entry %v", e)
	}
}

func TestDailyLogEntriesOrderedAndCleared(t *testing.T) {
	l := NewDailyLog(t.TempDir())
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"S3", "S1", "S2"} {
		if _, _, err := l.InsertIfAbsent(event(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}
	if _, _, err := l.InsertIfAbsent(event("S9", base.AddDate(0, 0, 1))); err != nil {
		t.Fatal(err)
	}

	entries, err := l.Entries("2026-03-02")
	if err != nil {
		t.Fatal(err)
	}
	got := []string{}
	for _, e := range entries {
		got = append(got, e.ExternalID)
	}
	if fmt.Sprint(got) != "[S3 S1 S2]" {
		t.Errorf("entries not in time order: %v", got)
	}

	dates, _ := l.Dates()
	if fmt.Sprint(dates) != "[2026-03-03 2026-03-02]" {
		t.Errorf("unexpected dates %v", dates)
	}

	n, err := l.Clear("2026-03-02")
	if err != nil || n != 3 {
		t.Fatalf("clear: n=%d err=%v", n, err)
	}
	if entries, _ := l.Entries("2026-03-02"); len(entries) != 0 {
		t.Errorf("partition not cleared: %v", entries)
	}
	if entries, _ := l.Entries("2026-03-03"); len(entries) != 1 {
		t.Errorf("clearing one day must not touch another, got %d entries", len(entries))
	}
}

func TestDailyLogConcurrentMarks(t *testing.T) {
	l := NewDailyLog(t.TempDir())
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	var mu sync.Mutex
	insertedCount := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, inserted, err := l.InsertIfAbsent(event("S1", at.Add(time.Duration(i)*time.Second)))
			if err != nil {
				t.Errorf("insert: %v", err)
				return
			}
			if inserted {
				mu.Lock()
				insertedCount++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if insertedCount != 1 {
		t.Errorf("expected exactly one insert, got %d", insertedCount)
	}
}

func TestDailyLogRejectsBadDate(t *testing.T) {
	l := NewDailyLog(t.TempDir())
	if _, err := l.Entries("../etc/passwd"); err == nil {
		t.Error("expected error for malformed date")
	}
	if _, err := l.Clear("yesterday"); err == nil || errors.Is(err, ErrPersistence) {
		t.Errorf("expected validation error, got %v", err)
	}
}
