package facestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"faceattend/internal/model"
)

// DailyLog stores attendance events in one file per calendar date.
type DailyLog struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewDailyLog returns a log rooted at dir.
func NewDailyLog(dir string) *DailyLog {
	return &DailyLog{dir: dir, locks: make(map[string]*sync.Mutex)}
}

// lock serializes all access to the partition for date and returns the unlock func.
func (l *DailyLog) lock(date string) func() {
	l.mu.Lock()
	m, ok := l.locks[date]
	if !ok {
		m = &sync.Mutex{}
		l.locks[date] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (l *DailyLog) path(date string) (string, error) {
	if _, err := time.Parse(model.DateLayout, date); err != nil {
		return "", fmt.Errorf("invalid date %q: %w", date, err)
	}
	return filepath.Join(l.dir, date+".json"), nil
}

func (l *DailyLog) load(date string) (map[string]model.AttendanceEvent, error) {
	p, err := l.path(date)
	if err != nil {
		return nil, err
	}
	events := map[string]model.AttendanceEvent{}
	if _, err := readJSON(p, &events); err != nil {
		return nil, err
	}
	if events == nil {
		events = map[string]model.AttendanceEvent{}
	}
	for id, ev := range events {
		ev.ExternalID = id
		if ev.Date == "" {
			ev.Date = date
		}
		events[id] = ev
	}
	return events, nil
}

// Get returns the event for id on date.
func (l *DailyLog) Get(date, id string) (model.AttendanceEvent, bool, error) {
	defer l.lock(date)()
	events, err := l.load(date)
	if err != nil {
		return model.AttendanceEvent{}, false, err
	}
	ev, ok := events[id]
	return ev, ok, nil
}

// Entries returns the events of date ordered by time. A date with no file is empty.
func (l *DailyLog) Entries(date string) ([]model.AttendanceEvent, error) {
	defer l.lock(date)()
	events, err := l.load(date)
	if err != nil {
		return nil, err
	}
	out := make([]model.AttendanceEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Time.Equal(out[j].Time) {
			return out[i].ExternalID < out[j].ExternalID
		}
		return out[i].Time.Before(out[j].Time)
	})
	return out, nil
}

// InsertIfAbsent writes ev unless its id already has an event on ev.Date.
// It returns the stored event and whether ev was the one written.
func (l *DailyLog) InsertIfAbsent(ev model.AttendanceEvent) (model.AttendanceEvent, bool, error) {
	defer l.lock(ev.Date)()
	events, err := l.load(ev.Date)
	if err != nil {
		return model.AttendanceEvent{}, false, err
	}
	if existing, ok := events[ev.ExternalID]; ok {
		return existing, false, nil
	}
	events[ev.ExternalID] = ev
	p, _ := l.path(ev.Date)
	if err := writeJSON(p, events); err != nil {
		return model.AttendanceEvent{}, false, err
	}
	return ev, true, nil
}

// Clear drops the whole partition for date and reports how many events it held.
func (l *DailyLog) Clear(date string) (int, error) {
	defer l.lock(date)()
	events, err := l.load(date)
	if err != nil {
		return 0, err
	}
	p, _ := l.path(date)
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("%w: remove %s: %w", ErrPersistence, p, err)
	}
	return len(events), nil
}

// Dates lists the partitions on disk, newest first.
func (l *DailyLog) Dates() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: list %s: %w", ErrPersistence, l.dir, err)
	}
	var dates []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		date := strings.TrimSuffix(name, ".json")
		if _, err := time.Parse(model.DateLayout, date); err == nil {
			dates = append(dates, date)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}
