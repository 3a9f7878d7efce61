package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"faceattend/internal/metrics"
	"faceattend/internal/model"
)

// ErrNotMarkable is returned for recognition results without a confirmed match.
var ErrNotMarkable = errors.New("recognition result does not identify a student")

// DefaultCutoff is 09:30 after midnight.
const DefaultCutoff = 9*time.Hour + 30*time.Minute

// Log is the date partitioned event store the marker writes to.
type Log interface {
	InsertIfAbsent(ev model.AttendanceEvent) (model.AttendanceEvent, bool, error)
	Entries(date string) ([]model.AttendanceEvent, error)
	Clear(date string) (int, error)
}

// Outcome is the result of a mark attempt. AlreadyMarked carries the first
// event of the day unchanged.
type Outcome struct {
	Event         model.AttendanceEvent `json:"event"`
	AlreadyMarked bool                  `json:"already_marked"`
}

// Marker records at most one attendance event per student per day.
type Marker struct {
	log    Log
	cutoff time.Duration
	loc    *time.Location
	now    func() time.Time
}

// NewMarker creates a marker. cutoff is the offset from local midnight after
// which arrivals count as late.
func NewMarker(events Log, cutoff time.Duration, loc *time.Location, now func() time.Time) *Marker {
	if cutoff <= 0 {
		cutoff = DefaultCutoff
	}
	if loc == nil {
		loc = time.Local
	}
	if now == nil {
		now = time.Now
	}
	return &Marker{log: events, cutoff: cutoff, loc: loc, now: now}
}

// Today returns the current calendar date.
func (m *Marker) Today() string { return model.CalendarDate(m.now(), m.loc) }

// Cutoff returns the late cutoff formatted as HH:MM.
func (m *Marker) Cutoff() string {
	return time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC).Add(m.cutoff).Format("15:04")
}

// StatusAt returns late when t is strictly after the cutoff on t's date.
func (m *Marker) StatusAt(t time.Time) model.Status {
	local := t.In(m.loc)
	y, mo, d := local.Date()
	secs := int(m.cutoff / time.Second)
	cutoff := time.Date(y, mo, d, secs/3600, secs%3600/60, secs%60, 0, m.loc)
	if local.After(cutoff) {
		return model.StatusLate
	}
	return model.StatusPresent
}

// Mark records attendance for a recognized student.
func (m *Marker) Mark(_ context.Context, res model.RecognitionResult) (Outcome, error) {
	if !res.Success || !res.Recognized || res.ExternalID == "" {
		return Outcome{}, ErrNotMarkable
	}

	at := m.now().In(m.loc)
	ev := model.AttendanceEvent{
		ExternalID:  res.ExternalID,
		DisplayName: res.DisplayName,
		Time:        at,
		Confidence:  res.Confidence,
		Date:        model.CalendarDate(at, m.loc),
		Status:      m.StatusAt(at),
	}

	stored, inserted, err := m.log.InsertIfAbsent(ev)
	if err != nil {
		return Outcome{}, fmt.Errorf("record attendance for %s: %w", res.ExternalID, err)
	}
	if stored.Status == "" {
		stored.Status = m.StatusAt(stored.Time)
	}

	fields := log.Fields{"external_id": res.ExternalID, "date": stored.Date, "status": stored.Status}
	if !inserted {
		metrics.Marks.WithLabelValues("already_marked").Inc()
		log.WithFields(fields).Debug("attendance already marked")
		return Outcome{Event: stored, AlreadyMarked: true}, nil
	}
	metrics.Marks.WithLabelValues(string(stored.Status)).Inc()
	log.WithFields(fields).Info("attendance marked")
	return Outcome{Event: stored}, nil
}

// ForDate returns the events recorded on date, with status filled in.
func (m *Marker) ForDate(date string) ([]model.AttendanceEvent, error) {
	events, err := m.log.Entries(date)
	if err != nil {
		return nil, err
	}
	for i := range events {
		if events[i].Status == "" {
			events[i].Status = m.StatusAt(events[i].Time)
		}
	}
	return events, nil
}

// ClearDate drops every event of date.
func (m *Marker) ClearDate(date string) (int, error) {
	n, err := m.log.Clear(date)
	if err != nil {
		return 0, err
	}
	log.WithFields(log.Fields{"date": date, "cleared": n}).Warn("attendance partition cleared")
	return n, nil
}

// ClearToday drops every event of the current date.
func (m *Marker) ClearToday() (int, error) { return m.ClearDate(m.Today()) }

// Stats summarizes one day.
type Stats struct {
	Date    string `json:"date"`
	Total   int    `json:"total"`
	Present int    `json:"present"`
	Late    int    `json:"late"`
}

// StatsFor counts present and late arrivals on date.
func (m *Marker) StatsFor(date string) (Stats, error) {
	events, err := m.ForDate(date)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Date: date, Total: len(events)}
	for _, ev := range events {
		switch ev.Status {
		case model.StatusLate:
			st.Late++
		default:
			st.Present++
		}
	}
	return st, nil
}
