package attendance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"faceattend/internal/metrics"
	"faceattend/internal/model"
)

// MarkedMethod tags ledger entries written by reconciliation.
const MarkedMethod = "face-recognition"

// ErrUnlinkedIdentity is reported for log entries with no platform user.
var ErrUnlinkedIdentity = errors.New("no platform user linked to face identity")

// PlatformUser is the caller's user record for a face identity.
type PlatformUser struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ClassRef string `json:"class_ref"`
}

// LedgerEntry is one attendance row in the platform ledger.
type LedgerEntry struct {
	Date            string       `json:"date"`
	ClassRef        string       `json:"class_ref"`
	Session         string       `json:"session"`
	UserRef         string       `json:"user_ref"`
	Status          model.Status `json:"status"`
	MarkedAt        time.Time    `json:"marked_at"`
	MarkedMethod    string       `json:"marked_method"`
	ConfidenceScore float64      `json:"confidence_score"`
}

// UserLookup resolves face identities to platform users. A nil user with a nil
// error means no user is linked.
type UserLookup interface {
	FindUserByFaceID(ctx context.Context, externalID string) (*PlatformUser, error)
}

// Ledger is the platform attendance store. Existing entries are never changed.
type Ledger interface {
	HasEntry(ctx context.Context, userRef, date string) (bool, error)
	Append(ctx context.Context, entry LedgerEntry) error
}

// SyncRequest selects what to reconcile. ClassRef and Session are optional.
type SyncRequest struct {
	Date     string `json:"date"`
	ClassRef string `json:"class_ref,omitempty"`
	Session  string `json:"session,omitempty"`
}

// SyncFailure explains why one entry was not synced.
type SyncFailure struct {
	ExternalID string `json:"student_id"`
	Name       string `json:"name"`
	Reason     string `json:"reason"`
	Err        error  `json:"-"`
}

// SyncSummary is returned by Reconciler.Sync.
type SyncSummary struct {
	Date     string        `json:"date"`
	Total    int           `json:"total"`
	Synced   int           `json:"synced"`
	Skipped  int           `json:"skipped"`
	Failures []SyncFailure `json:"failures"`
}

// Reconciler copies daily log entries into the platform ledger.
type Reconciler struct {
	log     Log
	users   UserLookup
	ledger  Ledger
	session string
	status  func(time.Time) model.Status

	mu    sync.Mutex
	dates map[string]*sync.Mutex
}

// NewReconciler builds a reconciler. defaultSession is used when a request
// names none.
func NewReconciler(events Log, users UserLookup, ledger Ledger, defaultSession string) *Reconciler {
	if defaultSession == "" {
		defaultSession = "morning"
	}
	return &Reconciler{log: events, users: users, ledger: ledger, session: defaultSession, dates: make(map[string]*sync.Mutex)}
}

// WithStatus sets how entries stored without a status are classified,
// usually Marker.StatusAt. Without it they sync as present.
func (r *Reconciler) WithStatus(fn func(time.Time) model.Status) *Reconciler {
	r.status = fn
	return r
}

func (r *Reconciler) lockDate(date string) func() {
	r.mu.Lock()
	m, ok := r.dates[date]
	if !ok {
		m = &sync.Mutex{}
		r.dates[date] = m
	}
	r.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Sync reconciles every entry of req.Date. Entry failures are collected in the
// summary; only a failure to read the log aborts the run.
func (r *Reconciler) Sync(ctx context.Context, req SyncRequest) (SyncSummary, error) {
	if _, err := time.Parse(model.DateLayout, req.Date); err != nil {
		return SyncSummary{}, fmt.Errorf("sync date %q: %w", req.Date, err)
	}
	defer r.lockDate(req.Date)()

	entries, err := r.log.Entries(req.Date)
	if err != nil {
		return SyncSummary{}, err
	}

	sum := SyncSummary{Date: req.Date, Total: len(entries), Failures: []SyncFailure{}}
	for _, ev := range entries {
		if err := ctx.Err(); err != nil {
			sum.Failures = append(sum.Failures, SyncFailure{ExternalID: ev.ExternalID, Name: ev.DisplayName, Reason: err.Error(), Err: err})
			continue
		}
		skipped, err := r.syncOne(ctx, req, ev)
		switch {
		case err != nil:
			metrics.SyncEntries.WithLabelValues("failed").Inc()
			sum.Failures = append(sum.Failures, SyncFailure{ExternalID: ev.ExternalID, Name: ev.DisplayName, Reason: err.Error(), Err: err})
		case skipped:
			metrics.SyncEntries.WithLabelValues("skipped").Inc()
			sum.Skipped++
		default:
			metrics.SyncEntries.WithLabelValues("synced").Inc()
			sum.Synced++
		}
	}

	log.WithFields(log.Fields{
		"date":     sum.Date,
		"total":    sum.Total,
		"synced":   sum.Synced,
		"skipped":  sum.Skipped,
		"failures": len(sum.Failures),
	}).Info("attendance sync finished")
	return sum, nil
}

func (r *Reconciler) syncOne(ctx context.Context, req SyncRequest, ev model.AttendanceEvent) (bool, error) {
	user, err := r.users.FindUserByFaceID(ctx, ev.ExternalID)
	if err != nil {
		return false, fmt.Errorf("lookup user: %w", err)
	}
	if user == nil {
		return false, ErrUnlinkedIdentity
	}

	exists, err := r.ledger.HasEntry(ctx, user.ID, req.Date)
	if err != nil {
		return false, fmt.Errorf("check ledger: %w", err)
	}
	if exists {
		return true, nil
	}

	classRef := req.ClassRef
	if classRef == "" {
		classRef = user.ClassRef
	}
	if classRef == "" {
		return false, fmt.Errorf("no class assigned to user %s", user.ID)
	}
	session := req.Session
	if session == "" {
		session = r.session
	}
	status := ev.Status
	if status == "" {
		status = model.StatusPresent
		if r.status != nil && !ev.Time.IsZero() {
			status = r.status(ev.Time)
		}
	}

	if err := r.ledger.Append(ctx, LedgerEntry{
		Date:            req.Date,
		ClassRef:        classRef,
		Session:         session,
		UserRef:         user.ID,
		Status:          status,
		MarkedAt:        ev.Time,
		MarkedMethod:    MarkedMethod,
		ConfidenceScore: ev.Confidence / 100,
	}); err != nil {
		return false, fmt.Errorf("append ledger entry: %w", err)
	}
	return false, nil
}
