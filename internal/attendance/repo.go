package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"faceattend/internal/model"
)

// Repository is the Postgres backed platform store: users linked to face
// identities, the attendance ledger, and kiosk devices.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS platform_users (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL DEFAULT '',
	class_ref            TEXT NOT NULL DEFAULT '',
	face_registration_id TEXT UNIQUE,
	face_registered_at   TIMESTAMPTZ,
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS attendance_entries (
	id               UUID PRIMARY KEY,
	date             DATE NOT NULL,
	class_ref        TEXT NOT NULL,
	session          TEXT NOT NULL,
	user_ref         TEXT NOT NULL REFERENCES platform_users(id),
	status           TEXT NOT NULL,
	marked_at        TIMESTAMPTZ NOT NULL,
	marked_method    TEXT NOT NULL,
	confidence_score DOUBLE PRECISION,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (user_ref, date)
);
CREATE TABLE IF NOT EXISTS devices (
	device_id  TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS refresh_tokens (
	token      TEXT PRIMARY KEY,
	device_id  TEXT NOT NULL REFERENCES devices(device_id),
	expires_at TIMESTAMPTZ NOT NULL,
	revoked    BOOLEAN NOT NULL DEFAULT FALSE
);
`

// Migrate creates the tables when missing.
func (r *Repository) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// UpsertUser creates or updates a platform user.
func (r *Repository) UpsertUser(ctx context.Context, u PlatformUser) error {
	if u.ID == "" {
		return errors.New("user id required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO platform_users (id, name, class_ref)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			class_ref = EXCLUDED.class_ref,
			updated_at = NOW()
	`, u.ID, u.Name, u.ClassRef)
	return err
}

// FindUserByFaceID returns the user linked to externalID, or nil when none is.
func (r *Repository) FindUserByFaceID(ctx context.Context, externalID string) (*PlatformUser, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, class_ref FROM platform_users WHERE face_registration_id = $1
	`, externalID)
	var u PlatformUser
	if err := row.Scan(&u.ID, &u.Name, &u.ClassRef); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// FaceIDForUser returns the face id linked to userID, or "" when the user is
// unknown or has not enrolled.
func (r *Repository) FaceIDForUser(ctx context.Context, userID string) (string, error) {
	var id sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT face_registration_id FROM platform_users WHERE id = $1
	`, userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id.String, nil
}

// LinkFace records that userID enrolled under externalID. Any other user
// holding the same face id is unlinked first.
func (r *Repository) LinkFace(ctx context.Context, userID, externalID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE platform_users SET face_registration_id = NULL, face_registered_at = NULL, updated_at = NOW()
		WHERE face_registration_id = $1 AND id <> $2
	`, externalID, userID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE platform_users SET face_registration_id = $2, face_registered_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, userID, externalID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("platform user %s not found", userID)
	}
	return tx.Commit()
}

// UnlinkFace clears the face link for externalID.
func (r *Repository) UnlinkFace(ctx context.Context, externalID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE platform_users SET face_registration_id = NULL, face_registered_at = NULL, updated_at = NOW()
		WHERE face_registration_id = $1
	`, externalID)
	return err
}

func parseDate(date string) (time.Time, error) {
	d, err := time.Parse(model.DateLayout, date)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", date, err)
	}
	return d, nil
}

// HasEntry reports whether userRef already has a ledger entry on date.
func (r *Repository) HasEntry(ctx context.Context, userRef, date string) (bool, error) {
	d, err := parseDate(date)
	if err != nil {
		return false, err
	}
	var exists bool
	err = r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM attendance_entries WHERE user_ref = $1 AND date = $2)
	`, userRef, d).Scan(&exists)
	return exists, err
}

// Append inserts a ledger entry. A row that already exists for the user and
// date is left as it is.
func (r *Repository) Append(ctx context.Context, e LedgerEntry) error {
	d, err := parseDate(e.Date)
	if err != nil {
		return err
	}
	if e.MarkedAt.IsZero() {
		e.MarkedAt = time.Now().UTC()
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO attendance_entries (id, date, class_ref, session, user_ref, status, marked_at, marked_method, confidence_score)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (user_ref, date) DO NOTHING
	`, uuid.NewString(), d, e.ClassRef, e.Session, e.UserRef, string(e.Status), e.MarkedAt, e.MarkedMethod, e.ConfidenceScore)
	return err
}

// ListEntries returns ledger entries for date, optionally narrowed to a class.
func (r *Repository) ListEntries(ctx context.Context, date, classRef string, limit, offset int) ([]LedgerEntry, error) {
	d, err := parseDate(date)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	clauses := []string{"date = $1"}
	args := []any{d}
	if classRef != "" {
		args = append(args, classRef)
		clauses = append(clauses, fmt.Sprintf("class_ref = $%d", len(args)))
	}
	args = append(args, limit, offset)
	query := fmt.Sprintf(`
		SELECT date, class_ref, session, user_ref, status, marked_at, marked_method, confidence_score
		FROM attendance_entries WHERE %s
		ORDER BY marked_at LIMIT $%d OFFSET $%d
	`, strings.Join(clauses, " AND "), len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []LedgerEntry
	for rows.Next() {
		var (
			e      LedgerEntry
			day    time.Time
			status string
			score  sql.NullFloat64
		)
		if err := rows.Scan(&day, &e.ClassRef, &e.Session, &e.UserRef, &status, &e.MarkedAt, &e.MarkedMethod, &score); err != nil {
			return nil, err
		}
		e.Date = day.Format(model.DateLayout)
		e.Status = model.Status(status)
		e.ConfidenceScore = score.Float64
		res = append(res, e)
	}
	return res, rows.Err()
}

// UpsertDevice ensures a device record exists.
func (r *Repository) UpsertDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return errors.New("device id required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (device_id)
		VALUES ($1)
		ON CONFLICT (device_id) DO NOTHING
	`, deviceID)
	return err
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (device_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, deviceID, token, expiresAt)
	return err
}
