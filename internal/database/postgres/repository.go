package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kozaktomas/sightline/internal/database"
	"github.com/kozaktomas/sightline/internal/geo"
	"github.com/lib/pq"
)

// Repository is the PostgreSQL implementation of database.Repository.
type Repository struct {
	pool *Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(pool *Pool) *Repository {
	return &Repository{pool: pool}
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const caseColumns = `id, owner_id, subject_name, description, clothing_description,
	location_text, lat, lon, reference_photos, status, rejection_reason, reviewed_by,
	cancel_requested, created_at, approved_at, completed_at, updated_at`

func scanCase(s scanner) (*database.Case, error) {
	var c database.Case
	var lat, lon sql.NullFloat64
	var approvedAt, completedAt sql.NullTime
	var photos []string
	err := s.Scan(
		&c.ID, &c.OwnerID, &c.SubjectName, &c.Description, &c.ClothingDescription,
		&c.Location.Text, &lat, &lon, pq.Array(&photos), &c.Status, &c.RejectionReason, &c.ReviewedBy,
		&c.CancelRequested, &c.CreatedAt, &approvedAt, &completedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Location.Point = pointFrom(lat, lon)
	c.ReferencePhotos = photos
	c.ApprovedAt = timeFrom(approvedAt)
	c.CompletedAt = timeFrom(completedAt)
	return &c, nil
}

// GetCase retrieves a case by ID.
func (r *Repository) GetCase(ctx context.Context, id string) (*database.Case, error) {
	c, err := scanCase(r.pool.QueryRow(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("case %s: %w", id, database.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get case: %w", err)
	}
	return c, nil
}

// CreateCase inserts a new case.
func (r *Repository) CreateCase(ctx context.Context, c *database.Case) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	lat, lon := pointArgs(c.Location.Point)
	query := `
		INSERT INTO cases (id, owner_id, subject_name, description, clothing_description,
			location_text, location_key, lat, lon, reference_photos, status, rejection_reason,
			reviewed_by, cancel_requested, approved_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING created_at, updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		c.ID, c.OwnerID, c.SubjectName, c.Description, c.ClothingDescription,
		c.Location.Text, c.Location.Key(), lat, lon, pq.Array(nonNilStrings(c.ReferencePhotos)),
		c.Status, c.RejectionReason, c.ReviewedBy, c.CancelRequested, c.ApprovedAt, c.CompletedAt,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create case: %w", err)
	}
	return nil
}

// SaveCase updates an existing case.
func (r *Repository) SaveCase(ctx context.Context, c *database.Case) error {
	lat, lon := pointArgs(c.Location.Point)
	query := `
		UPDATE cases SET
			owner_id = $2, subject_name = $3, description = $4, clothing_description = $5,
			location_text = $6, location_key = $7, lat = $8, lon = $9, reference_photos = $10,
			status = $11, rejection_reason = $12, reviewed_by = $13, cancel_requested = $14,
			approved_at = $15, completed_at = $16, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		c.ID, c.OwnerID, c.SubjectName, c.Description, c.ClothingDescription,
		c.Location.Text, c.Location.Key(), lat, lon, pq.Array(nonNilStrings(c.ReferencePhotos)),
		c.Status, c.RejectionReason, c.ReviewedBy, c.CancelRequested, c.ApprovedAt, c.CompletedAt,
	).Scan(&c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("case %s: %w", c.ID, database.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("save case: %w", err)
	}
	return nil
}

// ListCases returns cases newest first.
func (r *Repository) ListCases(ctx context.Context, filter database.CaseFilter) ([]database.Case, error) {
	var where []string
	var args []any
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		where = append(where, fmt.Sprintf("owner_id = $%d", len(args)))
	}

	query := `SELECT ` + caseColumns + ` FROM cases`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	query += limitOffset(&args, filter.Limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()

	var result []database.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		result = append(result, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cases: %w", err)
	}
	return result, nil
}

const footageColumns = `id, uploader_id, title, location_text, lat, lon, duration, fps,
	quality, storage_ref, auto_analyze, uploaded_at, deleted_at`

func scanFootage(s scanner) (*database.Footage, error) {
	var f database.Footage
	var lat, lon sql.NullFloat64
	var deletedAt sql.NullTime
	err := s.Scan(
		&f.ID, &f.UploaderID, &f.Title, &f.Location.Text, &lat, &lon, &f.Duration, &f.FPS,
		&f.Quality, &f.StorageRef, &f.AutoAnalyze, &f.UploadedAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}
	f.Location.Point = pointFrom(lat, lon)
	f.DeletedAt = timeFrom(deletedAt)
	return &f, nil
}

// GetFootage retrieves a footage record by ID, including soft-deleted ones.
func (r *Repository) GetFootage(ctx context.Context, id string) (*database.Footage, error) {
	f, err := scanFootage(r.pool.QueryRow(ctx, `SELECT `+footageColumns+` FROM footage WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("footage %s: %w", id, database.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get footage: %w", err)
	}
	return f, nil
}

// SaveFootage inserts or updates a footage record.
func (r *Repository) SaveFootage(ctx context.Context, f *database.Footage) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	lat, lon := pointArgs(f.Location.Point)
	var uploadedAt any
	if !f.UploadedAt.IsZero() {
		uploadedAt = f.UploadedAt
	}
	query := `
		INSERT INTO footage (id, uploader_id, title, location_text, location_key, lat, lon,
			duration, fps, quality, storage_ref, auto_analyze, uploaded_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, COALESCE($13, NOW()), $14)
		ON CONFLICT (id) DO UPDATE SET
			uploader_id = EXCLUDED.uploader_id,
			title = EXCLUDED.title,
			location_text = EXCLUDED.location_text,
			location_key = EXCLUDED.location_key,
			lat = EXCLUDED.lat,
			lon = EXCLUDED.lon,
			duration = EXCLUDED.duration,
			fps = EXCLUDED.fps,
			quality = EXCLUDED.quality,
			storage_ref = EXCLUDED.storage_ref,
			auto_analyze = EXCLUDED.auto_analyze,
			deleted_at = EXCLUDED.deleted_at
		RETURNING uploaded_at
	`
	err := r.pool.QueryRow(ctx, query,
		f.ID, f.UploaderID, f.Title, f.Location.Text, f.Location.Key(), lat, lon,
		f.Duration, f.FPS, f.Quality, f.StorageRef, f.AutoAnalyze, uploadedAt, f.DeletedAt,
	).Scan(&f.UploadedAt)
	if err != nil {
		return fmt.Errorf("save footage: %w", err)
	}
	return nil
}

// ListFootage returns footage most recently uploaded first.
func (r *Repository) ListFootage(ctx context.Context, filter database.FootageFilter) ([]database.Footage, error) {
	var where []string
	var args []any
	if filter.ActiveOnly {
		where = append(where, "deleted_at IS NULL")
	}
	if filter.UploaderID != "" {
		args = append(args, filter.UploaderID)
		where = append(where, fmt.Sprintf("uploader_id = $%d", len(args)))
	}

	query := `SELECT ` + footageColumns + ` FROM footage`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY uploaded_at DESC, id"
	query += limitOffset(&args, filter.Limit, 0)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list footage: %w", err)
	}
	defer rows.Close()

	var result []database.Footage
	for rows.Next() {
		f, err := scanFootage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan footage: %w", err)
		}
		result = append(result, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate footage: %w", err)
	}
	return result, nil
}

// DeleteFootage soft-deletes the footage and removes its location matches.
// Detections already found in it are kept.
func (r *Repository) DeleteFootage(ctx context.Context, id string) error {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE footage SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("delete footage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("footage %s: %w", id, database.ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM location_matches WHERE footage_id = $1`, id); err != nil {
		return fmt.Errorf("delete location matches: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit footage deletion: %w", err)
	}
	return nil
}

const matchColumns = `id, case_id, footage_id, match_type, strength, distance_km, status,
	attempts, detection_count, best_confidence, failure_reason, created_at, updated_at`

func scanMatch(s scanner) (*database.LocationMatch, error) {
	var m database.LocationMatch
	var distance sql.NullFloat64
	err := s.Scan(
		&m.ID, &m.CaseID, &m.FootageID, &m.MatchType, &m.Strength, &distance, &m.Status,
		&m.Attempts, &m.DetectionCount, &m.BestConfidence, &m.FailureReason, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.DistanceKm = floatFrom(distance)
	return &m, nil
}

// ListLocationMatches returns the matches of a case, strongest first.
func (r *Repository) ListLocationMatches(ctx context.Context, caseID string) ([]database.LocationMatch, error) {
	query := `SELECT ` + matchColumns + ` FROM location_matches
		WHERE case_id = $1
		ORDER BY strength DESC, created_at, footage_id`
	rows, err := r.pool.Query(ctx, query, caseID)
	if err != nil {
		return nil, fmt.Errorf("list location matches: %w", err)
	}
	defer rows.Close()

	var result []database.LocationMatch
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan location match: %w", err)
		}
		result = append(result, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate location matches: %w", err)
	}
	return result, nil
}

// GetLocationMatch retrieves the match for a (case, footage) pair.
func (r *Repository) GetLocationMatch(ctx context.Context, caseID, footageID string) (*database.LocationMatch, error) {
	query := `SELECT ` + matchColumns + ` FROM location_matches WHERE case_id = $1 AND footage_id = $2`
	m, err := scanMatch(r.pool.QueryRow(ctx, query, caseID, footageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("match %s/%s: %w", caseID, footageID, database.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get location match: %w", err)
	}
	return m, nil
}

// SaveLocationMatch upserts a match keyed by (case_id, footage_id).
func (r *Repository) SaveLocationMatch(ctx context.Context, m *database.LocationMatch) error {
	if m.Status == "" {
		m.Status = database.MatchPending
	}
	query := `
		INSERT INTO location_matches (id, case_id, footage_id, match_type, strength, distance_km,
			status, attempts, detection_count, best_confidence, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (case_id, footage_id) DO UPDATE SET
			match_type = EXCLUDED.match_type,
			strength = EXCLUDED.strength,
			distance_km = EXCLUDED.distance_km,
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			detection_count = EXCLUDED.detection_count,
			best_confidence = EXCLUDED.best_confidence,
			failure_reason = EXCLUDED.failure_reason,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		uuid.NewString(), m.CaseID, m.FootageID, m.MatchType, m.Strength, m.DistanceKm,
		m.Status, m.Attempts, m.DetectionCount, m.BestConfidence, m.FailureReason,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save location match: %w", err)
	}
	return nil
}

const detectionColumns = `id, case_id, footage_id, timestamp_sec, face_score, clothing_score,
	pose_score, confidence, method, bbox, frame_ref, verified, verified_by, notes, created_at, verified_at`

func scanDetection(s scanner) (*database.Detection, error) {
	var d database.Detection
	var face, clothing, pose sql.NullFloat64
	var verifiedAt sql.NullTime
	var bbox []float64
	err := s.Scan(
		&d.ID, &d.CaseID, &d.FootageID, &d.Timestamp, &face, &clothing,
		&pose, &d.Confidence, &d.Method, pq.Array(&bbox), &d.FrameRef, &d.Verified, &d.VerifiedBy,
		&d.Notes, &d.CreatedAt, &verifiedAt,
	)
	if err != nil {
		return nil, err
	}
	d.FaceScore = floatFrom(face)
	d.ClothingScore = floatFrom(clothing)
	d.PoseScore = floatFrom(pose)
	d.BBox = bbox
	d.VerifiedAt = timeFrom(verifiedAt)
	return &d, nil
}

// SaveDetection upserts a detection keyed by (case_id, footage_id, timestamp).
// A verification recorded on the existing row is kept unless the incoming
// detection carries one.
func (r *Repository) SaveDetection(ctx context.Context, d *database.Detection) error {
	var bbox any
	if d.BBox != nil {
		bbox = pq.Array(d.BBox)
	}
	query := `
		INSERT INTO detections AS d (id, case_id, footage_id, timestamp_sec, face_score, clothing_score,
			pose_score, confidence, method, bbox, frame_ref, verified, verified_by, verified_at, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (case_id, footage_id, timestamp_sec) DO UPDATE SET
			face_score = EXCLUDED.face_score,
			clothing_score = EXCLUDED.clothing_score,
			pose_score = EXCLUDED.pose_score,
			confidence = EXCLUDED.confidence,
			method = EXCLUDED.method,
			bbox = EXCLUDED.bbox,
			frame_ref = EXCLUDED.frame_ref,
			verified = d.verified OR EXCLUDED.verified,
			verified_by = CASE WHEN EXCLUDED.verified THEN EXCLUDED.verified_by ELSE d.verified_by END,
			verified_at = CASE WHEN EXCLUDED.verified THEN EXCLUDED.verified_at ELSE d.verified_at END,
			notes = CASE WHEN EXCLUDED.verified THEN EXCLUDED.notes ELSE d.notes END
		RETURNING id, created_at, verified, verified_by, verified_at, notes
	`
	var verifiedAt sql.NullTime
	err := r.pool.QueryRow(ctx, query,
		uuid.NewString(), d.CaseID, d.FootageID, d.Timestamp, d.FaceScore, d.ClothingScore,
		d.PoseScore, d.Confidence, d.Method, bbox, d.FrameRef, d.Verified, d.VerifiedBy, d.VerifiedAt, d.Notes,
	).Scan(&d.ID, &d.CreatedAt, &d.Verified, &d.VerifiedBy, &verifiedAt, &d.Notes)
	if err != nil {
		return fmt.Errorf("save detection: %w", err)
	}
	d.VerifiedAt = timeFrom(verifiedAt)
	return nil
}

// GetDetection retrieves a detection by ID.
func (r *Repository) GetDetection(ctx context.Context, id string) (*database.Detection, error) {
	d, err := scanDetection(r.pool.QueryRow(ctx, `SELECT `+detectionColumns+` FROM detections WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("detection %s: %w", id, database.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get detection: %w", err)
	}
	return d, nil
}

// ListDetections returns detections ordered by footage and timestamp.
func (r *Repository) ListDetections(ctx context.Context, filter database.DetectionFilter) ([]database.Detection, error) {
	var where []string
	var args []any
	if filter.CaseID != "" {
		args = append(args, filter.CaseID)
		where = append(where, fmt.Sprintf("case_id = $%d", len(args)))
	}
	if filter.FootageID != "" {
		args = append(args, filter.FootageID)
		where = append(where, fmt.Sprintf("footage_id = $%d", len(args)))
	}
	if filter.MinConfidence > 0 {
		args = append(args, filter.MinConfidence)
		where = append(where, fmt.Sprintf("confidence >= $%d", len(args)))
	}
	if filter.VerifiedOnly {
		where = append(where, "verified")
	}

	query := `SELECT ` + detectionColumns + ` FROM detections`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY footage_id, timestamp_sec"
	query += limitOffset(&args, filter.Limit, 0)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list detections: %w", err)
	}
	defer rows.Close()

	var result []database.Detection
	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		result = append(result, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate detections: %w", err)
	}
	return result, nil
}

func limitOffset(args *[]any, limit, offset int) string {
	var clause string
	if limit > 0 {
		*args = append(*args, limit)
		clause += fmt.Sprintf(" LIMIT $%d", len(*args))
	}
	if offset > 0 {
		*args = append(*args, offset)
		clause += fmt.Sprintf(" OFFSET $%d", len(*args))
	}
	return clause
}

func pointArgs(p *geo.Point) (any, any) {
	if p == nil {
		return nil, nil
	}
	return p.Lat, p.Lon
}

func pointFrom(lat, lon sql.NullFloat64) *geo.Point {
	if !lat.Valid || !lon.Valid {
		return nil
	}
	return &geo.Point{Lat: lat.Float64, Lon: lon.Float64}
}

func floatFrom(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}

func timeFrom(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	return &v.Time
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
