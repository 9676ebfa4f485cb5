package database

import (
	"strings"
	"time"

	"github.com/kozaktomas/sightline/internal/geo"
)

// CaseStatus is the lifecycle state of a missing-person case.
type CaseStatus string

const (
	StatusPendingApproval CaseStatus = "pending_approval"
	StatusApproved        CaseStatus = "approved"
	StatusAwaitingFootage CaseStatus = "awaiting_footage"
	StatusProcessing      CaseStatus = "processing"
	StatusCompleted       CaseStatus = "completed"
	StatusRejected        CaseStatus = "rejected"
)

// Valid reports whether s is a known status.
func (s CaseStatus) Valid() bool {
	switch s {
	case StatusPendingApproval, StatusApproved, StatusAwaitingFootage,
		StatusProcessing, StatusCompleted, StatusRejected:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave the status.
func (s CaseStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected
}

// Case is a missing-person report.
type Case struct {
	ID                  string       `json:"id"`
	OwnerID             string       `json:"owner_id"`
	SubjectName         string       `json:"subject_name"`
	Description         string       `json:"description,omitempty"`
	ClothingDescription string       `json:"clothing_description,omitempty"`
	Location            geo.Location `json:"location"`
	ReferencePhotos     []string     `json:"reference_photos"`
	Status              CaseStatus   `json:"status"`
	RejectionReason     string       `json:"rejection_reason,omitempty"`
	ReviewedBy          string       `json:"reviewed_by,omitempty"`
	CancelRequested     bool         `json:"cancel_requested"`
	CreatedAt           time.Time    `json:"created_at"`
	ApprovedAt          *time.Time   `json:"approved_at,omitempty"`
	CompletedAt         *time.Time   `json:"completed_at,omitempty"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// Quality is the footage resolution class.
type Quality string

const (
	QualitySD  Quality = "SD"
	QualityHD  Quality = "HD"
	QualityFHD Quality = "FHD"
	Quality4K  Quality = "4K"
)

// ParseQuality maps a case-insensitive quality label to a Quality.
func ParseQuality(s string) (Quality, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SD":
		return QualitySD, true
	case "HD":
		return QualityHD, true
	case "FHD":
		return QualityFHD, true
	case "4K":
		return Quality4K, true
	}
	return "", false
}

// Footage is an uploaded surveillance video or still image.
type Footage struct {
	ID          string       `json:"id"`
	UploaderID  string       `json:"uploader_id"`
	Title       string       `json:"title"`
	Location    geo.Location `json:"location"`
	Duration    float64      `json:"duration"` // seconds, 0 for still images
	FPS         float64      `json:"fps"`
	Quality     Quality      `json:"quality"`
	StorageRef  string       `json:"storage_ref"`
	AutoAnalyze bool         `json:"auto_analyze"`
	UploadedAt  time.Time    `json:"uploaded_at"`
	DeletedAt   *time.Time   `json:"deleted_at,omitempty"`
}

// Active reports whether the footage has not been soft-deleted.
func (f *Footage) Active() bool {
	return f.DeletedAt == nil
}

// MatchType names the rule that linked a case to a footage item.
type MatchType string

const (
	MatchExact     MatchType = "exact"
	MatchPartial   MatchType = "partial"
	MatchProximity MatchType = "proximity"
	MatchManual    MatchType = "manual"
)

// Specificity orders match types from most to least specific.
func (t MatchType) Specificity() int {
	switch t {
	case MatchManual:
		return 4
	case MatchExact:
		return 3
	case MatchPartial:
		return 2
	case MatchProximity:
		return 1
	}
	return 0
}

// MatchStatus tracks the analysis of one (case, footage) pair.
type MatchStatus string

const (
	MatchPending    MatchStatus = "pending"
	MatchProcessing MatchStatus = "processing"
	MatchRetrying   MatchStatus = "retrying"
	MatchDone       MatchStatus = "done"
	MatchFailed     MatchStatus = "failed"
)

// LocationMatch links a case to a footage item it should be analyzed against.
type LocationMatch struct {
	ID             string      `json:"id"`
	CaseID         string      `json:"case_id"`
	FootageID      string      `json:"footage_id"`
	MatchType      MatchType   `json:"match_type"`
	Strength       float64     `json:"strength"`
	DistanceKm     *float64    `json:"distance_km,omitempty"`
	Status         MatchStatus `json:"status"`
	Attempts       int         `json:"attempts"`
	DetectionCount int         `json:"detection_count"`
	BestConfidence float64     `json:"best_confidence"`
	FailureReason  string      `json:"failure_reason,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Terminal reports whether analysis of this pair has finished, successfully or not.
func (m *LocationMatch) Terminal() bool {
	return m.Status == MatchDone || m.Status == MatchFailed
}

// Detection is one accepted sighting of the case subject in a footage frame.
type Detection struct {
	ID            string     `json:"id"`
	CaseID        string     `json:"case_id"`
	FootageID     string     `json:"footage_id"`
	Timestamp     float64    `json:"timestamp"`
	FaceScore     *float64   `json:"face_score,omitempty"`
	ClothingScore *float64   `json:"clothing_score,omitempty"`
	PoseScore     *float64   `json:"pose_score,omitempty"`
	Confidence    float64    `json:"confidence"`
	Method        string     `json:"method"`
	BBox          []float64  `json:"bbox,omitempty"` // [x1, y1, x2, y2] relative to the frame (0-1)
	FrameRef      string     `json:"frame_ref,omitempty"`
	Verified      bool       `json:"verified"`
	VerifiedBy    string     `json:"verified_by,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	VerifiedAt    *time.Time `json:"verified_at,omitempty"`
}

// ReferenceKind is the modality of a reference embedding.
type ReferenceKind string

const (
	ReferenceFace ReferenceKind = "face"
	ReferencePose ReferenceKind = "pose"
)

// ReferenceEmbedding is a vector computed from one of a case's reference photos.
type ReferenceEmbedding struct {
	CaseID    string
	PhotoRef  string
	Kind      ReferenceKind
	Vector    []float32
	CreatedAt time.Time
}

// CaseFilter narrows ListCases. Zero values mean "no constraint".
type CaseFilter struct {
	Statuses []CaseStatus
	OwnerID  string
	Limit    int
	Offset   int
}

// FootageFilter narrows ListFootage.
type FootageFilter struct {
	ActiveOnly bool
	UploaderID string
	Limit      int
}

// DetectionFilter narrows ListDetections.
type DetectionFilter struct {
	CaseID        string
	FootageID     string
	MinConfidence float64
	VerifiedOnly  bool
	Limit         int
}
