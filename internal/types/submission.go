package types

import (
	"time"

	"gorm.io/datatypes"
)

// Submission is one questionnaire attempt, keyed by the opaque TestID the
// client minted when the assessment started.
type Submission struct {
	ID     uint   `gorm:"primaryKey" json:"-"`
	TestID string `gorm:"uniqueIndex;not null;column:test_id" json:"test_id"`
	UserID string `gorm:"index;not null;column:user_id" json:"user_id"`

	Status        SubmissionStatus `gorm:"not null;default:submitted;column:status" json:"status"`
	PaymentStatus PaymentStatus    `gorm:"column:payment_status" json:"payment_status"`

	SessionID         string `gorm:"index;column:session_id" json:"session_id"`
	IPAddress         string `gorm:"column:ip_address" json:"-"`
	DeviceFingerprint string `gorm:"index;column:device_fingerprint" json:"-"`
	DeviceType        string `gorm:"column:device_type" json:"device_type"`
	DeviceBrowser     string `gorm:"column:device_browser" json:"device_browser"`
	OperatingSystem   string `gorm:"column:operating_system" json:"operating_system"`

	// QuestionAnswerText is the transcript built once at intake; immutable
	// afterwards.
	QuestionAnswerText string         `gorm:"type:text;column:question_answer_text" json:"-"`
	QuestionTimes      datatypes.JSON `gorm:"column:question_times" json:"-"`

	AnalysisResult string `gorm:"type:text;column:analysis_result" json:"-"`
	AnalysisError  string `gorm:"column:analysis_error" json:"-"`
	QualityScore   string `gorm:"column:quality_score" json:"quality_score"`
	ResultURL      string `gorm:"column:result_url" json:"result_url"`

	ArtifactStatus   ArtifactStatus `gorm:"not null;default:not_started;column:artifact_status" json:"artifact_status"`
	ArtifactURL      string         `gorm:"column:artifact_url" json:"artifact_url"`
	ArtifactAttempts int            `gorm:"not null;default:0;column:artifact_generation_attempts" json:"artifact_generation_attempts"`
	ArtifactError    string         `gorm:"column:artifact_error" json:"-"`

	// Client-reported questionnaire timestamps (opaque strings from the
	// device, kept verbatim for the export).
	StartedAt   string  `gorm:"column:started_at" json:"started_at"`
	CompletedAt string  `gorm:"column:completed_at" json:"completed_at"`
	AnswerSecs  float64 `gorm:"column:answer_duration_seconds" json:"-"`

	AgentStartTime      *time.Time `gorm:"index;column:agent_start_time" json:"agent_start_time"`
	AgentCompletionTime *time.Time `gorm:"column:agent_completion_time" json:"agent_completion_time"`
	AgentDurationSecs   float64    `gorm:"column:agent_duration_seconds" json:"-"`
	PaymentCompletedAt  *time.Time `gorm:"column:payment_completed_at" json:"payment_completed_at"`
	ArtifactStartTime   *time.Time `gorm:"column:artifact_start_time" json:"artifact_start_time"`
	ArtifactCompleteAt  *time.Time `gorm:"column:artifact_complete_time" json:"artifact_complete_time"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (Submission) TableName() string {
	return "submission"
}
