package store

import "time"

// IndexedRun is the queryable projection of one finished run. Rows are
// written once at persist time and never rewritten.
type IndexedRun struct {
	RunID       string    `gorm:"column:run_id;primaryKey" json:"run_id"`
	ProjectName string    `gorm:"column:project_name" json:"project_name,omitempty"`
	TargetID    string    `gorm:"column:target_id;not null;index" json:"target_id"`
	Status      string    `gorm:"column:status;not null;index" json:"status"`
	Stage       string    `gorm:"column:stage;not null" json:"stage"`
	StartedAt   time.Time `gorm:"column:started_at;not null" json:"started_at"`
	FinishedAt  time.Time `gorm:"column:finished_at;not null;index" json:"finished_at"`
	Launch      string    `gorm:"column:launch" json:"launch,omitempty"`
	RunDir      string    `gorm:"column:run_dir;not null" json:"run_dir"`
	SummaryPath string    `gorm:"column:summary_path" json:"summary_path,omitempty"`
	ReportPath  string    `gorm:"column:report_path" json:"report_path,omitempty"`
	Live        bool      `gorm:"column:live;not null" json:"live"`
	Message     string    `gorm:"column:message" json:"message,omitempty"`
}

// TableName maps the model to the runs table.
func (IndexedRun) TableName() string {
	return "runs"
}

// Filter narrows a List call. Empty fields match everything; matching is
// case-insensitive.
type Filter struct {
	TargetID string
	Status   string
}
