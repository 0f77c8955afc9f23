package task

import (
	"time"

	"hls-grabber/internal/model"
)

// Record is the journaled view of one session.
type Record struct {
	ID          string             `json:"id"`
	URL         string             `json:"url"`
	Mode        model.Mode         `json:"mode"`
	Identifier  string             `json:"identifier"`
	OutputRoot  string             `json:"output_root"`
	SessionDir  string             `json:"session_dir"`
	OutputPath  string             `json:"output_path,omitempty"`
	State       model.State        `json:"state"`
	Completed   int64              `json:"completed"`
	Total       int64              `json:"total"`
	Unit        model.ProgressUnit `json:"unit"`
	ErrorKind   string             `json:"error_kind,omitempty"`
	Error       string             `json:"error,omitempty"`
	Active      bool               `json:"active"`
	CreatedTime time.Time          `json:"created_time"`
	UpdatedTime time.Time          `json:"updated_time"`
}

// Progress returns the journaled progress counters.
func (r Record) Progress() model.Progress {
	return model.Progress{Completed: r.Completed, Total: r.Total, Unit: r.Unit}
}
