package model

// Mode selects how a source is acquired.
type Mode string

const (
	ModeSegmented   Mode = "segmented"
	ModeProgressive Mode = "progressive"
)

// Source describes what a session acquires. It never changes after the
// session starts.
type Source struct {
	URL  string `json:"url"`
	Mode Mode   `json:"mode"`
	ID   string `json:"id"` // stable per URL, names the session directory
}

type SegmentStatus string

const (
	SegmentPending SegmentStatus = "pending"
	SegmentDone    SegmentStatus = "done"
	SegmentFailed  SegmentStatus = "failed"
)

// Segment is one addressable unit of a segmented stream. Index is the only
// ordering key, both for download and for concatenation.
type Segment struct {
	Index  int           `json:"index"`
	URI    string        `json:"uri"`
	Path   string        `json:"path"`
	Status SegmentStatus `json:"status"`
}

type ProgressUnit string

const (
	UnitSegments ProgressUnit = "segments"
	UnitBytes    ProgressUnit = "bytes"
)

// Progress is (completed, total) in segments or bytes. Total is 0 when the
// remote did not declare a length.
type Progress struct {
	Completed int64        `json:"completed"`
	Total     int64        `json:"total"`
	Unit      ProgressUnit `json:"unit"`
}

// Fraction returns completion in [0,1], or 0 when the total is unknown.
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return 0
	}
	f := float64(p.Completed) / float64(p.Total)
	if f > 1 {
		f = 1
	}
	return f
}
