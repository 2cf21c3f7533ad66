package entity

import (
	"time"
)

// Exhibit represents one exhibit record for data transfer between layers.
type Exhibit struct {
	ID           string    `json:"id"`
	CaseID       string    `json:"case_id"`
	DocumentRef  string    `json:"document_ref"`
	ContentHash  []byte    `json:"content_hash"`
	SortOrder    int       `json:"sort_order"`
	ExhibitIndex int       `json:"exhibit_index"`
	Label        string    `json:"label"`
	PageCount    *int      `json:"page_count,omitempty"`
	BatesStart   *int64    `json:"bates_start,omitempty"`
	BatesEnd     *int64    `json:"bates_end,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasBates reports whether a Bates range has been assigned.
func (e *Exhibit) HasBates() bool {
	return e.BatesStart != nil && e.BatesEnd != nil
}

// BatesRange is a realized inclusive page-label range for one exhibit.
type BatesRange struct {
	ExhibitID string `json:"exhibit_id"`
	Start     int64  `json:"start"`
	End       int64  `json:"end"`
	PageCount int    `json:"page_count"`
}
