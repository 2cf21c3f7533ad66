package entity

import "time"

// CaseRegistry holds the per-case registry version and label settings.
type CaseRegistry struct {
	CaseID          string    `json:"case_id"`
	RegistryVersion int64     `json:"registry_version"`
	LabelPrefix     string    `json:"label_prefix"`
	LabelPadWidth   int       `json:"label_pad_width"`
	BatesPrefix     string    `json:"bates_prefix"`
	BatesPadWidth   int       `json:"bates_pad_width"`
	UpdatedAt       time.Time `json:"updated_at"`
}
