package models

import "time"

// ReadabilityScore speichert den berechneten Lesbarkeits-Score eines Records.
// Der Score dient nur der Sortierung von Suchergebnissen und beeinflusst
// weder Caching noch Publish-Entscheidungen.
type ReadabilityScore struct {
	PMID      string    `json:"pmid" gorm:"column:pmid;primaryKey"`
	Score     float64   `json:"score" gorm:"not null"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName gibt den expliziten Tabellennamen für GORM an.
func (ReadabilityScore) TableName() string {
	return "readability_scores"
}
