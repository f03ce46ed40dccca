package models

import (
	"time"
)

// Query repräsentiert eine ausgeführte Suche; unveränderlich nach dem Anlegen.
type Query struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Term      string    `json:"term" gorm:"index;not null"`
	Retmax    int       `json:"retmax" gorm:"not null"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName gibt den expliziten Tabellennamen für GORM an.
func (Query) TableName() string {
	return "queries"
}

// QueryResult verknüpft eine Suche mit einer zurückgegebenen PMID samt Position.
// Dient ausschließlich der Provenance, nicht als harter Fremdschlüssel.
type QueryResult struct {
	QueryID  uint   `json:"query_id" gorm:"primaryKey;autoIncrement:false"`
	PMID     string `json:"pmid" gorm:"column:pmid;primaryKey"`
	Position int    `json:"position" gorm:"not null"`
}

// TableName gibt den expliziten Tabellennamen für GORM an.
func (QueryResult) TableName() string {
	return "query_results"
}
