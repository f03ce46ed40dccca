package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Record repräsentiert einen gecachten PubMed-Eintrag samt Metadaten.
// Ein Record ist nur cache-fähig, wenn Titel, Abstract, Journal und Jahr
// vorhanden sind; das prüft IsComplete bzw. der PubMed-Client beim Parsen.
type Record struct {
	PMID      string    `json:"pmid" gorm:"column:pmid;primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Title    string `json:"title" gorm:"type:text"`
	Abstract string `json:"abstract" gorm:"type:text"`
	Journal  string `json:"journal"`
	Year     string `json:"year"`

	// Geordnete Autorenliste als JSON-Array.
	Authors datatypes.JSON `json:"authors" gorm:"type:jsonb"`

	DOI   string `json:"doi,omitempty" gorm:"column:doi;index"`
	PMCID string `json:"pmcid,omitempty" gorm:"column:pmcid"`

	PublicationTypes datatypes.JSON `json:"publication_types" gorm:"type:jsonb"`

	PublicationDate       string `json:"publication_date,omitempty"`
	PublicationDateRaw    string `json:"publication_date_raw,omitempty"`
	PublicationDateSource string `json:"publication_date_source,omitempty"`
}

// TableName gibt explizit den Tabellennamen an.
func (Record) TableName() string {
	return "records"
}

// IsComplete meldet, ob alle Pflichtfelder für Caching und Anzeige gesetzt sind.
func (r *Record) IsComplete() bool {
	return r.PMID != "" && r.Title != "" && r.Abstract != "" && r.Journal != "" && r.Year != ""
}

// AuthorNames dekodiert die Autorenliste; eine fehlende Liste ergibt eine leere Slice.
func (r *Record) AuthorNames() []string {
	if len(r.Authors) == 0 {
		return []string{}
	}
	var names []string
	if err := json.Unmarshal(r.Authors, &names); err != nil {
		return []string{}
	}
	return names
}

// SetAuthorNames kodiert die geordnete Autorenliste als JSON.
func (r *Record) SetAuthorNames(names []string) {
	if names == nil {
		names = []string{}
	}
	data, _ := json.Marshal(names)
	r.Authors = data
}

// PublicationTypeNames dekodiert die Publikationstypen-Liste.
func (r *Record) PublicationTypeNames() []string {
	if len(r.PublicationTypes) == 0 {
		return []string{}
	}
	var types []string
	if err := json.Unmarshal(r.PublicationTypes, &types); err != nil {
		return []string{}
	}
	return types
}

// SetPublicationTypeNames kodiert die Publikationstypen als JSON.
func (r *Record) SetPublicationTypeNames(types []string) {
	if types == nil {
		types = []string{}
	}
	data, _ := json.Marshal(types)
	r.PublicationTypes = data
}
