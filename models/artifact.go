package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Artifact repräsentiert eine generierte bzw. veröffentlichte Story zu genau
// einem Record. PromptText, AbstractSnapshot und MetadataSnapshot werden beim
// Anlegen geschrieben und danach nie durch Record-Updates verändert.
type Artifact struct {
	PMID      string    `json:"pmid" gorm:"column:pmid;primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	Headline   string         `json:"headline" gorm:"type:text"`
	Standfirst string         `json:"standfirst" gorm:"type:text"`
	Story      datatypes.JSON `json:"story" gorm:"type:jsonb"`

	PromptText       string         `json:"prompt_text" gorm:"type:text"`
	AbstractSnapshot string         `json:"abstract_snapshot" gorm:"type:text"`
	MetadataSnapshot datatypes.JSON `json:"metadata_snapshot" gorm:"type:jsonb"`

	// FeaturedRank ist nur bei veröffentlichten Artefakten gesetzt und bildet
	// über alle veröffentlichten Artefakte eine dichte Folge 1..N.
	FeaturedRank *int       `json:"featured_rank,omitempty" gorm:"index"`
	PublishedAt  *time.Time `json:"published_at,omitempty"`
}

// TableName gibt explizit den Tabellennamen an.
func (Artifact) TableName() string {
	return "artifacts"
}

// IsPublished meldet, ob das Artefakt aktuell veröffentlicht ist.
func (a *Artifact) IsPublished() bool {
	return a.PublishedAt != nil
}

// Story ist die strukturierte Ausgabe der Textgenerierung.
type Story struct {
	Headline        string   `json:"headline"`
	Standfirst      string   `json:"standfirst"`
	StoryParagraphs []string `json:"story_paragraphs"`
	WhatHappensNext string   `json:"what_happens_next,omitempty"`
}

// MetadataSnapshot ist die beim Generieren eingefrorene Kopie der
// Record-Metadaten samt Such-Provenance.
type MetadataSnapshot struct {
	Title   string   `json:"title"`
	Journal string   `json:"journal"`
	Year    string   `json:"year"`
	Authors []string `json:"authors"`
	DOI     string   `json:"doi"`
	PMCID   string   `json:"pmcid"`

	SearchTerm        string     `json:"search_term"`
	SearchRanAt       *time.Time `json:"search_ran_at,omitempty"`
	SearchRanAtSource string     `json:"search_ran_at_source"`

	PublicationDate       string `json:"publication_date"`
	PublicationDateRaw    string `json:"publication_date_raw"`
	PublicationDateSource string `json:"publication_date_source"`
}

// DecodeStory dekodiert die gespeicherte Story-Struktur.
func (a *Artifact) DecodeStory() (Story, error) {
	var s Story
	if len(a.Story) == 0 {
		return s, nil
	}
	err := json.Unmarshal(a.Story, &s)
	return s, err
}

// SetStory kodiert die Story-Struktur als JSON.
func (a *Artifact) SetStory(s Story) {
	data, _ := json.Marshal(s)
	a.Story = data
}

// DecodeMetadata dekodiert den Metadaten-Snapshot.
func (a *Artifact) DecodeMetadata() (MetadataSnapshot, error) {
	var m MetadataSnapshot
	if len(a.MetadataSnapshot) == 0 {
		return m, nil
	}
	err := json.Unmarshal(a.MetadataSnapshot, &m)
	return m, err
}

// SetMetadata kodiert den Metadaten-Snapshot als JSON.
func (a *Artifact) SetMetadata(m MetadataSnapshot) {
	if m.Authors == nil {
		m.Authors = []string{}
	}
	data, _ := json.Marshal(m)
	a.MetadataSnapshot = data
}
