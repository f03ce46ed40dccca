package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pubmed-newsroom/models"
)

// RecordStore ist der dauerhafte Cache für gefetchte Records und die Suchen,
// die sie geliefert haben.
type RecordStore struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// NewRecordStore erstellt eine neue Instanz des RecordStore.
func NewRecordStore(db *gorm.DB, logger *zap.Logger) *RecordStore {
	return &RecordStore{DB: db, Logger: logger}
}

// Spalten, die ein Re-Fetch derselben PMID überschreibt. Die PMID selbst
// ändert sich nie.
var recordUpdateColumns = []string{
	"title", "abstract", "journal", "year", "authors", "doi", "pmcid",
	"publication_types", "publication_date", "publication_date_raw",
	"publication_date_source", "updated_at",
}

// UpsertRecords schreibt einen Batch von Records idempotent. Der Batch ist
// atomar: entweder landen alle Records im Store oder keiner.
func (s *RecordStore) UpsertRecords(ctx context.Context, records []*models.Record) error {
	valid := make([]*models.Record, 0, len(records))
	for _, record := range records {
		if record != nil && record.PMID != "" {
			valid = append(valid, record)
		}
	}
	if len(valid) == 0 {
		return nil
	}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "pmid"}},
			DoUpdates: clause.AssignmentColumns(recordUpdateColumns),
		}).Create(&valid).Error
	})
	if err != nil {
		s.Logger.Error("Record-Upsert fehlgeschlagen", zap.Int("batch_size", len(valid)), zap.Error(err))
		return fmt.Errorf("upsert records: %w", err)
	}
	return nil
}

// GetRecord gibt den aktuell gecachten Record zurück oder ErrNotFound.
func (s *RecordStore) GetRecord(ctx context.Context, pmid string) (*models.Record, error) {
	var record models.Record
	err := s.DB.WithContext(ctx).Where("pmid = ?", pmid).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: record %s", ErrNotFound, pmid)
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", pmid, err)
	}
	return &record, nil
}

// GetRecords gibt die gecachten Records zu den PMIDs zurück; fehlende PMIDs
// fehlen einfach in der Map.
func (s *RecordStore) GetRecords(ctx context.Context, pmids []string) (map[string]*models.Record, error) {
	result := make(map[string]*models.Record, len(pmids))
	if len(pmids) == 0 {
		return result, nil
	}
	var records []models.Record
	if err := s.DB.WithContext(ctx).Where("pmid IN ?", pmids).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("get records: %w", err)
	}
	for i := range records {
		result[records[i].PMID] = &records[i]
	}
	return result, nil
}

// RecordQuery hält fest, welche Suche welche PMIDs in welcher Reihenfolge
// geliefert hat. Dient nur der Provenance und dem Such-Cache.
func (s *RecordStore) RecordQuery(ctx context.Context, term string, retmax int, pmids []string) error {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := models.Query{Term: term, Retmax: retmax}
		if err := tx.Create(&query).Error; err != nil {
			return err
		}
		if len(pmids) == 0 {
			return nil
		}
		results := make([]models.QueryResult, 0, len(pmids))
		for idx, pmid := range pmids {
			results = append(results, models.QueryResult{QueryID: query.ID, PMID: pmid, Position: idx})
		}
		return tx.Create(&results).Error
	})
	if err != nil {
		s.Logger.Error("Query-Protokollierung fehlgeschlagen", zap.String("term", term), zap.Error(err))
		return fmt.Errorf("record query: %w", err)
	}
	return nil
}

// CachedSearch gibt die PMIDs der jüngsten Suche zu (term, retmax) zurück,
// sofern sie nicht älter als maxAge ist.
func (s *RecordStore) CachedSearch(ctx context.Context, term string, retmax int, maxAge time.Duration) ([]string, bool, error) {
	var query models.Query
	err := s.DB.WithContext(ctx).
		Where("term = ? AND retmax = ?", term, retmax).
		Order("created_at DESC").
		First(&query).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cached search: %w", err)
	}
	if maxAge > 0 && time.Since(query.CreatedAt) > maxAge {
		return nil, false, nil
	}

	var results []models.QueryResult
	if err := s.DB.WithContext(ctx).
		Where("query_id = ?", query.ID).
		Order("position ASC").
		Find(&results).Error; err != nil {
		return nil, false, fmt.Errorf("cached search results: %w", err)
	}
	pmids := make([]string, 0, len(results))
	for _, result := range results {
		pmids = append(pmids, result.PMID)
	}
	return pmids, true, nil
}

// LatestQueryForPMID findet die jüngste Suche, die die PMID geliefert hat,
// optional begrenzt auf Suchen vor einem Zeitpunkt. Wird für das Nachtragen
// von Artefakt-Provenance verwendet.
func (s *RecordStore) LatestQueryForPMID(ctx context.Context, pmid string, before *time.Time) (*models.Query, error) {
	if pmid == "" {
		return nil, fmt.Errorf("%w: query for empty pmid", ErrNotFound)
	}
	find := func(withCutoff bool) (*models.Query, error) {
		var query models.Query
		db := s.DB.WithContext(ctx).
			Joins("JOIN query_results ON query_results.query_id = queries.id").
			Where("query_results.pmid = ?", pmid)
		if withCutoff && before != nil {
			db = db.Where("queries.created_at <= ?", *before)
		}
		err := db.Order("queries.created_at DESC").First(&query).Error
		if err != nil {
			return nil, err
		}
		return &query, nil
	}

	query, err := find(true)
	if errors.Is(err, gorm.ErrRecordNotFound) && before != nil {
		query, err = find(false)
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: query for pmid %s", ErrNotFound, pmid)
	}
	if err != nil {
		return nil, fmt.Errorf("latest query for %s: %w", pmid, err)
	}
	return query, nil
}

// StaleSearches listet (term, retmax)-Paare, deren jüngste Ausführung älter
// als maxAge ist. Grundlage für den Cron-Refresh des Such-Caches.
func (s *RecordStore) StaleSearches(ctx context.Context, maxAge time.Duration) ([]models.Query, error) {
	cutoff := time.Now().Add(-maxAge)
	var stale []models.Query
	err := s.DB.WithContext(ctx).
		Model(&models.Query{}).
		Select("term, retmax, MAX(created_at) AS created_at").
		Group("term, retmax").
		Having("MAX(created_at) < ?", cutoff).
		Find(&stale).Error
	if err != nil {
		return nil, fmt.Errorf("stale searches: %w", err)
	}
	return stale, nil
}

// GetScores liefert die gespeicherten Lesbarkeits-Scores zu den PMIDs.
func (s *RecordStore) GetScores(ctx context.Context, pmids []string) (map[string]float64, error) {
	scores := make(map[string]float64, len(pmids))
	if len(pmids) == 0 {
		return scores, nil
	}
	var rows []models.ReadabilityScore
	if err := s.DB.WithContext(ctx).Where("pmid IN ?", pmids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get scores: %w", err)
	}
	for _, row := range rows {
		scores[row.PMID] = row.Score
	}
	return scores, nil
}

// UpsertScores schreibt berechnete Scores idempotent.
func (s *RecordStore) UpsertScores(ctx context.Context, scores map[string]float64) error {
	if len(scores) == 0 {
		return nil
	}
	rows := make([]models.ReadabilityScore, 0, len(scores))
	for pmid, score := range scores {
		rows = append(rows, models.ReadabilityScore{PMID: pmid, Score: score})
	}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "pmid"}},
			DoUpdates: clause.AssignmentColumns([]string{"score"}),
		}).Create(&rows).Error
	})
	if err != nil {
		return fmt.Errorf("upsert scores: %w", err)
	}
	return nil
}
