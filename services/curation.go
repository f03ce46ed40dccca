package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"pubmed-newsroom/config"
	"pubmed-newsroom/models"
	"pubmed-newsroom/providers"
	"pubmed-newsroom/ranking"
	"pubmed-newsroom/store"
)

// kernelPlaceholder muss in der Prompt-Vorlage genau einmal vorkommen und
// wird beim Generieren durch die Record-Daten ersetzt.
const kernelPlaceholder = "{kernel}"

// Herkunft des search_ran_at-Zeitstempels im Metadaten-Snapshot.
const (
	SearchSourceCurator  = "curator_search_action"
	SearchSourceInferred = "query_history_inferred"
	SearchSourceUnknown  = "unknown"
)

const yearFallbackDateSource = "year_fallback"

// CurationService verdrahtet Suche, Record-Cache, Readability-Ranking,
// Textgenerierung und Artefakt-Verwaltung zu einem Workflow.
type CurationService struct {
	Config    *config.Config
	Records   *store.RecordStore
	Artifacts *store.ArtifactStore
	Provider  providers.Provider
	Generator Generator
	Logger    *zap.Logger

	promptTemplate string
}

// NewCurationService prüft die Prompt-Vorlage und baut den Service.
func NewCurationService(cfg *config.Config, records *store.RecordStore, artifacts *store.ArtifactStore, provider providers.Provider, generator Generator, promptTemplate string, logger *zap.Logger) (*CurationService, error) {
	if !strings.Contains(promptTemplate, kernelPlaceholder) {
		return nil, fmt.Errorf("prompt template is missing the %s placeholder", kernelPlaceholder)
	}
	return &CurationService{
		Config:         cfg,
		Records:        records,
		Artifacts:      artifacts,
		Provider:       provider,
		Generator:      generator,
		Logger:         logger.With(zap.String("service", "curation")),
		promptTemplate: promptTemplate,
	}, nil
}

// SearchResult ist ein Suchtreffer samt Score und Artefakt-Status.
type SearchResult struct {
	Record      *models.Record `json:"record"`
	Score       *float64       `json:"readability_score,omitempty"`
	HasArtifact bool           `json:"has_artifact"`
	IsPublished bool           `json:"is_published"`
}

// Search führt eine Suche aus (oder bedient sie aus dem Query-Cache), cached
// alle vollständigen Records und gibt die Treffer absteigend nach
// Readability-Score sortiert zurück.
func (c *CurationService) Search(ctx context.Context, term string) ([]SearchResult, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return []SearchResult{}, nil
	}
	return c.search(ctx, term, c.Config.PubMedRetmax)
}

func (c *CurationService) search(ctx context.Context, term string, retmax int) ([]SearchResult, error) {
	log := c.Logger.With(zap.String("term", term))

	ids, cached, err := c.Records.CachedSearch(ctx, term, retmax, c.Config.SearchCacheTTL)
	if err != nil {
		return nil, err
	}
	if !cached {
		ids, err = c.Provider.SearchIDs(ctx, term, retmax)
		if err != nil {
			return nil, err
		}
		if err := c.Records.RecordQuery(ctx, term, retmax, ids); err != nil {
			return nil, err
		}
		log.Info("Suche ausgeführt", zap.Int("treffer", len(ids)))
	} else {
		log.Info("Suche aus Cache bedient", zap.Int("treffer", len(ids)))
	}
	if len(ids) == 0 {
		return []SearchResult{}, nil
	}

	known, err := c.Records.GetRecords(ctx, ids)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, id := range ids {
		if rec, ok := known[id]; !ok || !rec.IsComplete() {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		fetched, err := c.Provider.FetchRecords(ctx, missing)
		if err != nil {
			return nil, err
		}
		if err := c.Records.UpsertRecords(ctx, fetched.Records); err != nil {
			return nil, err
		}
		for _, rec := range fetched.Records {
			known[rec.PMID] = rec
		}
		for _, skipped := range fetched.Skipped {
			log.Info("Treffer ohne Pflichtfelder verworfen",
				zap.String("pmid", skipped.PMID),
				zap.Strings("fehlend", skipped.MissingFields))
		}
	}

	records := make([]*models.Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := known[id]; ok && rec.IsComplete() {
			records = append(records, rec)
		}
	}

	scores, err := c.scoreRecords(ctx, records)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(records))
	for _, rec := range records {
		result := SearchResult{Record: rec}
		if score, ok := scores[rec.PMID]; ok {
			value := score
			result.Score = &value
		}
		artifact, err := c.Artifacts.GetArtifact(ctx, rec.PMID)
		switch {
		case err == nil:
			result.HasArtifact = true
			result.IsPublished = artifact.IsPublished()
		case errors.Is(err, store.ErrNotFound):
		default:
			return nil, err
		}
		results = append(results, result)
	}

	// Absteigend nach Score, Treffer ohne Score ans Ende; bei Gleichstand
	// bleibt die Suchreihenfolge erhalten.
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i].Score, results[j].Score
		if a == nil {
			return false
		}
		if b == nil {
			return true
		}
		return *a > *b
	})
	return results, nil
}

// scoreRecords lädt persistierte Scores und berechnet fehlende nach.
func (c *CurationService) scoreRecords(ctx context.Context, records []*models.Record) (map[string]float64, error) {
	pmids := make([]string, 0, len(records))
	for _, rec := range records {
		pmids = append(pmids, rec.PMID)
	}
	scores, err := c.Records.GetScores(ctx, pmids)
	if err != nil {
		return nil, err
	}
	var unscored []*models.Record
	for _, rec := range records {
		if _, ok := scores[rec.PMID]; !ok {
			unscored = append(unscored, rec)
		}
	}
	if len(unscored) > 0 {
		fresh := ranking.ScoreRecords(unscored)
		if err := c.Records.UpsertScores(ctx, fresh); err != nil {
			return nil, err
		}
		for pmid, score := range fresh {
			scores[pmid] = score
		}
	}
	return scores, nil
}

// GenerateParams steuert die Entwurfs-Generierung. SearchTerm und SearchRanAt
// sind gesetzt, wenn die Generierung aus einer Suche heraus angestoßen wurde.
type GenerateParams struct {
	PMID        string
	SearchTerm  string
	SearchRanAt *time.Time
	Overwrite   bool
}

// Generate erzeugt aus dem Record einen Story-Entwurf. Der Prompt, der
// Abstract und die Metadaten werden dabei als Snapshot eingefroren.
func (c *CurationService) Generate(ctx context.Context, params GenerateParams) (*models.Artifact, error) {
	pmid := strings.TrimSpace(params.PMID)
	if pmid == "" {
		return nil, fmt.Errorf("%w: empty pmid", store.ErrNotFound)
	}
	log := c.Logger.With(zap.String("pmid", pmid))

	record, err := c.Records.GetRecord(ctx, pmid)
	if errors.Is(err, store.ErrNotFound) {
		record, err = c.fetchAndCache(ctx, pmid)
	}
	if err != nil {
		return nil, err
	}

	promptText := c.buildPrompt(record)
	story, err := c.Generator.Generate(ctx, promptText)
	if err != nil {
		if !errors.Is(err, ErrGenerationFailed) {
			err = fmt.Errorf("%w: %v", ErrGenerationFailed, err)
		}
		log.Error("Story-Generierung fehlgeschlagen", zap.Error(err))
		return nil, err
	}
	if story.Headline == "" {
		story.Headline = record.Title
	}

	artifact := &models.Artifact{
		PMID:             pmid,
		Headline:         story.Headline,
		Standfirst:       story.Standfirst,
		PromptText:       promptText,
		AbstractSnapshot: record.Abstract,
	}
	artifact.SetStory(*story)
	artifact.SetMetadata(c.buildSnapshot(ctx, record, params))

	if err := c.Artifacts.CreateDraft(ctx, artifact, params.Overwrite); err != nil {
		return nil, err
	}
	log.Info("Story-Entwurf angelegt", zap.String("headline", story.Headline))
	return artifact, nil
}

// fetchAndCache holt einen einzelnen Record direkt vom Provider und cached ihn.
func (c *CurationService) fetchAndCache(ctx context.Context, pmid string) (*models.Record, error) {
	result, err := c.Provider.FetchRecords(ctx, []string{pmid})
	if err != nil {
		return nil, err
	}
	if len(result.Records) == 0 {
		if len(result.Skipped) > 0 {
			return nil, fmt.Errorf("%w: record %s is missing required fields (%s)",
				store.ErrNotFound, pmid, strings.Join(result.Skipped[0].MissingFields, ", "))
		}
		return nil, fmt.Errorf("%w: record %s", store.ErrNotFound, pmid)
	}
	if err := c.Records.UpsertRecords(ctx, result.Records); err != nil {
		return nil, err
	}
	return result.Records[0], nil
}

// buildPrompt setzt die Record-Daten in die Prompt-Vorlage ein. Die Vorlage
// selbst bleibt über die Laufzeit unverändert.
func (c *CurationService) buildPrompt(record *models.Record) string {
	authors := record.AuthorNames()
	if len(authors) > 6 {
		authors = append(authors[:6:6], "et al.")
	}
	var kernel strings.Builder
	fmt.Fprintf(&kernel, "Title: %s\n", record.Title)
	fmt.Fprintf(&kernel, "Journal: %s\n", record.Journal)
	fmt.Fprintf(&kernel, "Year: %s\n", record.Year)
	fmt.Fprintf(&kernel, "Authors: %s\n", strings.Join(authors, ", "))
	fmt.Fprintf(&kernel, "PMID: %s\n", record.PMID)
	fmt.Fprintf(&kernel, "Abstract:\n%s", record.Abstract)
	return strings.Replace(c.promptTemplate, kernelPlaceholder, kernel.String(), 1)
}

// buildSnapshot friert Metadaten und Such-Provenance für das Artefakt ein.
// Fehlt die Suche im Aufruf, wird sie aus der Query-Historie rekonstruiert.
func (c *CurationService) buildSnapshot(ctx context.Context, record *models.Record, params GenerateParams) models.MetadataSnapshot {
	snapshot := models.MetadataSnapshot{
		Title:   record.Title,
		Journal: record.Journal,
		Year:    record.Year,
		Authors: record.AuthorNames(),
		DOI:     record.DOI,
		PMCID:   record.PMCID,

		SearchTerm:        strings.TrimSpace(params.SearchTerm),
		SearchRanAtSource: SearchSourceUnknown,

		PublicationDate:       record.PublicationDate,
		PublicationDateRaw:    record.PublicationDateRaw,
		PublicationDateSource: record.PublicationDateSource,
	}

	if snapshot.SearchTerm != "" && params.SearchRanAt != nil {
		ranAt := *params.SearchRanAt
		snapshot.SearchRanAt = &ranAt
		snapshot.SearchRanAtSource = SearchSourceCurator
	} else if query, err := c.Records.LatestQueryForPMID(ctx, record.PMID, params.SearchRanAt); err == nil && query != nil {
		if snapshot.SearchTerm == "" {
			snapshot.SearchTerm = query.Term
		}
		ranAt := query.CreatedAt
		snapshot.SearchRanAt = &ranAt
		snapshot.SearchRanAtSource = SearchSourceInferred
	}

	if snapshot.PublicationDate == "" && record.Year != "" {
		snapshot.PublicationDate = record.Year + "-01-01"
		snapshot.PublicationDateRaw = record.Year
		snapshot.PublicationDateSource = yearFallbackDateSource
	}
	if snapshot.PublicationDateSource == "" {
		snapshot.PublicationDateSource = SearchSourceUnknown
	}
	return snapshot
}

// Review gibt ein Artefakt (Entwurf oder veröffentlicht) zur Sichtung zurück.
func (c *CurationService) Review(ctx context.Context, pmid string) (*models.Artifact, error) {
	return c.Artifacts.GetArtifact(ctx, pmid)
}

// Publish veröffentlicht ein Artefakt an der gewünschten Position; rank <= 0
// hängt es hinten an.
func (c *CurationService) Publish(ctx context.Context, pmid string, rank int) error {
	if err := c.Artifacts.Publish(ctx, pmid, rank); err != nil {
		return err
	}
	c.Logger.Info("Artefakt veröffentlicht", zap.String("pmid", pmid), zap.Int("rank", rank))
	return nil
}

// Unpublish nimmt ein Artefakt aus der Galerie; der Entwurf bleibt erhalten.
func (c *CurationService) Unpublish(ctx context.Context, pmid string) error {
	if err := c.Artifacts.Unpublish(ctx, pmid); err != nil {
		return err
	}
	c.Logger.Info("Artefakt zurückgezogen", zap.String("pmid", pmid))
	return nil
}

// Reorder verschiebt ein veröffentlichtes Artefakt an eine neue Position.
func (c *CurationService) Reorder(ctx context.Context, pmid string, newRank int) error {
	if err := c.Artifacts.Reorder(ctx, pmid, newRank); err != nil {
		return err
	}
	c.Logger.Info("Galerie umsortiert", zap.String("pmid", pmid), zap.Int("rank", newRank))
	return nil
}

// Gallery gibt alle veröffentlichten Artefakte in Galerie-Reihenfolge zurück.
func (c *CurationService) Gallery(ctx context.Context) ([]models.Artifact, error) {
	return c.Artifacts.ListPublished(ctx)
}

// RefreshStaleSearches führt alle Suchen erneut aus, deren letzter Lauf älter
// als die Cache-TTL ist. Gedacht für den Cron-Job.
func (c *CurationService) RefreshStaleSearches(ctx context.Context) (int, error) {
	stale, err := c.Records.StaleSearches(ctx, c.Config.SearchCacheTTL)
	if err != nil {
		return 0, err
	}
	refreshed := 0
	for _, query := range stale {
		if _, err := c.search(ctx, query.Term, query.Retmax); err != nil {
			c.Logger.Error("Aktualisierung der Suche fehlgeschlagen",
				zap.String("term", query.Term), zap.Error(err))
			continue
		}
		refreshed++
	}
	return refreshed, nil
}
