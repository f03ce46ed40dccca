package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pubmed-newsroom/config"
	"pubmed-newsroom/models"
	"pubmed-newsroom/providers"
	"pubmed-newsroom/store"
)

const testPromptTemplate = "Write a news story.\n\n{kernel}\n\nRespond with JSON."

type fakeProvider struct {
	ids     map[string][]string
	records map[string]*models.Record
	missing map[string][]string

	searchCalls int
	fetchCalls  int
}

func (f *fakeProvider) SearchIDs(ctx context.Context, term string, retmax int) ([]string, error) {
	f.searchCalls++
	return f.ids[term], nil
}

func (f *fakeProvider) FetchRecords(ctx context.Context, ids []string) (*providers.FetchResult, error) {
	f.fetchCalls++
	result := &providers.FetchResult{}
	for _, id := range ids {
		if record, ok := f.records[id]; ok {
			clone := *record
			result.Records = append(result.Records, &clone)
		} else if fields, ok := f.missing[id]; ok {
			result.Skipped = append(result.Skipped, providers.Skipped{PMID: id, MissingFields: fields})
		}
	}
	return result, nil
}

func (f *fakeProvider) Name() string { return "fake" }

type fakeGenerator struct {
	story *models.Story
	err   error
	calls int
}

func (f *fakeGenerator) Generate(ctx context.Context, promptText string) (*models.Story, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	clone := *f.story
	return &clone, nil
}

func completeRecord(pmid, title, abstract string) *models.Record {
	r := &models.Record{
		PMID:     pmid,
		Title:    title,
		Abstract: abstract,
		Journal:  "Nature Medicine",
		Year:     "2024",
	}
	r.SetAuthorNames([]string{"Ada Lovelace", "Grace Hopper"})
	return r
}

func newTestService(t *testing.T, provider providers.Provider, generator Generator) *CurationService {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&models.Record{},
		&models.Query{},
		&models.QueryResult{},
		&models.ReadabilityScore{},
		&models.Artifact{},
	))

	cfg := &config.Config{
		PubMedRetmax:   20,
		SearchCacheTTL: time.Hour,
	}
	service, err := NewCurationService(cfg,
		store.NewRecordStore(db, zap.NewNop()),
		store.NewArtifactStore(db, zap.NewNop()),
		provider, generator, testPromptTemplate, zap.NewNop())
	require.NoError(t, err)
	return service
}

func defaultGenerator() *fakeGenerator {
	return &fakeGenerator{story: &models.Story{
		Headline:        "Generated headline",
		Standfirst:      "Generated standfirst.",
		StoryParagraphs: []string{"First paragraph.", "Second paragraph.", "Third paragraph."},
		WhatHappensNext: "Larger trials are planned.",
	}}
}

func TestNewCurationServiceRequiresPlaceholder(t *testing.T) {
	cfg := &config.Config{}
	_, err := NewCurationService(cfg, nil, nil, nil, nil, "a template without the slot", zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "{kernel}")
}

func TestSearchFiltersAndRanks(t *testing.T) {
	provider := &fakeProvider{
		ids: map[string][]string{"curcumin": {"A", "B", "C"}},
		records: map[string]*models.Record{
			"A": completeRecord("A", "Easy paper", "The dog ran. The cat sat."),
			"C": completeRecord("C", "Hard paper", "Pharmacokinetic bioavailability immunomodulatory."),
		},
		missing: map[string][]string{"B": {"abstract"}},
	}
	service := newTestService(t, provider, defaultGenerator())
	ctx := context.Background()

	results, err := service.Search(ctx, "curcumin")
	require.NoError(t, err)

	// B fehlt das Abstract und taucht nicht auf; absteigend nach Score.
	require.Len(t, results, 2)
	assert.Equal(t, "C", results[0].Record.PMID)
	assert.Equal(t, "A", results[1].Record.PMID)
	require.NotNil(t, results[0].Score)
	require.NotNil(t, results[1].Score)
	assert.Greater(t, *results[0].Score, *results[1].Score)
	assert.False(t, results[0].HasArtifact)

	// Die vollständigen Records sind jetzt gecacht.
	cached, err := service.Records.GetRecord(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "Easy paper", cached.Title)
	_, err = service.Records.GetRecord(ctx, "B")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestSearchServedFromCache(t *testing.T) {
	provider := &fakeProvider{
		ids: map[string][]string{"curcumin": {"A"}},
		records: map[string]*models.Record{
			"A": completeRecord("A", "Easy paper", "The dog ran. The cat sat."),
		},
	}
	service := newTestService(t, provider, defaultGenerator())
	ctx := context.Background()

	_, err := service.Search(ctx, "curcumin")
	require.NoError(t, err)
	_, err = service.Search(ctx, "curcumin")
	require.NoError(t, err)

	// Die zweite Suche läuft ohne erneuten Index-Roundtrip.
	assert.Equal(t, 1, provider.searchCalls)
	assert.Equal(t, 1, provider.fetchCalls)
}

func TestSearchEmptyTerm(t *testing.T) {
	provider := &fakeProvider{}
	service := newTestService(t, provider, defaultGenerator())

	results, err := service.Search(context.Background(), "   ")
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, provider.searchCalls)
}

func TestGenerateFreezesSnapshots(t *testing.T) {
	provider := &fakeProvider{
		records: map[string]*models.Record{
			"A": completeRecord("A", "Original title", "The dog ran. The cat sat."),
		},
	}
	service := newTestService(t, provider, defaultGenerator())
	ctx := context.Background()

	ranAt := time.Now().UTC().Truncate(time.Second)
	artifact, err := service.Generate(ctx, GenerateParams{
		PMID:        "A",
		SearchTerm:  "curcumin",
		SearchRanAt: &ranAt,
	})
	require.NoError(t, err)
	assert.Equal(t, "Generated headline", artifact.Headline)
	assert.Equal(t, "The dog ran. The cat sat.", artifact.AbstractSnapshot)
	assert.Contains(t, artifact.PromptText, "Original title")
	assert.Contains(t, artifact.PromptText, "Ada Lovelace, Grace Hopper")
	assert.NotContains(t, artifact.PromptText, "{kernel}")

	meta, err := artifact.DecodeMetadata()
	require.NoError(t, err)
	assert.Equal(t, "Original title", meta.Title)
	assert.Equal(t, "curcumin", meta.SearchTerm)
	assert.Equal(t, SearchSourceCurator, meta.SearchRanAtSource)
	require.NotNil(t, meta.SearchRanAt)

	// Spätere Record-Updates verändern den Snapshot nicht.
	updated := completeRecord("A", "Corrected title", "A new abstract entirely.")
	require.NoError(t, service.Records.UpsertRecords(ctx, []*models.Record{updated}))

	stored, err := service.Review(ctx, "A")
	require.NoError(t, err)
	meta, err = stored.DecodeMetadata()
	require.NoError(t, err)
	assert.Equal(t, "Original title", meta.Title)
	assert.Equal(t, "The dog ran. The cat sat.", stored.AbstractSnapshot)
}

func TestGenerateInfersProvenanceFromHistory(t *testing.T) {
	provider := &fakeProvider{
		ids: map[string][]string{"curcumin": {"A"}},
		records: map[string]*models.Record{
			"A": completeRecord("A", "Easy paper", "The dog ran. The cat sat."),
		},
	}
	service := newTestService(t, provider, defaultGenerator())
	ctx := context.Background()

	_, err := service.Search(ctx, "curcumin")
	require.NoError(t, err)

	artifact, err := service.Generate(ctx, GenerateParams{PMID: "A"})
	require.NoError(t, err)

	meta, err := artifact.DecodeMetadata()
	require.NoError(t, err)
	assert.Equal(t, "curcumin", meta.SearchTerm)
	assert.Equal(t, SearchSourceInferred, meta.SearchRanAtSource)
	require.NotNil(t, meta.SearchRanAt)
}

func TestGenerateFetchesUnknownRecord(t *testing.T) {
	provider := &fakeProvider{
		records: map[string]*models.Record{
			"A": completeRecord("A", "Fetched on demand", "The dog ran. The cat sat."),
		},
	}
	service := newTestService(t, provider, defaultGenerator())
	ctx := context.Background()

	_, err := service.Generate(ctx, GenerateParams{PMID: "A"})
	require.NoError(t, err)
	assert.Equal(t, 1, provider.fetchCalls)

	cached, err := service.Records.GetRecord(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "Fetched on demand", cached.Title)
}

func TestGenerateMissingRecord(t *testing.T) {
	service := newTestService(t, &fakeProvider{}, defaultGenerator())

	_, err := service.Generate(context.Background(), GenerateParams{PMID: "999"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestGenerateIncompleteRecord(t *testing.T) {
	provider := &fakeProvider{missing: map[string][]string{"B": {"abstract", "journal"}}}
	service := newTestService(t, provider, defaultGenerator())

	_, err := service.Generate(context.Background(), GenerateParams{PMID: "B"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.Contains(t, err.Error(), "abstract")
}

func TestGenerateFailureLeavesNoDraft(t *testing.T) {
	provider := &fakeProvider{
		records: map[string]*models.Record{
			"A": completeRecord("A", "Easy paper", "The dog ran. The cat sat."),
		},
	}
	generator := &fakeGenerator{err: fmt.Errorf("%w: upstream timeout", ErrGenerationFailed)}
	service := newTestService(t, provider, generator)
	ctx := context.Background()

	_, err := service.Generate(ctx, GenerateParams{PMID: "A"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGenerationFailed))

	_, err = service.Review(ctx, "A")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestGenerateConflictWithoutOverwrite(t *testing.T) {
	provider := &fakeProvider{
		records: map[string]*models.Record{
			"A": completeRecord("A", "Easy paper", "The dog ran. The cat sat."),
		},
	}
	service := newTestService(t, provider, defaultGenerator())
	ctx := context.Background()

	_, err := service.Generate(ctx, GenerateParams{PMID: "A"})
	require.NoError(t, err)

	_, err = service.Generate(ctx, GenerateParams{PMID: "A"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrConflict))

	_, err = service.Generate(ctx, GenerateParams{PMID: "A", Overwrite: true})
	require.NoError(t, err)
}

func TestGenerateRefusedWhilePublished(t *testing.T) {
	provider := &fakeProvider{
		records: map[string]*models.Record{
			"A": completeRecord("A", "Easy paper", "The dog ran. The cat sat."),
		},
	}
	service := newTestService(t, provider, defaultGenerator())
	ctx := context.Background()

	_, err := service.Generate(ctx, GenerateParams{PMID: "A"})
	require.NoError(t, err)
	require.NoError(t, service.Publish(ctx, "A", 0))

	_, err = service.Generate(ctx, GenerateParams{PMID: "A", Overwrite: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrConflict))

	// Nach dem Zurückziehen ist die Neugenerierung wieder erlaubt.
	require.NoError(t, service.Unpublish(ctx, "A"))
	_, err = service.Generate(ctx, GenerateParams{PMID: "A", Overwrite: true})
	require.NoError(t, err)
}

func TestGenerateHeadlineFallback(t *testing.T) {
	provider := &fakeProvider{
		records: map[string]*models.Record{
			"A": completeRecord("A", "Record title wins", "The dog ran. The cat sat."),
		},
	}
	generator := &fakeGenerator{story: &models.Story{
		Standfirst:      "Standfirst only.",
		StoryParagraphs: []string{"One paragraph."},
	}}
	service := newTestService(t, provider, generator)

	artifact, err := service.Generate(context.Background(), GenerateParams{PMID: "A"})
	require.NoError(t, err)
	assert.Equal(t, "Record title wins", artifact.Headline)
}

func TestWorkflowSearchGeneratePublish(t *testing.T) {
	provider := &fakeProvider{
		ids: map[string][]string{"curcumin": {"A", "C"}},
		records: map[string]*models.Record{
			"A": completeRecord("A", "Easy paper", "The dog ran. The cat sat."),
			"C": completeRecord("C", "Hard paper", "Pharmacokinetic bioavailability immunomodulatory."),
		},
	}
	service := newTestService(t, provider, defaultGenerator())
	ctx := context.Background()

	results, err := service.Search(ctx, "curcumin")
	require.NoError(t, err)
	require.Len(t, results, 2)

	ranAt := time.Now().UTC()
	for _, result := range results {
		_, err := service.Generate(ctx, GenerateParams{
			PMID:        result.Record.PMID,
			SearchTerm:  "curcumin",
			SearchRanAt: &ranAt,
		})
		require.NoError(t, err)
		require.NoError(t, service.Publish(ctx, result.Record.PMID, 0))
	}

	gallery, err := service.Gallery(ctx)
	require.NoError(t, err)
	require.Len(t, gallery, 2)
	assert.Equal(t, 1, *gallery[0].FeaturedRank)
	assert.Equal(t, 2, *gallery[1].FeaturedRank)

	// Der Artefakt-Status taucht in der nächsten Suche auf.
	results, err = service.Search(ctx, "curcumin")
	require.NoError(t, err)
	for _, result := range results {
		assert.True(t, result.HasArtifact)
		assert.True(t, result.IsPublished)
	}
}

func TestRefreshStaleSearches(t *testing.T) {
	provider := &fakeProvider{
		ids: map[string][]string{"curcumin": {"A"}},
		records: map[string]*models.Record{
			"A": completeRecord("A", "Easy paper", "The dog ran. The cat sat."),
		},
	}
	service := newTestService(t, provider, defaultGenerator())
	ctx := context.Background()

	_, err := service.Search(ctx, "curcumin")
	require.NoError(t, err)

	// Frische Suchen werden nicht angefasst.
	count, err := service.RefreshStaleSearches(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	// Abgelaufene Suchen werden erneut ausgeführt.
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, service.Records.DB.Model(&models.Query{}).
		Where("1 = 1").Update("created_at", old).Error)

	count, err = service.RefreshStaleSearches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 2, provider.searchCalls)
}

func TestBuildPromptTruncatesAuthors(t *testing.T) {
	record := completeRecord("A", "Title", "Abstract text.")
	record.SetAuthorNames([]string{"A One", "B Two", "C Three", "D Four", "E Five", "F Six", "G Seven", "H Eight"})

	service := newTestService(t, &fakeProvider{}, defaultGenerator())
	prompt := service.buildPrompt(record)
	assert.Contains(t, prompt, "F Six, et al.")
	assert.False(t, strings.Contains(prompt, "G Seven"))
}
