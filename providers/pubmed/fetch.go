package pubmed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"pubmed-newsroom/config"
	"pubmed-newsroom/providers"
)

// Mindestabstände zwischen Anfragen laut eUtils-Richtlinien: 3 req/s ohne
// API-Key, ca. 9 req/s mit Key. Der Client drosselt selbst, statt sich auf
// Ablehnungen des Servers zu verlassen.
const (
	minIntervalWithoutKey = 334 * time.Millisecond
	minIntervalWithKey    = 110 * time.Millisecond

	fetchBatchSize = 100
	retryBackoff   = 500 * time.Millisecond
)

// Publikationstypen, auf die die Suche eingeschränkt bzw. die ausgeschlossen
// werden, damit nur Primärforschung in den Ergebnissen landet.
var (
	includePublicationTypes = []string{
		"Clinical Trial",
		"Randomized Controlled Trial",
		"Controlled Clinical Trial",
		"Clinical Trial, Phase I",
		"Clinical Trial, Phase II",
		"Clinical Trial, Phase III",
		"Clinical Trial, Phase IV",
		"Observational Study",
		"Comparative Study",
		"Multicenter Study",
		"Evaluation Study",
		"Validation Study",
	}
	excludePublicationTypes = []string{
		"Review",
		"Systematic Review",
		"Meta-Analysis",
		"Editorial",
		"Letter",
		"Comment",
		"Guideline",
		"Practice Guideline",
		"Clinical Trial Protocol",
		"Preprint",
	}
)

// Fetcher ist eine Struktur, die die Logik zur Interaktion mit PubMed kapselt.
type Fetcher struct {
	Config *config.Config
	Logger *zap.Logger

	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
}

var _ providers.Provider = (*Fetcher)(nil)

// NewFetcher erstellt eine neue Instanz des PubMed-Fetchers.
func NewFetcher(cfg *config.Config, logger *zap.Logger) *Fetcher {
	interval := minIntervalWithoutKey
	if cfg.PubMedAPIKey != "" {
		interval = minIntervalWithKey
	}
	return &Fetcher{
		Config:     cfg,
		Logger:     logger,
		httpClient: &http.Client{Timeout: cfg.PubMedTimeout},
		limiter:    rate.NewLimiter(rate.Every(interval), 1),
		maxRetries: cfg.PubMedMaxRetries,
	}
}

// Name gibt den Namen des Providers zurück.
func (f *Fetcher) Name() string {
	return "pubmed"
}

// SearchIDs führt eine ESearch-Abfrage durch und gibt die geordnete Liste der
// gefundenen PMIDs zurück.
func (f *Fetcher) SearchIDs(ctx context.Context, term string, retmax int) ([]string, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, nil
	}
	log := f.Logger.With(zap.String("term", term))
	log.Info("Starte PubMed ESearch für IDs.")

	params := f.buildParams(url.Values{
		"db":      {"pubmed"},
		"term":    {buildPrimaryResearchQuery(term)},
		"retmax":  {strconv.Itoa(retmax)},
		"retmode": {"json"},
	})
	body, err := f.doGet(ctx, "esearch.fcgi", params)
	if err != nil {
		return nil, err
	}

	var esearchResp ESearchResponse
	if err := json.Unmarshal(body, &esearchResp); err != nil {
		log.Error("Fehler beim Parsen der ESearch-JSON-Antwort", zap.Error(err))
		return nil, fmt.Errorf("%w: esearch json: %v", providers.ErrFetchFailed, err)
	}

	ids := esearchResp.ESearchResult.IdList
	log.Info("PubMed ESearch abgeschlossen", zap.Int("total_ids", len(ids)))
	return ids, nil
}

// FetchRecords holt die Metadaten für die gegebenen PMIDs in Batches via
// EFetch. Treffer ohne Pflichtfelder werden verworfen, nicht ergänzt.
func (f *Fetcher) FetchRecords(ctx context.Context, ids []string) (*providers.FetchResult, error) {
	result := &providers.FetchResult{}
	if len(ids) == 0 {
		return result, nil
	}
	log := f.Logger.With(zap.Int("requested", len(ids)))
	log.Info("Hole Record-Details via EFetch.")

	for start := 0; start < len(ids); start += fetchBatchSize {
		end := start + fetchBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		params := f.buildParams(url.Values{
			"db":      {"pubmed"},
			"id":      {strings.Join(chunk, ",")},
			"retmode": {"xml"},
		})
		body, err := f.doGet(ctx, "efetch.fcgi", params)
		if err != nil {
			return nil, err
		}

		parsed, err := parseArticleSet(body)
		if err != nil {
			return nil, err
		}
		result.Records = append(result.Records, parsed.Records...)
		result.Skipped = append(result.Skipped, parsed.Skipped...)
	}

	for _, skipped := range result.Skipped {
		log.Debug("Record wegen fehlender Pflichtfelder verworfen",
			zap.String("pmid", skipped.PMID),
			zap.Strings("missing", skipped.MissingFields))
	}
	log.Info("EFetch abgeschlossen",
		zap.Int("records", len(result.Records)),
		zap.Int("skipped", len(result.Skipped)))
	return result, nil
}

// doGet führt eine gedrosselte GET-Anfrage aus. Transiente Fehler (Netzwerk,
// 5xx, 429) werden begrenzt mit Backoff wiederholt; alles andere schlägt
// sofort als FetchFailure durch.
func (f *Fetcher) doGet(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	requestURL := f.Config.PubMedBaseURL + "/" + endpoint + "?" + params.Encode()

	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := retryBackoff << (attempt - 1)
			f.Logger.Warn("Wiederhole PubMed-Anfrage",
				zap.String("endpoint", endpoint),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", providers.ErrFetchFailed, ctx.Err())
			case <-time.After(backoff):
			}
		}

		if err := f.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", providers.ErrFetchFailed, err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", providers.ErrFetchFailed, err)
		}
		resp, err := f.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK && readErr == nil:
			return body, nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("%s returned status %d", endpoint, resp.StatusCode)
		case readErr != nil:
			lastErr = readErr
		default:
			// 4xx außer 429: fehlerhafte Anfrage oder Auth-Ablehnung, kein Retry.
			return nil, fmt.Errorf("%w: %s returned status %d", providers.ErrFetchFailed, endpoint, resp.StatusCode)
		}
	}
	return nil, fmt.Errorf("%w: %v", providers.ErrFetchFailed, lastErr)
}

// buildParams ergänzt die Pflichtparameter tool/email sowie den API-Key.
func (f *Fetcher) buildParams(params url.Values) url.Values {
	params.Set("tool", f.Config.PubMedTool)
	params.Set("email", f.Config.PubMedEmail)
	if f.Config.PubMedAPIKey != "" {
		params.Set("api_key", f.Config.PubMedAPIKey)
	}
	return params
}

// buildPrimaryResearchQuery schränkt den Suchbegriff auf Journal-Artikel mit
// Primärforschungs-Publikationstypen ein.
func buildPrimaryResearchQuery(term string) string {
	quote := func(pts []string) string {
		clauses := make([]string, 0, len(pts))
		for _, pt := range pts {
			clauses = append(clauses, fmt.Sprintf("%q[pt]", pt))
		}
		return strings.Join(clauses, " OR ")
	}
	return fmt.Sprintf("(%s) AND \"journal article\"[pt] AND (%s) NOT (%s)",
		term, quote(includePublicationTypes), quote(excludePublicationTypes))
}
