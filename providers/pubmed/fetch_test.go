package pubmed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pubmed-newsroom/config"
	"pubmed-newsroom/providers"
)

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		PubMedBaseURL:    baseURL,
		PubMedEmail:      "dev@example.org",
		PubMedTool:       "newsroom-test",
		PubMedAPIKey:     "test-key",
		PubMedTimeout:    5 * time.Second,
		PubMedMaxRetries: 3,
	}
}

const efetchFixture = `<?xml version="1.0" ?>
<PubmedArticleSet>
  <PubmedArticle>
    <MedlineCitation>
      <PMID>11111</PMID>
      <Article>
        <Journal>
          <Title>Nature Medicine</Title>
          <JournalIssue>
            <PubDate>
              <Year>2024</Year>
              <Month>Feb</Month>
              <Day>3</Day>
            </PubDate>
          </JournalIssue>
        </Journal>
        <ArticleTitle>Curcumin improves outcomes</ArticleTitle>
        <Abstract>
          <AbstractText Label="BACKGROUND">Curcumin is widely studied.</AbstractText>
          <AbstractText Label="RESULTS">Outcomes improved significantly.</AbstractText>
        </Abstract>
        <AuthorList>
          <Author>
            <LastName>Lovelace</LastName>
            <ForeName>Ada</ForeName>
          </Author>
          <Author>
            <LastName>Hopper</LastName>
            <ForeName>Grace</ForeName>
          </Author>
          <Author>
            <CollectiveName>ACME Consortium</CollectiveName>
          </Author>
        </AuthorList>
        <ArticleDate DateType="Electronic">
          <Year>2024</Year>
          <Month>01</Month>
          <Day>15</Day>
        </ArticleDate>
        <PublicationTypeList>
          <PublicationType>Journal Article</PublicationType>
          <PublicationType>Randomized Controlled Trial</PublicationType>
        </PublicationTypeList>
      </Article>
    </MedlineCitation>
    <PubmedData>
      <ArticleIdList>
        <ArticleId IdType="doi">10.1000/test.1</ArticleId>
        <ArticleId IdType="pmc">7046448</ArticleId>
      </ArticleIdList>
    </PubmedData>
  </PubmedArticle>
  <PubmedArticle>
    <MedlineCitation>
      <PMID>22222</PMID>
      <Article>
        <Journal>
          <Title>BMJ</Title>
          <JournalIssue>
            <PubDate>
              <Year>2023</Year>
            </PubDate>
          </JournalIssue>
        </Journal>
        <ArticleTitle>A paper without an abstract</ArticleTitle>
      </Article>
    </MedlineCitation>
  </PubmedArticle>
</PubmedArticleSet>`

func TestSearchIDs(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/esearch.fcgi"))
		q := r.URL.Query()
		assert.Equal(t, "pubmed", q.Get("db"))
		assert.Equal(t, "json", q.Get("retmode"))
		assert.Equal(t, "newsroom-test", q.Get("tool"))
		assert.Equal(t, "dev@example.org", q.Get("email"))
		assert.Equal(t, "test-key", q.Get("api_key"))
		gotQuery = q.Get("term")
		fmt.Fprint(w, `{"esearchresult":{"idlist":["11111","22222","33333"]}}`)
	}))
	defer srv.Close()

	fetcher := NewFetcher(testConfig(srv.URL), zap.NewNop())
	ids, err := fetcher.SearchIDs(context.Background(), "curcumin", 20)
	require.NoError(t, err)
	assert.Equal(t, []string{"11111", "22222", "33333"}, ids)

	// Die Suche wird auf Primärforschung eingeschränkt.
	assert.Contains(t, gotQuery, "(curcumin)")
	assert.Contains(t, gotQuery, `"journal article"[pt]`)
	assert.Contains(t, gotQuery, `"Randomized Controlled Trial"[pt]`)
	assert.Contains(t, gotQuery, `NOT ("Review"[pt]`)
}

func TestSearchIDsEmptyTerm(t *testing.T) {
	fetcher := NewFetcher(testConfig("http://unused.invalid"), zap.NewNop())
	ids, err := fetcher.SearchIDs(context.Background(), "   ", 20)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFetchRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/efetch.fcgi"))
		assert.Equal(t, "11111,22222", r.URL.Query().Get("id"))
		fmt.Fprint(w, efetchFixture)
	}))
	defer srv.Close()

	fetcher := NewFetcher(testConfig(srv.URL), zap.NewNop())
	result, err := fetcher.FetchRecords(context.Background(), []string{"11111", "22222"})
	require.NoError(t, err)

	require.Len(t, result.Records, 1)
	record := result.Records[0]
	assert.Equal(t, "11111", record.PMID)
	assert.Equal(t, "Curcumin improves outcomes", record.Title)
	assert.Equal(t, "BACKGROUND: Curcumin is widely studied.\nRESULTS: Outcomes improved significantly.", record.Abstract)
	assert.Equal(t, "Nature Medicine", record.Journal)
	assert.Equal(t, "2024", record.Year)
	assert.Equal(t, []string{"Ada Lovelace", "Grace Hopper", "ACME Consortium"}, record.AuthorNames())
	assert.Equal(t, "10.1000/test.1", record.DOI)
	assert.Equal(t, "PMC7046448", record.PMCID)
	assert.Equal(t, []string{"Journal Article", "Randomized Controlled Trial"}, record.PublicationTypeNames())

	// Das elektronische Datum gewinnt gegen das Journal-Issue-Datum.
	assert.Equal(t, "2024-01-15", record.PublicationDate)
	assert.Equal(t, DateSourceElectronic, record.PublicationDateSource)

	// Der Artikel ohne Abstract wird verworfen, nicht ergänzt.
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, "22222", result.Skipped[0].PMID)
	assert.Equal(t, []string{"abstract"}, result.Skipped[0].MissingFields)
}

func TestFetchRecordsBatching(t *testing.T) {
	var batches []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		batches = append(batches, len(strings.Split(r.URL.Query().Get("id"), ",")))
		fmt.Fprint(w, `<?xml version="1.0" ?><PubmedArticleSet></PubmedArticleSet>`)
	}))
	defer srv.Close()

	ids := make([]string, 250)
	for i := range ids {
		ids[i] = fmt.Sprintf("%d", i+1)
	}

	fetcher := NewFetcher(testConfig(srv.URL), zap.NewNop())
	_, err := fetcher.FetchRecords(context.Background(), ids)
	require.NoError(t, err)
	assert.Equal(t, []int{100, 100, 50}, batches)
}

func TestDoGetRetriesTransientErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"esearchresult":{"idlist":["11111"]}}`)
	}))
	defer srv.Close()

	fetcher := NewFetcher(testConfig(srv.URL), zap.NewNop())
	ids, err := fetcher.SearchIDs(context.Background(), "curcumin", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"11111"}, ids)
	assert.Equal(t, 2, calls)
}

func TestDoGetGivesUpAfterMaxRetries(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.PubMedMaxRetries = 2
	fetcher := NewFetcher(cfg, zap.NewNop())

	_, err := fetcher.SearchIDs(context.Background(), "curcumin", 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, providers.ErrFetchFailed))
	assert.Equal(t, 3, calls)
}

func TestDoGetFailsFastOnBadRequest(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	fetcher := NewFetcher(testConfig(srv.URL), zap.NewNop())
	_, err := fetcher.SearchIDs(context.Background(), "curcumin", 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, providers.ErrFetchFailed))
	assert.Equal(t, 1, calls)
}

func TestNormalizeMedlineDate(t *testing.T) {
	cases := map[string]string{
		"2001 Jan-Feb": "2001-01",
		"2000 Spring":  "2000",
		"1998 Dec 15":  "1998-12-15",
		"2024":         "2024",
		"":             "",
		"Winter":       "",
	}
	for input, want := range cases {
		assert.Equal(t, want, normalizeMedlineDate(input), "input %q", input)
	}
}
