package providers

import (
	"context"
	"errors"

	"pubmed-newsroom/models"
)

// ErrFetchFailed kennzeichnet einen nicht behebbaren Fehler beim Zugriff auf
// den externen Literatur-Index (Netzwerk, Auth, fehlerhafte Anfrage).
var ErrFetchFailed = errors.New("fetch failed")

// Skipped beschreibt einen Treffer, der beim Parsen wegen fehlender
// Pflichtfelder verworfen wurde. Verwerfen ist ein erwartetes Filterergebnis,
// kein Fehler.
type Skipped struct {
	PMID          string
	MissingFields []string
}

// FetchResult trennt verwertbare Records von verworfenen Treffern.
type FetchResult struct {
	Records []*models.Record
	Skipped []Skipped
}

// Provider ist das Interface, das jeder Literatur-Index-Client implementieren muss.
type Provider interface {
	// SearchIDs führt eine Suche aus und gibt die geordnete Liste externer
	// Identifier zurück.
	SearchIDs(ctx context.Context, term string, retmax int) ([]string, error)

	// FetchRecords holt die strukturierten Metadaten zu den gegebenen
	// Identifiern. Treffer ohne Pflichtfelder landen in Skipped.
	FetchRecords(ctx context.Context, ids []string) (*FetchResult, error)

	// Name gibt den eindeutigen Namen des Providers zurück (z.B. "pubmed").
	Name() string
}
