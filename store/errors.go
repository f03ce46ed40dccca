// Package store enthält die dauerhaften Speicher für Records und Artefakte.
// Jede mutierende Operation läuft als eigene, serialisierte Transaktion;
// Teil-Schreibungen sind per Konstruktion ausgeschlossen.
package store

import "errors"

var (
	// ErrNotFound: Operation auf einem nicht vorhandenen Record oder Artefakt.
	ErrNotFound = errors.New("not found")

	// ErrConflict: es existiert bereits ein Artefakt für diese PMID und der
	// Aufrufer hat kein Überschreiben angefordert.
	ErrConflict = errors.New("artifact already exists")

	// ErrNotPublished: Unpublish/Reorder auf einem nicht veröffentlichten Artefakt.
	ErrNotPublished = errors.New("artifact not published")
)
