package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"pubmed-newsroom/models"
)

// ArtifactStore verwaltet Entwürfe und veröffentlichte Artefakte. Zentrale
// Invariante: Die Featured-Ranks der veröffentlichten Artefakte bilden nach
// jeder Operation eine dichte Folge 1..N ohne Duplikate und ohne Lücken.
// Alle mutierenden Operationen sind untereinander serialisiert und laufen
// als eigene Transaktion; Leser sehen nie einen Zwischenzustand.
type ArtifactStore struct {
	DB     *gorm.DB
	Logger *zap.Logger

	// Serialisiert Publish/Unpublish/Reorder/CreateDraft gegeneinander,
	// damit Rank-Verschiebung und Ziel-Schreibung nie verschränkt laufen.
	mu sync.Mutex
}

// NewArtifactStore erstellt eine neue Instanz des ArtifactStore.
func NewArtifactStore(db *gorm.DB, logger *zap.Logger) *ArtifactStore {
	return &ArtifactStore{DB: db, Logger: logger}
}

// CreateDraft legt ein Artefakt im Entwurfszustand an. Existiert bereits ein
// Artefakt für die PMID, schlägt der Aufruf mit ErrConflict fehl, sofern der
// Aufrufer nicht explizit überschreibt. Ein veröffentlichtes Artefakt wird
// auch mit overwrite nicht ersetzt; es muss zuerst unveröffentlicht werden.
func (s *ArtifactStore) CreateDraft(ctx context.Context, draft *models.Artifact, overwrite bool) error {
	if draft == nil || draft.PMID == "" {
		return fmt.Errorf("%w: draft without pmid", ErrNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Artifact
		err := tx.Where("pmid = ?", draft.PMID).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			// no existing artifact, plain create
		case err != nil:
			return err
		case !overwrite:
			return fmt.Errorf("%w: artifact %s", ErrConflict, draft.PMID)
		case existing.IsPublished():
			return fmt.Errorf("%w: artifact %s is published, unpublish before regenerating", ErrConflict, draft.PMID)
		default:
			if err := tx.Delete(&models.Artifact{}, "pmid = ?", draft.PMID).Error; err != nil {
				return err
			}
		}

		draft.FeaturedRank = nil
		draft.PublishedAt = nil
		draft.CreatedAt = time.Now()
		return tx.Create(draft).Error
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return err
		}
		s.Logger.Error("Entwurf konnte nicht angelegt werden", zap.String("pmid", draft.PMID), zap.Error(err))
		return fmt.Errorf("create draft %s: %w", draft.PMID, err)
	}
	return nil
}

// GetArtifact gibt das Artefakt zur PMID zurück oder ErrNotFound.
func (s *ArtifactStore) GetArtifact(ctx context.Context, pmid string) (*models.Artifact, error) {
	var artifact models.Artifact
	err := s.DB.WithContext(ctx).Where("pmid = ?", pmid).First(&artifact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: artifact %s", ErrNotFound, pmid)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact %s: %w", pmid, err)
	}
	return &artifact, nil
}

// ListPublished gibt die veröffentlichten Artefakte in Galerie-Reihenfolge
// zurück: Featured-Rank aufsteigend, bei Gleichstand gewinnt die frühere
// Veröffentlichung.
func (s *ArtifactStore) ListPublished(ctx context.Context) ([]models.Artifact, error) {
	var artifacts []models.Artifact
	err := s.DB.WithContext(ctx).
		Where("published_at IS NOT NULL").
		Order("featured_rank ASC, published_at ASC").
		Find(&artifacts).Error
	if err != nil {
		return nil, fmt.Errorf("list published: %w", err)
	}
	return artifacts, nil
}

// ListAll gibt sämtliche Artefakte zurück, Entwürfe eingeschlossen.
func (s *ArtifactStore) ListAll(ctx context.Context) ([]models.Artifact, error) {
	var artifacts []models.Artifact
	err := s.DB.WithContext(ctx).
		Order("created_at DESC").
		Find(&artifacts).Error
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return artifacts, nil
}

// Publish setzt das Artefakt auf den gewünschten Rank und verschiebt alle
// veröffentlichten Artefakte mit Rank >= rank um eins nach hinten, bevor das
// Ziel eingefügt wird. rank <= 0 bedeutet: ans Ende anhängen. Verschiebung
// und Ziel-Schreibung sind eine Transaktion.
func (s *ArtifactStore) Publish(ctx context.Context, pmid string, rank int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var artifact models.Artifact
		err := tx.Where("pmid = ?", pmid).First(&artifact).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: artifact %s", ErrNotFound, pmid)
		}
		if err != nil {
			return err
		}
		if artifact.IsPublished() {
			return fmt.Errorf("%w: artifact %s is already published", ErrConflict, pmid)
		}

		published, err := countPublished(tx)
		if err != nil {
			return err
		}
		if rank <= 0 || rank > published+1 {
			rank = published + 1
		}

		if err := tx.Model(&models.Artifact{}).
			Where("published_at IS NOT NULL AND featured_rank >= ?", rank).
			UpdateColumn("featured_rank", gorm.Expr("featured_rank + 1")).Error; err != nil {
			return err
		}
		now := time.Now()
		return tx.Model(&models.Artifact{}).
			Where("pmid = ?", pmid).
			Updates(map[string]interface{}{"featured_rank": rank, "published_at": now}).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
			return err
		}
		s.Logger.Error("Publish fehlgeschlagen", zap.String("pmid", pmid), zap.Error(err))
		return fmt.Errorf("publish %s: %w", pmid, err)
	}
	return nil
}

// Unpublish nimmt das Artefakt aus der Galerie und schließt die entstandene
// Rank-Lücke, indem alle größeren Ranks um eins nach vorn rücken.
func (s *ArtifactStore) Unpublish(ctx context.Context, pmid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		artifact, err := lockPublished(tx, pmid)
		if err != nil {
			return err
		}
		removedRank := *artifact.FeaturedRank

		if err := tx.Model(&models.Artifact{}).
			Where("pmid = ?", pmid).
			Updates(map[string]interface{}{"featured_rank": nil, "published_at": nil}).Error; err != nil {
			return err
		}
		return tx.Model(&models.Artifact{}).
			Where("published_at IS NOT NULL AND featured_rank > ?", removedRank).
			UpdateColumn("featured_rank", gorm.Expr("featured_rank - 1")).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotPublished) {
			return err
		}
		s.Logger.Error("Unpublish fehlgeschlagen", zap.String("pmid", pmid), zap.Error(err))
		return fmt.Errorf("unpublish %s: %w", pmid, err)
	}
	return nil
}

// Reorder verschiebt ein veröffentlichtes Artefakt an eine neue Position.
// Entspricht Unpublish + Publish(rank) in einer einzigen Transaktion, ohne
// dass Leser den unveröffentlichten Zwischenzustand sehen.
func (s *ArtifactStore) Reorder(ctx context.Context, pmid string, newRank int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		artifact, err := lockPublished(tx, pmid)
		if err != nil {
			return err
		}
		currentRank := *artifact.FeaturedRank

		published, err := countPublished(tx)
		if err != nil {
			return err
		}
		if newRank < 1 {
			newRank = 1
		}
		if newRank > published {
			newRank = published
		}
		if newRank == currentRank {
			return nil
		}

		// Erst die Lücke an der alten Position schließen, dann an der neuen
		// Position Platz machen; das Ziel selbst bleibt außen vor.
		if err := tx.Model(&models.Artifact{}).
			Where("published_at IS NOT NULL AND featured_rank > ? AND pmid <> ?", currentRank, pmid).
			UpdateColumn("featured_rank", gorm.Expr("featured_rank - 1")).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Artifact{}).
			Where("published_at IS NOT NULL AND featured_rank >= ? AND pmid <> ?", newRank, pmid).
			UpdateColumn("featured_rank", gorm.Expr("featured_rank + 1")).Error; err != nil {
			return err
		}
		return tx.Model(&models.Artifact{}).
			Where("pmid = ?", pmid).
			UpdateColumn("featured_rank", newRank).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotPublished) {
			return err
		}
		s.Logger.Error("Reorder fehlgeschlagen", zap.String("pmid", pmid), zap.Error(err))
		return fmt.Errorf("reorder %s: %w", pmid, err)
	}
	return nil
}

// lockPublished lädt das Artefakt und stellt sicher, dass es veröffentlicht ist.
func lockPublished(tx *gorm.DB, pmid string) (*models.Artifact, error) {
	var artifact models.Artifact
	err := tx.Where("pmid = ?", pmid).First(&artifact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: artifact %s", ErrNotFound, pmid)
	}
	if err != nil {
		return nil, err
	}
	if !artifact.IsPublished() || artifact.FeaturedRank == nil {
		return nil, fmt.Errorf("%w: artifact %s", ErrNotPublished, pmid)
	}
	return &artifact, nil
}

func countPublished(tx *gorm.DB) (int, error) {
	var count int64
	err := tx.Model(&models.Artifact{}).Where("published_at IS NOT NULL").Count(&count).Error
	return int(count), err
}
