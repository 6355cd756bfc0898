package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/haloforge/memengine/pkg/graphstore"
	"github.com/haloforge/memengine/pkg/memerr"
	"github.com/haloforge/memengine/pkg/memmodel"
)

const (
	graphFileName  = "memory_graph.json"
	stagedFileName = "staged_memories.json"
	snapshotVersion = 1
)

// StagedDoc is the on-disk shape of staged_memories.json.
type StagedDoc struct {
	Metadata StagedMetadata      `json:"metadata"`
	Staged   []*memmodel.Memory  `json:"staged_memories"`
}

// StagedMetadata is the version/count envelope for staged_memories.json.
type StagedMetadata struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	Count   int       `json:"count"`
}

// SaveGraph serializes gs to memory_graph.json atomically.
func (s *Store) SaveGraph(ctx context.Context, gs *graphstore.Store) error {
	return s.SaveJSON(ctx, s.Path(graphFileName), gs.ToDoc())
}

// LoadGraph reads memory_graph.json into gs, running the
// edges-vs-memories reconciliation pass afterward.
func (s *Store) LoadGraph(ctx context.Context, gs *graphstore.Store) error {
	const op = "persistence.LoadGraph"
	var doc graphstore.Doc
	if err := s.LoadJSON(ctx, s.Path(graphFileName), &doc); err != nil {
		if isNotFoundErr(err) {
			return nil // fresh store, nothing to load
		}
		return memerr.Wrap(op, err)
	}
	gs.LoadDoc(&doc)
	return nil
}

// SaveStaged writes the staged (not-yet-committed) memories to
// staged_memories.json atomically.
func (s *Store) SaveStaged(ctx context.Context, staged []*memmodel.Memory) error {
	doc := StagedDoc{
		Metadata: StagedMetadata{Version: snapshotVersion, SavedAt: time.Now(), Count: len(staged)},
		Staged:   staged,
	}
	return s.SaveJSON(ctx, s.Path(stagedFileName), doc)
}

// LoadStaged reads staged_memories.json, returning an empty slice (not an
// error) if the file does not yet exist.
func (s *Store) LoadStaged(ctx context.Context) ([]*memmodel.Memory, error) {
	const op = "persistence.LoadStaged"
	var doc StagedDoc
	if err := s.LoadJSON(ctx, s.Path(stagedFileName), &doc); err != nil {
		if isNotFoundErr(err) {
			return nil, nil
		}
		return nil, memerr.Wrap(op, err)
	}
	return doc.Staged, nil
}

// BackupGraph copies memory_graph.json into backups/, pruning to
// cfg.BackupKeepHourly.
func (s *Store) BackupGraph() error {
	return s.Backup(s.Path(graphFileName), s.cfg.BackupKeepHourly)
}

func isNotFoundErr(err error) bool {
	return errors.Is(err, memerr.ErrNotFound)
}

// AutoSaveLoop runs a background task saving graph + staged memories every
// interval, and creating an hourly backup at each hour boundary, until ctx
// is cancelled. Matches §4.4's "auto-save" + "hourly backup" behavior and
// the spec's single-instance background-task convention (callers cancel the
// previous loop's context before starting a replacement).
func (s *Store) AutoSaveLoop(ctx context.Context, interval time.Duration, gs *graphstore.Store, getStaged func() []*memmodel.Memory) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastHour := time.Now().Hour()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SaveGraph(ctx, gs); err != nil {
				s.cfg.Logger.Error("auto-save graph failed", "err", err)
			}
			if getStaged != nil {
				if err := s.SaveStaged(ctx, getStaged()); err != nil {
					s.cfg.Logger.Error("auto-save staged memories failed", "err", err)
				}
			}
			if h := time.Now().Hour(); h != lastHour {
				lastHour = h
				if err := s.BackupGraph(); err != nil {
					s.cfg.Logger.Error("hourly backup failed", "err", err)
				}
			}
		}
	}
}
