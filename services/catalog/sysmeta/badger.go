// Copyright (C) 2026 Tern Data (engineering@terndata.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sysmeta

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/ternhq/tern/services/catalog/model"
	"github.com/ternhq/tern/services/catalog/store"
	"github.com/ternhq/tern/services/catalog/urn"
)

// Key layout:
//
//	sa|<urn>|<aspect> -> Row (JSON), the current attribution
//	sr|<runID>|<urn>|<aspect> -> Row (JSON), run-scoped index
//
// Both keys carry the full row so either access path is one read. The
// run index entry for a superseded run is deleted in the same transaction
// that writes the new attribution.
const (
	rowPrefix = "sa|"
	runPrefix = "sr|"
	keySep    = "|"
)

// BadgerService is the embedded run-tracking store.
//
// Thread Safety: Safe for concurrent use.
type BadgerService struct {
	db     *store.DB
	logger *slog.Logger
}

var _ Service = (*BadgerService)(nil)

// NewBadgerService creates a run-tracking store over an opened store.
func NewBadgerService(db *store.DB, logger *slog.Logger) *BadgerService {
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerService{
		db:     db,
		logger: logger.With(slog.String("component", "sysmeta_store")),
	}
}

func rowKey(entity, aspect string) []byte {
	return []byte(rowPrefix + entity + keySep + aspect)
}

func runKey(runID, entity, aspect string) []byte {
	return []byte(runPrefix + runID + keySep + entity + keySep + aspect)
}

// Insert replaces the attribution for (urn, aspect), removing the stale
// run index entry in the same transaction.
func (s *BadgerService) Insert(ctx context.Context, entity urn.URN, aspect string, meta model.SystemMetadata) error {
	if aspect == "" {
		return fmt.Errorf("aspect name is required")
	}
	if strings.Contains(aspect, keySep) {
		return fmt.Errorf("aspect name %q contains reserved character %q", aspect, keySep)
	}
	meta = Normalize(meta, time.Now().UTC())
	// Run IDs are path segments in the run index.
	if strings.Contains(meta.RunID, keySep) {
		return fmt.Errorf("run id %q contains reserved character %q", meta.RunID, keySep)
	}

	row := Row{
		URN:             entity.String(),
		Aspect:          aspect,
		RunID:           meta.RunID,
		LastObserved:    meta.LastObserved,
		RegistryName:    meta.RegistryName,
		RegistryVersion: meta.RegistryVersion,
	}
	val, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode row: %w", err)
	}

	rk := rowKey(row.URN, aspect)
	err = s.db.Update(ctx, func(txn *badger.Txn) error {
		if item, gerr := txn.Get(rk); gerr == nil {
			var prev Row
			if verr := item.Value(func(v []byte) error { return json.Unmarshal(v, &prev) }); verr == nil {
				if prev.RunID != row.RunID {
					if derr := txn.Delete(runKey(prev.RunID, row.URN, aspect)); derr != nil {
						return derr
					}
				}
			}
		} else if gerr != badger.ErrKeyNotFound {
			return gerr
		}

		if err := txn.Set(rk, val); err != nil {
			return err
		}
		return txn.Set(runKey(row.RunID, row.URN, aspect), val)
	})
	if err != nil {
		return fmt.Errorf("%w: insert %s/%s: %v", ErrStoreUnavailable, entity, aspect, err)
	}
	return nil
}

// DeleteAspect removes one attribution row and its run index entry.
func (s *BadgerService) DeleteAspect(ctx context.Context, entity urn.URN, aspect string) error {
	rk := rowKey(entity.String(), aspect)
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		item, gerr := txn.Get(rk)
		if gerr == badger.ErrKeyNotFound {
			return nil
		}
		if gerr != nil {
			return gerr
		}
		var row Row
		if verr := item.Value(func(v []byte) error { return json.Unmarshal(v, &row) }); verr == nil {
			if derr := txn.Delete(runKey(row.RunID, row.URN, row.Aspect)); derr != nil {
				return derr
			}
		}
		return txn.Delete(rk)
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s/%s: %v", ErrStoreUnavailable, entity, aspect, err)
	}
	return nil
}

// DeleteURN removes every attribution row for the urn.
func (s *BadgerService) DeleteURN(ctx context.Context, entity urn.URN) error {
	prefix := []byte(rowPrefix + entity.String() + keySep)
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		var doomed [][]byte

		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 64})
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var row Row
			if verr := item.Value(func(v []byte) error { return json.Unmarshal(v, &row) }); verr == nil {
				doomed = append(doomed, runKey(row.RunID, row.URN, row.Aspect))
			}
			doomed = append(doomed, item.KeyCopy(nil))
		}
		it.Close()

		for _, key := range doomed {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: delete urn %s: %v", ErrStoreUnavailable, entity, err)
	}
	return nil
}

// FindByRunID returns the rows currently attributed to the run.
func (s *BadgerService) FindByRunID(ctx context.Context, runID string, limit int) ([]Row, error) {
	var rows []Row
	prefix := []byte(runPrefix + runID + keySep)
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 64})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if limit > 0 && len(rows) >= limit {
				return nil
			}
			var row Row
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &row) }); err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: find by run %s: %v", ErrStoreUnavailable, runID, err)
	}
	sortRows(rows)
	return rows, nil
}

// FindByRegistry scans all attribution rows and filters by registry.
// Registry lookups are an audit path, so a full scan is acceptable.
func (s *BadgerService) FindByRegistry(ctx context.Context, registryName, registryVersion string, limit int) ([]Row, error) {
	var rows []Row
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(rowPrefix), PrefetchValues: true, PrefetchSize: 64})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if limit > 0 && len(rows) >= limit {
				return nil
			}
			var row Row
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &row) }); err != nil {
				return err
			}
			if row.RegistryName != registryName {
				continue
			}
			if registryVersion != "" && row.RegistryVersion != registryVersion {
				continue
			}
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: find by registry %s: %v", ErrStoreUnavailable, registryName, err)
	}
	sortRows(rows)
	return rows, nil
}

// ListRuns aggregates the run index into per-run summaries, most recent
// first.
func (s *BadgerService) ListRuns(ctx context.Context, pageOffset, pageSize int) ([]RunSummary, error) {
	byRun := make(map[string]*RunSummary)
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(runPrefix), PrefetchValues: true, PrefetchSize: 64})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var row Row
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &row) }); err != nil {
				return err
			}
			summary, ok := byRun[row.RunID]
			if !ok {
				summary = &RunSummary{RunID: row.RunID}
				byRun[row.RunID] = summary
			}
			summary.Rows++
			if row.LastObserved.After(summary.LastObserved) {
				summary.LastObserved = row.LastObserved
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list runs: %v", ErrStoreUnavailable, err)
	}

	runs := make([]RunSummary, 0, len(byRun))
	for _, s := range byRun {
		runs = append(runs, *s)
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].LastObserved.Equal(runs[j].LastObserved) {
			return runs[i].LastObserved.After(runs[j].LastObserved)
		}
		return runs[i].RunID < runs[j].RunID
	})

	if pageOffset < 0 {
		pageOffset = 0
	}
	if pageOffset > len(runs) {
		pageOffset = len(runs)
	}
	end := len(runs)
	if pageSize > 0 && pageOffset+pageSize < end {
		end = pageOffset + pageSize
	}
	return runs[pageOffset:end], nil
}

// RollbackRun deletes every row attributed to the run and returns what
// was removed.
func (s *BadgerService) RollbackRun(ctx context.Context, runID string) ([]Row, error) {
	rows, err := s.FindByRunID(ctx, runID, 0)
	if err != nil {
		return nil, err
	}
	err = s.db.Update(ctx, func(txn *badger.Txn) error {
		for _, row := range rows {
			if err := txn.Delete(rowKey(row.URN, row.Aspect)); err != nil {
				return err
			}
			if err := txn.Delete(runKey(runID, row.URN, row.Aspect)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: rollback run %s: %v", ErrStoreUnavailable, runID, err)
	}
	s.logger.Info("rolled back ingestion run",
		slog.String("run_id", runID), slog.Int("rows", len(rows)))
	return rows, nil
}

// Clear drops all attribution and run index keys.
func (s *BadgerService) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, prefix := range [][]byte{[]byte(rowPrefix), []byte(runPrefix)} {
		if err := s.db.DropPrefix(prefix); err != nil {
			return fmt.Errorf("%w: clear: %v", ErrStoreUnavailable, err)
		}
	}
	return nil
}

func sortRows(rows []Row) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].URN != rows[j].URN {
			return rows[i].URN < rows[j].URN
		}
		return rows[i].Aspect < rows[j].Aspect
	})
}
