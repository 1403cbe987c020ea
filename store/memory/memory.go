// Package memory provides an in-memory implementation of store.AnalyticalStore
// and store.Lookup, suitable for tests and single-process development use
// where persistence across restarts is not required.
package memory

import (
	"context"
	"encoding/json"
	"sync"

	"goa.design/inferencegate/registry"
	"goa.design/inferencegate/store"
	"goa.design/inferencegate/tool"
	"goa.design/inferencegate/types"
)

// Store is an in-memory, append-only implementation of store.AnalyticalStore
// and store.Lookup. It is safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	rows map[store.Table][]any
}

var (
	_ store.AnalyticalStore = (*Store)(nil)
	_ store.Lookup          = (*Store)(nil)
)

// New creates a new in-memory store.
func New() *Store {
	return &Store{rows: make(map[store.Table][]any)}
}

// Write appends rows to the named table. Never replaces existing rows.
func (s *Store) Write(ctx context.Context, rows []any, table store.Table) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[table] = append(s.rows[table], rows...)
	return nil
}

// Query is a development-only stand-in: it has no SQL engine behind it, so
// it returns a JSON object mapping each table named in params["tables"]
// (or every table, if unset) to the array of rows written to it. This is enough to exercise callers and tests
// against the AnalyticalStore contract without a real warehouse.
func (s *Store) Query(ctx context.Context, sqlQuery string, params map[string]any) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tables []store.Table
	if raw, ok := params["tables"].([]store.Table); ok {
		tables = raw
	} else {
		for t := range s.rows {
			tables = append(tables, t)
		}
	}

	out := make(map[store.Table][]any, len(tables))
	for _, t := range tables {
		out[t] = s.rows[t]
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ListBatchRequests returns every BatchRequest row written for batchID, in
// insertion order, so package batch can derive the current status as the
// latest row per spec.md §4.H's append-only invariant.
func (s *Store) ListBatchRequests(ctx context.Context, batchID string) ([]store.BatchRequestRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.BatchRequestRow
	for _, row := range s.rows[store.TableBatchRequest] {
		if r, ok := row.(store.BatchRequestRow); ok && r.BatchID == batchID {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListBatchModelInferences returns every BatchModelInference row for
// batchID, the per-request state package batch resolves provider outputs
// against.
func (s *Store) ListBatchModelInferences(ctx context.Context, batchID string) ([]store.BatchModelInferenceRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.BatchModelInferenceRow
	for _, row := range s.rows[store.TableBatchModelInference] {
		if r, ok := row.(store.BatchModelInferenceRow); ok && r.BatchID == batchID {
			out = append(out, r)
		}
	}
	return out, nil
}

// InferenceExists reports whether a row with the given id has been written
// to InferenceById.
func (s *Store) InferenceExists(ctx context.Context, inferenceID string) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, row := range s.rows[store.TableInferenceByID] {
		if r, ok := row.(store.InferenceByIDRow); ok && r.ID == inferenceID {
			return true, nil
		}
	}
	return false, nil
}

// EpisodeExists reports whether any inference with the given episode id has
// been written to InferenceByEpisodeId.
func (s *Store) EpisodeExists(ctx context.Context, episodeID string) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, row := range s.rows[store.TableInferenceByEpisodeID] {
		if r, ok := row.(store.InferenceByEpisodeIDRow); ok && r.EpisodeID == episodeID {
			return true, nil
		}
	}
	return false, nil
}

// FunctionKind answers package feedback's DemonstrationSource: which
// function kind (chat or json) produced inferenceID, read back from the
// InferenceById index row written alongside the original inference.
func (s *Store) FunctionKind(ctx context.Context, inferenceID string) (registry.FunctionKind, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, row := range s.rows[store.TableInferenceByID] {
		if r, ok := row.(store.InferenceByIDRow); ok && r.ID == inferenceID {
			if r.Kind == types.ResponseJSON {
				return registry.FunctionJSON, true, nil
			}
			return registry.FunctionChat, true, nil
		}
	}
	return "", false, nil
}

// ChatToolSnapshot returns the tool configuration snapshot captured on the
// ChatInference row for inferenceID, per feedback.DemonstrationSource.
func (s *Store) ChatToolSnapshot(ctx context.Context, inferenceID string) (tool.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, row := range s.rows[store.TableChatInference] {
		if r, ok := row.(store.ChatInferenceRow); ok && r.ID == inferenceID {
			return r.ToolParams, true, nil
		}
	}
	return tool.Snapshot{}, false, nil
}

// JSONOutputSchema returns the output schema captured on the JsonInference
// row for inferenceID, per feedback.DemonstrationSource.
func (s *Store) JSONOutputSchema(ctx context.Context, inferenceID string) (any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, row := range s.rows[store.TableJSONInference] {
		if r, ok := row.(store.JSONInferenceRow); ok && r.ID == inferenceID {
			return r.OutputSchema, true, nil
		}
	}
	return nil, false, nil
}
