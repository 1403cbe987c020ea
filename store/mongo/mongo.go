// Package mongo provides a MongoDB-backed implementation of
// store.AnalyticalStore and store.Lookup, one collection per required
// table, using the v2 MongoDB Go driver.
package mongo

import (
	"context"
	"encoding/json"
	"errors"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"goa.design/inferencegate/registry"
	"goa.design/inferencegate/store"
	"goa.design/inferencegate/tool"
	"goa.design/inferencegate/types"
)

// Store is a MongoDB-backed implementation of store.AnalyticalStore and
// store.Lookup. Every table maps to its own collection, named after the
// store.Table constant; writes are inserts only, matching the append-only
// contract of AnalyticalStore.
type Store struct {
	db *mongo.Database
}

var (
	_ store.AnalyticalStore = (*Store)(nil)
	_ store.Lookup          = (*Store)(nil)
)

// New wraps an already-connected database handle.
func New(db *mongo.Database) *Store {
	return &Store{db: db}
}

func (s *Store) collection(table store.Table) *mongo.Collection {
	return s.db.Collection(string(table))
}

// Write inserts rows into the named table's collection. Empty row sets are
// a no-op, matching mongo's rejection of an empty InsertMany batch.
func (s *Store) Write(ctx context.Context, rows []any, table store.Table) error {
	if len(rows) == 0 {
		return nil
	}
	docs := make([]any, len(rows))
	copy(docs, rows)
	_, err := s.collection(table).InsertMany(ctx, docs)
	return err
}

// Query has no SQL engine behind a document store: it runs params["filter"]
// (a bson.M) against params["table"] as a find, and returns the matched
// documents JSON-encoded. Callers that need real analytical SQL should route
// through a warehouse-backed AnalyticalStore instead; this implementation
// exists for append/lookup-shaped gateway workloads, not ad hoc reporting.
func (s *Store) Query(ctx context.Context, sqlQuery string, params map[string]any) (string, error) {
	table, _ := params["table"].(store.Table)
	filter, _ := params["filter"].(bson.M)
	if filter == nil {
		filter = bson.M{}
	}

	cursor, err := s.collection(table).Find(ctx, filter)
	if err != nil {
		return "", err
	}
	defer cursor.Close(ctx)

	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return "", err
	}
	b, err := json.Marshal(docs)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// InferenceExists reports whether an InferenceById row for id has landed.
func (s *Store) InferenceExists(ctx context.Context, inferenceID string) (bool, error) {
	err := s.collection(store.TableInferenceByID).
		FindOne(ctx, bson.M{"id": inferenceID}).
		Err()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return false, nil
	default:
		return false, err
	}
}

// EpisodeExists reports whether any InferenceByEpisodeId row for episodeID
// has landed.
func (s *Store) EpisodeExists(ctx context.Context, episodeID string) (bool, error) {
	err := s.collection(store.TableInferenceByEpisodeID).
		FindOne(ctx, bson.M{"episode_id": episodeID}).
		Err()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return false, nil
	default:
		return false, err
	}
}

// ListBatchRequests returns every BatchRequest document for batchID, the
// append-only status history package batch derives the current status
// from (the row with the latest timestamp).
func (s *Store) ListBatchRequests(ctx context.Context, batchID string) ([]store.BatchRequestRow, error) {
	cursor, err := s.collection(store.TableBatchRequest).Find(ctx, bson.M{"batch_id": batchID})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var out []store.BatchRequestRow
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListBatchModelInferences returns every BatchModelInference document for
// batchID.
func (s *Store) ListBatchModelInferences(ctx context.Context, batchID string) ([]store.BatchModelInferenceRow, error) {
	cursor, err := s.collection(store.TableBatchModelInference).Find(ctx, bson.M{"batch_id": batchID})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var out []store.BatchModelInferenceRow
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FunctionKind answers package feedback's DemonstrationSource, read back
// from the InferenceById collection's row for inferenceID.
func (s *Store) FunctionKind(ctx context.Context, inferenceID string) (registry.FunctionKind, bool, error) {
	var row store.InferenceByIDRow
	err := s.collection(store.TableInferenceByID).FindOne(ctx, bson.M{"id": inferenceID}).Decode(&row)
	switch {
	case err == nil:
		if row.Kind == types.ResponseJSON {
			return registry.FunctionJSON, true, nil
		}
		return registry.FunctionChat, true, nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return "", false, nil
	default:
		return "", false, err
	}
}

// ChatToolSnapshot answers package feedback's DemonstrationSource, reading
// the tool snapshot captured on the ChatInference row for inferenceID.
func (s *Store) ChatToolSnapshot(ctx context.Context, inferenceID string) (tool.Snapshot, bool, error) {
	var row store.ChatInferenceRow
	err := s.collection(store.TableChatInference).FindOne(ctx, bson.M{"id": inferenceID}).Decode(&row)
	switch {
	case err == nil:
		return row.ToolParams, true, nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return tool.Snapshot{}, false, nil
	default:
		return tool.Snapshot{}, false, err
	}
}

// JSONOutputSchema answers package feedback's DemonstrationSource, reading
// the output schema captured on the JsonInference row for inferenceID.
func (s *Store) JSONOutputSchema(ctx context.Context, inferenceID string) (any, bool, error) {
	var row store.JSONInferenceRow
	err := s.collection(store.TableJSONInference).FindOne(ctx, bson.M{"id": inferenceID}).Decode(&row)
	switch {
	case err == nil:
		return row.OutputSchema, true, nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return nil, false, nil
	default:
		return nil, false, err
	}
}
