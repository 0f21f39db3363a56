// Package qdrantindex is the optional networked vectorindex.Index
// backend, speaking Qdrant's gRPC API.
package qdrantindex

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"memory-engine/internal/memerr"
	"memory-engine/internal/vectorindex"
)

// payloadIDField stores the original (non-UUID) record id in the point
// payload, since Qdrant point ids must be UUIDs or positive integers.
const payloadIDField = "_original_id"

// Store is the Qdrant-backed vectorindex.Index implementation.
type Store struct {
	client     *qdrant.Client
	collection string
	threshold  float64
}

// Dial connects to a Qdrant gRPC endpoint at host:port.
func Dial(host string, port int, collection string, similarityThreshold float64) (*Store, error) {
	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port})
	if err != nil {
		return nil, memerr.New(memerr.Transient, "vectorindex", fmt.Errorf("create qdrant client: %w", err))
	}
	if similarityThreshold <= 0 {
		similarityThreshold = vectorindex.DefaultSimilarityThreshold
	}
	return &Store{client: client, collection: collection, threshold: similarityThreshold}, nil
}

func pointID(id string) *qdrant.PointId {
	if _, err := uuid.Parse(id); err == nil {
		return qdrant.NewIDUUID(id)
	}
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String())
}

// EnsureCollection creates the collection if it doesn't exist, or
// recreates it if the existing collection's vector size or distance
// (read back from the collection info) differ from meta. The embedding
// model name is neither stored nor compared, so a model change that
// keeps the same dimension does not recreate the collection.
func (s *Store) EnsureCollection(ctx context.Context, meta vectorindex.CollectionMeta) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return memerr.New(memerr.Transient, "vectorindex", err)
	}
	if exists {
		info, err := s.client.GetCollectionInfo(ctx, s.collection)
		if err != nil {
			return memerr.New(memerr.Transient, "vectorindex", err)
		}
		if collectionMatches(info, meta) {
			return nil
		}
		if err := s.client.DeleteCollection(ctx, s.collection); err != nil {
			return memerr.New(memerr.Transient, "vectorindex", err)
		}
	}

	if meta.Dimension <= 0 {
		return memerr.Newf(memerr.Validation, "vectorindex", "qdrant requires dimensions > 0")
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(meta.Dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return memerr.New(memerr.Transient, "vectorindex", err)
	}
	return nil
}

func collectionMatches(info *qdrant.CollectionInfo, meta vectorindex.CollectionMeta) bool {
	params := info.GetConfig().GetParams().GetVectorsConfig().GetParams()
	if params == nil {
		return false
	}
	return int(params.GetSize()) == meta.Dimension && params.GetDistance() == qdrant.Distance_Cosine
}

// Add upserts records with metadata carried in the point payload.
func (s *Store) Add(ctx context.Context, records []vectorindex.Record) error {
	points := make([]*qdrant.PointStruct, 0, len(records))
	for _, rec := range records {
		payload := make(map[string]interface{}, len(rec.Metadata)+2)
		for k, v := range rec.Metadata {
			payload[k] = v
		}
		payload["_document"] = rec.Document
		pid := pointID(rec.ID)
		if pid.GetUuid() != rec.ID {
			payload[payloadIDField] = rec.ID
		}
		vec := make([]float32, len(rec.Vector))
		copy(vec, rec.Vector)
		points = append(points, &qdrant.PointStruct{
			Id:      pid,
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(payload),
		})
	}
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{CollectionName: s.collection, Points: points})
	if err != nil {
		return memerr.New(memerr.Transient, "vectorindex", err)
	}
	return nil
}

// Query performs a filtered dense search.
func (s *Store) Query(ctx context.Context, embedding []float32, k int, where vectorindex.Where) ([]vectorindex.Result, error) {
	if k <= 0 {
		k = 10
	}
	vec := make([]float32, len(embedding))
	copy(vec, embedding)

	var queryFilter *qdrant.Filter
	if len(where) > 0 {
		must := make([]*qdrant.Condition, 0, len(where))
		for k, v := range where {
			must = append(must, qdrant.NewMatch(k, v))
		}
		queryFilter = &qdrant.Filter{Must: must}
	}

	limit := uint64(k)
	hits, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		Filter:         queryFilter,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, memerr.New(memerr.Transient, "vectorindex", err)
	}

	results := make([]vectorindex.Result, 0, len(hits))
	for _, hit := range hits {
		sim := math.Max(0, float64(hit.Score))
		if sim < s.threshold {
			continue
		}
		metadata := make(map[string]string)
		var originalID, document string
		for k, v := range hit.Payload {
			switch k {
			case payloadIDField:
				originalID = v.GetStringValue()
			case "_document":
				document = v.GetStringValue()
			default:
				metadata[k] = v.GetStringValue()
			}
		}
		id := originalID
		if id == "" {
			id = hit.Id.GetUuid()
		}
		results = append(results, vectorindex.Result{
			ID: id, Similarity: sim, Distance: 1 - sim,
			Document: document, Metadata: metadata,
		})
	}
	return results, nil
}

// Delete removes points by original id.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	points := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		points = append(points, pointID(id))
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points:         qdrant.NewPointsSelector(points...),
	})
	if err != nil {
		return memerr.New(memerr.Transient, "vectorindex", err)
	}
	return nil
}

// DeleteByWhere removes every point matching an equality filter.
func (s *Store) DeleteByWhere(ctx context.Context, where vectorindex.Where) error {
	must := make([]*qdrant.Condition, 0, len(where))
	for k, v := range where {
		must = append(must, qdrant.NewMatch(k, v))
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: &qdrant.Filter{Must: must}},
		},
	})
	if err != nil {
		return memerr.New(memerr.Transient, "vectorindex", err)
	}
	return nil
}

// Count returns the collection's point count.
func (s *Store) Count(ctx context.Context) (int, error) {
	n, err := s.client.Count(ctx, &qdrant.CountPoints{CollectionName: s.collection})
	if err != nil {
		return 0, memerr.New(memerr.Transient, "vectorindex", err)
	}
	return int(n), nil
}

// Close closes the gRPC connection.
func (s *Store) Close() error {
	return s.client.Close()
}

var _ vectorindex.Index = (*Store)(nil)
