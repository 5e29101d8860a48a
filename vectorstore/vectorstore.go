// Package vectorstore implements the dense/sparse vector search contract
// (C2) on top of Qdrant, adapted from the teacher's engine/semantic
// VectorStore wrapper to a collection-scoped, metadata-filterable store.
package vectorstore

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/brainwav/memcore/domain"
)

// Store is the C2 contract: collection-scoped upsert/search/delete over
// dense embeddings with metadata filters.
type Store interface {
	EnsureCollection(ctx context.Context, dims int) error
	Upsert(ctx context.Context, points []Point) error
	Search(ctx context.Context, embedding []float32, topK int, filter Filter) ([]domain.SeedHit, error)
	Delete(ctx context.Context, ids []string) error
	Close() error
}

// Point is a single vector plus its payload, ready for upsert.
type Point struct {
	ID        string
	Embedding []float32
	Payload   map[string]any
}

// Filter is the typed combined-filter builder from spec.md §9's design
// note: retrieval's search guard and seed-search stage construct one of
// these instead of passing ad-hoc string maps around. Tenant/Domain are
// equality (must) conditions; TagsAny is an any-match (should) condition;
// LabelsAll requires every label present (each a separate must condition).
type Filter struct {
	Tenant    string
	Domain    string
	TagsAny   []string
	LabelsAll []string
}

// IsEmpty reports whether the filter carries no conditions at all.
func (f Filter) IsEmpty() bool {
	return f.Tenant == "" && f.Domain == "" && len(f.TagsAny) == 0 && len(f.LabelsAll) == 0
}

// QdrantStore is the sole owner of Qdrant gRPC operations, mirroring the
// teacher's engine/semantic.VectorStore.
type QdrantStore struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
}

// New dials Qdrant at addr and scopes all operations to collection.
func New(addr, collection string) (*QdrantStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("vectorstore: dial qdrant %s: %w", addr, err)
	}
	return &QdrantStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

// Close closes the underlying gRPC connection.
func (v *QdrantStore) Close() error { return v.conn.Close() }

// EnsureCollection creates the collection with cosine-distance dense
// vectors of the given dimensionality if it does not already exist.
func (v *QdrantStore) EnsureCollection(ctx context.Context, dims int) error {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return domain.NewError(domain.KindNetwork, "list collections", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == v.collection {
			return nil
		}
	}

	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return domain.NewError(domain.KindNetwork, "create collection "+v.collection, err)
	}
	return nil
}

// Upsert stores embedding points into Qdrant. Called by write.Service's
// index stage.
func (v *QdrantStore) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	pts := make([]*pb.PointStruct, len(points))
	for i, p := range points {
		payload := make(map[string]*pb.Value, len(p.Payload))
		for k, val := range p.Payload {
			payload[k] = toQdrantValue(val)
		}
		pts[i] = &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: p.ID}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: p.Embedding}}},
			Payload: payload,
		}
	}

	wait := true
	_, err := v.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points:         pts,
	})
	if err != nil {
		return domain.NewError(domain.KindIndex, fmt.Sprintf("upsert %d points", len(points)), err)
	}
	return nil
}

func toQdrantValue(val any) *pb.Value {
	switch tv := val.(type) {
	case string:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
	default:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
	}
}

// Delete removes points by id.
func (v *QdrantStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}
	}
	wait := true
	_, err := v.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return domain.NewError(domain.KindStorage, "delete points", err)
	}
	return nil
}

// Search performs dense k-NN similarity search with the combined
// domain/tenant/tags/labels filter applied (the C8 seed-search stage's
// filter-construction step).
func (v *QdrantStore) Search(ctx context.Context, embedding []float32, topK int, filter Filter) ([]domain.SeedHit, error) {
	req := &pb.SearchPoints{
		CollectionName: v.collection,
		Vector:         embedding,
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if !filter.IsEmpty() {
		req.Filter = buildFilter(filter)
	}

	resp, err := v.points.Search(ctx, req)
	if err != nil {
		return nil, domain.NewError(domain.KindNetwork, "search", err)
	}

	hits := make([]domain.SeedHit, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		payload := r.GetPayload()
		hits[i] = domain.SeedHit{
			RecordID:  r.GetId().GetUuid(),
			Score:     r.GetScore(),
			MatchType: "dense",
			Content:   payload["content"].GetStringValue(),
			NodeID:    payload["node_id"].GetStringValue(),
			NodeType:  payload["node_type"].GetStringValue(),
			Path:      payload["path"].GetStringValue(),
			LineStart: int(payload["line_start"].GetIntegerValue()),
			LineEnd:   int(payload["line_end"].GetIntegerValue()),
		}
	}
	return hits, nil
}

// buildFilter translates a Filter into a Qdrant must/should condition set:
// tenant and domain are equality musts, every required label is its own
// must, and tags-any becomes a should (at least one match).
func buildFilter(filter Filter) *pb.Filter {
	var must, should []*pb.Condition
	if filter.Tenant != "" {
		must = append(must, fieldMatch("tenant", filter.Tenant))
	}
	if filter.Domain != "" {
		must = append(must, fieldMatch("domain", filter.Domain))
	}
	for _, label := range filter.LabelsAll {
		must = append(must, fieldMatch("labels", label))
	}
	for _, tag := range filter.TagsAny {
		should = append(should, fieldMatch("tags", tag))
	}
	return &pb.Filter{Must: must, Should: should}
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
			},
		},
	}
}
