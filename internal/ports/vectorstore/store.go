// Package vectorstore persists knowledge-base item embeddings in Qdrant so
// the embedding_generation phase can record a durable vector reference.
package vectorstore

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// pointsClient and collectionsClient narrow the generated gRPC stubs to what
// this package calls, so tests can inject fakes without a live Qdrant.
type pointsClient interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
}

type collectionsClient interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// Store is the sole owner of Qdrant operations for the embedding_generation
// phase: it ensures the collection exists and upserts one point per item.
type Store struct {
	conn        *grpc.ClientConn
	points      pointsClient
	collections collectionsClient
	collection  string
}

// New dials Qdrant at addr and targets the named collection.
func New(addr, collection string) (*Store, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("vectorstore: dial qdrant %s: %w", addr, err)
	}
	return &Store{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

// NewWithClients injects clients directly, for tests.
func NewWithClients(points pointsClient, collections collectionsClient, collection string) *Store {
	return &Store{points: points, collections: collections, collection: collection}
}

// Close closes the underlying connection, if one was dialed.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// EnsureCollection creates the collection if it does not already exist.
func (s *Store) EnsureCollection(ctx context.Context, dims int) error {
	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("vectorstore: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == s.collection {
			return nil
		}
	}

	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection,
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
		return fmt.Errorf("vectorstore: create collection %s: %w", s.collection, err)
	}
	return nil
}

// ItemEmbedding is one vector to persist, keyed by the KB item it belongs to.
type ItemEmbedding struct {
	ItemID    string
	Embedding []float32
	Main      string
	Sub       string
}

// Upsert stores one point per item embedding, keyed by item_id.
func (s *Store) Upsert(ctx context.Context, records []ItemEmbedding) error {
	if len(records) == 0 {
		return nil
	}

	points := make([]*pb.PointStruct, len(records))
	for i, r := range records {
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: r.ItemID}},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: r.Embedding}},
			},
			Payload: map[string]*pb.Value{
				"item_id": {Kind: &pb.Value_StringValue{StringValue: r.ItemID}},
				"main":    {Kind: &pb.Value_StringValue{StringValue: r.Main}},
				"sub":     {Kind: &pb.Value_StringValue{StringValue: r.Sub}},
			},
		}
	}

	wait := true
	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("vectorstore: upsert %d points: %w", len(records), err)
	}
	return nil
}

// DeleteByItemID removes the point stored for one item.
func (s *Store) DeleteByItemID(ctx context.Context, itemID string) error {
	wait := true
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{
					Ids: []*pb.PointId{{PointIdOptions: &pb.PointId_Uuid{Uuid: itemID}}},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vectorstore: delete item %s: %w", itemID, err)
	}
	return nil
}
