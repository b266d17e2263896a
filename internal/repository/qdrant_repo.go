package repository

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"github.com/sagehq/sage/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// QdrantConnectionConfig holds configuration for Qdrant connection
type QdrantConnectionConfig struct {
	Host       string
	Port       int
	Collection string
	APIKey     string // Qdrant Cloud API Key (enables TLS automatically)
	UseTLS     bool   // Explicitly enable TLS without API Key
}

// apiKeyInterceptor creates a unary interceptor that adds API key to metadata
func apiKeyInterceptor(apiKey string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", apiKey)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// QdrantRepository handles vector operations with Qdrant. Vectors are fixed at
// domain.EmbeddingDimensions and compared by cosine similarity over an HNSW
// index, so query results are approximate by design.
type QdrantRepository struct {
	conn           *grpc.ClientConn
	pointsClient   pb.PointsClient
	collectClient  pb.CollectionsClient
	collectionName string
}

// NewQdrantRepository creates a new QdrantRepository.
// Supports both local Qdrant (insecure) and Qdrant Cloud (TLS + API Key).
func NewQdrantRepository(cfg *QdrantConnectionConfig) (*QdrantRepository, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	var opts []grpc.DialOption

	// TLS is enabled if: APIKey is set OR UseTLS is explicitly true
	useTLS := cfg.UseTLS || cfg.APIKey != ""

	if useTLS {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
		creds := credentials.NewTLS(tlsConfig)
		opts = append(opts, grpc.WithTransportCredentials(creds))

		if cfg.APIKey != "" {
			opts = append(opts, grpc.WithUnaryInterceptor(apiKeyInterceptor(cfg.APIKey)))
		}
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	return &QdrantRepository{
		conn:           conn,
		pointsClient:   pb.NewPointsClient(conn),
		collectClient:  pb.NewCollectionsClient(conn),
		collectionName: cfg.Collection,
	}, nil
}

// Close closes the gRPC connection
func (r *QdrantRepository) Close() error {
	return r.conn.Close()
}

// Collection returns the collection name this repository writes to.
func (r *QdrantRepository) Collection() string {
	return r.collectionName
}

// EnsureCollection creates the collection if it doesn't exist
func (r *QdrantRepository) EnsureCollection(ctx context.Context) error {
	info, err := r.collectClient.Get(ctx, &pb.GetCollectionInfoRequest{
		CollectionName: r.collectionName,
	})
	if err == nil {
		if size, ok := collectionVectorSize(info.GetResult()); ok {
			if size != uint64(domain.EmbeddingDimensions) {
				return fmt.Errorf("collection %s has vector size %d, expected %d", r.collectionName, size, domain.EmbeddingDimensions)
			}
		}
		return nil // Collection exists
	}

	_, err = r.collectClient.Create(ctx, &pb.CreateCollection{
		CollectionName: r.collectionName,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(domain.EmbeddingDimensions),
					Distance: pb.Distance_Cosine,
				},
			},
		},
		HnswConfig: &pb.HnswConfigDiff{
			M:                 optionalUint64(16),
			EfConstruct:       optionalUint64(128),
			FullScanThreshold: optionalUint64(10000),
		},
	})
	if err != nil {
		return fmt.Errorf("%w: failed to create collection: %v", domain.ErrStoreUnavailable, err)
	}

	return nil
}

func optionalUint64(v uint64) *uint64 {
	return &v
}

func collectionVectorSize(info *pb.CollectionInfo) (uint64, bool) {
	if info == nil {
		return 0, false
	}

	config := info.GetConfig()
	if config == nil {
		return 0, false
	}

	params := config.GetParams()
	if params == nil {
		return 0, false
	}

	vectors := params.GetVectorsConfig()
	if vectors == nil {
		return 0, false
	}

	if single := vectors.GetParams(); single != nil {
		if size := single.GetSize(); size > 0 {
			return size, true
		}
	}

	if paramsMap := vectors.GetParamsMap(); paramsMap != nil {
		for _, vectorParams := range paramsMap.GetMap() {
			if vectorParams == nil {
				continue
			}
			if size := vectorParams.GetSize(); size > 0 {
				return size, true
			}
		}
	}

	return 0, false
}

// DocumentPayload represents the payload stored with each vector. The
// recognized metadata keys are indexed for pre-filtering; the document row
// holds everything else.
type DocumentPayload struct {
	DocumentID  string `json:"document_id"`
	ContentHash string `json:"content_hash"`
	Symbol      string `json:"symbol"`
	Source      string `json:"source"`
	Category    string `json:"category"`
	CreatedAt   int64  `json:"created_at"`
}

// Upsert inserts or updates a vector with payload. Callers derive pointID from
// the content hash, which makes the write idempotent: redelivered work lands
// on the same point.
func (r *QdrantRepository) Upsert(ctx context.Context, pointID string, vector []float32, payload *DocumentPayload) error {
	uid, err := uuid.Parse(pointID)
	if err != nil {
		return fmt.Errorf("invalid point ID: %w", err)
	}

	points := []*pb.PointStruct{
		{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{
					Uuid: uid.String(),
				},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{
						Data: vector,
					},
				},
			},
			Payload: map[string]*pb.Value{
				"document_id":  {Kind: &pb.Value_StringValue{StringValue: payload.DocumentID}},
				"content_hash": {Kind: &pb.Value_StringValue{StringValue: payload.ContentHash}},
				"symbol":       {Kind: &pb.Value_StringValue{StringValue: payload.Symbol}},
				"source":       {Kind: &pb.Value_StringValue{StringValue: payload.Source}},
				"category":     {Kind: &pb.Value_StringValue{StringValue: payload.Category}},
				"created_at":   {Kind: &pb.Value_IntegerValue{IntegerValue: payload.CreatedAt}},
			},
		},
	}

	_, err = r.pointsClient.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: r.collectionName,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("%w: failed to upsert point: %v", domain.ErrStoreUnavailable, err)
	}

	return nil
}

// VectorMatch represents a similarity search hit from Qdrant.
type VectorMatch struct {
	ID      string
	Score   float32
	Payload *DocumentPayload
}

// SearchFilters defines optional pre-filters for similarity search. Filters
// restrict the candidate set before the nearest-neighbor walk, so a filtered
// query can still fill k results when enough candidates match.
type SearchFilters struct {
	Symbol   *string
	Source   *string
	Category *string
}

// Search performs a vector similarity search, returning up to topK matches in
// descending score order.
func (r *QdrantRepository) Search(ctx context.Context, vector []float32, topK int, filters *SearchFilters) ([]VectorMatch, error) {
	req := &pb.SearchPoints{
		CollectionName: r.collectionName,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	}

	if filters != nil {
		req.Filter = buildFilter(filters)
	}

	resp, err := r.pointsClient.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to search: %v", domain.ErrStoreUnavailable, err)
	}

	results := make([]VectorMatch, len(resp.Result))
	for i, scored := range resp.Result {
		results[i] = VectorMatch{
			ID:      scored.Id.GetUuid(),
			Score:   scored.Score,
			Payload: parsePayload(scored.Payload),
		}
	}

	return results, nil
}

func buildFilter(filters *SearchFilters) *pb.Filter {
	var conditions []*pb.Condition

	addKeyword := func(key string, value *string) {
		if value == nil || *value == "" {
			return
		}
		conditions = append(conditions, &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{
					Key: key,
					Match: &pb.Match{
						MatchValue: &pb.Match_Keyword{Keyword: *value},
					},
				},
			},
		})
	}

	addKeyword("symbol", filters.Symbol)
	addKeyword("source", filters.Source)
	addKeyword("category", filters.Category)

	if len(conditions) == 0 {
		return nil
	}

	return &pb.Filter{
		Must: conditions,
	}
}

func parsePayload(payload map[string]*pb.Value) *DocumentPayload {
	if payload == nil {
		return nil
	}

	p := &DocumentPayload{}
	if v, ok := payload["document_id"]; ok {
		p.DocumentID = v.GetStringValue()
	}
	if v, ok := payload["content_hash"]; ok {
		p.ContentHash = v.GetStringValue()
	}
	if v, ok := payload["symbol"]; ok {
		p.Symbol = v.GetStringValue()
	}
	if v, ok := payload["source"]; ok {
		p.Source = v.GetStringValue()
	}
	if v, ok := payload["category"]; ok {
		p.Category = v.GetStringValue()
	}
	if v, ok := payload["created_at"]; ok {
		p.CreatedAt = v.GetIntegerValue()
	}

	return p
}

// Delete deletes a point by ID. The pipeline never calls this on its own;
// deletion is an administrative action.
func (r *QdrantRepository) Delete(ctx context.Context, pointID string) error {
	uid, err := uuid.Parse(pointID)
	if err != nil {
		return fmt.Errorf("invalid point ID: %w", err)
	}

	_, err = r.pointsClient.Delete(ctx, &pb.DeletePoints{
		CollectionName: r.collectionName,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{
					Ids: []*pb.PointId{
						{PointIdOptions: &pb.PointId_Uuid{Uuid: uid.String()}},
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: failed to delete point: %v", domain.ErrStoreUnavailable, err)
	}

	return nil
}
