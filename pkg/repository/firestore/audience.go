package firestore

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// membersPerChunk keeps each chunk document well below the 1 MiB document limit
const membersPerChunk = 2000

type audienceRepository struct {
	client           *firestore.Client
	collectionPrefix string
}

// manifestDocument is the manifest without members; members live in the chunks subcollection
type manifestDocument struct {
	Manifest   model.AudienceManifest
	ChunkCount int
}

type chunkDocument struct {
	Index   int
	Members []model.AudienceMember
}

func newAudienceRepository(client *firestore.Client) *audienceRepository {
	return &audienceRepository{client: client}
}

func (r *audienceRepository) collection() *firestore.CollectionRef {
	return r.client.Collection(prefixed(r.collectionPrefix, "audience_manifests"))
}

func (r *audienceRepository) Save(ctx context.Context, manifest *model.AudienceManifest) error {
	ref := r.collection().Doc(string(manifest.ExecutionID))

	if err := r.deleteChunks(ctx, ref); err != nil {
		return err
	}

	header := *manifest
	header.Members = nil
	chunkCount := (len(manifest.Members) + membersPerChunk - 1) / membersPerChunk

	bulkWriter := r.client.BulkWriter(ctx)
	for i := 0; i < chunkCount; i++ {
		end := (i + 1) * membersPerChunk
		if end > len(manifest.Members) {
			end = len(manifest.Members)
		}
		chunk := chunkDocument{Index: i, Members: manifest.Members[i*membersPerChunk : end]}
		if _, err := bulkWriter.Set(ref.Collection("chunks").Doc(fmt.Sprintf("%06d", i)), chunk); err != nil {
			bulkWriter.End()
			return goerr.Wrap(err, "failed to enqueue audience chunk", goerr.V("execution_id", manifest.ExecutionID), goerr.V("chunk", i))
		}
	}
	bulkWriter.End()

	// header last: a manifest is only visible once all of its chunks are written
	if _, err := ref.Set(ctx, manifestDocument{Manifest: header, ChunkCount: chunkCount}); err != nil {
		return goerr.Wrap(err, "failed to save audience manifest", goerr.V("execution_id", manifest.ExecutionID))
	}
	return nil
}

func (r *audienceRepository) Get(ctx context.Context, executionID types.ExecutionID) (*model.AudienceManifest, error) {
	ref := r.collection().Doc(string(executionID))
	doc, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, goerr.Wrap(err, "failed to get audience manifest", goerr.V("execution_id", executionID))
	}

	var header manifestDocument
	if err := doc.DataTo(&header); err != nil {
		return nil, goerr.Wrap(err, "failed to decode audience manifest", goerr.V("execution_id", executionID))
	}

	manifest := header.Manifest
	manifest.Members = make([]model.AudienceMember, 0, manifest.Size)

	iter := ref.Collection("chunks").OrderBy("Index", firestore.Asc).Documents(ctx)
	defer iter.Stop()
	for {
		chunkDoc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate audience chunks", goerr.V("execution_id", executionID))
		}
		var chunk chunkDocument
		if err := chunkDoc.DataTo(&chunk); err != nil {
			return nil, goerr.Wrap(err, "failed to decode audience chunk", goerr.V("doc_id", chunkDoc.Ref.ID))
		}
		manifest.Members = append(manifest.Members, chunk.Members...)
	}

	// missing chunks surface as a Size mismatch during cache validation
	return &manifest, nil
}

func (r *audienceRepository) Delete(ctx context.Context, executionID types.ExecutionID) error {
	ref := r.collection().Doc(string(executionID))
	if err := r.deleteChunks(ctx, ref); err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return goerr.Wrap(err, "failed to delete audience manifest", goerr.V("execution_id", executionID))
	}
	return nil
}

func (r *audienceRepository) deleteChunks(ctx context.Context, ref *firestore.DocumentRef) error {
	iter := ref.Collection("chunks").Documents(ctx)
	defer iter.Stop()

	bulkWriter := r.client.BulkWriter(ctx)
	defer bulkWriter.End()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return goerr.Wrap(err, "failed to iterate audience chunks", goerr.V("doc_id", ref.ID))
		}
		if _, err := bulkWriter.Delete(doc.Ref); err != nil {
			return goerr.Wrap(err, "failed to delete audience chunk", goerr.V("doc_id", doc.Ref.ID))
		}
	}
}
