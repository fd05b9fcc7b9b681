package audience

import (
	"context"
	"errors"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/utils/safe"
)

var ErrInvalidObject = errors.New("invalid audience object")

// ObjectOpener opens a stored object for reading
type ObjectOpener interface {
	Open(ctx context.Context, bucket, object string) (io.ReadCloser, error)
}

type storageOpener struct {
	client *storage.Client
}

func (o *storageOpener) Open(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return o.client.Bucket(bucket).Object(object).NewReader(ctx)
}

// GCS reads an audience CSV from Cloud Storage. The criteria object is either gs://bucket/path
// or a path inside the default bucket.
type GCS struct {
	opener        ObjectOpener
	defaultBucket string
	client        *storage.Client
}

// NewGCS creates a storage client with application default credentials
func NewGCS(ctx context.Context, defaultBucket string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage client")
	}
	return &GCS{opener: &storageOpener{client: client}, defaultBucket: defaultBucket, client: client}, nil
}

// NewGCSWithOpener is used by tests and by callers that manage the client themselves
func NewGCSWithOpener(opener ObjectOpener, defaultBucket string) *GCS {
	return &GCS{opener: opener, defaultBucket: defaultBucket}
}

// Open opens any object by reference, e.g. an import file
func (g *GCS) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	return OpenObject(ctx, g.opener, g.defaultBucket, ref)
}

func (g *GCS) Generate(ctx context.Context, criteria model.AudienceCriteria) ([]model.AudienceMember, error) {
	r, err := g.Open(ctx, criteria.Object)
	if err != nil {
		return nil, err
	}
	defer safe.Close(ctx, r)

	members, err := ReadMembers(r)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to parse audience object", goerr.V("object", criteria.Object))
	}
	return members, nil
}

func (g *GCS) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

// OpenObject resolves ref against defaultBucket and opens it
func OpenObject(ctx context.Context, opener ObjectOpener, defaultBucket, ref string) (io.ReadCloser, error) {
	bucket, object, err := ParseObjectRef(ref, defaultBucket)
	if err != nil {
		return nil, err
	}
	r, err := opener.Open(ctx, bucket, object)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open object", goerr.V("bucket", bucket), goerr.V("object", object))
	}
	return r, nil
}

// ParseObjectRef splits gs://bucket/object, or returns defaultBucket for a bare object path
func ParseObjectRef(ref, defaultBucket string) (string, string, error) {
	ref = strings.TrimSpace(ref)
	if rest, ok := strings.CutPrefix(ref, "gs://"); ok {
		bucket, object, found := strings.Cut(rest, "/")
		if !found || bucket == "" || object == "" {
			return "", "", goerr.Wrap(ErrInvalidObject, "object reference needs bucket and path", goerr.V("object", ref))
		}
		return bucket, object, nil
	}
	if ref == "" || defaultBucket == "" {
		return "", "", goerr.Wrap(ErrInvalidObject, "object path without bucket", goerr.V("object", ref))
	}
	return defaultBucket, strings.TrimPrefix(ref, "/"), nil
}
