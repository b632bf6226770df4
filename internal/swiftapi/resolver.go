package swiftapi

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/FairForge/herald/internal/config"
	"github.com/FairForge/herald/internal/request"
	"github.com/FairForge/herald/internal/s3err"
)

// Resolver dispatches classified S3 operations against a Swift backend.
type Resolver struct {
	client *Client
	logger *zap.Logger
}

func NewResolver(client *Client, logger *zap.Logger) *Resolver {
	return &Resolver{client: client, logger: logger}
}

// Dispatch translates the operation meta resolves to into Swift calls and
// returns the client-facing response. S3-coded errors come back as
// *s3err.Error; transport failures and unexpected upstream 5xx come back as
// plain errors so the caller can fail over.
func (rs *Resolver) Dispatch(ctx context.Context, r *http.Request, meta *request.Meta, cfg *config.SwiftConfig) (*http.Response, error) {
	switch meta.Op() {
	case request.OpGetObject:
		return rs.getObject(ctx, r, meta, cfg)
	case request.OpHeadObject:
		return rs.headObject(ctx, r, meta, cfg)
	case request.OpPutObject:
		return rs.putObject(ctx, r, meta, cfg)
	case request.OpCopyObject:
		return rs.copyObject(ctx, meta, cfg)
	case request.OpDeleteObject:
		return rs.deleteObject(ctx, meta, cfg)
	case request.OpDeleteObjects:
		return rs.deleteObjects(ctx, r, meta, cfg)

	case request.OpCreateBucket:
		return rs.createBucket(ctx, meta, cfg)
	case request.OpDeleteBucket:
		return rs.deleteBucket(ctx, cfg)
	case request.OpHeadBucket:
		return rs.headBucket(ctx, cfg)
	case request.OpListObjects:
		return rs.listObjects(ctx, meta, cfg)
	case request.OpBucketQuery:
		return rs.bucketQuery(ctx, meta, cfg)

	case request.OpCreateMultipartUpload:
		return rs.createMultipartUpload(ctx, r, meta, cfg)
	case request.OpUploadPart:
		return rs.uploadPart(ctx, r, meta, cfg)
	case request.OpCompleteMultipartUpload:
		return rs.completeMultipartUpload(ctx, r, meta, cfg)
	case request.OpAbortMultipartUpload:
		return rs.abortMultipartUpload(ctx, meta, cfg)
	case request.OpListParts:
		return rs.listParts(ctx, meta, cfg)
	case request.OpListMultipartUploads:
		return rs.listMultipartUploads(ctx, meta, cfg)
	}

	return nil, s3err.New(s3err.CodeNotImplemented)
}
