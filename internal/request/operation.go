package request

// Operation names the S3 operation a request resolves to.
type Operation string

const (
	OpListBuckets             Operation = "ListBuckets"
	OpCreateBucket            Operation = "CreateBucket"
	OpDeleteBucket            Operation = "DeleteBucket"
	OpHeadBucket              Operation = "HeadBucket"
	OpListObjects             Operation = "ListObjects"
	OpListMultipartUploads    Operation = "ListMultipartUploads"
	OpBucketQuery             Operation = "BucketQuery"
	OpGetObject               Operation = "GetObject"
	OpPutObject               Operation = "PutObject"
	OpCopyObject              Operation = "CopyObject"
	OpDeleteObject            Operation = "DeleteObject"
	OpHeadObject              Operation = "HeadObject"
	OpDeleteObjects           Operation = "DeleteObjects"
	OpCreateMultipartUpload   Operation = "CreateMultipartUpload"
	OpUploadPart              Operation = "UploadPart"
	OpCompleteMultipartUpload Operation = "CompleteMultipartUpload"
	OpAbortMultipartUpload    Operation = "AbortMultipartUpload"
	OpListParts               Operation = "ListParts"
	OpUnknown                 Operation = "Unknown"
)

// bucketQueryMarkers are the pseudo-endpoint query keys the translator
// answers with canned or derived XML.
var bucketQueryMarkers = []string{
	"acl", "policy", "versioning", "cors", "lifecycle", "encryption",
	"tagging", "object-lock", "replication", "logging", "website",
	"accelerate", "requestPayment", "location",
}

// hasBucketQueryMarker reports whether the query carries one of the
// pseudo-endpoint keys. Those requests target bucket configuration, not the
// bucket itself, regardless of method.
func (m *Meta) hasBucketQueryMarker() bool {
	for _, marker := range bucketQueryMarkers {
		if m.Query.Has(marker) {
			return true
		}
	}
	return false
}

// Op classifies the request. The dispatch keys are (method, presence of an
// object key, query markers, copy-source header).
func (m *Meta) Op() Operation {
	hasKey := m.Key != ""

	switch m.Method {
	case "GET":
		if m.Bucket == "" {
			return OpListBuckets
		}
		if hasKey {
			if m.Query.Has("uploadId") {
				return OpListParts
			}
			return OpGetObject
		}
		if m.Query.Has("uploads") {
			return OpListMultipartUploads
		}
		if m.hasBucketQueryMarker() {
			return OpBucketQuery
		}
		return OpListObjects

	case "PUT":
		if !hasKey {
			if m.Bucket == "" {
				return OpUnknown
			}
			if m.hasBucketQueryMarker() {
				return OpBucketQuery
			}
			return OpCreateBucket
		}
		if m.Query.Has("partNumber") && m.Query.Has("uploadId") {
			return OpUploadPart
		}
		if m.CopySource != "" {
			return OpCopyObject
		}
		return OpPutObject

	case "POST":
		if hasKey {
			if m.Query.Has("uploads") {
				return OpCreateMultipartUpload
			}
			if m.Query.Has("uploadId") {
				return OpCompleteMultipartUpload
			}
			return OpUnknown
		}
		if m.Query.Has("delete") {
			return OpDeleteObjects
		}
		return OpUnknown

	case "DELETE":
		if hasKey {
			if m.Query.Has("uploadId") {
				return OpAbortMultipartUpload
			}
			return OpDeleteObject
		}
		if m.Bucket == "" {
			return OpUnknown
		}
		if m.hasBucketQueryMarker() {
			return OpBucketQuery
		}
		return OpDeleteBucket

	case "HEAD":
		if hasKey {
			return OpHeadObject
		}
		if m.Bucket == "" {
			return OpUnknown
		}
		return OpHeadBucket
	}

	return OpUnknown
}

// Mutating reports whether op changes backend state and therefore must be
// mirrored to replicas on success.
func (op Operation) Mutating() bool {
	switch op {
	case OpPutObject, OpCopyObject, OpDeleteObject, OpDeleteObjects,
		OpCreateBucket, OpDeleteBucket, OpCompleteMultipartUpload:
		return true
	}
	return false
}
