package request

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract_AddressingStyles(t *testing.T) {
	tests := []struct {
		name       string
		host       string
		path       string
		wantBucket string
		wantKey    string
		wantFormat URLFormat
	}{
		{"path style bucket only", "gateway.example.org", "/photos", "photos", "", FormatPath},
		{"path style bucket and key", "gateway.example.org", "/photos/2024/cat.jpg", "photos", "2024/cat.jpg", FormatPath},
		{"path style root", "gateway.example.org", "/", "", "", FormatPath},
		{"virtual hosted", "photos.s3.eu-west-1.example.com", "/cat.jpg", "photos", "cat.jpg", FormatVirtualHosted},
		{"virtual hosted no key", "photos.s3.eu-west-1.example.com", "/", "photos", "", FormatVirtualHosted},
		{"s3 label is not a bucket", "s3.eu-west-1.example.com", "/photos/cat.jpg", "photos", "cat.jpg", FormatPath},
		{"second label must be s3", "photos.cdn.example.example.com", "/cat.jpg", "photos", "cat.jpg", FormatPath},
		{"localhost is path style", "localhost", "/photos/cat.jpg", "photos", "cat.jpg", FormatPath},
		{"ip is path style", "10.0.0.1", "/photos/cat.jpg", "photos", "cat.jpg", FormatPath},
		{"port stripped before classification", "photos.s3.eu-west-1.example.com:8000", "/cat.jpg", "photos", "cat.jpg", FormatVirtualHosted},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tc.path, nil)
			r.Host = tc.host

			meta, err := Extract(r)
			require.NoError(t, err)
			assert.Equal(t, tc.wantBucket, meta.Bucket)
			assert.Equal(t, tc.wantKey, meta.Key)
			assert.Equal(t, tc.wantFormat, meta.Format)
		})
	}
}

func TestExtract_RejectsUnknownMethod(t *testing.T) {
	r := httptest.NewRequest("PATCH", "/photos/cat.jpg", nil)
	r.Host = "gateway.example.org"

	_, err := Extract(r)
	assert.Error(t, err)
}

func TestQuery_ValuelessKeys(t *testing.T) {
	q := parseQuery("uploads&prefix=a%2Fb&max-keys=10")

	v, ok := q.Get("uploads")
	assert.True(t, ok)
	assert.Empty(t, v)

	v, ok = q.Get("prefix")
	assert.True(t, ok)
	assert.Equal(t, "a/b", v)

	assert.False(t, q.Has("delimiter"))
}

func TestQuery_PreservesOrderAndRepeats(t *testing.T) {
	q := parseQuery("b=2&a=1&b=3")

	require.Len(t, q, 2)
	assert.Equal(t, "b", q[0].Key)
	assert.Equal(t, []string{"2", "3"}, q[0].Values)
	assert.Equal(t, "a", q[1].Key)
}

func TestOp_Classification(t *testing.T) {
	tests := []struct {
		name   string
		method string
		target string
		copy   string
		want   Operation
	}{
		{"list buckets", "GET", "/", "", OpListBuckets},
		{"list objects", "GET", "/b", "", OpListObjects},
		{"list objects v2", "GET", "/b?list-type=2", "", OpListObjects},
		{"list multipart uploads", "GET", "/b?uploads", "", OpListMultipartUploads},
		{"bucket acl", "GET", "/b?acl", "", OpBucketQuery},
		{"bucket location", "GET", "/b?location", "", OpBucketQuery},
		{"put bucket versioning", "PUT", "/b?versioning", "", OpBucketQuery},
		{"put bucket lifecycle", "PUT", "/b?lifecycle", "", OpBucketQuery},
		{"delete bucket tagging", "DELETE", "/b?tagging", "", OpBucketQuery},
		{"delete bucket cors", "DELETE", "/b?cors", "", OpBucketQuery},
		{"get object", "GET", "/b/k", "", OpGetObject},
		{"list parts", "GET", "/b/k?uploadId=u1", "", OpListParts},
		{"create bucket", "PUT", "/b", "", OpCreateBucket},
		{"put object", "PUT", "/b/k", "", OpPutObject},
		{"copy object", "PUT", "/b/k", "/b/src", OpCopyObject},
		{"upload part", "PUT", "/b/k?partNumber=3&uploadId=u1", "", OpUploadPart},
		{"initiate multipart", "POST", "/b/k?uploads", "", OpCreateMultipartUpload},
		{"complete multipart", "POST", "/b/k?uploadId=u1", "", OpCompleteMultipartUpload},
		{"delete objects", "POST", "/b?delete", "", OpDeleteObjects},
		{"abort multipart", "DELETE", "/b/k?uploadId=u1", "", OpAbortMultipartUpload},
		{"delete object", "DELETE", "/b/k", "", OpDeleteObject},
		{"delete bucket", "DELETE", "/b", "", OpDeleteBucket},
		{"head object", "HEAD", "/b/k", "", OpHeadObject},
		{"head bucket", "HEAD", "/b", "", OpHeadBucket},
		{"post without marker", "POST", "/b", "", OpUnknown},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(tc.method, tc.target, nil)
			r.Host = "gateway.example.org"
			if tc.copy != "" {
				r.Header.Set("x-amz-copy-source", tc.copy)
			}

			meta, err := Extract(r)
			require.NoError(t, err)
			assert.Equal(t, tc.want, meta.Op())
		})
	}
}

func TestMutating(t *testing.T) {
	assert.True(t, OpPutObject.Mutating())
	assert.True(t, OpDeleteObjects.Mutating())
	assert.True(t, OpCompleteMultipartUpload.Mutating())
	assert.False(t, OpGetObject.Mutating())
	assert.False(t, OpListParts.Mutating())
	assert.False(t, OpCreateMultipartUpload.Mutating())
}
