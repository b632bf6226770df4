package swiftapi

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/herald/internal/config"
	"github.com/FairForge/herald/internal/s3err"
)

func initiateUpload(t *testing.T, rs *Resolver, cfg *config.SwiftConfig, key string) string {
	t.Helper()

	resp, err := doRequest(t, rs, cfg, "POST", "/photos/"+key+"?uploads", nil, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, 200, resp.StatusCode)

	var result struct {
		UploadID string `xml:"UploadId"`
	}
	body, _ := io.ReadAll(resp.Body)
	require.NoError(t, xml.Unmarshal(body, &result))
	require.NotEmpty(t, result.UploadID)
	return result.UploadID
}

func TestMultipartLifecycle(t *testing.T) {
	fake := newFakeSwift()
	rs, cfg, done := newTestResolver(t, fake)
	defer done()

	uploadID := initiateUpload(t, rs, cfg, "big.bin")

	t.Run("session object created", func(t *testing.T) {
		_, ok := fake.objects["photos-prod/"+sessionPath(uploadID)]
		assert.True(t, ok)
	})

	t.Run("upload parts", func(t *testing.T) {
		for n, payload := range map[int]string{1: "aaaa", 2: "bbbbbb"} {
			target := fmt.Sprintf("/photos/big.bin?partNumber=%d&uploadId=%s", n, uploadID)
			resp, err := doRequest(t, rs, cfg, "PUT", target, strings.NewReader(payload), nil)
			require.NoError(t, err)
			_ = resp.Body.Close()
			assert.Equal(t, 200, resp.StatusCode)
			assert.NotEmpty(t, resp.Header.Get("ETag"))
		}
		assert.Equal(t, []byte("aaaa"), fake.objects["photos-prod/big.bin/1"])
		assert.Equal(t, []byte("bbbbbb"), fake.objects["photos-prod/big.bin/2"])
	})

	t.Run("reuploading a part replaces it", func(t *testing.T) {
		target := fmt.Sprintf("/photos/big.bin?partNumber=1&uploadId=%s", uploadID)
		resp, err := doRequest(t, rs, cfg, "PUT", target, strings.NewReader("cccc"), nil)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, []byte("cccc"), fake.objects["photos-prod/big.bin/1"])
	})

	t.Run("list parts", func(t *testing.T) {
		resp, err := doRequest(t, rs, cfg, "GET", "/photos/big.bin?uploadId="+uploadID, nil, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()

		body, _ := io.ReadAll(resp.Body)
		s := string(body)
		assert.Equal(t, 2, strings.Count(s, "<Part>"))
		assert.Contains(t, s, "<PartNumber>1</PartNumber>")
		assert.Contains(t, s, "<PartNumber>2</PartNumber>")
		assert.Contains(t, s, "<NextPartNumberMarker>2</NextPartNumberMarker>")
	})

	t.Run("list uploads shows the session", func(t *testing.T) {
		resp, err := doRequest(t, rs, cfg, "GET", "/photos?uploads", nil, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()

		body, _ := io.ReadAll(resp.Body)
		assert.Contains(t, string(body), "<Key>big.bin</Key>")
		assert.Contains(t, string(body), "<UploadId>"+uploadID+"</UploadId>")
	})

	t.Run("complete assembles manifest", func(t *testing.T) {
		payload := `<CompleteMultipartUpload>` +
			`<Part><PartNumber>1</PartNumber><ETag>"x"</ETag></Part>` +
			`<Part><PartNumber>2</PartNumber><ETag>"y"</ETag></Part>` +
			`</CompleteMultipartUpload>`
		resp, err := doRequest(t, rs, cfg, "POST", "/photos/big.bin?uploadId="+uploadID, strings.NewReader(payload), nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, 200, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		s := string(body)
		assert.Contains(t, s, "<Bucket>photos</Bucket>")
		assert.Contains(t, s, "<Key>big.bin</Key>")
		assert.Contains(t, s, "<Location>GRA</Location>")

		manifest := string(fake.objects["photos-prod/big.bin"])
		assert.Contains(t, manifest, `"/photos-prod/big.bin/1"`)
		assert.Contains(t, manifest, `"/photos-prod/big.bin/2"`)

		_, sessionLeft := fake.objects["photos-prod/"+sessionPath(uploadID)]
		assert.False(t, sessionLeft)
	})

	t.Run("retried complete is idempotent", func(t *testing.T) {
		resp, err := doRequest(t, rs, cfg, "POST", "/photos/big.bin?uploadId="+uploadID, nil, nil)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, 200, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Contains(t, string(body), "<Key>big.bin</Key>")
	})
}

func TestCompleteMultipartUpload_Errors(t *testing.T) {
	fake := newFakeSwift()
	rs, cfg, done := newTestResolver(t, fake)
	defer done()

	t.Run("unknown upload with no manifest", func(t *testing.T) {
		_, err := doRequest(t, rs, cfg, "POST", "/photos/nothing.bin?uploadId=bogus", nil, nil)
		var se *s3err.Error
		require.ErrorAs(t, err, &se)
		assert.Equal(t, s3err.CodeNoSuchUpload, se.Code)
	})

	t.Run("no uploaded parts", func(t *testing.T) {
		uploadID := initiateUpload(t, rs, cfg, "empty.bin")
		_, err := doRequest(t, rs, cfg, "POST", "/photos/empty.bin?uploadId="+uploadID, nil, nil)
		var se *s3err.Error
		require.ErrorAs(t, err, &se)
		assert.Equal(t, s3err.CodeMalformedXML, se.Code)
	})

	t.Run("unparseable body", func(t *testing.T) {
		uploadID := initiateUpload(t, rs, cfg, "bad.bin")
		_, err := doRequest(t, rs, cfg, "POST", "/photos/bad.bin?uploadId="+uploadID, strings.NewReader("<not-xml"), nil)
		var se *s3err.Error
		require.ErrorAs(t, err, &se)
		assert.Equal(t, s3err.CodeMalformedXML, se.Code)
	})
}

func TestAbortMultipartUpload(t *testing.T) {
	fake := newFakeSwift()
	rs, cfg, done := newTestResolver(t, fake)
	defer done()

	uploadID := initiateUpload(t, rs, cfg, "doomed.bin")
	for _, n := range []int{1, 2} {
		target := fmt.Sprintf("/photos/doomed.bin?partNumber=%d&uploadId=%s", n, uploadID)
		resp, err := doRequest(t, rs, cfg, "PUT", target, strings.NewReader("data"), nil)
		require.NoError(t, err)
		_ = resp.Body.Close()
	}

	t.Run("abort removes session and parts", func(t *testing.T) {
		resp, err := doRequest(t, rs, cfg, "DELETE", "/photos/doomed.bin?uploadId="+uploadID, nil, nil)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, 204, resp.StatusCode)

		fake.mu.Lock()
		defer fake.mu.Unlock()
		for k := range fake.objects {
			assert.NotContains(t, k, "doomed.bin")
			assert.NotContains(t, k, uploadID)
		}
	})

	t.Run("second abort reports NoSuchUpload", func(t *testing.T) {
		_, err := doRequest(t, rs, cfg, "DELETE", "/photos/doomed.bin?uploadId="+uploadID, nil, nil)
		var se *s3err.Error
		require.ErrorAs(t, err, &se)
		assert.Equal(t, s3err.CodeNoSuchUpload, se.Code)
	})
}

func TestUploadPart_InvalidPartNumber(t *testing.T) {
	fake := newFakeSwift()
	rs, cfg, done := newTestResolver(t, fake)
	defer done()

	for _, pn := range []string{"0", "-3", "abc", ""} {
		t.Run("partNumber="+pn, func(t *testing.T) {
			target := "/photos/x.bin?partNumber=" + pn + "&uploadId=u1"
			_, err := doRequest(t, rs, cfg, "PUT", target, strings.NewReader("d"), nil)
			var se *s3err.Error
			require.ErrorAs(t, err, &se)
			assert.Equal(t, s3err.CodeInvalidPartNumber, se.Code)
		})
	}
}
