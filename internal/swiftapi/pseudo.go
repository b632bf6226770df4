package swiftapi

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"github.com/FairForge/herald/internal/config"
	"github.com/FairForge/herald/internal/request"
	"github.com/FairForge/herald/internal/s3err"
)

// bucketQuery answers the pseudo-endpoints (?acl, ?versioning, ...) with
// canned or container-derived S3 XML so standard clients pass their schema
// checks. Writes against these endpoints are acknowledged and discarded.
func (rs *Resolver) bucketQuery(ctx context.Context, meta *request.Meta, cfg *config.SwiftConfig) (*http.Response, error) {
	switch meta.Method {
	case http.MethodPut:
		return newResponse(http.StatusOK, nil, nil), nil
	case http.MethodDelete:
		return newResponse(http.StatusNoContent, nil, nil), nil
	}

	switch {
	case meta.Query.Has("location"):
		return xmlResponse(http.StatusOK, locationConstraint{Xmlns: s3Xmlns, Value: cfg.Region})

	case meta.Query.Has("acl"):
		return rs.bucketACL(ctx, cfg)

	case meta.Query.Has("policy"):
		h := http.Header{}
		h.Set("Content-Type", "application/json")
		return newResponse(http.StatusOK, h, []byte(`{"Version":"2012-10-17","Statement":[]}`)), nil

	case meta.Query.Has("tagging"):
		return rs.bucketTagging(ctx, cfg)

	case meta.Query.Has("encryption"):
		return rs.bucketEncryption(ctx, cfg)

	case meta.Query.Has("versioning"):
		return xmlResponse(http.StatusOK, versioningConfiguration{Xmlns: s3Xmlns})

	case meta.Query.Has("requestPayment"):
		return xmlResponse(http.StatusOK, requestPaymentConfiguration{Xmlns: s3Xmlns, Payer: "BucketOwner"})

	case meta.Query.Has("cors"):
		return emptyConfigResponse("CORSConfiguration")
	case meta.Query.Has("lifecycle"):
		return emptyConfigResponse("LifecycleConfiguration")
	case meta.Query.Has("replication"):
		return emptyConfigResponse("ReplicationConfiguration")
	case meta.Query.Has("object-lock"):
		return emptyConfigResponse("ObjectLockConfiguration")
	case meta.Query.Has("logging"):
		return emptyConfigResponse("BucketLoggingStatus")
	case meta.Query.Has("website"):
		return emptyConfigResponse("WebsiteConfiguration")
	case meta.Query.Has("accelerate"):
		return emptyConfigResponse("AccelerateConfiguration")
	}

	return nil, s3err.New(s3err.CodeNotImplemented)
}

// bucketACL derives an AccessControlPolicy from the container's read ACL.
// A world-readable container (".r:*") gets an AllUsers READ grant.
func (rs *Resolver) bucketACL(ctx context.Context, cfg *config.SwiftConfig) (*http.Response, error) {
	h, err := rs.headContainer(ctx, cfg)
	if err != nil {
		return nil, err
	}

	own := owner{ID: cfg.ProjectName, DisplayName: cfg.Username}
	policy := accessControlPolicy{
		Xmlns: s3Xmlns,
		Owner: own,
		Grants: []grant{{
			Grantee: grantee{
				XmlnsXsi:    "http://www.w3.org/2001/XMLSchema-instance",
				XsiType:     "CanonicalUser",
				ID:          own.ID,
				DisplayName: own.DisplayName,
			},
			Permission: "FULL_CONTROL",
		}},
	}

	if strings.Contains(h.Get("X-Container-Read"), ".r:*") {
		policy.Grants = append(policy.Grants, grant{
			Grantee: grantee{
				XmlnsXsi: "http://www.w3.org/2001/XMLSchema-instance",
				XsiType:  "Group",
				URI:      "http://acs.amazonaws.com/groups/global/AllUsers",
			},
			Permission: "READ",
		})
	}

	return xmlResponse(http.StatusOK, policy)
}

// bucketTagging maps container metadata headers to an S3 tag set.
func (rs *Resolver) bucketTagging(ctx context.Context, cfg *config.SwiftConfig) (*http.Response, error) {
	h, err := rs.headContainer(ctx, cfg)
	if err != nil {
		return nil, err
	}

	doc := tagging{Xmlns: s3Xmlns}
	for k, vs := range h {
		rest, ok := cutPrefixFold(k, "X-Container-Meta-")
		if !ok || len(vs) == 0 {
			continue
		}
		if strings.EqualFold(rest, "Encryption-Type") {
			continue
		}
		doc.Tags = append(doc.Tags, tag{Key: strings.ToLower(rest), Value: vs[0]})
	}
	sort.Slice(doc.Tags, func(i, j int) bool { return doc.Tags[i].Key < doc.Tags[j].Key })

	return xmlResponse(http.StatusOK, doc)
}

func (rs *Resolver) bucketEncryption(ctx context.Context, cfg *config.SwiftConfig) (*http.Response, error) {
	h, err := rs.headContainer(ctx, cfg)
	if err != nil {
		return nil, err
	}

	algorithm := h.Get("X-Container-Meta-Encryption-Type")
	if algorithm == "" {
		algorithm = "AES256"
	}
	return xmlResponse(http.StatusOK, serverSideEncryptionConfiguration{
		Xmlns: s3Xmlns,
		Rules: []encryptionRule{{SSEAlgorithm: algorithm}},
	})
}

// emptyConfigResponse emits a bare <Name xmlns=.../> document.
func emptyConfigResponse(name string) (*http.Response, error) {
	h := http.Header{}
	h.Set("Content-Type", "application/xml")
	body := `<?xml version="1.0" encoding="UTF-8"?>` + "\n<" + name + ` xmlns="` + s3Xmlns + `"></` + name + ">"
	return newResponse(http.StatusOK, h, []byte(body)), nil
}
