package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Signer signs outbound requests with a backend's credentials. Inbound
// client signatures are never forwarded; every upstream call carries a
// fresh signature computed here.
type Signer struct {
	AccessKey string
	SecretKey string
	Region    string
	Service   string
}

func NewSigner(accessKey, secretKey, region string) *Signer {
	if region == "" {
		region = "us-east-1"
	}
	return &Signer{
		AccessKey: accessKey,
		SecretKey: secretKey,
		Region:    region,
		Service:   serviceS3,
	}
}

// Sign computes SigV4 over req and sets the Authorization header. The
// payload hash may be a hex SHA-256 or UNSIGNED-PAYLOAD for streamed bodies.
func (s *Signer) Sign(req *http.Request, payloadHash string) {
	s.signAt(req, payloadHash, time.Now().UTC())
}

// SignBytes hashes the payload and signs.
func (s *Signer) SignBytes(req *http.Request, payload []byte) {
	sum := sha256.Sum256(payload)
	s.Sign(req, hex.EncodeToString(sum[:]))
}

func (s *Signer) signAt(req *http.Request, payloadHash string, now time.Time) {
	if payloadHash == "" {
		payloadHash = unsignedPayload
	}
	req.Header.Set("x-amz-date", now.Format(amzDateFormat))
	req.Header.Set("x-amz-content-sha256", payloadHash)

	signedHeaders := s.signedHeaderNames(req)
	canonicalRequest := s.buildCanonicalRequest(req, signedHeaders, payloadHash)
	stringToSign := buildStringToSign(now.Format(amzDateFormat), s.scope(now), canonicalRequest)
	key := deriveSigningKey(s.SecretKey, now.Format(amzDateShort), s.Region, s.Service)
	signature := hex.EncodeToString(hmacSHA256(key, stringToSign))

	req.Header.Set("Authorization", fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		algorithm, s.AccessKey, s.scope(now), strings.Join(signedHeaders, ";"), signature))
}

// signedHeaderNames covers host plus every x-amz-* header present.
func (s *Signer) signedHeaderNames(req *http.Request) []string {
	names := []string{"host"}
	for k := range req.Header {
		if strings.HasPrefix(strings.ToLower(k), "x-amz-") {
			names = append(names, strings.ToLower(k))
		}
	}
	sort.Strings(names)
	return names
}

func (s *Signer) buildCanonicalRequest(req *http.Request, signedHeaders []string, payloadHash string) string {
	var sb strings.Builder
	sb.WriteString(req.Method)
	sb.WriteByte('\n')
	sb.WriteString(canonicalURI(req.URL.Path))
	sb.WriteByte('\n')
	sb.WriteString(canonicalQueryString(req.URL.Query()))
	sb.WriteByte('\n')
	for _, h := range signedHeaders {
		sb.WriteString(h)
		sb.WriteByte(':')
		if h == "host" {
			sb.WriteString(req.Host)
		} else {
			sb.WriteString(canonicalHeaderValue(req.Header.Values(http.CanonicalHeaderKey(h))))
		}
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')
	sb.WriteString(strings.Join(signedHeaders, ";"))
	sb.WriteByte('\n')
	sb.WriteString(payloadHash)
	return sb.String()
}

func (s *Signer) scope(t time.Time) string {
	return fmt.Sprintf("%s/%s/%s/%s", t.Format(amzDateShort), s.Region, s.Service, scopeTerminator)
}

// PresignURL builds a presigned URL for method on rawURL valid for expires.
// Only the host header is signed, matching what standard clients generate.
func (s *Signer) PresignURL(method, rawURL string, expires time.Duration) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("auth: parse presign url: %w", err)
	}
	now := time.Now().UTC()

	q := u.Query()
	q.Set("X-Amz-Algorithm", algorithm)
	q.Set("X-Amz-Credential", fmt.Sprintf("%s/%s", s.AccessKey, s.scope(now)))
	q.Set("X-Amz-Date", now.Format(amzDateFormat))
	q.Set("X-Amz-Expires", fmt.Sprintf("%d", int(expires.Seconds())))
	q.Set("X-Amz-SignedHeaders", "host")

	canonicalRequest := fmt.Sprintf("%s\n%s\n%s\nhost:%s\n\nhost\n%s",
		method, canonicalURI(u.Path), canonicalQueryString(q), u.Host, unsignedPayload)
	stringToSign := buildStringToSign(now.Format(amzDateFormat), s.scope(now), canonicalRequest)
	key := deriveSigningKey(s.SecretKey, now.Format(amzDateShort), s.Region, s.Service)

	q.Set("X-Amz-Signature", hex.EncodeToString(hmacSHA256(key, stringToSign)))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
