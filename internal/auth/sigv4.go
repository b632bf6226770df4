// Package auth implements AWS Signature Version 4 for both directions of
// the gateway: verification of inbound client requests (Authorization
// header or presigned query) and signing of rewritten outbound requests
// with backend credentials.
package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	algorithm       = "AWS4-HMAC-SHA256"
	scopeTerminator = "aws4_request"
	serviceS3       = "s3"
	unsignedPayload = "UNSIGNED-PAYLOAD"
	emptySHA256     = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	amzDateFormat       = "20060102T150405Z"
	amzDateFormatDotted = "2006-01-02T15:04:05Z"
	amzDateShort        = "20060102"

	// presignSkew extends the far side of the presign expiry window to
	// tolerate client clock drift.
	presignSkew = 15 * time.Minute
)

// Verification failure classes.
var (
	ErrAuthHeaderEmpty       = errors.New("auth: authorization header is empty")
	ErrMissingSignTag        = errors.New("auth: signature tag missing")
	ErrInvalidSignTag        = errors.New("auth: signature tag malformed")
	ErrExpiredPresign        = errors.New("auth: presigned request expired")
	ErrSignatureDoesNotMatch = errors.New("auth: signature does not match")
	ErrAccessDenied          = errors.New("auth: access denied")
)

// Source distinguishes where the signature was carried.
type Source int

const (
	SourceHeader Source = iota
	SourcePresign
)

// SignatureDescriptor is the parsed signature material of a request.
type SignatureDescriptor struct {
	Source          Source
	Algorithm       string
	AccessKeyID     string
	DateStamp       string // yyyyMMdd from the credential scope
	Region          string
	Service         string
	SignedHeaders   []string // sorted, lowercased
	Signature       string
	CredentialScope string
	Date            time.Time
	RawDate         string // exactly as the client sent it
	ExpiresIn       time.Duration
}

// Credentials is an access key pair a client may sign with.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
}

// Options controls host canonicalization during verification.
type Options struct {
	TrustProxy   bool
	TrustedCIDRs []*net.IPNet
}

// ExtractSignature parses either the Authorization header or the presign
// query parameters.
func ExtractSignature(r *http.Request) (*SignatureDescriptor, error) {
	if r.URL.Query().Get("X-Amz-Signature") != "" || r.URL.Query().Get("X-Amz-Algorithm") != "" {
		return extractPresign(r)
	}
	return extractHeader(r)
}

func extractHeader(r *http.Request) (*SignatureDescriptor, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, ErrAuthHeaderEmpty
	}
	if !strings.HasPrefix(header, algorithm+" ") {
		return nil, fmt.Errorf("%w: unsupported algorithm", ErrInvalidSignTag)
	}

	parts := make(map[string]string)
	for _, part := range strings.Split(strings.TrimPrefix(header, algorithm+" "), ",") {
		part = strings.TrimSpace(part)
		i := strings.IndexByte(part, '=')
		if i < 0 {
			continue
		}
		parts[strings.TrimSpace(part[:i])] = strings.TrimSpace(part[i+1:])
	}

	signature, ok := parts["Signature"]
	if !ok || signature == "" {
		return nil, ErrMissingSignTag
	}
	credential := parts["Credential"]
	signedHeaders := parts["SignedHeaders"]
	if credential == "" || signedHeaders == "" {
		return nil, ErrInvalidSignTag
	}

	d, err := descriptorFromCredential(credential)
	if err != nil {
		return nil, err
	}
	d.Source = SourceHeader
	d.Algorithm = algorithm
	d.Signature = signature
	d.SignedHeaders = splitSignedHeaders(signedHeaders)

	rawDate := r.Header.Get("X-Amz-Date")
	if rawDate == "" {
		rawDate = r.Header.Get("Date")
	}
	if rawDate == "" {
		// Header-signed requests without a date are treated as present-time.
		rawDate = time.Now().UTC().Format(amzDateFormat)
	}
	d.RawDate = rawDate
	d.Date, err = parseAmzDate(rawDate)
	if err != nil {
		return nil, fmt.Errorf("%w: bad date %q", ErrInvalidSignTag, rawDate)
	}
	return d, nil
}

func extractPresign(r *http.Request) (*SignatureDescriptor, error) {
	q := r.URL.Query()
	if q.Get("X-Amz-Algorithm") != algorithm {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidSignTag, q.Get("X-Amz-Algorithm"))
	}
	signature := q.Get("X-Amz-Signature")
	if signature == "" {
		return nil, ErrMissingSignTag
	}
	credential := q.Get("X-Amz-Credential")
	signedHeaders := q.Get("X-Amz-SignedHeaders")
	rawDate := q.Get("X-Amz-Date")
	expiresStr := q.Get("X-Amz-Expires")
	if credential == "" || signedHeaders == "" || rawDate == "" || expiresStr == "" {
		return nil, ErrInvalidSignTag
	}

	d, err := descriptorFromCredential(credential)
	if err != nil {
		return nil, err
	}
	d.Source = SourcePresign
	d.Algorithm = algorithm
	d.Signature = signature
	d.SignedHeaders = splitSignedHeaders(signedHeaders)
	d.RawDate = rawDate
	d.Date, err = parseAmzDate(rawDate)
	if err != nil {
		return nil, fmt.Errorf("%w: bad date %q", ErrInvalidSignTag, rawDate)
	}

	expires, err := strconv.Atoi(expiresStr)
	if err != nil || expires < 1 {
		return nil, fmt.Errorf("%w: bad expires %q", ErrInvalidSignTag, expiresStr)
	}
	d.ExpiresIn = time.Duration(expires) * time.Second
	return d, nil
}

func descriptorFromCredential(credential string) (*SignatureDescriptor, error) {
	parts := strings.SplitN(credential, "/", 5)
	if len(parts) != 5 || parts[4] != scopeTerminator {
		return nil, fmt.Errorf("%w: bad credential %q", ErrInvalidSignTag, credential)
	}
	return &SignatureDescriptor{
		AccessKeyID:     parts[0],
		DateStamp:       parts[1],
		Region:          parts[2],
		Service:         parts[3],
		CredentialScope: strings.Join(parts[1:], "/"),
	}, nil
}

func splitSignedHeaders(s string) []string {
	headers := strings.Split(strings.ToLower(s), ";")
	sort.Strings(headers)
	return headers
}

func parseAmzDate(s string) (time.Time, error) {
	if t, err := time.Parse(amzDateFormat, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(amzDateFormatDotted, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC1123, s)
}

// Verify recomputes the request signature against the given credential set
// and compares it to what the client sent. The credential matching the
// descriptor's access key id is used; unknown keys are denied.
func Verify(r *http.Request, creds []Credentials, opts Options) error {
	d, err := ExtractSignature(r)
	if err != nil {
		return err
	}

	var secret string
	found := false
	for _, c := range creds {
		if c.AccessKeyID == d.AccessKeyID {
			secret = c.SecretAccessKey
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: unknown access key %q", ErrAccessDenied, d.AccessKeyID)
	}

	if d.Source == SourcePresign {
		deadline := d.Date.Add(d.ExpiresIn + presignSkew)
		if time.Now().UTC().After(deadline) {
			return ErrExpiredPresign
		}
	}

	host, err := canonicalHost(r, opts)
	if err != nil {
		return err
	}

	var canonicalRequest string
	if d.Source == SourcePresign {
		canonicalRequest = buildCanonicalRequest(r, host, d.SignedHeaders, presignPayloadHash(r), true)
	} else {
		canonicalRequest = buildCanonicalRequest(r, host, d.SignedHeaders, headerPayloadHash(r), false)
	}

	stringToSign := buildStringToSign(d.RawDate, d.CredentialScope, canonicalRequest)
	key := deriveSigningKey(secret, d.DateStamp, d.Region, d.Service)
	expected := hex.EncodeToString(hmacSHA256(key, stringToSign))

	if subtle.ConstantTimeCompare([]byte(expected), []byte(d.Signature)) != 1 {
		return ErrSignatureDoesNotMatch
	}
	return nil
}

// canonicalHost resolves the host value the client signed. A forwarded host
// is honored only when the last proxy hop is inside the CIDR allow-list.
func canonicalHost(r *http.Request, opts Options) (string, error) {
	forwarded := r.Header.Get("X-Forwarded-Host")
	if !opts.TrustProxy || forwarded == "" {
		return r.Host, nil
	}

	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	lastHop := strings.TrimSpace(hops[len(hops)-1])
	ip := net.ParseIP(lastHop)
	if ip == nil {
		return "", fmt.Errorf("%w: unparseable forwarded hop %q", ErrAccessDenied, lastHop)
	}
	for _, cidr := range opts.TrustedCIDRs {
		if cidr.Contains(ip) {
			return forwarded, nil
		}
	}
	return "", fmt.Errorf("%w: untrusted proxy %s", ErrAccessDenied, lastHop)
}

// maxHashableBody caps how much body is buffered to recompute a payload
// hash for clients that omit x-amz-content-sha256.
const maxHashableBody = 4 << 20

func headerPayloadHash(r *http.Request) string {
	if h := r.Header.Get("X-Amz-Content-Sha256"); h != "" {
		return h
	}
	if r.Body == nil || r.Body == http.NoBody {
		return emptySHA256
	}
	// Clients that omit the header signed the actual body hash; buffer and
	// restore the body so handlers can still read it. Past the cap the body
	// is never held whole, so the unsigned-payload form is the only
	// canonical hash left to try.
	body, err := io.ReadAll(io.LimitReader(r.Body, maxHashableBody+1))
	if err != nil {
		return emptySHA256
	}
	if len(body) > maxHashableBody {
		r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))
		return unsignedPayload
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func presignPayloadHash(r *http.Request) string {
	if h := r.URL.Query().Get("X-Amz-Content-Sha256"); h != "" {
		return h
	}
	return unsignedPayload
}

// buildCanonicalRequest assembles the signable form using only the declared
// signed headers. For presigned requests the X-Amz-Signature parameter is
// excluded from the canonical query.
func buildCanonicalRequest(r *http.Request, host string, signedHeaders []string, payloadHash string, presign bool) string {
	var sb strings.Builder
	sb.WriteString(r.Method)
	sb.WriteByte('\n')
	sb.WriteString(canonicalURI(r.URL.Path))
	sb.WriteByte('\n')

	q := r.URL.Query()
	if presign {
		q.Del("X-Amz-Signature")
	}
	sb.WriteString(canonicalQueryString(q))
	sb.WriteByte('\n')

	for _, h := range signedHeaders {
		sb.WriteString(h)
		sb.WriteByte(':')
		if h == "host" {
			sb.WriteString(host)
		} else {
			sb.WriteString(canonicalHeaderValue(r.Header.Values(http.CanonicalHeaderKey(h))))
		}
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')
	sb.WriteString(strings.Join(signedHeaders, ";"))
	sb.WriteByte('\n')
	sb.WriteString(payloadHash)
	return sb.String()
}

func canonicalHeaderValue(values []string) string {
	trimmed := make([]string, 0, len(values))
	for _, v := range values {
		trimmed = append(trimmed, strings.Join(strings.Fields(v), " "))
	}
	return strings.Join(trimmed, ",")
}

func buildStringToSign(rawDate, scope, canonicalRequest string) string {
	sum := sha256.Sum256([]byte(canonicalRequest))
	return algorithm + "\n" + rawDate + "\n" + scope + "\n" + hex.EncodeToString(sum[:])
}

func deriveSigningKey(secret, dateStamp, region, service string) []byte {
	dateKey := hmacSHA256([]byte("AWS4"+secret), dateStamp)
	regionKey := hmacSHA256(dateKey, region)
	serviceKey := hmacSHA256(regionKey, service)
	return hmacSHA256(serviceKey, scopeTerminator)
}

// canonicalURI URI-encodes each path segment without touching slashes.
func canonicalURI(path string) string {
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = uriEncode(seg, false)
	}
	return strings.Join(segments, "/")
}

func canonicalQueryString(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	type kv struct{ k, v string }
	var pairs []kv
	for k, vs := range values {
		for _, v := range vs {
			pairs = append(pairs, kv{uriEncode(k, true), uriEncode(v, true)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.k + "=" + p.v
	}
	return strings.Join(parts, "&")
}

// uriEncode implements the AWS flavor of percent-encoding: unreserved
// characters pass through, space becomes %20, and '/' is encoded only when
// encodeSlash is set.
func uriEncode(s string, encodeSlash bool) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '_', c == '.', c == '~':
			sb.WriteByte(c)
		case c == '/' && !encodeSlash:
			sb.WriteByte(c)
		default:
			fmt.Fprintf(&sb, "%%%02X", c)
		}
	}
	return sb.String()
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}
