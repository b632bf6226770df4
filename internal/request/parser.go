// Package request classifies inbound S3 requests: path-style versus
// virtual-hosted addressing, bucket and object key extraction, and the
// operation implied by method, key and query markers.
package request

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/FairForge/herald/internal/s3err"
)

// URLFormat distinguishes the two S3 addressing styles.
type URLFormat int

const (
	FormatPath URLFormat = iota
	FormatVirtualHosted
)

func (f URLFormat) String() string {
	if f == FormatVirtualHosted {
		return "virtual-hosted"
	}
	return "path"
}

// Param is one query key with its values in order of appearance.
type Param struct {
	Key    string
	Values []string
}

// Query preserves query parameter order of appearance and repeated keys.
type Query []Param

// Get returns the first value for key and whether the key is present.
// A key present without a value (e.g. "?uploads") reports ("", true).
func (q Query) Get(key string) (string, bool) {
	for _, p := range q {
		if p.Key == key {
			if len(p.Values) == 0 {
				return "", true
			}
			return p.Values[0], true
		}
	}
	return "", false
}

// Has reports whether key appears in the query.
func (q Query) Has(key string) bool {
	_, ok := q.Get(key)
	return ok
}

// Values returns a net/url-compatible view of the query.
func (q Query) Values() url.Values {
	v := make(url.Values, len(q))
	for _, p := range q {
		if len(p.Values) == 0 {
			v[p.Key] = []string{""}
			continue
		}
		v[p.Key] = append(v[p.Key], p.Values...)
	}
	return v
}

// Meta is the parsed identity of an inbound request.
type Meta struct {
	Bucket     string
	Key        string
	Format     URLFormat
	Method     string
	Query      Query
	CopySource string // x-amz-copy-source header, when present
}

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPut:    true,
	http.MethodPost:   true,
	http.MethodDelete: true,
	http.MethodHead:   true,
}

// Extract derives Meta from an HTTP request. The Host header decides the
// addressing style; ports are stripped before classification.
func Extract(r *http.Request) (*Meta, error) {
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	if host == "" {
		return nil, s3err.WithMessage(s3err.CodeInvalidRequest, fmt.Sprintf("Invalid request: %s", r.URL.String()))
	}

	if !allowedMethods[r.Method] {
		return nil, s3err.WithMessage(s3err.CodeInvalidRequest, fmt.Sprintf("Invalid request method: %s", r.Method))
	}

	m := &Meta{
		Method:     r.Method,
		Query:      parseQuery(r.URL.RawQuery),
		CopySource: r.Header.Get("x-amz-copy-source"),
	}

	hostname := stripPort(host)
	if bucket, ok := virtualHostedBucket(hostname); ok {
		m.Format = FormatVirtualHosted
		m.Bucket = bucket
		m.Key = strings.TrimPrefix(r.URL.Path, "/")
		return m, nil
	}

	m.Format = FormatPath
	path := strings.TrimPrefix(r.URL.Path, "/")
	if path == "" {
		return m, nil
	}
	parts := strings.SplitN(path, "/", 2)
	m.Bucket = parts[0]
	if len(parts) > 1 {
		m.Key = parts[1]
	}
	return m, nil
}

// virtualHostedBucket reports whether hostname addresses a bucket in
// virtual-hosted style ({bucket}.s3.{...}.com with bucket != "s3") and
// returns the bucket label.
func virtualHostedBucket(hostname string) (string, bool) {
	if hostname == "localhost" || net.ParseIP(hostname) != nil {
		return "", false
	}
	labels := strings.Split(hostname, ".")
	if len(labels) < 4 {
		return "", false
	}
	if labels[0] == "s3" || labels[0] == "" {
		return "", false
	}
	if labels[1] != "s3" {
		return "", false
	}
	if labels[len(labels)-1] != "com" {
		return "", false
	}
	return labels[0], true
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	// IPv6 literal without port
	return strings.Trim(host, "[]")
}

// parseQuery scans rawQuery left to right so that key order of appearance
// and repeated keys survive (url.Values loses ordering).
func parseQuery(rawQuery string) Query {
	var q Query
	if rawQuery == "" {
		return q
	}
	index := make(map[string]int)
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		var key, value string
		var hasValue bool
		if i := strings.IndexByte(pair, '='); i >= 0 {
			key, value = pair[:i], pair[i+1:]
			hasValue = true
		} else {
			key = pair
		}
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		if v, err := url.QueryUnescape(value); err == nil {
			value = v
		}

		if i, ok := index[key]; ok {
			if hasValue {
				q[i].Values = append(q[i].Values, value)
			}
			continue
		}
		index[key] = len(q)
		p := Param{Key: key}
		if hasValue {
			p.Values = []string{value}
		}
		q = append(q, p)
	}
	return q
}
