// Package gateway is Herald's front door: it authenticates the client,
// resolves the bucket, dispatches to the S3 or Swift resolver with replica
// failover, enqueues mirror tasks for successful mutations, and renders S3
// responses and error XML.
package gateway

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/herald/internal/auth"
	"github.com/FairForge/herald/internal/config"
	"github.com/FairForge/herald/internal/forward"
	"github.com/FairForge/herald/internal/mirror"
	"github.com/FairForge/herald/internal/registry"
	"github.com/FairForge/herald/internal/request"
	"github.com/FairForge/herald/internal/s3api"
	"github.com/FairForge/herald/internal/s3err"
	"github.com/FairForge/herald/internal/sentry"
	"github.com/FairForge/herald/internal/swiftapi"
)

// maxBufferedBody caps the bodies captured for mirror replay (delete lists,
// bucket configuration XML). Object payloads are never buffered.
const maxBufferedBody = 4 << 20

// Handler carries the per-request pipeline.
type Handler struct {
	reg      *registry.Registry
	s3       *s3api.Resolver
	swift    *swiftapi.Resolver
	fwd      *forward.Forwarder
	queue    *mirror.Queue
	authOpts auth.Options
	reporter *sentry.Reporter
	metrics  *Metrics
	logger   *zap.Logger
	hostID   string
}

func NewHandler(cfg *config.Config, reg *registry.Registry, s3r *s3api.Resolver, swift *swiftapi.Resolver, fwd *forward.Forwarder, queue *mirror.Queue, reporter *sentry.Reporter, metrics *Metrics, logger *zap.Logger) *Handler {
	return &Handler{
		reg:   reg,
		s3:    s3r,
		swift: swift,
		fwd:   fwd,
		queue: queue,
		authOpts: auth.Options{
			TrustProxy:   cfg.TrustProxy,
			TrustedCIDRs: cfg.TrustedNets(),
		},
		reporter: reporter,
		metrics:  metrics,
		logger:   logger,
		hostID:   uuid.NewString(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	start := time.Now()

	meta, err := request.Extract(r)
	if err != nil {
		h.writeError(w, err, requestID, "Unknown")
		return
	}
	op := meta.Op()
	defer func() {
		h.metrics.Duration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
	}()

	if op == request.OpListBuckets {
		h.listBuckets(w, r, requestID)
		return
	}
	if op == request.OpUnknown {
		h.writeError(w, s3err.New(s3err.CodeMethodNotAllowed), requestID, string(op))
		return
	}

	b, ok := h.reg.Lookup(meta.Bucket)
	if !ok {
		h.writeError(w, s3err.New(s3err.CodeNoSuchBucket), requestID, string(op))
		return
	}

	if err := auth.Verify(r, []auth.Credentials{b.Credentials()}, h.authOpts); err != nil {
		h.writeError(w, mapAuthError(err), requestID, string(op))
		return
	}

	// Small mutating bodies are captured up front: the resolver consumes
	// the stream and the mirror task needs the original bytes.
	var captured []byte
	if op.Mutating() && op != request.OpPutObject && b.HasReplicas() {
		captured, err = io.ReadAll(io.LimitReader(r.Body, maxBufferedBody))
		if err != nil {
			h.writeError(w, s3err.New(s3err.CodeInternalError), requestID, string(op))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(captured))
	}

	resp, err := h.dispatchWithFailover(r, meta, b, op)
	if err != nil {
		h.writeError(w, err, requestID, string(op))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	// Mirror tasks land in the durable queue before the client sees the
	// response.
	if op.Mutating() && b.HasReplicas() && resp.StatusCode < 300 {
		if err := h.enqueueMirror(op, meta, r, captured, b); err != nil {
			h.logger.Error("failed to enqueue mirror tasks",
				zap.String("bucket", b.Name),
				zap.String("operation", string(op)),
				zap.Error(err))
			h.reporter.CaptureError(err, map[string]string{"bucket": b.Name})
			h.writeError(w, s3err.New(s3err.CodeInternalError), requestID, string(op))
			return
		}
	}

	h.metrics.Requests.WithLabelValues(string(op), strconv.Itoa(resp.StatusCode)).Inc()
	h.writeResponse(w, resp, requestID)
}

// dispatchWithFailover runs the primary attempt and, for read operations,
// walks the replica list on network failure or upstream 5xx. Mutations
// never fail over inline; they propagate through the mirror queue.
func (h *Handler) dispatchWithFailover(r *http.Request, meta *request.Meta, b *registry.Bucket, op request.Operation) (*http.Response, error) {
	resp, err := h.dispatch(r, meta, b)
	if err == nil {
		return resp, nil
	}
	if isClientError(err) {
		return nil, err
	}
	if b.IsReplica || !b.HasReplicas() || op.Mutating() {
		return nil, err
	}

	h.logger.Warn("primary dispatch failed, trying replicas",
		zap.String("bucket", b.Name),
		zap.Error(err))

	lastErr := err
	for _, rep := range b.Replicas {
		resp, rerr := h.dispatch(r, meta, b.ForReplica(rep))
		if rerr == nil {
			h.metrics.Failovers.WithLabelValues(b.Name, "success").Inc()
			return resp, nil
		}
		h.metrics.Failovers.WithLabelValues(b.Name, "failure").Inc()
		lastErr = rerr
		if isClientError(rerr) {
			return nil, rerr
		}
	}
	return nil, lastErr
}

func (h *Handler) dispatch(r *http.Request, meta *request.Meta, b *registry.Bucket) (*http.Response, error) {
	attempts := forward.Attempts(b.HasReplicas(), b.IsReplica)
	switch b.Type {
	case registry.BackendSwift:
		return h.dispatchSwift(r, meta, b, attempts)
	default:
		return h.s3.Dispatch(r.Context(), r, meta, b.S3, attempts)
	}
}

// dispatchSwift runs the translator under the same retry budget as the S3
// path. Object payloads stream through on a single attempt; every other
// request body is small enough to rewind between tries.
func (h *Handler) dispatchSwift(r *http.Request, meta *request.Meta, b *registry.Bucket, attempts int) (*http.Response, error) {
	var bodyBytes []byte
	if attempts > 1 && r.Body != nil && r.Body != http.NoBody {
		switch meta.Op() {
		case request.OpPutObject, request.OpUploadPart:
			attempts = 1
		default:
			var err error
			bodyBytes, err = io.ReadAll(io.LimitReader(r.Body, maxBufferedBody))
			if err != nil {
				return nil, s3err.New(s3err.CodeInternalError)
			}
		}
	}

	return h.fwd.Do(r.Context(), attempts, func() (*http.Response, error) {
		if bodyBytes != nil {
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
		return h.swift.Dispatch(r.Context(), r, meta, b.Swift)
	})
}

func (h *Handler) enqueueMirror(op request.Operation, meta *request.Meta, r *http.Request, body []byte, b *registry.Bucket) error {
	cmd, ok := mirror.CommandFor(op)
	if !ok {
		return nil
	}
	sr := mirror.SerializedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Header: r.Header.Clone(),
		Body:   body,
	}
	return h.queue.Enqueue(b.Name, mirror.BuildTasks(cmd, meta, sr, b)...)
}

// listBuckets synthesizes the account listing from the registry; there is
// no single backend to ask.
func (h *Handler) listBuckets(w http.ResponseWriter, r *http.Request, requestID string) {
	if err := auth.Verify(r, h.reg.AllCredentials(), h.authOpts); err != nil {
		h.writeError(w, mapAuthError(err), requestID, string(request.OpListBuckets))
		return
	}

	created := h.reg.BuiltAt().Format("2006-01-02T15:04:05.000Z")
	doc := listAllMyBucketsResult{
		Xmlns: "http://s3.amazonaws.com/doc/2006-03-01/",
		Owner: bucketOwner{ID: "herald", DisplayName: "herald"},
	}
	for _, name := range h.reg.Names() {
		doc.Buckets = append(doc.Buckets, bucketListEntry{Name: name, CreationDate: created})
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		h.writeError(w, s3err.New(s3err.CodeInternalError), requestID, string(request.OpListBuckets))
		return
	}

	h.metrics.Requests.WithLabelValues(string(request.OpListBuckets), "200").Inc()
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("x-amz-request-id", requestID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(body)
}

type listAllMyBucketsResult struct {
	XMLName xml.Name          `xml:"ListAllMyBucketsResult"`
	Xmlns   string            `xml:"xmlns,attr"`
	Owner   bucketOwner       `xml:"Owner"`
	Buckets []bucketListEntry `xml:"Buckets>Bucket"`
}

type bucketOwner struct {
	ID          string `xml:"ID"`
	DisplayName string `xml:"DisplayName"`
}

type bucketListEntry struct {
	Name         string `xml:"Name"`
	CreationDate string `xml:"CreationDate"`
}

func (h *Handler) writeResponse(w http.ResponseWriter, resp *http.Response, requestID string) {
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("x-amz-request-id", requestID)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Debug("response body copy interrupted", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error, requestID, op string) {
	e := toS3Error(err)
	if e.Status >= 500 {
		h.logger.Error("request failed",
			zap.String("operation", op),
			zap.String("request_id", requestID),
			zap.Error(err))
		h.reporter.CaptureError(err, map[string]string{"operation": op})
	}
	h.metrics.Requests.WithLabelValues(op, strconv.Itoa(e.Status)).Inc()
	s3err.Write(w, e, requestID, h.hostID)
}

// isClientError reports whether err is a definitive S3-coded answer for the
// client rather than a backend failure worth failing over.
func isClientError(err error) bool {
	var se *s3err.Error
	return errors.As(err, &se) && se.Status < 500
}

func toS3Error(err error) *s3err.Error {
	var se *s3err.Error
	if errors.As(err, &se) {
		return se
	}
	return s3err.New(s3err.CodeInternalError)
}

func mapAuthError(err error) error {
	switch {
	case errors.Is(err, auth.ErrExpiredPresign):
		return s3err.New(s3err.CodeExpiredToken)
	case errors.Is(err, auth.ErrSignatureDoesNotMatch):
		return s3err.New(s3err.CodeSignatureDoesNotMatch)
	case errors.Is(err, auth.ErrAuthHeaderEmpty),
		errors.Is(err, auth.ErrMissingSignTag),
		errors.Is(err, auth.ErrInvalidSignTag):
		return s3err.WithMessage(s3err.CodeAccessDenied, "Missing or malformed request signature")
	default:
		return s3err.New(s3err.CodeAccessDenied)
	}
}
