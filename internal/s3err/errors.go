// Package s3err defines the canonical S3 error vocabulary Herald speaks to
// clients, and renders errors as the S3 error XML document.
package s3err

import (
	"encoding/xml"
	"fmt"
	"net/http"
)

// S3 error codes used across the gateway.
const (
	CodeNoSuchBucket           = "NoSuchBucket"
	CodeNoSuchKey              = "NoSuchKey"
	CodeNoSuchUpload           = "NoSuchUpload"
	CodeInvalidRequest         = "InvalidRequest"
	CodeMalformedXML           = "MalformedXML"
	CodeBucketAlreadyExists    = "BucketAlreadyExists"
	CodeBucketAlreadyOwned     = "BucketAlreadyOwnedByYou"
	CodeRequestTimeout         = "RequestTimeout"
	CodeInvalidObjectState     = "InvalidObjectState"
	CodeAccessDenied           = "AccessDenied"
	CodeExpiredToken           = "ExpiredToken"
	CodeSignatureDoesNotMatch  = "SignatureDoesNotMatch"
	CodeMethodNotAllowed       = "MethodNotAllowed"
	CodeNotImplemented         = "NotImplemented"
	CodeInternalError          = "InternalError"
	CodeInvalidPart            = "InvalidPart"
	CodeInvalidPartNumber      = "InvalidPartNumber"
)

var statusCodes = map[string]int{
	CodeNoSuchBucket:          http.StatusNotFound,
	CodeNoSuchKey:             http.StatusNotFound,
	CodeNoSuchUpload:          http.StatusNotFound,
	CodeInvalidRequest:        http.StatusBadRequest,
	CodeMalformedXML:          http.StatusBadRequest,
	CodeBucketAlreadyExists:   http.StatusConflict,
	CodeBucketAlreadyOwned:    http.StatusConflict,
	CodeRequestTimeout:        http.StatusRequestTimeout,
	CodeInvalidObjectState:    http.StatusForbidden,
	CodeAccessDenied:          http.StatusForbidden,
	CodeExpiredToken:          http.StatusForbidden,
	CodeSignatureDoesNotMatch: http.StatusForbidden,
	CodeMethodNotAllowed:      http.StatusMethodNotAllowed,
	CodeNotImplemented:        http.StatusNotImplemented,
	CodeInternalError:         http.StatusInternalServerError,
	CodeInvalidPart:           http.StatusBadRequest,
	CodeInvalidPartNumber:     http.StatusBadRequest,
}

var messages = map[string]string{
	CodeNoSuchBucket:          "The specified bucket does not exist",
	CodeNoSuchKey:             "The specified key does not exist",
	CodeNoSuchUpload:          "The specified multipart upload does not exist",
	CodeInvalidRequest:        "Invalid request",
	CodeMalformedXML:          "The XML you provided was not well-formed or did not validate against our published schema",
	CodeBucketAlreadyExists:   "The requested bucket name is not available",
	CodeBucketAlreadyOwned:    "Your previous request to create the named bucket succeeded and you already own it",
	CodeRequestTimeout:        "Your socket connection to the server was not read from or written to within the timeout period",
	CodeInvalidObjectState:    "The operation is not valid for the current state of the object",
	CodeAccessDenied:          "Access Denied",
	CodeExpiredToken:          "The provided token has expired",
	CodeSignatureDoesNotMatch: "The request signature we calculated does not match the signature you provided",
	CodeMethodNotAllowed:      "The specified method is not allowed against this resource",
	CodeNotImplemented:        "A feature you requested is not yet implemented",
	CodeInternalError:         "We encountered an internal error. Please try again",
	CodeInvalidPart:           "One or more of the specified parts could not be found",
	CodeInvalidPartNumber:     "The requested part number is not satisfiable",
}

// Error is an S3-coded error carrying the HTTP status to respond with.
type Error struct {
	Code    string
	Message string
	Status  int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New returns an Error for a known code with its canonical message and status.
func New(code string) *Error {
	msg, ok := messages[code]
	if !ok {
		msg = "Unknown error"
		code = CodeInternalError
	}
	status, ok := statusCodes[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &Error{Code: code, Message: msg, Status: status}
}

// WithMessage returns an Error for code with a custom message.
func WithMessage(code, message string) *Error {
	e := New(code)
	e.Message = message
	return e
}

// WithStatus overrides the HTTP status, keeping the code and message. Used
// for synthesized upstream-invariant failures (502 on missing headers).
func WithStatus(code string, status int) *Error {
	e := New(code)
	e.Status = status
	return e
}

// document is the error XML schema:
//
//	<Error><Code/><Message/><RequestId/><HostId/></Error>
type document struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	RequestID string   `xml:"RequestId"`
	HostID    string   `xml:"HostId"`
}

// Write renders e as S3 error XML on w.
func Write(w http.ResponseWriter, e *Error, requestID, hostID string) {
	doc := document{
		Code:      e.Code,
		Message:   e.Message,
		RequestID: requestID,
		HostID:    hostID,
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("x-amz-request-id", requestID)
	w.WriteHeader(e.Status)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(body)
}
