package readable

import (
	"fmt"
	"net/http"
	"strings"
)

// Outcome is one of Content, Image or Failure.
type Outcome interface {
	isOutcome()
}

// Content is readable markup extracted from an HTML document.
type Content struct {
	Text        string
	ContentType string
	Status      Status // StatusOK for fetched pages, StatusManual for supplied content
}

// Image marks a response whose body is an image; no content is kept.
type Image struct {
	ContentType string
}

// Failure records why no content could be produced.
type Failure struct {
	Status      Status
	Message     string
	ContentType string
}

func (Content) isOutcome() {}
func (Image) isOutcome()   {}
func (Failure) isOutcome() {}

var imageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/jpg":  true,
	"image/gif":  true,
}

// IsImageType reports whether contentType is one of the image types whose
// bodies are not parsed.
func IsImageType(contentType string) bool {
	return imageTypes[strings.ToLower(strings.TrimSpace(contentType))]
}

// Result is the outcome of reading one URL.
type Result struct {
	URL     string
	Header  http.Header
	Outcome Outcome
}

func failed(u string, status Status, msg string) *Result {
	return &Result{URL: u, Outcome: Failure{Status: status, Message: msg}}
}

// Status is the persisted status code of the outcome.
func (r *Result) Status() Status {
	switch o := r.Outcome.(type) {
	case Content:
		return o.Status
	case Image:
		return StatusOK
	case Failure:
		return o.Status
	default:
		return StatusUnparseable
	}
}

// StatusMessage explains a failure; it is empty on success.
func (r *Result) StatusMessage() string {
	switch o := r.Outcome.(type) {
	case Content, Image:
		return ""
	case Failure:
		return o.Message
	default:
		return "no outcome"
	}
}

// ContentType is the media type the server reported, without parameters.
func (r *Result) ContentType() string {
	switch o := r.Outcome.(type) {
	case Content:
		return o.ContentType
	case Image:
		return o.ContentType
	case Failure:
		return o.ContentType
	default:
		return ""
	}
}

// Content returns the extracted markup, if any.
func (r *Result) Content() (string, bool) {
	if c, ok := r.Outcome.(Content); ok {
		return c.Text, true
	}
	return "", false
}

// IsError is false only for completed network fetches.
func (r *Result) IsError() bool {
	return r.Status() != StatusOK
}

// IsImage reports whether the response was an image.
func (r *Result) IsImage() bool {
	_, ok := r.Outcome.(Image)
	return ok
}

func (r *Result) String() string {
	return fmt.Sprintf("<Readable(content_type=%s, status=%d, url=%s)>", r.ContentType(), int(r.Status()), r.URL)
}
