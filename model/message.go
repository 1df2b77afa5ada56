package model

import (
	"crypto/sha256"
	"encoding/base64"
	"time"
)

// Container is one stored email as read from an mbox archive, an .eml file or an IMAP folder.
type Container struct {
	Source string
	Name   string
	Hash   string
	Raw    []byte
}

// Envelope wraps a container alongside an optional error encountered while reading it.
type Envelope struct {
	Container Container
	Err       error
}

// Message is the parsed form of one container.
type Message struct {
	ID          string
	Source      string
	Sender      string
	Subject     string
	Date        time.Time
	RawBody     string
	Segments    []string
	Attachments []Attachment
	Results     []ExtractionResult
	Skipped     []string
	Failures    []AttachmentFailure
}

// Attachment is owned by exactly one Message and never modified after parsing.
type Attachment struct {
	Filename string
	MimeHint string
	Content  []byte
}

type Method string

const (
	MethodDirectPDF  Method = "direct-pdf"
	MethodScannedPDF Method = "scanned-pdf-ocr"
	MethodImage      Method = "image-vision"
)

type Status string

const (
	StatusOK     Status = "ok"
	StatusEmpty  Status = "empty"
	StatusFailed Status = "failed"
)

// ExtractionResult is produced once per extracted attachment. Index points into
// Message.Attachments.
type ExtractionResult struct {
	Index    int
	Filename string
	Text     string
	Method   Method
	Status   Status
}

// AttachmentFailure records an attachment whose extraction failed when the parser
// degrades per attachment instead of failing the whole container.
type AttachmentFailure struct {
	Index    int
	Filename string
	Err      error
}

// NewContainer fills in the content hash used for duplicate detection.
func NewContainer(source, name string, raw []byte) Container {
	sum := sha256.Sum256(raw)
	return Container{
		Source: source,
		Name:   name,
		Hash:   base64.StdEncoding.EncodeToString(sum[:]),
		Raw:    raw,
	}
}
