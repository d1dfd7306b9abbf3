package entity

import "time"

type AttachmentKind string

const (
	AttachmentDriveFile AttachmentKind = "drive"
	AttachmentLink      AttachmentKind = "link"
	AttachmentForm      AttachmentKind = "form"
	AttachmentVideo     AttachmentKind = "video"
)

// Attachment is a single downloadable or linkable item referenced by a
// record. Kind discriminates which of the remaining fields are set.
type Attachment struct {
	Kind         AttachmentKind `json:"kind"`
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	MIMEType     string         `json:"mime_type,omitempty"`     // drive files only
	ExportFormat string         `json:"export_format,omitempty"` // drive files that need conversion before fetch
	URL          string         `json:"url,omitempty"`           // link, form and video items
	Description  string         `json:"description,omitempty"`   // optional markdown, may carry frontmatter
}

// IsLink reports whether the attachment is aggregated into the link
// manifest instead of being downloaded individually.
func (a *Attachment) IsLink() bool {
	return a.Kind != AttachmentDriveFile
}

func (a *Attachment) NeedsExport() bool {
	return a.Kind == AttachmentDriveFile && a.ExportFormat != ""
}

type RecordKind string

const (
	RecordMaterial     RecordKind = "material"
	RecordAssignment   RecordKind = "assignment"
	RecordAnnouncement RecordKind = "announcement"
)

// Record is one catalog entry (material, assignment or announcement)
// with its attachments.
type Record struct {
	ID          string       `json:"id"`
	Kind        RecordKind   `json:"kind"`
	Title       string       `json:"title"`
	CreatedAt   time.Time    `json:"created_at"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Collection is the catalog query result for one collection id. This is
// the payload the record cache stores.
type Collection struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Records   []*Record `json:"records"`
	FetchedAt time.Time `json:"fetched_at"`
	Truncated bool      `json:"truncated,omitempty"`
}
