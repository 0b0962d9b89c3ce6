package model

import "time"

// Message is one entry of an mbox archive.
type Message struct {
	// Key is the position of the message in its archive.
	Key int
	// Envelope is the "From " separator line, without its line break.
	Envelope string
	// Raw holds the header and body exactly as stored in the archive.
	Raw []byte
}

// ExtractionRecord describes an attachment written to disk.
type ExtractionRecord struct {
	Archive        string    `json:"archive"`
	MessageKey     int       `json:"message_key"`
	MessageID      string    `json:"message_id,omitempty"`
	AttachmentName string    `json:"attachment_name"`
	TargetPath     string    `json:"target_path"`
	EncodedSize    int       `json:"encoded_size"`
	BytesWritten   int64     `json:"bytes_written"`
	ExtractedAt    time.Time `json:"extracted_at"`
}

// ArchiveResult summarises the work done on one archive.
type ArchiveResult struct {
	Archive  string
	Scanned  int
	Changed  int
	Removed  int
	Failures int
}
