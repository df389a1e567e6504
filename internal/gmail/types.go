package gmail

import "time"

type MessageID string

// Query is a Gmail search query string, already formed
// (e.g. `from:alerts@example.com is:unread after:1726440000`).
type Query struct {
	Raw string
}

// ListPage is a single response unit from Users.Messages.List: the ids on
// this page plus the continuation token, empty on the last page.
type ListPage struct {
	IDs       []MessageID
	NextToken string
}

// Address is a parsed mailbox from an address header.
type Address struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Attachment describes one attachment part. The content itself is never
// fetched, only the metadata Gmail reports on the message payload.
type Attachment struct {
	Filename     string `json:"filename"`
	MimeType     string `json:"mimeType"`
	Size         int64  `json:"size"`
	AttachmentID string `json:"attachmentId,omitempty"`
}

// Message is the normalized form handed downstream. Normalization is a pure
// function of the raw API message, so the same input always produces the
// same Message.
type Message struct {
	ID           MessageID         `json:"id"`
	ThreadID     string            `json:"threadId"`
	Timestamp    time.Time         `json:"timestamp"`
	InternalDate int64             `json:"internalDate"`
	Subject      string            `json:"subject"`
	From         Address           `json:"from"`
	To           []Address         `json:"to"`
	Cc           []Address         `json:"cc,omitempty"`
	Bcc          []Address         `json:"bcc,omitempty"`
	Date         string            `json:"date,omitempty"`
	MessageID    string            `json:"message-id,omitempty"`
	Snippet      string            `json:"snippet,omitempty"`
	SizeEstimate int64             `json:"sizeEstimate,omitempty"`
	Labels       []string          `json:"labels"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         string            `json:"body,omitempty"`
	Attachments  []Attachment      `json:"attachments,omitempty"`
}
