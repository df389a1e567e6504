// Package format renders normalized messages into the configured output
// shape. Formatting is a pure function of (message, options): the same
// input always produces byte-identical output, which the deduplication and
// crash-resume paths rely on.
package format

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c4pt0r/gmailtail/internal/gmail"
)

const (
	FormatJSON      = "json"
	FormatJSONLines = "json-lines"
	FormatCompact   = "compact"
)

const compactSubjectLimit = 50

// Options controls the output shape. Validated once at startup, never per
// message.
type Options struct {
	Format string
	Pretty bool
	// Fields restricts output to the listed fields, in listed order.
	Fields             []string
	IncludeBody        bool
	MaxBodyLength      int
	IncludeAttachments bool
}

var knownFields = map[string]struct{}{
	"id": {}, "threadId": {}, "timestamp": {}, "internalDate": {},
	"subject": {}, "from": {}, "to": {}, "cc": {}, "bcc": {},
	"date": {}, "message-id": {}, "snippet": {}, "labels": {},
	"sizeEstimate": {}, "headers": {}, "body": {}, "attachments": {},
}

// Formatter renders messages according to a validated Options.
type Formatter struct {
	opts Options
}

func New(opts Options) (*Formatter, error) {
	switch opts.Format {
	case "", FormatJSON, FormatJSONLines, FormatCompact:
	default:
		return nil, fmt.Errorf("unknown output format %q", opts.Format)
	}
	if opts.Format == "" {
		opts.Format = FormatJSONLines
	}
	if opts.MaxBodyLength < 0 {
		return nil, fmt.Errorf("max body length must not be negative")
	}
	for _, f := range opts.Fields {
		if _, ok := knownFields[f]; !ok {
			return nil, fmt.Errorf("unknown output field %q", f)
		}
	}
	return &Formatter{opts: opts}, nil
}

// Format renders one message as a single output record, without a trailing
// newline.
func (f *Formatter) Format(m gmail.Message) ([]byte, error) {
	if f.opts.Format == FormatCompact {
		return f.compact(m), nil
	}
	fields := f.record(m)
	pretty := f.opts.Format == FormatJSON && f.opts.Pretty
	return marshalOrdered(fields, pretty)
}

type field struct {
	name  string
	value any
}

func (f *Formatter) record(m gmail.Message) []field {
	names := f.opts.Fields
	if len(names) == 0 {
		names = defaultFieldOrder(f.opts)
	}
	out := make([]field, 0, len(names))
	for _, name := range names {
		value, ok := f.fieldValue(m, name)
		if !ok {
			continue
		}
		out = append(out, field{name: name, value: value})
	}
	return out
}

func defaultFieldOrder(opts Options) []string {
	names := []string{
		"id", "threadId", "timestamp", "subject", "from", "to", "cc", "bcc",
		"date", "message-id", "snippet", "labels", "sizeEstimate",
	}
	if opts.IncludeBody {
		names = append(names, "body")
	}
	if opts.IncludeAttachments {
		names = append(names, "attachments")
	}
	return names
}

// fieldValue returns the rendered value for name, or ok=false when the
// field is empty on this message and may be omitted.
func (f *Formatter) fieldValue(m gmail.Message, name string) (any, bool) {
	switch name {
	case "id":
		return string(m.ID), true
	case "threadId":
		return m.ThreadID, true
	case "timestamp":
		return m.Timestamp.UTC().Format(time.RFC3339), true
	case "internalDate":
		return m.InternalDate, true
	case "subject":
		return m.Subject, true
	case "from":
		return m.From, true
	case "to":
		return m.To, true
	case "cc":
		return m.Cc, len(m.Cc) > 0
	case "bcc":
		return m.Bcc, len(m.Bcc) > 0
	case "date":
		return m.Date, true
	case "message-id":
		return m.MessageID, true
	case "snippet":
		return m.Snippet, true
	case "labels":
		return m.Labels, true
	case "sizeEstimate":
		return m.SizeEstimate, true
	case "headers":
		return m.Headers, len(m.Headers) > 0
	case "body":
		return f.truncateBody(m.Body), f.opts.IncludeBody || len(f.opts.Fields) > 0
	case "attachments":
		return m.Attachments, len(m.Attachments) > 0
	}
	return nil, false
}

// truncateBody cuts at the configured byte length with no word-boundary
// handling, so the cut point is deterministic.
func (f *Formatter) truncateBody(body string) string {
	maxLen := f.opts.MaxBodyLength
	if maxLen > 0 && len(body) > maxLen {
		return body[:maxLen] + "..."
	}
	return body
}

func (f *Formatter) compact(m gmail.Message) []byte {
	subject := m.Subject
	if len(subject) > compactSubjectLimit {
		subject = subject[:compactSubjectLimit-3] + "..."
	}
	email := m.From.Email
	if email == "" {
		email = "unknown"
	}
	ts := m.Timestamp.UTC().Format(time.RFC3339)
	return []byte(fmt.Sprintf("%s | %s | %s", ts, email, subject))
}

// marshalOrdered renders the fields as a JSON object preserving field
// order; encoding/json alone would sort map keys.
func marshalOrdered(fields []field, pretty bool) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, fd := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		if pretty {
			buf.WriteString("\n  ")
		}
		key, err := json.Marshal(fd.name)
		if err != nil {
			return nil, fmt.Errorf("encode field name %q: %w", fd.name, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		if pretty {
			buf.WriteByte(' ')
		}
		value, err := json.Marshal(fd.value)
		if err != nil {
			return nil, fmt.Errorf("encode field %q: %w", fd.name, err)
		}
		buf.Write(value)
	}
	if pretty && len(fields) > 0 {
		buf.WriteByte('\n')
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
