package runtime

import (
	"encoding/base64"
	"html"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"

	gc "github.com/c4pt0r/gmailtail/internal/gmail"
)

var htmlTagRe = regexp.MustCompile(`<[^>]+>`)

// normalize converts a raw Gmail message into the structured form handed
// downstream. Pure: the same input always yields the same Message.
func normalize(m *gmail.Message, labelNames map[string]string) gc.Message {
	out := gc.Message{
		ID:           gc.MessageID(m.Id),
		ThreadID:     m.ThreadId,
		InternalDate: m.InternalDate,
		Timestamp:    time.UnixMilli(m.InternalDate).UTC(),
		Snippet:      m.Snippet,
		SizeEstimate: m.SizeEstimate,
		Labels:       labelsFor(m.LabelIds, labelNames),
	}

	if m.Payload == nil {
		return out
	}

	headers := make(map[string]string, len(m.Payload.Headers))
	for _, h := range m.Payload.Headers {
		headers[strings.ToLower(h.Name)] = h.Value
	}
	out.Headers = headers
	out.Subject = headers["subject"]
	out.From = parseAddress(headers["from"])
	out.To = parseAddressList(headers["to"])
	out.Cc = parseAddressList(headers["cc"])
	out.Bcc = parseAddressList(headers["bcc"])
	out.Date = headers["date"]
	out.MessageID = headers["message-id"]

	out.Body = extractBody(m.Payload)
	out.Attachments = extractAttachments(m.Payload)

	return out
}

func labelsFor(ids []string, names map[string]string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		if name, ok := names[id]; ok {
			out[i] = name
		} else {
			out[i] = id
		}
	}
	return out
}

func parseAddress(raw string) gc.Address {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return gc.Address{}
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return gc.Address{Email: raw}
	}
	return gc.Address{Name: addr.Name, Email: addr.Address}
}

func parseAddressList(raw string) []gc.Address {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	addrs, err := mail.ParseAddressList(raw)
	if err != nil {
		// fall back to a naive comma split for headers net/mail rejects
		var out []gc.Address
		for _, part := range strings.Split(raw, ",") {
			if a := parseAddress(part); a.Email != "" {
				out = append(out, a)
			}
		}
		return out
	}
	out := make([]gc.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, gc.Address{Name: a.Name, Email: a.Address})
	}
	return out
}

// extractBody walks the MIME tree and returns the plain-text body,
// falling back to tag-stripped HTML when no text/plain part exists.
func extractBody(payload *gmail.MessagePart) string {
	if text := collectParts(payload, "text/plain", decodePlain); text != "" {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(collectParts(payload, "text/html", decodeHTML))
}

func collectParts(part *gmail.MessagePart, mimeType string, decode func(string) string) string {
	if part == nil {
		return ""
	}
	if part.MimeType == mimeType && part.Body != nil && part.Body.Data != "" {
		return decode(part.Body.Data)
	}
	var b strings.Builder
	for _, sub := range part.Parts {
		if text := collectParts(sub, mimeType, decode); text != "" {
			b.WriteString(text)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func decodePlain(data string) string {
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return ""
	}
	return string(decoded)
}

func decodeHTML(data string) string {
	raw := decodePlain(data)
	if raw == "" {
		return ""
	}
	return html.UnescapeString(htmlTagRe.ReplaceAllString(raw, ""))
}

func extractAttachments(part *gmail.MessagePart) []gc.Attachment {
	if part == nil {
		return nil
	}
	var out []gc.Attachment
	if part.Filename != "" {
		att := gc.Attachment{
			Filename: part.Filename,
			MimeType: part.MimeType,
		}
		if part.Body != nil {
			att.Size = part.Body.Size
			att.AttachmentID = part.Body.AttachmentId
		}
		out = append(out, att)
	}
	for _, sub := range part.Parts {
		out = append(out, extractAttachments(sub)...)
	}
	return out
}
