// Package filter compiles a declarative message filter into a Gmail search
// query string.
package filter

import (
	"fmt"
	"strings"
	"time"
)

// Spec holds the configured filter predicates. Built once at startup and
// recompiled each poll cycle with the current checkpoint bound.
type Spec struct {
	// Query is a raw Gmail query. When set it wins: the structured
	// predicates below are ignored and only the checkpoint bound is
	// conjoined.
	Query string

	From          string
	To            string
	Subject       string
	Labels        []string
	HasAttachment bool
	UnreadOnly    bool
	Since         string // lower bound, "2006-01-02" or RFC 3339

	since time.Time
}

var sinceLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// Validate parses the configured predicates. It must be called before
// Compile; an unparseable --since date fails here, before any network
// activity.
func (s *Spec) Validate() error {
	if s.Since == "" {
		return nil
	}
	for _, layout := range sinceLayouts {
		if t, err := time.Parse(layout, s.Since); err == nil {
			s.since = t
			return nil
		}
	}
	return fmt.Errorf("invalid --since date %q: want YYYY-MM-DD or RFC 3339", s.Since)
}

// Compile renders the provider query. bound is the checkpoint-derived lower
// time bound; it is always conjoined, raw query or not, so a resumed run
// never requests history behind the cursor.
func (s Spec) Compile(bound time.Time) string {
	var parts []string

	if s.Query != "" {
		parts = append(parts, "("+s.Query+")")
	} else {
		if s.From != "" {
			parts = append(parts, "from:"+s.From)
		}
		if s.To != "" {
			parts = append(parts, "to:"+s.To)
		}
		if s.Subject != "" {
			subject := strings.ReplaceAll(s.Subject, `"`, `\"`)
			parts = append(parts, fmt.Sprintf(`subject:"%s"`, subject))
		}
		for _, label := range s.Labels {
			parts = append(parts, "label:"+label)
		}
		if s.HasAttachment {
			parts = append(parts, "has:attachment")
		}
		if s.UnreadOnly {
			parts = append(parts, "is:unread")
		}
		if !s.since.IsZero() {
			parts = append(parts, "after:"+s.since.Format("2006/01/02"))
		}
	}

	if !bound.IsZero() {
		// after: has second granularity and is not reliably inclusive, so
		// back off one second; the deduplicator drops the refetched frontier.
		parts = append(parts, fmt.Sprintf("after:%d", bound.Unix()-1))
	}

	return strings.Join(parts, " ")
}
