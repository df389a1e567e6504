// Package runtime wires the Gmail SDK and credentials into the narrow
// client surface the rest of gmailtail consumes.
package runtime

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/api/gmail/v1"

	gc "github.com/c4pt0r/gmailtail/internal/gmail"
)

const gmailUser = "me"

type googleClient struct {
	svc *gmail.Service

	labelOnce sync.Once
	labels    map[string]string // label id -> display name
}

// NewGoogleAPIClient adapts *gmail.Service to the gmailtail client
// interface.
func NewGoogleAPIClient(svc *gmail.Service) gc.Client {
	return &googleClient{svc: svc}
}

func (g *googleClient) List(ctx context.Context, q gc.Query, pageToken string, pageSize int64) (gc.ListPage, error) {
	call := g.svc.Users.Messages.List(gmailUser).Q(q.Raw).MaxResults(pageSize)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	res, err := call.Context(ctx).Do()
	if err != nil {
		return gc.ListPage{}, fmt.Errorf("list messages: %w", err)
	}
	page := gc.ListPage{NextToken: res.NextPageToken}
	for _, m := range res.Messages {
		page.IDs = append(page.IDs, gc.MessageID(m.Id))
	}
	return page, nil
}

func (g *googleClient) GetFull(ctx context.Context, id gc.MessageID) (gc.Message, error) {
	msg, err := g.svc.Users.Messages.Get(gmailUser, string(id)).Format("full").Context(ctx).Do()
	if err != nil {
		return gc.Message{}, fmt.Errorf("get message %s: %w", id, err)
	}
	return normalize(msg, g.labelNames(ctx)), nil
}

// labelNames resolves Gmail label ids to display names. Loaded once; on
// failure the raw label ids pass through, which is still usable output.
func (g *googleClient) labelNames(ctx context.Context) map[string]string {
	g.labelOnce.Do(func() {
		res, err := g.svc.Users.Labels.List(gmailUser).Context(ctx).Do()
		if err != nil {
			return
		}
		g.labels = make(map[string]string, len(res.Labels))
		for _, l := range res.Labels {
			g.labels[l.Id] = l.Name
		}
	})
	return g.labels
}
