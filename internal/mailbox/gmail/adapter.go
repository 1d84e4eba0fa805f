// Package gmail implements the mailbox capability on the Gmail API.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/facturador/mailtrigger/internal/gapi"
	"github.com/facturador/mailtrigger/internal/mailbox"
)

const historyPageSize = 500

// Adapter implements mailbox.Mailbox for one Gmail account.
type Adapter struct {
	svc  *gmailapi.Service
	user string
}

// New builds an adapter from service options (typically an authenticated
// HTTP client). user is the Gmail user id, normally "me".
func New(ctx context.Context, user string, opts ...option.ClientOption) (*Adapter, error) {
	svc, err := gmailapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return &Adapter{svc: svc, user: user}, nil
}

func (a *Adapter) ListHistory(ctx context.Context, startHistoryID uint64) ([]string, uint64, error) {
	seen := make(map[string]bool)
	var ids []string
	maxID := startHistoryID
	pageToken := ""

	for {
		var resp *gmailapi.ListHistoryResponse
		err := gapi.WithRetry(ctx, "gmail.users.history.list", func() error {
			call := a.svc.Users.History.List(a.user).
				StartHistoryId(startHistoryID).
				HistoryTypes("messageAdded").
				MaxResults(historyPageSize).
				Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var callErr error
			resp, callErr = call.Do()
			return callErr
		})
		if err != nil {
			var gerr *googleapi.Error
			if errors.As(err, &gerr) && gerr.Code == 404 {
				return nil, 0, mailbox.ErrHistoryExpired
			}
			return nil, 0, fmt.Errorf("list history from %d: %w", startHistoryID, err)
		}

		for _, h := range resp.History {
			if h.Id > maxID {
				maxID = h.Id
			}
			for _, added := range h.MessagesAdded {
				if added.Message == nil || added.Message.Id == "" {
					continue
				}
				if seen[added.Message.Id] {
					continue
				}
				seen[added.Message.Id] = true
				ids = append(ids, added.Message.Id)
			}
		}

		if resp.HistoryId > maxID {
			maxID = resp.HistoryId
		}
		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	return ids, maxID, nil
}

func (a *Adapter) Search(ctx context.Context, query string, max int64) ([]mailbox.Candidate, error) {
	var resp *gmailapi.ListMessagesResponse
	err := gapi.WithRetry(ctx, "gmail.users.messages.list", func() error {
		var callErr error
		resp, callErr = a.svc.Users.Messages.List(a.user).
			Q(query).
			MaxResults(max).
			Context(ctx).
			Do()
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}

	candidates := make([]mailbox.Candidate, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		candidates = append(candidates, mailbox.Candidate{ID: m.Id, ThreadID: m.ThreadId})
	}
	return candidates, nil
}

func (a *Adapter) GetCandidate(ctx context.Context, id string) (*mailbox.Candidate, error) {
	var msg *gmailapi.Message
	err := gapi.WithRetry(ctx, "gmail.users.messages.get", func() error {
		var callErr error
		msg, callErr = a.svc.Users.Messages.Get(a.user, id).
			Format("minimal").
			Context(ctx).
			Do()
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}

	return &mailbox.Candidate{ID: msg.Id, ThreadID: msg.ThreadId, LabelIDs: msg.LabelIds}, nil
}

func (a *Adapter) GetAttachments(ctx context.Context, id string) ([]mailbox.Attachment, error) {
	var msg *gmailapi.Message
	err := gapi.WithRetry(ctx, "gmail.users.messages.get", func() error {
		var callErr error
		msg, callErr = a.svc.Users.Messages.Get(a.user, id).
			Format("full").
			Context(ctx).
			Do()
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	if msg.Payload == nil {
		return nil, nil
	}

	var attachments []mailbox.Attachment
	for _, part := range flattenParts(msg.Payload) {
		name := strings.TrimSpace(part.Filename)
		if !strings.HasSuffix(strings.ToLower(name), ".zip") {
			continue
		}
		if part.Body == nil {
			continue
		}

		encoded := part.Body.Data
		if part.Body.AttachmentId != "" {
			var att *gmailapi.MessagePartBody
			err := gapi.WithRetry(ctx, "gmail.users.messages.attachments.get", func() error {
				var callErr error
				att, callErr = a.svc.Users.Messages.Attachments.Get(a.user, id, part.Body.AttachmentId).
					Context(ctx).
					Do()
				return callErr
			})
			if err != nil {
				return nil, fmt.Errorf("get attachment %s of %s: %w", name, id, err)
			}
			encoded = att.Data
		}
		if encoded == "" {
			continue
		}

		data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
		if err != nil {
			return nil, fmt.Errorf("decode attachment %s of %s: %w", name, id, err)
		}
		attachments = append(attachments, mailbox.Attachment{Name: name, Data: data})
	}
	return attachments, nil
}

// flattenParts walks the MIME tree depth-first.
func flattenParts(root *gmailapi.MessagePart) []*gmailapi.MessagePart {
	var parts []*gmailapi.MessagePart
	stack := []*gmailapi.MessagePart{root}
	for len(stack) > 0 {
		part := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		parts = append(parts, part)
		stack = append(stack, part.Parts...)
	}
	return parts
}

func (a *Adapter) ModifyLabels(ctx context.Context, id string, add, remove []string) error {
	err := gapi.WithRetry(ctx, "gmail.users.messages.modify", func() error {
		_, callErr := a.svc.Users.Messages.Modify(a.user, id, &gmailapi.ModifyMessageRequest{
			AddLabelIds:    add,
			RemoveLabelIds: remove,
		}).Context(ctx).Do()
		return callErr
	})
	if err != nil {
		return fmt.Errorf("modify labels on %s: %w", id, err)
	}
	return nil
}

func (a *Adapter) Watch(ctx context.Context, topic string, labelIDs []string) (*mailbox.WatchResult, error) {
	req := &gmailapi.WatchRequest{TopicName: topic}
	if len(labelIDs) > 0 {
		req.LabelIds = labelIDs
		req.LabelFilterAction = "include"
	}

	var resp *gmailapi.WatchResponse
	err := gapi.WithRetry(ctx, "gmail.users.watch", func() error {
		var callErr error
		resp, callErr = a.svc.Users.Watch(a.user, req).Context(ctx).Do()
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("register watch: %w", err)
	}

	return &mailbox.WatchResult{
		HistoryID: resp.HistoryId,
		Expiry:    time.UnixMilli(resp.Expiration),
	}, nil
}

func (a *Adapter) EnsureLabel(ctx context.Context, name string) (string, error) {
	var listed *gmailapi.ListLabelsResponse
	err := gapi.WithRetry(ctx, "gmail.users.labels.list", func() error {
		var callErr error
		listed, callErr = a.svc.Users.Labels.List(a.user).Context(ctx).Do()
		return callErr
	})
	if err != nil {
		return "", fmt.Errorf("list labels: %w", err)
	}
	for _, label := range listed.Labels {
		if label.Name == name {
			return label.Id, nil
		}
	}

	var created *gmailapi.Label
	err = gapi.WithRetry(ctx, "gmail.users.labels.create", func() error {
		var callErr error
		created, callErr = a.svc.Users.Labels.Create(a.user, &gmailapi.Label{
			Name:                  name,
			LabelListVisibility:   "labelShow",
			MessageListVisibility: "show",
		}).Context(ctx).Do()
		return callErr
	})
	if err != nil {
		return "", fmt.Errorf("create label %q: %w", name, err)
	}
	return created.Id, nil
}
