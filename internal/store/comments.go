package store

import (
	"context"
	"fmt"

	"portal/api/internal/blob"
	"portal/api/internal/rbac"
	"portal/api/internal/signal"
)

// ListComments returns the comments of an issue in creation order. Unknown issues have none.
func (s *Store) ListComments(ctx context.Context, issueID int) ([]Comment, error) {
	unlock, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	comments, err := s.loadComments(ctx)
	if err != nil {
		return nil, err
	}
	list := comments[commentKey(issueID)]
	if list == nil {
		list = []Comment{}
	}
	return list, nil
}

// CreateComment appends a comment and notifies the role on the other side of the
// conversation from the actor.
func (s *Store) CreateComment(ctx context.Context, actor Actor, issueID int, in CommentInput) (Comment, error) {
	unlock, err := s.begin(ctx)
	if err != nil {
		return Comment{}, err
	}
	defer unlock()

	ids, err := s.loadCounters(ctx)
	if err != nil {
		return Comment{}, err
	}
	issues, err := s.loadIssues(ctx)
	if err != nil {
		return Comment{}, err
	}
	ids.coverIssues(issues)
	idx := findIssue(issues, issueID)
	if idx < 0 {
		return Comment{}, issueNotFound(issueID)
	}
	comments, err := s.loadComments(ctx)
	if err != nil {
		return Comment{}, err
	}
	ids.coverComments(comments)

	now := s.timestamp()
	comment := Comment{
		ID:          take(&ids.Comment),
		Author:      in.Author,
		Content:     in.Content,
		Attachments: in.Attachments,
		CreatedAt:   now,
	}
	if comment.Author == "" {
		comment.Author = actor.FirstName
	}
	if comment.Author == "" {
		comment.Author = "User"
	}
	if comment.Attachments == nil {
		comment.Attachments = []Attachment{}
	}

	key := commentKey(issueID)
	comments[key] = append(comments[key], comment)
	issues[idx].CommentsCount++
	issues[idx].UpdatedAt = now

	err = s.apply(ctx, changeSet{
		ids:      ids,
		issues:   issues,
		comments: comments,
		notes: []note{{
			kind:    signal.KindCommentCreated,
			issueID: issueID,
			role:    roleRef(rbac.Counterpart(rbac.Normalize(string(actor.Role)))),
			message: fmt.Sprintf("New comment on issue #%d", issueID),
		}},
	})
	if err != nil {
		return Comment{}, err
	}
	return comment, nil
}

// UploadAttachment stores the payload and appends it to the issue. A data URI is kept
// as given; raw bytes go through the configured blob sink.
func (s *Store) UploadAttachment(ctx context.Context, issueID int, up AttachmentUpload) (Attachment, error) {
	if err := s.delay(ctx); err != nil {
		return Attachment{}, err
	}
	if err := s.requireIssue(ctx, issueID); err != nil {
		return Attachment{}, err
	}

	var stored blob.Stored
	if up.DataURI != "" {
		stored = blob.Describe(up.DataURI)
	} else {
		var err error
		stored, err = s.sink.Store(ctx, issueID, blob.Payload{
			Filename:    up.Filename,
			ContentType: up.ContentType,
			Data:        up.Data,
		})
		if err != nil {
			return Attachment{}, fmt.Errorf("store attachment: %w", err)
		}
	}

	unlock, err := s.lock(ctx)
	if err != nil {
		return Attachment{}, err
	}
	defer unlock()

	ids, err := s.loadCounters(ctx)
	if err != nil {
		return Attachment{}, err
	}
	issues, err := s.loadIssues(ctx)
	if err != nil {
		return Attachment{}, err
	}
	ids.coverIssues(issues)
	idx := findIssue(issues, issueID)
	if idx < 0 {
		return Attachment{}, issueNotFound(issueID)
	}

	now := s.timestamp()
	attachment := Attachment{
		ID:          take(&ids.Attachment),
		Filename:    up.Filename,
		URL:         stored.URL,
		UploadedAt:  now,
		ContentType: stored.ContentType,
		Size:        stored.Size,
		Checksum:    stored.Checksum,
	}
	issues[idx].Attachments = append(issues[idx].Attachments, attachment)
	issues[idx].UpdatedAt = now

	err = s.apply(ctx, changeSet{
		ids:    ids,
		issues: issues,
		notes: []note{{
			kind:    signal.KindAttachmentUploaded,
			issueID: issueID,
			role:    roleRef(rbac.RoleStaff),
			message: fmt.Sprintf("New attachment on issue #%d: %s", issueID, attachment.Filename),
		}},
	})
	if err != nil {
		return Attachment{}, err
	}
	return attachment, nil
}

func (s *Store) requireIssue(ctx context.Context, issueID int) error {
	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	issues, err := s.loadIssues(ctx)
	if err != nil {
		return err
	}
	if findIssue(issues, issueID) < 0 {
		return issueNotFound(issueID)
	}
	return nil
}
