package store

import (
	"context"
	"fmt"
	"sort"

	"portal/api/internal/rbac"
	"portal/api/internal/search"
	"portal/api/internal/signal"
)

// ListIssues returns issues newest first, narrowed by filter.
func (s *Store) ListIssues(ctx context.Context, actor Actor, filter IssueFilter) ([]Issue, error) {
	unlock, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	issues, err := s.loadIssues(ctx)
	unlock()
	if err != nil {
		return nil, err
	}

	sort.SliceStable(issues, func(i, j int) bool { return issues[i].ID > issues[j].ID })

	out := make([]Issue, 0, len(issues))
	for _, issue := range issues {
		if filter.Assignee == "me" && (actor.Email == "" || issue.AssigneeEmail == nil || *issue.AssigneeEmail != actor.Email) {
			continue
		}
		if filter.Status != "" && issue.Status != filter.Status {
			continue
		}
		if filter.Priority != "" && issue.Priority != filter.Priority {
			continue
		}
		out = append(out, issue)
	}

	if filter.Query == "" {
		return out, nil
	}
	records := make([]search.IssueRecord, 0, len(out))
	for _, issue := range out {
		records = append(records, searchRecord(issue))
	}
	matched := make(map[int]struct{})
	q := search.Query{
		Text:     filter.Query,
		Status:   filter.Status,
		Priority: filter.Priority,
		Limit:    len(records),
	}
	if len(out) < len(issues) {
		q.IDs = make([]int, 0, len(out))
		for _, issue := range out {
			q.IDs = append(q.IDs, issue.ID)
		}
	}
	for _, id := range s.search.Search(q, records) {
		matched[id] = struct{}{}
	}
	hits := make([]Issue, 0, len(matched))
	for _, issue := range out {
		if _, ok := matched[issue.ID]; ok {
			hits = append(hits, issue)
		}
	}
	return hits, nil
}

func (s *Store) CreateIssue(ctx context.Context, actor Actor, in CreateIssueInput) (Issue, error) {
	unlock, err := s.begin(ctx)
	if err != nil {
		return Issue{}, err
	}
	defer unlock()

	ids, err := s.loadCounters(ctx)
	if err != nil {
		return Issue{}, err
	}
	issues, err := s.loadIssues(ctx)
	if err != nil {
		return Issue{}, err
	}
	ids.coverIssues(issues)

	now := s.timestamp()
	issue := Issue{
		ID:            take(&ids.Issue),
		Title:         in.Title,
		Description:   in.Description,
		Priority:      in.Priority,
		Status:        in.Status,
		CreatedAt:     now,
		UpdatedAt:     now,
		CreatedBy:     actor.Email,
		CreatedByName: actor.FirstName,
		AssigneeEmail: in.AssigneeEmail,
		AssigneeName:  in.AssigneeName,
		Attachments:   []Attachment{},
		Tags:          in.Tags,
		DueDate:       in.DueDate,
	}
	if issue.Priority == "" {
		issue.Priority = PriorityMedium
	}
	if issue.Status == "" {
		issue.Status = StatusOpen
	}
	if issue.Tags == nil {
		issue.Tags = []string{}
	}

	issues = append([]Issue{issue}, issues...)
	err = s.apply(ctx, changeSet{
		ids:    ids,
		issues: issues,
		notes: []note{{
			kind:    signal.KindIssueCreated,
			issueID: issue.ID,
			role:    roleRef(rbac.RoleManager),
			message: fmt.Sprintf(`New issue created: "%s"`, issue.Title),
		}},
	})
	if err != nil {
		return Issue{}, err
	}

	s.search.IndexIssue(searchRecord(issue))
	s.log.Info().Int("issue_id", issue.ID).Str("created_by", issue.CreatedBy).Msg("issue created")
	return issue, nil
}

// GetIssue returns the issue with its comments.
func (s *Store) GetIssue(ctx context.Context, id int) (IssueDetail, error) {
	unlock, err := s.begin(ctx)
	if err != nil {
		return IssueDetail{}, err
	}
	defer unlock()

	issues, err := s.loadIssues(ctx)
	if err != nil {
		return IssueDetail{}, err
	}
	idx := findIssue(issues, id)
	if idx < 0 {
		return IssueDetail{}, issueNotFound(id)
	}
	comments, err := s.loadComments(ctx)
	if err != nil {
		return IssueDetail{}, err
	}
	list := comments[commentKey(id)]
	if list == nil {
		list = []Comment{}
	}
	return IssueDetail{Issue: issues[idx], Comments: list}, nil
}

// UpdateIssue merges patch into the issue and notifies about status and assignee changes.
func (s *Store) UpdateIssue(ctx context.Context, id int, patch IssuePatch) (Issue, error) {
	unlock, err := s.begin(ctx)
	if err != nil {
		return Issue{}, err
	}
	defer unlock()

	ids, err := s.loadCounters(ctx)
	if err != nil {
		return Issue{}, err
	}
	issues, err := s.loadIssues(ctx)
	if err != nil {
		return Issue{}, err
	}
	ids.coverIssues(issues)
	idx := findIssue(issues, id)
	if idx < 0 {
		return Issue{}, issueNotFound(id)
	}

	issue := issues[idx]
	mergePatch(&issue, patch)
	issue.UpdatedAt = s.timestamp()
	issues[idx] = issue

	var notes []note
	if patch.Status != nil && *patch.Status != "" {
		notes = append(notes, note{
			kind:    signal.KindIssueUpdated,
			issueID: id,
			role:    roleRef(rbac.RoleClient),
			message: statusMessage(issue),
		})
	}
	if patch.AssigneeEmail != nil || patch.AssigneeName != nil {
		notes = append(notes, note{
			kind:    signal.KindIssueAssigned,
			issueID: id,
			role:    roleRef(rbac.RoleStaff),
			message: fmt.Sprintf("You have been assigned to issue #%d", id),
		})
	}

	if err := s.apply(ctx, changeSet{ids: ids, issues: issues, notes: notes}); err != nil {
		return Issue{}, err
	}
	s.search.IndexIssue(searchRecord(issue))
	return issue, nil
}

func (s *Store) AssignIssue(ctx context.Context, id int, a Assignment) (Issue, error) {
	return s.UpdateIssue(ctx, id, IssuePatch{AssigneeEmail: &a.Email, AssigneeName: &a.Name})
}

func (s *Store) TransitionIssue(ctx context.Context, id int, status string) (Issue, error) {
	return s.UpdateIssue(ctx, id, IssuePatch{Status: &status})
}

func mergePatch(issue *Issue, patch IssuePatch) {
	if patch.Title != nil {
		issue.Title = *patch.Title
	}
	if patch.Description != nil {
		issue.Description = *patch.Description
	}
	if patch.Priority != nil {
		issue.Priority = *patch.Priority
	}
	if patch.Status != nil {
		issue.Status = *patch.Status
	}
	if patch.AssigneeEmail != nil {
		email := *patch.AssigneeEmail
		issue.AssigneeEmail = &email
	}
	if patch.AssigneeName != nil {
		name := *patch.AssigneeName
		issue.AssigneeName = &name
	}
	if patch.Tags != nil {
		tags := append([]string{}, (*patch.Tags)...)
		issue.Tags = tags
	}
	if patch.DueDate != nil {
		due := *patch.DueDate
		issue.DueDate = &due
	}
}

var statusMessages = map[string]func(issue Issue) string{
	StatusInProgress: func(issue Issue) string {
		return fmt.Sprintf("Issue #%d started by %s", issue.ID, assigneeLabel(issue))
	},
	StatusResolved: func(issue Issue) string {
		return fmt.Sprintf("Issue #%d resolved by %s", issue.ID, assigneeLabel(issue))
	},
	StatusClosed: func(issue Issue) string { return fmt.Sprintf("Issue #%d closed", issue.ID) },
	StatusOpen:   func(issue Issue) string { return fmt.Sprintf("Issue #%d reopened", issue.ID) },
}

func statusMessage(issue Issue) string {
	if msg, ok := statusMessages[issue.Status]; ok {
		return msg(issue)
	}
	return fmt.Sprintf("Issue #%d status changed to %s", issue.ID, issue.Status)
}

func assigneeLabel(issue Issue) string {
	if issue.AssigneeName != nil && *issue.AssigneeName != "" {
		return *issue.AssigneeName
	}
	return "staff"
}

func searchRecord(issue Issue) search.IssueRecord {
	return search.IssueRecord{
		ID:          issue.ID,
		Title:       issue.Title,
		Description: issue.Description,
		Status:      issue.Status,
		Priority:    issue.Priority,
		Tags:        issue.Tags,
	}
}

// SearchRecords returns every issue in its indexable form. Used to seed a search engine.
func (s *Store) SearchRecords(ctx context.Context) ([]search.IssueRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.initLocked(ctx); err != nil {
		return nil, err
	}
	issues, err := s.loadIssues(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]search.IssueRecord, 0, len(issues))
	for _, issue := range issues {
		records = append(records, searchRecord(issue))
	}
	return records, nil
}
