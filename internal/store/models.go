package store

import (
	"time"

	"portal/api/internal/rbac"
)

const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

const (
	StatusOpen       = "open"
	StatusInProgress = "in-progress"
	StatusResolved   = "resolved"
	StatusClosed     = "closed"
)

type Issue struct {
	ID            int          `json:"id"`
	Title         string       `json:"title"`
	Description   string       `json:"description"`
	Priority      string       `json:"priority"`
	Status        string       `json:"status"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	CreatedBy     string       `json:"created_by"`
	CreatedByName string       `json:"created_by_name"`
	AssigneeEmail *string      `json:"assignee_email"`
	AssigneeName  *string      `json:"assignee_name"`
	Attachments   []Attachment `json:"attachments"`
	CommentsCount int          `json:"comments_count"`
	Tags          []string     `json:"tags"`
	DueDate       *string      `json:"due_date"`
}

// IssueDetail is an issue together with its comments.
type IssueDetail struct {
	Issue
	Comments []Comment `json:"comments"`
}

type Comment struct {
	ID          int          `json:"id"`
	Author      string       `json:"author"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments"`
	CreatedAt   time.Time    `json:"created_at"`
}

type Attachment struct {
	ID          int       `json:"id"`
	Filename    string    `json:"filename"`
	URL         string    `json:"url"`
	UploadedAt  time.Time `json:"uploaded_at"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size,omitempty"`
	Checksum    string    `json:"checksum,omitempty"`
}

// Notification is addressed to one role, or to everyone when Role is nil.
type Notification struct {
	ID        int        `json:"id"`
	Message   string     `json:"message"`
	Role      *rbac.Role `json:"role"`
	Read      bool       `json:"read"`
	CreatedAt time.Time  `json:"created_at"`
}

// Counters hold the next id to hand out for each entity kind.
type Counters struct {
	Issue      int `json:"issue"`
	Comment    int `json:"comment"`
	Attachment int `json:"attachment"`
	Notif      int `json:"notif"`
}

func initialCounters() Counters {
	return Counters{Issue: 1, Comment: 1, Attachment: 1, Notif: 1}
}

// raiseAbove moves next past existing so a lost or partial counter record never reissues an id.
func raiseAbove(next *int, existing int) {
	if existing >= *next {
		*next = existing + 1
	}
}

func (c *Counters) coverIssues(issues []Issue) {
	for _, issue := range issues {
		raiseAbove(&c.Issue, issue.ID)
		for _, a := range issue.Attachments {
			raiseAbove(&c.Attachment, a.ID)
		}
	}
}

func (c *Counters) coverComments(comments map[string][]Comment) {
	for _, list := range comments {
		for _, comment := range list {
			raiseAbove(&c.Comment, comment.ID)
		}
	}
}

func (c *Counters) coverNotifications(notifications []Notification) {
	for _, n := range notifications {
		raiseAbove(&c.Notif, n.ID)
	}
}

func take(counter *int) int {
	if *counter < 1 {
		*counter = 1
	}
	id := *counter
	*counter++
	return id
}

// Actor is the user performing an operation.
type Actor struct {
	Email     string
	FirstName string
	Role      rbac.Role
}

type IssueFilter struct {
	// Assignee "me" restricts the list to issues assigned to the actor.
	Assignee string
	Status   string
	Priority string
	Query    string
}

type CreateIssueInput struct {
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	Priority      string   `json:"priority"`
	Status        string   `json:"status"`
	Tags          []string `json:"tags"`
	DueDate       *string  `json:"due_date"`
	AssigneeEmail *string  `json:"assignee_email"`
	AssigneeName  *string  `json:"assignee_name"`
}

// IssuePatch lists the fields to change. Nil fields are left alone.
type IssuePatch struct {
	Title         *string   `json:"title"`
	Description   *string   `json:"description"`
	Priority      *string   `json:"priority"`
	Status        *string   `json:"status"`
	AssigneeEmail *string   `json:"assignee_email"`
	AssigneeName  *string   `json:"assignee_name"`
	Tags          *[]string `json:"tags"`
	DueDate       *string   `json:"due_date"`
}

type Assignment struct {
	Email string `json:"assignee_email"`
	Name  string `json:"assignee_name"`
}

type CommentInput struct {
	Content     string       `json:"content"`
	Author      string       `json:"author"`
	Attachments []Attachment `json:"attachments"`
}

// AttachmentUpload carries either raw bytes or an already encoded data URI.
type AttachmentUpload struct {
	Filename    string
	ContentType string
	Data        []byte
	DataURI     string
}
