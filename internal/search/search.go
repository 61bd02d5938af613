package search

// IssueRecord is the data we index for an issue.
type IssueRecord struct {
	ID          int      `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Status      string   `json:"status"`
	Priority    string   `json:"priority"`
	Tags        []string `json:"tags"`
}

// Query describes a search request.
type Query struct {
	Text     string
	Status   string
	Priority string
	// IDs restricts the search to these issues when set.
	IDs   []int
	Limit int
}

// Engine is a full-text index that can be unavailable.
type Engine interface {
	Search(q Query) ([]int, error)
	IndexIssues(records []IssueRecord) error
	Healthy() bool
}
