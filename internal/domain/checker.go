package domain

// Checker is one analyzer checker known to the server, as reported by
// getCheckerList.
type Checker struct {
	Analyzer    string `json:"analyzer"`
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description,omitempty"`
}
