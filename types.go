package ctag

import (
	"strings"
	"unicode"
)

// Page is an immutable snapshot of a Confluence page taken from a search
// result. Mutations target the remote system, never this struct.
type Page struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Space     string   `json:"space"`
	Ancestors []string `json:"ancestors,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// ActionDetail records the outcome of one page mutation for structured output.
type ActionDetail struct {
	PageID      string   `json:"page_id"`
	Title       string   `json:"title"`
	Space       string   `json:"space"`
	URL         string   `json:"url"`
	TagsAdded   []string `json:"tags_added"`
	TagsRemoved []string `json:"tags_removed"`
}

// ProcessResult aggregates the outcome of one orchestration run.
//
// Invariants: Processed == Success + Failed always; Total == Processed +
// Skipped unless Aborted is true, in which case the shortfall accounts for
// pages never visited.
type ProcessResult struct {
	Total       int            `json:"total"`
	Processed   int            `json:"processed"`
	Skipped     int            `json:"skipped"`
	Success     int            `json:"success"`
	Failed      int            `json:"failed"`
	Aborted     bool           `json:"aborted"`
	TagsAdded   int            `json:"tags_added"`
	TagsRemoved int            `json:"tags_removed"`
	Details     []ActionDetail `json:"details,omitempty"`
}

func NewProcessResult(total int) *ProcessResult {
	return &ProcessResult{Total: total}
}

// Decision is the answer to an interactive per-page confirmation.
type Decision int

const (
	Proceed Decision = iota
	Skip
	AbortAll
)

// ConfirmFunc asks the operator whether to apply the described mutation to a
// page. It is only consulted in interactive (sequential) mode.
type ConfirmFunc func(page Page, action string) Decision

// Action identifies a tag operation kind.
type Action string

const (
	ActionAdd     Action = "add"
	ActionRemove  Action = "remove"
	ActionReplace Action = "replace"
)

// Format selects the summary output encoding.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatCSV   Format = "csv"
)

// IsStructured reports whether the format is machine-readable, which
// suppresses decorative terminal output.
func (f Format) IsStructured() bool {
	return f == FormatJSON || f == FormatCSV
}

// SanitizeText strips control characters from remote-supplied text before it
// reaches a terminal. Whitespace is kept.
func SanitizeText(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
