package ctag

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/pterm/pterm"
)

// PageOutput is the external shape of one page for the get command.
type PageOutput struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Space     string   `json:"space"`
	Tags      []string `json:"tags"`
	Ancestors []string `json:"ancestors"`
	URL       string   `json:"url"`
}

// CollectPageData enriches search results with each page's live tag set.
// Fetches run on a small worker pool; output order matches input order.
func CollectPageData(ctx context.Context, client *Client, pages []Page,
	workers int, progress ProgressReporter) []PageOutput {

	if workers <= 0 {
		workers = 1
	}
	out := make([]PageOutput, len(pages))

	jobs := make(chan int)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				page := pages[idx]
				tags, err := client.GetPageTags(ctx, page.ID)
				if err != nil {
					tags = nil
				}
				out[idx] = PageOutput{
					ID:        page.ID,
					Title:     page.Title,
					Space:     page.Space,
					Tags:      tags,
					Ancestors: page.Ancestors,
					URL:       client.PageURL(page.ID),
				}
				progress.Increment(1)
			}
		}()
	}

	for idx := range pages {
		jobs <- idx
	}
	close(jobs)
	wg.Wait()
	return out
}

// WriteSummaryJSON writes the run summary as indented JSON.
func WriteSummaryJSON(w io.Writer, result *ProcessResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// WriteSummaryCSV writes the run summary as a header row plus one data row.
func WriteSummaryCSV(w io.Writer, result *ProcessResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{
		"total", "processed", "skipped", "success", "failed",
		"aborted", "tags_added", "tags_removed",
	}); err != nil {
		return err
	}
	if err := cw.Write([]string{
		strconv.Itoa(result.Total),
		strconv.Itoa(result.Processed),
		strconv.Itoa(result.Skipped),
		strconv.Itoa(result.Success),
		strconv.Itoa(result.Failed),
		strconv.FormatBool(result.Aborted),
		strconv.Itoa(result.TagsAdded),
		strconv.Itoa(result.TagsRemoved),
	}); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// PrintSummaryTable renders the run summary for a human operator.
func PrintSummaryTable(result *ProcessResult) {
	data := pterm.TableData{
		{"Total", strconv.Itoa(result.Total)},
		{"Processed", strconv.Itoa(result.Processed)},
		{"Skipped", strconv.Itoa(result.Skipped)},
		{"Success", strconv.Itoa(result.Success)},
		{"Failed", strconv.Itoa(result.Failed)},
		{"Tags Added", strconv.Itoa(result.TagsAdded)},
		{"Tags Removed", strconv.Itoa(result.TagsRemoved)},
	}
	_ = pterm.DefaultTable.WithData(data).Render()

	if result.Aborted {
		pterm.Warning.Println("Run was aborted before all pages were visited")
	}
	if result.Failed > 0 {
		pterm.Warning.Printfln("%d page(s) failed; see the log for details", result.Failed)
	}
}

// WritePagesJSON writes the get command output as indented JSON.
func WritePagesJSON(w io.Writer, pages []PageOutput) error {
	return WriteJSONValue(w, pages)
}

// WriteJSONValue writes any value as indented JSON.
func WriteJSONValue(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WritePagesCSV writes the get command output as CSV, one row per page.
// Multi-valued columns are joined with ";".
func WritePagesCSV(w io.Writer, pages []PageOutput) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "title", "space", "tags", "ancestors", "url"}); err != nil {
		return err
	}
	for _, page := range pages {
		if err := cw.Write([]string{
			page.ID,
			page.Title,
			page.Space,
			strings.Join(page.Tags, ";"),
			strings.Join(page.Ancestors, ";"),
			page.URL,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// PrintPagesTable renders the get command output for a human operator.
// Remote-supplied text is sanitized before it reaches the terminal.
func PrintPagesTable(pages []PageOutput) {
	data := pterm.TableData{{"ID", "Title", "Space", "Tags", "URL"}}
	for _, page := range pages {
		data = append(data, []string{
			page.ID,
			SanitizeText(page.Title),
			SanitizeText(page.Space),
			SanitizeText(strings.Join(page.Tags, ", ")),
			page.URL,
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	pterm.Info.Printfln("%d page(s)", len(pages))
}

// PrintDryRunDetails renders the would-be deltas of a dry run.
func PrintDryRunDetails(result *ProcessResult) {
	pterm.Info.Println("Dry run; no changes were made")
	for _, detail := range result.Details {
		var parts []string
		if len(detail.TagsAdded) > 0 {
			parts = append(parts, "add "+strings.Join(detail.TagsAdded, ", "))
		}
		if len(detail.TagsRemoved) > 0 {
			parts = append(parts, "remove "+strings.Join(detail.TagsRemoved, ", "))
		}
		if len(parts) == 0 {
			parts = append(parts, "no changes")
		}
		fmt.Printf("  %s %q: %s\n",
			detail.PageID, SanitizeText(detail.Title), strings.Join(parts, "; "))
	}
}
