package ctag

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Operation describes one tag mutation to apply across a set of pages.
// Construct it through the New*Operation helpers so regex patterns are
// compiled, and rejected, before any network traffic happens.
type Operation struct {
	Action Action
	Tags   []string
	Pairs  []ReplacePair
	Regex  bool

	patterns      []*regexp.Regexp
	compiledPairs []CompiledReplace
}

func NewAddOperation(tags []string) (*Operation, error) {
	if len(tags) == 0 {
		return nil, fmt.Errorf("at least one tag is required")
	}
	return &Operation{Action: ActionAdd, Tags: tags}, nil
}

func NewRemoveOperation(tags []string, regex bool) (*Operation, error) {
	if len(tags) == 0 {
		return nil, fmt.Errorf("at least one tag is required")
	}
	op := &Operation{Action: ActionRemove, Tags: tags, Regex: regex}
	if regex {
		patterns, err := CompilePatterns(tags)
		if err != nil {
			return nil, err
		}
		op.patterns = patterns
	}
	return op, nil
}

func NewReplaceOperation(pairs []ReplacePair, regex bool) (*Operation, error) {
	if len(pairs) == 0 {
		return nil, fmt.Errorf("at least one tag pair is required")
	}
	op := &Operation{Action: ActionReplace, Pairs: pairs, Regex: regex}
	if regex {
		compiled, err := CompileReplacePairs(pairs)
		if err != nil {
			return nil, err
		}
		op.compiledPairs = compiled
	}
	return op, nil
}

// Describe renders the operation for interactive prompts and logs.
func (op *Operation) Describe() string {
	switch op.Action {
	case ActionAdd:
		return fmt.Sprintf("add tags [%s]", strings.Join(op.Tags, ", "))
	case ActionRemove:
		if op.Regex {
			return fmt.Sprintf("remove tags matching [%s]", strings.Join(op.Tags, ", "))
		}
		return fmt.Sprintf("remove tags [%s]", strings.Join(op.Tags, ", "))
	case ActionReplace:
		parts := make([]string, 0, len(op.Pairs))
		for _, pair := range op.Pairs {
			parts = append(parts, pair.Old+" -> "+pair.New)
		}
		return fmt.Sprintf("replace tags [%s]", strings.Join(parts, ", "))
	}
	return string(op.Action)
}

// RunOptions selects the pages and execution mode for one run.
type RunOptions struct {
	CQL         string
	CQLExclude  string
	DryRun      bool
	Interactive bool
}

// Processor orchestrates one operation over every page matched by a CQL
// query. Parallel mode fans pages out to a bounded worker pool; interactive
// mode walks them sequentially so the operator sees one prompt at a time.
type Processor struct {
	client   *Client
	logger   *zap.SugaredLogger
	workers  int
	progress ProgressReporter
	confirm  ConfirmFunc
}

func NewProcessor(client *Client, logger *zap.SugaredLogger, workers int,
	progress ProgressReporter, confirm ConfirmFunc) *Processor {

	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if workers <= 0 {
		workers = 1
	}
	if progress == nil {
		progress = NoopProgress{}
	}
	return &Processor{
		client:   client,
		logger:   logger,
		workers:  workers,
		progress: progress,
		confirm:  confirm,
	}
}

// Run executes the operation against every page matched by opts.CQL, minus
// any page matched by opts.CQLExclude. The returned result always satisfies
// Processed == Success + Failed, and Total == Processed + Skipped unless the
// run was aborted.
func (p *Processor) Run(ctx context.Context, op *Operation, opts RunOptions) (*ProcessResult, error) {
	pages, err := p.client.SearchAll(ctx, opts.CQL, nil)
	if err != nil {
		return nil, err
	}

	if opts.CQLExclude != "" {
		excluded, err := p.client.SearchAll(ctx, opts.CQLExclude, nil)
		if err != nil {
			return nil, fmt.Errorf("exclusion query failed: %w", err)
		}
		pages = FilterExcludedPages(pages, excluded)
	}

	result := NewProcessResult(len(pages))
	if len(pages) == 0 {
		return result, nil
	}

	p.progress.SetTotal(len(pages))
	defer p.progress.Finish()

	switch {
	case opts.DryRun:
		p.runDryRun(ctx, op, pages, result)
	case opts.Interactive:
		p.runInteractive(ctx, op, pages, result)
	default:
		p.runParallel(ctx, op, pages, result)
	}
	return result, nil
}

// runDryRun previews the per-page deltas without mutating anything. Counters
// stay at zero; only Total and Details are populated.
func (p *Processor) runDryRun(ctx context.Context, op *Operation, pages []Page, result *ProcessResult) {
	for _, page := range pages {
		added, removed := p.plan(ctx, op, page)
		result.Details = append(result.Details, ActionDetail{
			PageID:      page.ID,
			Title:       page.Title,
			Space:       page.Space,
			URL:         p.client.PageURL(page.ID),
			TagsAdded:   added,
			TagsRemoved: removed,
		})
		p.progress.Increment(1)
	}
}

// plan computes the tags an operation would add and remove on one page. Regex
// and replace modes consult the live tag set; a failed fetch degrades to an
// empty set rather than failing the preview.
func (p *Processor) plan(ctx context.Context, op *Operation, page Page) (added, removed []string) {
	switch op.Action {
	case ActionAdd:
		return op.Tags, nil

	case ActionRemove:
		if !op.Regex {
			return nil, op.Tags
		}
		current, err := p.client.GetPageTags(ctx, page.ID)
		if err != nil {
			p.logger.Warnw("failed to fetch tags for preview", "page_id", page.ID, "error", err)
		}
		return nil, ResolveRemoveRegex(current, op.patterns)

	case ActionReplace:
		current, err := p.client.GetPageTags(ctx, page.ID)
		if err != nil {
			p.logger.Warnw("failed to fetch tags for preview", "page_id", page.ID, "error", err)
		}
		var resolved []ReplacePair
		if op.Regex {
			resolved = ResolveReplaceRegex(current, op.compiledPairs)
		} else {
			resolved = ResolveReplace(current, op.Pairs)
		}
		for _, pair := range resolved {
			removed = append(removed, pair.Old)
			added = append(added, pair.New)
		}
		return added, removed
	}
	return nil, nil
}

func (p *Processor) runInteractive(ctx context.Context, op *Operation, pages []Page, result *ProcessResult) {
	for _, page := range pages {
		if page.ID == "" {
			p.logger.Warnw("skipping page with no id", "title", page.Title)
			result.Skipped++
			p.progress.Increment(1)
			continue
		}

		decision := Proceed
		if p.confirm != nil {
			decision = p.confirm(page, op.Describe())
		}
		switch decision {
		case AbortAll:
			result.Aborted = true
			p.logger.Infow("run aborted by operator", "page_id", page.ID)
			return
		case Skip:
			result.Skipped++
			p.progress.Increment(1)
			continue
		}

		outcome := p.applyPage(ctx, op, page)
		p.record(result, outcome)
		p.progress.Increment(1)
	}
}

func (p *Processor) runParallel(ctx context.Context, op *Operation, pages []Page, result *ProcessResult) {
	jobs := make(chan Page)
	outcomes := make(chan pageOutcome)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for page := range jobs {
				outcomes <- p.applyPage(ctx, op, page)
			}
		}()
	}

	go func() {
		for _, page := range pages {
			jobs <- page
		}
		close(jobs)
		wg.Wait()
		close(outcomes)
	}()

	for outcome := range outcomes {
		p.record(result, outcome)
		p.progress.Increment(1)
	}
}

type outcomeStatus int

const (
	outcomeSuccess outcomeStatus = iota
	outcomeFailed
	outcomeSkipped
)

type pageOutcome struct {
	status    outcomeStatus
	added     int
	removed   int
	detail    ActionDetail
	hasDetail bool
}

// record folds one page outcome into the aggregate result. This is the only
// place counters change, which keeps the accounting invariants in one spot.
func (p *Processor) record(result *ProcessResult, outcome pageOutcome) {
	switch outcome.status {
	case outcomeSkipped:
		result.Skipped++
		return
	case outcomeSuccess:
		result.Processed++
		result.Success++
		result.TagsAdded += outcome.added
		result.TagsRemoved += outcome.removed
	case outcomeFailed:
		result.Processed++
		result.Failed++
	}
	if outcome.hasDetail {
		result.Details = append(result.Details, outcome.detail)
	}
}

// applyPage performs the operation on one page and reports what happened.
// Regex operations with an empty delta count as skipped, not processed.
func (p *Processor) applyPage(ctx context.Context, op *Operation, page Page) pageOutcome {
	if page.ID == "" {
		p.logger.Warnw("skipping page with no id", "title", page.Title)
		return pageOutcome{status: outcomeSkipped}
	}

	switch op.Action {
	case ActionAdd:
		if !p.client.AddTags(ctx, page.ID, op.Tags) {
			return pageOutcome{status: outcomeFailed}
		}
		return p.successOutcome(page, op.Tags, nil, len(op.Tags), 0)

	case ActionRemove:
		toRemove := op.Tags
		if op.Regex {
			current, err := p.client.GetPageTags(ctx, page.ID)
			if err != nil {
				p.logger.Errorw("failed to fetch tags", "page_id", page.ID, "error", err)
				return pageOutcome{status: outcomeFailed}
			}
			toRemove = ResolveRemoveRegex(current, op.patterns)
			if len(toRemove) == 0 {
				return pageOutcome{status: outcomeSkipped}
			}
		}
		if !p.client.RemoveTags(ctx, page.ID, toRemove) {
			return pageOutcome{status: outcomeFailed}
		}
		return p.successOutcome(page, nil, toRemove, 0, len(toRemove))

	case ActionReplace:
		pairs := op.Pairs
		if op.Regex {
			current, err := p.client.GetPageTags(ctx, page.ID)
			if err != nil {
				p.logger.Errorw("failed to fetch tags", "page_id", page.ID, "error", err)
				return pageOutcome{status: outcomeFailed}
			}
			pairs = ResolveReplaceRegex(current, op.compiledPairs)
			if len(pairs) == 0 {
				return pageOutcome{status: outcomeSkipped}
			}
		}
		applied, ok := p.client.ReplaceTags(ctx, page.ID, pairs)
		if !ok {
			return pageOutcome{status: outcomeFailed}
		}
		var added, removed []string
		for _, pair := range applied {
			removed = append(removed, pair.Old)
			added = append(added, pair.New)
		}
		return p.successOutcome(page, added, removed, len(applied), len(applied))
	}

	p.logger.Errorw("unknown action", "action", op.Action)
	return pageOutcome{status: outcomeFailed}
}

func (p *Processor) successOutcome(page Page, added, removed []string, addCount, removeCount int) pageOutcome {
	return pageOutcome{
		status:  outcomeSuccess,
		added:   addCount,
		removed: removeCount,
		detail: ActionDetail{
			PageID:      page.ID,
			Title:       page.Title,
			Space:       page.Space,
			URL:         p.client.PageURL(page.ID),
			TagsAdded:   added,
			TagsRemoved: removed,
		},
		hasDetail: true,
	}
}
