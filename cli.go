package ctag

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type cliOptions struct {
	configPath string
	dryRun     bool
	progress   bool
	format     string
	verbose    bool
}

// Run is the CLI entry point. It returns an error only for fatal conditions
// such as missing credentials, invalid regex patterns, a malformed script, or
// a rejected CQL query. Per-page failures are reported in the summary and do
// not fail the process.
func Run(args []string) error {
	root := NewRootCommand()
	root.SetArgs(args)
	return root.Execute()
}

func NewRootCommand() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:           "ctag",
		Short:         "Bulk-manage tags on Confluence pages matched by CQL queries",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().BoolVar(&opts.dryRun, "dry-run", false, "preview changes without applying them")
	root.PersistentFlags().BoolVar(&opts.progress, "progress", true, "show a progress bar")
	root.PersistentFlags().StringVarP(&opts.format, "format", "f", "table", "output format: table, json, or csv")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose logging")

	root.AddCommand(
		newAddCommand(opts),
		newRemoveCommand(opts),
		newReplaceCommand(opts),
		newGetCommand(opts),
		newFromJSONCommand(opts),
		newFromStdinJSONCommand(opts),
		newMCPCommand(opts),
	)
	return root
}

func (o *cliOptions) outputFormat() (Format, error) {
	format := Format(o.format)
	switch format {
	case FormatTable, FormatJSON, FormatCSV:
		return format, nil
	}
	return "", fmt.Errorf("unknown format %q: use table, json, or csv", o.format)
}

func (o *cliOptions) buildLogger() (*zap.SugaredLogger, error) {
	if !o.verbose {
		return zap.NewNop().Sugar(), nil
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// setup wires the client and processor from config, environment, and flags.
// It fails fast on missing credentials before any work starts.
func (o *cliOptions) setup(title string) (*Processor, *Client, error) {
	format, err := o.outputFormat()
	if err != nil {
		return nil, nil, err
	}
	logger, err := o.buildLogger()
	if err != nil {
		return nil, nil, err
	}
	config, err := LoadConfig(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := config.ValidateCredentials(); err != nil {
		return nil, nil, err
	}

	client := NewClient(config, logger)

	var progress ProgressReporter = NoopProgress{}
	if o.progress && !format.IsStructured() && !o.verbose {
		progress = NewTermProgress(title)
	}

	processor := NewProcessor(client, logger, config.WorkerCount(),
		progress, termConfirm(config.AbortKey))
	return processor, client, nil
}

// termConfirm builds the interactive per-page prompt. An empty answer or
// "y"/"yes" proceeds, the abort key stops the whole run, anything else skips
// the page.
func termConfirm(abortKey string) ConfirmFunc {
	return func(page Page, action string) Decision {
		pterm.Info.Printfln("%s on %q (%s)", action, SanitizeText(page.Title), page.ID)
		input, err := pterm.DefaultInteractiveTextInput.
			Show(fmt.Sprintf("Apply? [Y=yes, n=skip, %s=abort]", abortKey))
		if err != nil {
			return AbortAll
		}
		switch strings.ToLower(strings.TrimSpace(input)) {
		case "", "y", "yes":
			return Proceed
		case strings.ToLower(abortKey):
			return AbortAll
		}
		return Skip
	}
}

func (o *cliOptions) writeSummary(result *ProcessResult) error {
	format, err := o.outputFormat()
	if err != nil {
		return err
	}
	switch format {
	case FormatJSON:
		return WriteSummaryJSON(os.Stdout, result)
	case FormatCSV:
		return WriteSummaryCSV(os.Stdout, result)
	}
	if o.dryRun {
		PrintDryRunDetails(result)
	}
	PrintSummaryTable(result)
	return nil
}

func (o *cliOptions) runOperation(ctx context.Context, op *Operation, runOpts RunOptions) error {
	processor, _, err := o.setup("Processing pages")
	if err != nil {
		return err
	}
	runOpts.DryRun = o.dryRun
	result, err := processor.Run(ctx, op, runOpts)
	if err != nil {
		return err
	}
	return o.writeSummary(result)
}

func newAddCommand(opts *cliOptions) *cobra.Command {
	var cql, cqlExclude string
	var interactive bool

	cmd := &cobra.Command{
		Use:   "add TAG...",
		Short: "Add tags to every page matched by a CQL query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := NewAddOperation(args)
			if err != nil {
				return err
			}
			return opts.runOperation(cmd.Context(), op, RunOptions{
				CQL:         cql,
				CQLExclude:  cqlExclude,
				Interactive: interactive,
			})
		},
	}
	cmd.Flags().StringVarP(&cql, "cql", "c", "", "CQL query selecting the pages")
	cmd.Flags().StringVar(&cqlExclude, "cql-exclude", "", "CQL query selecting pages to exclude")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "confirm each page before changing it")
	_ = cmd.MarkFlagRequired("cql")
	return cmd
}

func newRemoveCommand(opts *cliOptions) *cobra.Command {
	var cql, cqlExclude string
	var interactive, regex bool

	cmd := &cobra.Command{
		Use:   "remove TAG...",
		Short: "Remove tags from every page matched by a CQL query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := NewRemoveOperation(args, regex)
			if err != nil {
				return err
			}
			return opts.runOperation(cmd.Context(), op, RunOptions{
				CQL:         cql,
				CQLExclude:  cqlExclude,
				Interactive: interactive,
			})
		},
	}
	cmd.Flags().StringVarP(&cql, "cql", "c", "", "CQL query selecting the pages")
	cmd.Flags().StringVar(&cqlExclude, "cql-exclude", "", "CQL query selecting pages to exclude")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "confirm each page before changing it")
	cmd.Flags().BoolVarP(&regex, "regex", "r", false, "treat tags as regex patterns matched against current tags")
	_ = cmd.MarkFlagRequired("cql")
	return cmd
}

func newReplaceCommand(opts *cliOptions) *cobra.Command {
	var cql, cqlExclude string
	var interactive, regex bool

	cmd := &cobra.Command{
		Use:   "replace OLD=NEW...",
		Short: "Replace tags on every page matched by a CQL query",
		Long: "Replace tags on every page matched by a CQL query.\n\n" +
			"Without --regex each argument is an oldtag=newtag pair. With --regex\n" +
			"arguments are positional (pattern, replacement) pairs and each current\n" +
			"tag is rewritten by the first pattern that matches it.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pairs, err := ParseTagPairs(args, regex)
			if err != nil {
				return err
			}
			op, err := NewReplaceOperation(pairs, regex)
			if err != nil {
				return err
			}
			return opts.runOperation(cmd.Context(), op, RunOptions{
				CQL:         cql,
				CQLExclude:  cqlExclude,
				Interactive: interactive,
			})
		},
	}
	cmd.Flags().StringVarP(&cql, "cql", "c", "", "CQL query selecting the pages")
	cmd.Flags().StringVar(&cqlExclude, "cql-exclude", "", "CQL query selecting pages to exclude")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "confirm each page before changing it")
	cmd.Flags().BoolVarP(&regex, "regex", "r", false, "treat old tags as regex patterns")
	_ = cmd.MarkFlagRequired("cql")
	return cmd
}

func newGetCommand(opts *cliOptions) *cobra.Command {
	var cql, cqlExclude, outputFile string
	var tagsOnly bool

	cmd := &cobra.Command{
		Use:   "get",
		Short: "List pages matched by a CQL query, with their tags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := opts.outputFormat()
			if err != nil {
				return err
			}
			processor, client, err := opts.setup("Fetching tags")
			if err != nil {
				return err
			}

			pages, err := client.SearchAll(cmd.Context(), cql, nil)
			if err != nil {
				return err
			}
			if cqlExclude != "" {
				excluded, err := client.SearchAll(cmd.Context(), cqlExclude, nil)
				if err != nil {
					return fmt.Errorf("exclusion query failed: %w", err)
				}
				pages = FilterExcludedPages(pages, excluded)
			}

			processor.progress.SetTotal(len(pages))
			data := CollectPageData(cmd.Context(), client, pages,
				processor.workers, processor.progress)
			processor.progress.Finish()

			out := io.Writer(os.Stdout)
			if outputFile != "" {
				file, err := os.Create(outputFile)
				if err != nil {
					return err
				}
				defer func() { _ = file.Close() }()
				out = file
			}

			if tagsOnly {
				return writeTagList(out, format, data)
			}
			switch format {
			case FormatJSON:
				return WritePagesJSON(out, data)
			case FormatCSV:
				return WritePagesCSV(out, data)
			}
			PrintPagesTable(data)
			return nil
		},
	}
	cmd.Flags().StringVarP(&cql, "cql", "c", "", "CQL query selecting the pages")
	cmd.Flags().StringVar(&cqlExclude, "cql-exclude", "", "CQL query selecting pages to exclude")
	cmd.Flags().StringVarP(&outputFile, "output-file", "o", "", "write JSON/CSV output to a file instead of stdout")
	cmd.Flags().BoolVar(&tagsOnly, "tags-only", false, "print the distinct tags across matched pages")
	_ = cmd.MarkFlagRequired("cql")
	return cmd
}

// writeTagList prints the distinct tags across the matched pages, sorted.
func writeTagList(w io.Writer, format Format, pages []PageOutput) error {
	seen := make(map[string]bool)
	var tags []string
	for _, page := range pages {
		for _, tag := range page.Tags {
			if !seen[tag] {
				seen[tag] = true
				tags = append(tags, tag)
			}
		}
	}
	sort.Strings(tags)

	if format == FormatJSON {
		return WriteJSONValue(w, tags)
	}
	for _, tag := range tags {
		fmt.Fprintln(w, tag)
	}
	return nil
}

func newFromJSONCommand(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "from-json FILE",
		Short: "Run a batch of tag commands from a JSON script file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = file.Close() }()
			script, err := ParseScript(file)
			if err != nil {
				return err
			}
			return opts.runScript(cmd.Context(), script)
		},
	}
	return cmd
}

func newFromStdinJSONCommand(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "from-stdin-json",
		Short: "Run a batch of tag commands from a JSON script on stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := ParseScript(cmd.InOrStdin())
			if err != nil {
				return err
			}
			return opts.runScript(cmd.Context(), script)
		},
	}
	return cmd
}

func (o *cliOptions) runScript(ctx context.Context, script *Script) error {
	processor, _, err := o.setup("Running script")
	if err != nil {
		return err
	}
	result := processor.RunScript(ctx, script, o.dryRun)
	return o.writeSummary(result)
}
