package ctag

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Parameter structures for MCP tools
type GetPagesParams struct {
	CQL      string `json:"cql"`
	MaxPages *int   `json:"max_pages,omitempty"`
}

type AddTagsParams struct {
	CQL        string   `json:"cql"`
	Tags       []string `json:"tags"`
	CQLExclude string   `json:"cql_exclude,omitempty"`
	DryRun     bool     `json:"dry_run"`
}

type RemoveTagsParams struct {
	CQL        string   `json:"cql"`
	Tags       []string `json:"tags"`
	Regex      bool     `json:"regex"`
	CQLExclude string   `json:"cql_exclude,omitempty"`
	DryRun     bool     `json:"dry_run"`
}

type ReplaceTagsParams struct {
	CQL        string            `json:"cql"`
	Tags       map[string]string `json:"tags"`
	Regex      bool              `json:"regex"`
	CQLExclude string            `json:"cql_exclude,omitempty"`
	DryRun     bool              `json:"dry_run"`
}

// Tool handler functions
func GetPagesTool(ctx context.Context, req *mcp.CallToolRequest, args GetPagesParams, client *Client, workers int) (*mcp.CallToolResult, any, error) {
	pages, err := client.SearchAll(ctx, args.CQL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get pages: %w", err)
	}

	if args.MaxPages != nil && len(pages) > *args.MaxPages {
		pages = pages[:*args.MaxPages]
	}

	result := CollectPageData(ctx, client, pages, workers, NoopProgress{})
	return nil, result, nil
}

func AddTagsTool(ctx context.Context, req *mcp.CallToolRequest, args AddTagsParams, processor *Processor) (*mcp.CallToolResult, any, error) {
	op, err := NewAddOperation(args.Tags)
	if err != nil {
		return nil, nil, err
	}

	result, err := processor.Run(ctx, op, RunOptions{
		CQL:        args.CQL,
		CQLExclude: args.CQLExclude,
		DryRun:     args.DryRun,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to add tags: %w", err)
	}

	return nil, result, nil
}

func RemoveTagsTool(ctx context.Context, req *mcp.CallToolRequest, args RemoveTagsParams, processor *Processor) (*mcp.CallToolResult, any, error) {
	op, err := NewRemoveOperation(args.Tags, args.Regex)
	if err != nil {
		return nil, nil, err
	}

	result, err := processor.Run(ctx, op, RunOptions{
		CQL:        args.CQL,
		CQLExclude: args.CQLExclude,
		DryRun:     args.DryRun,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to remove tags: %w", err)
	}

	return nil, result, nil
}

func ReplaceTagsTool(ctx context.Context, req *mcp.CallToolRequest, args ReplaceTagsParams, processor *Processor) (*mcp.CallToolResult, any, error) {
	// JSON objects arrive as an unordered map; sort by old tag so regex
	// first-match resolution is at least deterministic.
	pairs := make([]ReplacePair, 0, len(args.Tags))
	for old, new := range args.Tags {
		pairs = append(pairs, ReplacePair{Old: old, New: new})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Old < pairs[j].Old })

	op, err := NewReplaceOperation(pairs, args.Regex)
	if err != nil {
		return nil, nil, err
	}

	result, err := processor.Run(ctx, op, RunOptions{
		CQL:        args.CQL,
		CQLExclude: args.CQLExclude,
		DryRun:     args.DryRun,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to replace tags: %w", err)
	}

	return nil, result, nil
}

// NewMCPServer builds the MCP server with all tools registered against the
// given client and processor. Split from RunMCPServer so tests can drive it
// over an in-memory transport.
func NewMCPServer(client *Client, processor *Processor) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "ctag",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_pages",
		Description: "List Confluence pages matched by a CQL query, with their tags",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args GetPagesParams) (*mcp.CallToolResult, any, error) {
		return GetPagesTool(ctx, req, args, client, processor.workers)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "add_tags",
		Description: "Add tags to every Confluence page matched by a CQL query",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args AddTagsParams) (*mcp.CallToolResult, any, error) {
		return AddTagsTool(ctx, req, args, processor)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "remove_tags",
		Description: "Remove tags, or tags matching regex patterns, from every page matched by a CQL query",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args RemoveTagsParams) (*mcp.CallToolResult, any, error) {
		return RemoveTagsTool(ctx, req, args, processor)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "replace_tags",
		Description: "Replace tags on every page matched by a CQL query using an old-to-new mapping",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args ReplaceTagsParams) (*mcp.CallToolResult, any, error) {
		return ReplaceTagsTool(ctx, req, args, processor)
	})

	return server
}

// RunMCPServer starts the MCP server. If transport is nil, it uses stdio.
// Stdout belongs to the protocol, so logging stays off in this mode.
func RunMCPServer(configPath string, transport *mcp.InMemoryTransport) error {
	config, err := LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.ValidateCredentials(); err != nil {
		return err
	}

	logger := zap.NewNop().Sugar()
	client := NewClient(config, logger)
	processor := NewProcessor(client, logger, config.WorkerCount(), NoopProgress{}, nil)

	server := NewMCPServer(client, processor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if transport != nil {
		return server.Run(ctx, transport)
	}
	return server.Run(ctx, &mcp.StdioTransport{})
}

func newMCPCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve tag operations over the Model Context Protocol on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunMCPServer(opts.configPath, nil)
		},
	}
}
