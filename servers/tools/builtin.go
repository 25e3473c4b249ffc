package tools

import (
	"context"
	"fmt"
	"time"

	mcp "github.com/TangGee/go-mcp-sse"
)

// SearchArgs are the arguments of the search tool.
type SearchArgs struct {
	Query string `json:"query" jsonschema:"description=Search query"`
	Scope string `json:"scope,omitempty" jsonschema:"description=Search scope,enum=all,enum=code,enum=docs,default=all"`
}

// SearchHit is one result of the search tool.
type SearchHit struct {
	Path      string  `json:"path"`
	Snippet   string  `json:"snippet"`
	Relevance float64 `json:"relevance"`
}

// SearchResult is the result of the search tool.
type SearchResult struct {
	Query   string      `json:"query"`
	Scope   string      `json:"scope"`
	Results []SearchHit `json:"results"`
}

// FileSystemArgs are the arguments of the fileSystem tool.
type FileSystemArgs struct {
	Action  string `json:"action" jsonschema:"description=Operation to perform,enum=read,enum=write,enum=list,enum=delete"`
	Path    string `json:"path" jsonschema:"description=File or directory path"`
	Content string `json:"content,omitempty" jsonschema:"description=Content to write (write only)"`
}

// FileEntry is one item listed by the fileSystem tool.
type FileEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int    `json:"size,omitempty"`
}

const simulatedFileContent = "This is simulated file content"

// SearchTool searches a fixed code and documentation index.
func SearchTool() Tool {
	return NewTool("search", "Search", "Search the code base",
		func(_ context.Context, _ *mcp.Session, args SearchArgs) (any, error) {
			scope := args.Scope
			if scope == "" {
				scope = "all"
			}

			res := SearchResult{Query: args.Query, Scope: scope, Results: []SearchHit{}}
			if scope == "all" || scope == "code" {
				res.Results = append(res.Results, SearchHit{
					Path:      "/examples/example.py",
					Snippet:   "def hello_world():",
					Relevance: 0.95,
				})
			}
			if scope == "all" || scope == "docs" {
				res.Results = append(res.Results, SearchHit{
					Path:      "/docs/example.md",
					Snippet:   "# Example document",
					Relevance: 0.85,
				})
			}
			return res, nil
		})
}

// FileSystemTool simulates file system access. Every action takes delay, honoring
// cancellation.
func FileSystemTool(delay time.Duration) Tool {
	return NewTool("fileSystem", "File system", "Access and manipulate the file system",
		func(ctx context.Context, _ *mcp.Session, args FileSystemArgs) (any, error) {
			if args.Path == "" {
				return nil, fmt.Errorf("%w: path must not be empty", ErrInvalidArguments)
			}

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}

			switch args.Action {
			case "read":
				return map[string]any{
					"path":    args.Path,
					"content": simulatedFileContent,
					"size":    len(simulatedFileContent),
				}, nil
			case "write":
				return map[string]any{
					"path":    args.Path,
					"written": true,
					"size":    len(args.Content),
				}, nil
			case "list":
				return map[string]any{
					"path": args.Path,
					"items": []FileEntry{
						{Name: "file1.txt", Type: "file", Size: 1024},
						{Name: "file2.py", Type: "file", Size: 2048},
						{Name: "subdir", Type: "directory"},
					},
				}, nil
			case "delete":
				return map[string]any{
					"path":    args.Path,
					"deleted": true,
				}, nil
			default:
				return nil, fmt.Errorf("%w: unsupported action %q", ErrInvalidArguments, args.Action)
			}
		})
}
