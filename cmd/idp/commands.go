package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rohit280101/AI-IDP/internal/config"
)

type uploadResult struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Status   string `json:"status"`
	TraceID  string `json:"trace_id"`
}

type searchResult struct {
	DocumentID     string  `json:"document_id"`
	Filename       string  `json:"filename"`
	Score          float32 `json:"score"`
	Snippet        string  `json:"snippet"`
	Classification *string `json:"classification"`
}

type documentView struct {
	ID              string `json:"id"`
	OwnerID         string `json:"owner_id"`
	Filename        string `json:"filename"`
	ContentType     string `json:"content_type"`
	SizeBytes       int64  `json:"size_bytes"`
	Status          string `json:"status"`
	EmbeddingStatus string `json:"embedding_status"`
	Classification  *struct {
		Label string  `json:"label"`
		Score float64 `json:"score"`
	} `json:"classification"`
	CreatedAt time.Time `json:"created_at"`
}

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Upload documents for processing",
	Long: `Upload documents for processing.

Supported types: PDF, PNG, JPEG, plain text, HTML and Markdown.

Examples:
  idp upload ./invoice.pdf
  idp upload --owner alice ./scans/*.png
  idp upload --type text/markdown ./NOTES`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		contentType, _ := cmd.Flags().GetString("type")
		owner, _ := cmd.Flags().GetString("owner")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var failed int
		for _, path := range args {
			res, err := uploadFile(cmd.Context(), client, path, contentType, owner)
			if err != nil {
				printError("%s: %v", path, err)
				failed++
				continue
			}
			printSuccess("Queued %s as %s", res.Filename, res.ID)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d uploads failed", failed, len(args))
		}
		return nil
	},
}

func uploadFile(ctx context.Context, c *apiClient, path, contentType, owner string) (uploadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return uploadResult{}, fmt.Errorf("reading file: %w", err)
	}
	resp, err := c.upload(ctx, "/api/v1/documents/upload", filepath.Base(path), contentType, owner, data)
	if err != nil {
		return uploadResult{}, err
	}
	var res uploadResult
	if err := decodeJSON(resp, &res); err != nil {
		return uploadResult{}, err
	}
	return res, nil
}

func init() {
	uploadCmd.Flags().String("type", "", "content type (default: inferred from the file)")
	uploadCmd.Flags().String("owner", "", "owner id recorded on the document")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over processed documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		results, err := searchDocuments(cmd.Context(), client, strings.Join(args, " "), limit)
		if err != nil {
			return err
		}
		printSearchResults(os.Stdout, results)
		return nil
	},
}

func searchDocuments(ctx context.Context, c *apiClient, query string, limit int) ([]searchResult, error) {
	resp, err := c.post(ctx, "/api/v1/search", map[string]any{"query": query, "limit": limit})
	if err != nil {
		return nil, err
	}
	var out struct {
		Results []searchResult `json:"results"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func init() {
	searchCmd.Flags().Int("limit", 5, "maximum number of results")
}

// --- docs ---

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Inspect uploaded documents",
}

var docsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		owner, _ := cmd.Flags().GetString("owner")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		docs, err := listDocuments(cmd.Context(), client, owner, limit, offset)
		if err != nil {
			return err
		}
		printDocuments(os.Stdout, docs)
		return nil
	},
}

func listDocuments(ctx context.Context, c *apiClient, owner string, limit, offset int) ([]documentView, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	q.Set("offset", fmt.Sprint(offset))
	if owner != "" {
		q.Set("owner", owner)
	}
	resp, err := c.get(ctx, "/api/v1/documents?"+q.Encode())
	if err != nil {
		return nil, err
	}
	var docs []documentView
	if err := decodeJSON(resp, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func printDocuments(w io.Writer, docs []documentView) {
	if len(docs) == 0 {
		fmt.Fprintln(w, "No documents found.")
		return
	}
	for _, d := range docs {
		label := "-"
		if d.Classification != nil {
			label = d.Classification.Label
		}
		fmt.Fprintf(w, "%s  %s  %-10s  %-10s  %-10s  %s\n",
			colorize(colorCyan, shortID(d.ID)),
			d.CreatedAt.Local().Format("2006-01-02 15:04"),
			statusColor(d.Status),
			statusColor(d.EmbeddingStatus),
			label,
			d.Filename,
		)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

var docsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single document as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/v1/documents/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var doc any
		if err := decodeJSON(resp, &doc); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	},
}

func init() {
	docsListCmd.Flags().Int("limit", 20, "maximum number of documents to list")
	docsListCmd.Flags().Int("offset", 0, "number of documents to skip")
	docsListCmd.Flags().String("owner", "", "only list documents with this owner id")
	docsCmd.AddCommand(docsListCmd)
	docsCmd.AddCommand(docsShowCmd)
}

// --- reprocess / reindex ---

var reprocessCmd = &cobra.Command{
	Use:   "reprocess <id>",
	Short: "Run the processing pipeline again for a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/v1/documents/"+url.PathEscape(args[0])+"/reprocess", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued %s for reprocessing", result["id"])
		return nil
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the vector index from stored document text",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/v1/admin/reindex", nil)
		if err != nil {
			return err
		}
		var result struct {
			Indexed int `json:"indexed"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Reindexed %d documents", result.Indexed)
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		fmt.Printf("# %s\n", config.ConfigFilePath())
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
