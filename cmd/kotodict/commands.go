package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kotodict/kotodict/internal/config"
	"github.com/kotodict/kotodict/internal/transcript"
)

// --- segment ---

var segmentCmd = &cobra.Command{
	Use:   "segment",
	Short: "Segment a raw transcript into attributed chunks",
	Long: `Segment a raw transcript into speaker-attributed message chunks.

The output is an extraction input document, ready to hand to the extraction
step or to "kotodict import create" once items have been proposed.

--file dispatches on the extension: .pdf and .html/.htm exports have their
text extracted first, a .json file is treated as an already-segmented input
document and re-emitted normalized, anything else is read as plain text.

Examples:
  kotodict segment --file ./conversation.txt > input.json
  kotodict segment --file ./export.pdf --output input.json
  kotodict segment --text "Alice\nHello there" --chunk-size 10`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")
		chunkSize, _ := cmd.Flags().GetInt("chunk-size")
		output, _ := cmd.Flags().GetString("output")

		if text == "" && file == "" {
			return fmt.Errorf("one of --text or --file is required")
		}
		if file != "" {
			if strings.EqualFold(filepath.Ext(file), ".json") {
				return normalizeInputFile(file, output)
			}
			data, err := readTranscriptFile(file)
			if err != nil {
				return err
			}
			text = data
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{"text": text}
		if chunkSize > 0 {
			req["chunk_size"] = chunkSize
		}
		resp, err := client.post(cmd.Context(), "/segment", req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
		}

		writer := os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			writer = f
		}
		if _, err := io.Copy(writer, resp.Body); err != nil {
			return err
		}
		if output != "" {
			printSuccess("Segmented transcript written to %s", output)
		}
		return nil
	},
}

func init() {
	segmentCmd.Flags().String("text", "", "raw transcript text")
	segmentCmd.Flags().String("file", "", "transcript file (.txt, .pdf, .html, or input .json)")
	segmentCmd.Flags().Int("chunk-size", 0, "messages per chunk (default from config)")
	segmentCmd.Flags().String("output", "", "output file path (default: stdout)")
}

// readTranscriptFile extracts raw transcript text from a source file,
// dispatching on the extension.
func readTranscriptFile(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		text, err := transcript.ReadPDF(path)
		if err != nil {
			return "", fmt.Errorf("reading PDF: %w", err)
		}
		return text, nil
	case ".html", ".htm":
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("reading file: %w", err)
		}
		defer f.Close()
		text, err := transcript.ReadHTML(f)
		if err != nil {
			return "", fmt.Errorf("reading HTML: %w", err)
		}
		return text, nil
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading file: %w", err)
		}
		return string(data), nil
	}
}

// normalizeInputFile round-trips an already-segmented input document through
// the decoder, validating it and normalizing string content into line lists.
// Runs entirely locally.
func normalizeInputFile(path, output string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}
	defer f.Close()

	chunks, err := transcript.ReadInput(f)
	if err != nil {
		return fmt.Errorf("parsing input document: %w", err)
	}

	writer := os.Stdout
	if output != "" {
		out, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer out.Close()
		writer = out
	}
	if err := transcript.WriteInput(writer, chunks); err != nil {
		return err
	}
	if output != "" {
		printSuccess("Normalized input document written to %s", output)
	}
	return nil
}

// --- import ---

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Create and review import jobs",
}

var importCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register an extraction document as a new import job",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		if file == "" {
			return fmt.Errorf("--file is required (use - for stdin)")
		}

		var doc []byte
		var err error
		if file == "-" {
			doc, err = io.ReadAll(os.Stdin)
		} else {
			doc, err = os.ReadFile(file)
		}
		if err != nil {
			return fmt.Errorf("reading extraction document: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/jobs", json.RawMessage(doc))
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Created job %s", result["job_id"])
		fmt.Println(result["job_id"])
		return nil
	},
}

// jobSummary is the slice of the job view the CLI renders.
type jobSummary struct {
	JobID      string             `json:"job_id"`
	Status     string             `json:"status"`
	Committed  bool               `json:"committed"`
	Chunks     []chunkSummary     `json:"chunks"`
	Candidates []candidateSummary `json:"candidates"`
	Unsaved    map[string]string  `json:"unsaved"`
}

type chunkSummary struct {
	TmpID string `json:"chunk_tmp_id"`
}

type candidateSummary struct {
	ID         string          `json:"candidate_id"`
	ChunkIndex int             `json:"chunk_index"`
	Decision   string          `json:"decision"`
	SkipType   string          `json:"skip_type"`
	Item       itemDraftFields `json:"item"`
}

type itemDraftFields struct {
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	StableKey string `json:"stable_key"`
}

func printJobSummary(job jobSummary) {
	status := job.Status
	if job.Committed {
		status = "committed"
	}
	fmt.Printf("%s  [%s]  %d chunks, %d candidates\n",
		colorize(colorBold, job.JobID), status, len(job.Chunks), len(job.Candidates))

	for _, c := range job.Candidates {
		line := fmt.Sprintf("  %s  %s  %-10s %s",
			colorize(colorCyan, c.ID), decisionLabel(c.Decision, c.SkipType), c.Item.Kind, c.Item.Title)
		if c.Item.StableKey != "" {
			line += "  (" + c.Item.StableKey + ")"
		}
		fmt.Println(line)
	}
	for id, detail := range job.Unsaved {
		printWarning("unsaved %s: %s", id, detail)
	}
}

var importLoadCmd = &cobra.Command{
	Use:   "load <job-id>",
	Short: "Load a job into a review session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/jobs/"+url.PathEscape(args[0])+"/load", nil)
		if err != nil {
			return err
		}

		var job jobSummary
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}
		printJobSummary(job)
		return nil
	},
}

var importShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a loaded job's candidates",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/jobs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var job jobSummary
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}
		printJobSummary(job)
		return nil
	},
}

var importToggleCmd = &cobra.Command{
	Use:   "toggle <job-id> <candidate-id>",
	Short: "Flip a candidate between KEEP and SKIP",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/jobs/" + url.PathEscape(args[0]) + "/candidates/" + url.PathEscape(args[1]) + "/toggle"
		resp, err := client.post(cmd.Context(), path, nil)
		if err != nil {
			return err
		}

		var cand candidateSummary
		if err := decodeJSON(resp, &cand); err != nil {
			return err
		}
		printSuccess("%s is now %s", cand.ID, cand.Decision)
		return nil
	},
}

var importSkipCmd = &cobra.Command{
	Use:   "skip <job-id> <candidate-id>",
	Short: "Mark a candidate SKIP with a type and reason",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 2 {
			return fmt.Errorf("job id and candidate id are required")
		}
		skipType, _ := cmd.Flags().GetString("type")
		reason, _ := cmd.Flags().GetString("reason")

		body := map[string]any{
			"decision":  "SKIP",
			"skip_type": strings.ToUpper(skipType),
		}
		if reason != "" {
			body["reason"] = reason
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/jobs/" + url.PathEscape(args[0]) + "/candidates/" + url.PathEscape(args[1])
		resp, err := client.patch(cmd.Context(), path, body)
		if err != nil {
			return err
		}

		var cand candidateSummary
		if err := decodeJSON(resp, &cand); err != nil {
			return err
		}
		printSuccess("%s is now %s", cand.ID, decisionLabel(cand.Decision, cand.SkipType))
		return nil
	},
}

var importEditCmd = &cobra.Command{
	Use:   "edit <job-id> <candidate-id>",
	Short: "Edit a candidate's draft item",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{}
		flags := cmd.Flags()
		for flag, key := range map[string]string{
			"kind":       "kind",
			"schema":     "schema_id",
			"title":      "title",
			"body":       "body",
			"domain":     "domain",
			"reason":     "reason",
			"payload":    "payload_raw",
			"stable-key": "stable_key",
		} {
			if flags.Changed(flag) {
				v, _ := flags.GetString(flag)
				body[key] = v
			}
		}
		if flags.Changed("tags") {
			tagsStr, _ := flags.GetString("tags")
			tags := strings.Split(tagsStr, ",")
			for i := range tags {
				tags[i] = strings.TrimSpace(tags[i])
			}
			body["tags"] = tags
		}
		if flags.Changed("confidence") {
			conf, _ := flags.GetFloat64("confidence")
			body["confidence"] = conf
		}
		if len(body) == 0 {
			return fmt.Errorf("no fields to edit; pass at least one flag")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/jobs/" + url.PathEscape(args[0]) + "/candidates/" + url.PathEscape(args[1])
		resp, err := client.patch(cmd.Context(), path, body)
		if err != nil {
			return err
		}

		var cand candidateSummary
		if err := decodeJSON(resp, &cand); err != nil {
			return err
		}
		printSuccess("Updated %s: %s", cand.ID, cand.Item.Title)
		return nil
	},
}

var importRetryCmd = &cobra.Command{
	Use:   "retry <job-id> <candidate-id>",
	Short: "Re-send an unsaved candidate's state to the service",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/jobs/" + url.PathEscape(args[0]) + "/candidates/" + url.PathEscape(args[1]) + "/retry"
		resp, err := client.post(cmd.Context(), path, nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Retry queued for %s", args[1])
		return nil
	},
}

var importCollisionCmd = &cobra.Command{
	Use:   "collision <job-id> <candidate-id>",
	Short: "Compare a candidate against the stored item holding its stable key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/jobs/" + url.PathEscape(args[0]) + "/candidates/" + url.PathEscape(args[1]) + "/collision"
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var result struct {
			Collision *struct {
				StableKey string `json:"stable_key"`
			} `json:"collision"`
			Diff []struct {
				Field   string `json:"field"`
				Stored  string `json:"stored"`
				Draft   string `json:"draft"`
				Changed bool   `json:"changed"`
			} `json:"diff"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if result.Collision == nil {
			fmt.Println("No collision.")
			return nil
		}

		printWarning("stable key %q is already in use", result.Collision.StableKey)
		for _, row := range result.Diff {
			marker := " "
			if row.Changed {
				marker = colorize(colorYellow, "*")
			}
			fmt.Printf("%s %-12s stored: %-40q draft: %q\n", marker, row.Field, row.Stored, row.Draft)
		}
		return nil
	},
}

var importAnnotateCmd = &cobra.Command{
	Use:   "annotate <job-id>",
	Short: "Toggle a marker or skip flag on a transcript line",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chunk, _ := cmd.Flags().GetInt("chunk")
		line, _ := cmd.Flags().GetString("line")
		kind, _ := cmd.Flags().GetString("kind")
		if line == "" {
			return fmt.Errorf("--line is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		body := map[string]any{"chunk_index": chunk, "line_id": line, "kind": kind}
		resp, err := client.post(cmd.Context(), "/jobs/"+url.PathEscape(args[0])+"/annotations", body)
		if err != nil {
			return err
		}

		var result struct {
			Kind string `json:"kind"`
			Set  bool   `json:"set"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if result.Set {
			printSuccess("Line %s flagged %s", line, result.Kind)
		} else {
			printSuccess("Line %s flag cleared", line)
		}
		return nil
	},
}

var importCommitCmd = &cobra.Command{
	Use:   "commit <job-id>",
	Short: "Commit all KEEP candidates to the dictionary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/jobs/"+url.PathEscape(args[0])+"/commit", nil)
		if err != nil {
			return err
		}

		var result struct {
			Inserted     int `json:"inserted"`
			Updated      int `json:"updated"`
			Skipped      int `json:"skipped"`
			LinksCreated int `json:"links_created"`
			Failed       []struct {
				CandidateID string `json:"candidate_id"`
				Detail      string `json:"detail"`
			} `json:"failed"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Committed: %d inserted, %d updated, %d skipped, %d links",
			result.Inserted, result.Updated, result.Skipped, result.LinksCreated)
		for _, f := range result.Failed {
			printError("failed %s: %s", f.CandidateID, f.Detail)
		}
		if len(result.Failed) > 0 {
			return fmt.Errorf("%d candidates failed; fix and commit again", len(result.Failed))
		}
		return nil
	},
}

var importDiscardCmd = &cobra.Command{
	Use:   "discard <job-id>",
	Short: "Discard a job without committing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/jobs/"+url.PathEscape(args[0])+"/discard", nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Discarded job %s", args[0])
		return nil
	},
}

func init() {
	importCreateCmd.Flags().String("file", "", "extraction document path (- for stdin)")

	importSkipCmd.Flags().String("type", "NOISE", "skip type (DUPLICATE, NOISE, PRIVATE)")
	importSkipCmd.Flags().String("reason", "", "free-form reason")

	importEditCmd.Flags().String("kind", "", "item kind")
	importEditCmd.Flags().String("schema", "", "schema id")
	importEditCmd.Flags().String("title", "", "item title")
	importEditCmd.Flags().String("body", "", "item body")
	importEditCmd.Flags().String("domain", "", "item domain")
	importEditCmd.Flags().String("tags", "", "comma-separated tags (replaces existing)")
	importEditCmd.Flags().Float64("confidence", 0, "confidence in [0,1]")
	importEditCmd.Flags().String("payload", "", "serialized payload JSON object")
	importEditCmd.Flags().String("stable-key", "", "stable key")
	importEditCmd.Flags().String("reason", "", "review reason")

	importAnnotateCmd.Flags().Int("chunk", 0, "chunk index")
	importAnnotateCmd.Flags().String("line", "", "line id (message id)")
	importAnnotateCmd.Flags().String("kind", "marker", "annotation kind (marker or skip)")

	importCmd.AddCommand(importCreateCmd)
	importCmd.AddCommand(importLoadCmd)
	importCmd.AddCommand(importShowCmd)
	importCmd.AddCommand(importToggleCmd)
	importCmd.AddCommand(importSkipCmd)
	importCmd.AddCommand(importEditCmd)
	importCmd.AddCommand(importRetryCmd)
	importCmd.AddCommand(importCollisionCmd)
	importCmd.AddCommand(importAnnotateCmd)
	importCmd.AddCommand(importCommitCmd)
	importCmd.AddCommand(importDiscardCmd)
}

// --- item ---

var itemCmd = &cobra.Command{
	Use:   "item <item-id>",
	Short: "Show one dictionary item as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/items/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var item any
		if err := decodeJSON(resp, &item); err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(item)
	},
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the knowledge dictionary",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		kind, _ := cmd.Flags().GetString("kind")
		domain, _ := cmd.Flags().GetString("domain")
		tags, _ := cmd.Flags().GetStringSlice("tag")
		limit, _ := cmd.Flags().GetInt("limit")

		q := url.Values{}
		q.Set("q", query)
		if kind != "" {
			q.Set("kind", kind)
		}
		if domain != "" {
			q.Set("domain", domain)
		}
		for _, t := range tags {
			q.Add("tag", t)
		}
		q.Set("limit", fmt.Sprintf("%d", limit))

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/search?"+q.Encode())
		if err != nil {
			return err
		}

		var result struct {
			Total int `json:"total"`
			Items []struct {
				ItemID string `json:"item_id"`
				Kind   string `json:"kind"`
				Title  string `json:"title"`
				Body   string `json:"body"`
				Domain string `json:"domain"`
			} `json:"items"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Items) == 0 {
			fmt.Println("No results found.")
			return nil
		}
		for _, it := range result.Items {
			header := fmt.Sprintf("%s  %-10s %s", colorize(colorCyan, it.ItemID), it.Kind, colorize(colorBold, it.Title))
			if it.Domain != "" {
				header += "  [" + it.Domain + "]"
			}
			fmt.Println(header)
			body := it.Body
			if len(body) > 200 {
				body = body[:200] + "..."
			}
			if body != "" {
				fmt.Printf("  %s\n", body)
			}
		}
		if result.Total > len(result.Items) {
			fmt.Printf("(%d more)\n", result.Total-len(result.Items))
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().String("kind", "", "filter by item kind")
	searchCmd.Flags().String("domain", "", "filter by domain")
	searchCmd.Flags().StringSlice("tag", nil, "filter by tag (repeatable)")
	searchCmd.Flags().Int("limit", 20, "maximum number of results")
}

// --- speakers ---

var speakersCmd = &cobra.Command{
	Use:   "speakers",
	Short: "List the speaker master used for segmentation",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/speakers")
		if err != nil {
			return err
		}

		var speakers []struct {
			Name          string `json:"name"`
			Role          string `json:"role"`
			CanonicalRole string `json:"canonical_role"`
		}
		if err := decodeJSON(resp, &speakers); err != nil {
			return err
		}
		if len(speakers) == 0 {
			fmt.Println("No speakers registered.")
			return nil
		}
		for _, s := range speakers {
			role := s.CanonicalRole
			if s.Role != "" && s.Role != role {
				role = fmt.Sprintf("%s (%s)", s.Role, role)
			}
			fmt.Printf("%s  %s\n", colorize(colorBold, s.Name), role)
		}
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

		keys := config.ShowAll(cfg)
		for _, k := range keys {
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
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
