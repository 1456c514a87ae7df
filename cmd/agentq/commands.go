package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/agentq/internal/config"
)

// jobView is the subset of a job the CLI prints.
type jobView struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Prompt    string            `json:"prompt"`
	Model     string            `json:"model"`
	Status    string            `json:"status"`
	Result    string            `json:"result"`
	Error     string            `json:"error"`
	Meta      map[string]string `json:"meta"`
	CreatedAt time.Time         `json:"created_at"`
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit <prompt>",
	Short: "Submit a job",
	Long: `Submit a job to the queue.

Examples:
  agentq submit "summarize the plot of Dune"
  agentq submit --type research "latest Go release notes"
  agentq submit --type code --save-to hello.go "hello world HTTP server"
  agentq submit --type file "notes.txt: list the open tasks"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, _ := cmd.Flags().GetString("type")
		model, _ := cmd.Flags().GetString("model")
		priority, _ := cmd.Flags().GetString("priority")
		saveTo, _ := cmd.Flags().GetString("save-to")
		wait, _ := cmd.Flags().GetDuration("wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		id, err := submitJob(cmd.Context(), client, map[string]string{
			"type":     typ,
			"prompt":   strings.Join(args, " "),
			"model":    model,
			"priority": priority,
			"save_to":  saveTo,
		})
		if err != nil {
			return err
		}
		printSuccess("Queued job %s", id)

		if wait <= 0 {
			return nil
		}
		job, err := waitForJob(cmd.Context(), client, id, wait, time.Second)
		if err != nil {
			return err
		}
		return printJob(os.Stdout, job)
	},
}

func init() {
	submitCmd.Flags().String("type", "generic", "job type: chat, code, research, file, generic")
	submitCmd.Flags().String("model", "", "model id (default: configured local model)")
	submitCmd.Flags().String("priority", "", "low, normal or high")
	submitCmd.Flags().String("save-to", "", "workspace-relative path for code results")
	submitCmd.Flags().Duration("wait", 0, "wait up to this long for the job to finish")
}

func submitJob(ctx context.Context, c *apiClient, req map[string]string) (string, error) {
	for k, v := range req {
		if v == "" {
			delete(req, k)
		}
	}
	resp, err := c.post(ctx, "/jobs", req)
	if err != nil {
		return "", err
	}
	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		return "", err
	}
	return result["id"], nil
}

// waitForJob polls a job until it reaches a terminal state or timeout passes.
func waitForJob(ctx context.Context, c *apiClient, id string, timeout, every time.Duration) (jobView, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	var last jobView
	for {
		job, err := getJob(ctx, c, id)
		if err != nil && ctx.Err() == nil {
			return jobView{}, err
		}
		if err == nil {
			last = job
			if job.Status == "completed" || job.Status == "failed" {
				return job, nil
			}
		}
		select {
		case <-ctx.Done():
			return last, fmt.Errorf("job %s still %s after %v", id, last.Status, timeout)
		case <-ticker.C:
		}
	}
}

func getJob(ctx context.Context, c *apiClient, id string) (jobView, error) {
	resp, err := c.get(ctx, "/jobs/"+url.PathEscape(id))
	if err != nil {
		return jobView{}, err
	}
	var job jobView
	err = decodeJSON(resp, &job)
	return job, err
}

func printJob(w io.Writer, job jobView) error {
	fmt.Fprintf(w, "%s  %s  %s\n", colorize(colorCyan, job.ID), job.Type, colorize(stateColor(job.Status), job.Status))
	switch job.Status {
	case "completed":
		fmt.Fprintln(w)
		fmt.Fprintln(w, job.Result)
	case "failed":
		fmt.Fprintln(w)
		fmt.Fprintln(w, colorize(colorRed, job.Error))
	}
	return nil
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect queued and finished jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/jobs?limit=%d", limit))
		if err != nil {
			return err
		}
		var list []jobView
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}

		printJobList(os.Stdout, list)
		return nil
	},
}

func printJobList(w io.Writer, list []jobView) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No jobs found.")
		return
	}
	for _, j := range list {
		fmt.Fprintf(w, "%s  %-10s  %-8s  %s  %s\n",
			colorize(colorCyan, shortID(j.ID)),
			colorize(stateColor(j.Status), j.Status),
			j.Type,
			j.CreatedAt.Local().Format("2006-01-02 15:04"),
			truncate(j.Prompt, 60),
		)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single job as JSON",
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
		var job any
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}
		return printJSON(os.Stdout, job)
	},
}

func init() {
	jobsListCmd.Flags().Int("limit", 20, "maximum number of jobs to list")
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
}

// --- feeds ---

var feedsCmd = &cobra.Command{
	Use:   "feeds",
	Short: "Manage feed monitors and subscriptions",
}

type feedListing struct {
	Monitors []struct {
		Key      string   `json:"key"`
		Name     string   `json:"name"`
		URL      string   `json:"url"`
		Kind     string   `json:"kind"`
		Mode     string   `json:"mode"`
		Keywords []string `json:"keywords"`
		Interval string   `json:"interval"`
	} `json:"monitors"`
	Subscriptions []struct {
		ID     string `json:"id"`
		ChatID string `json:"chat_id"`
		URL    string `json:"url"`
		Name   string `json:"name"`
	} `json:"subscriptions"`
}

var feedsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List static monitors and subscriptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, _ := cmd.Flags().GetString("chat")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/feeds"
		if chatID != "" {
			path += "?chat_id=" + url.QueryEscape(chatID)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var listing feedListing
		if err := decodeJSON(resp, &listing); err != nil {
			return err
		}

		printFeedListing(os.Stdout, listing)
		return nil
	},
}

func printFeedListing(w io.Writer, l feedListing) {
	if len(l.Monitors) == 0 && len(l.Subscriptions) == 0 {
		fmt.Fprintln(w, "No feeds configured.")
		return
	}
	if len(l.Monitors) > 0 {
		fmt.Fprintln(w, colorize(colorBold, "Monitors:"))
		for _, m := range l.Monitors {
			name := m.Name
			if name == "" {
				name = m.URL
			}
			line := fmt.Sprintf("  %s  [%s/%s every %s]", name, m.Kind, m.Mode, m.Interval)
			if len(m.Keywords) > 0 {
				line += "  keywords: " + strings.Join(m.Keywords, ", ")
			}
			fmt.Fprintln(w, line)
		}
	}
	if len(l.Subscriptions) > 0 {
		fmt.Fprintln(w, colorize(colorBold, "Subscriptions:"))
		for _, s := range l.Subscriptions {
			fmt.Fprintf(w, "  %s  %s  %s\n", colorize(colorCyan, s.ID), s.Name, s.URL)
		}
	}
}

var feedsAddCmd = &cobra.Command{
	Use:   "add <url> [name]",
	Short: "Subscribe to an RSS or Atom feed",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, _ := cmd.Flags().GetString("chat")

		req := map[string]string{"url": args[0]}
		if len(args) == 2 {
			req["name"] = args[1]
		}
		if chatID != "" {
			req["chat_id"] = chatID
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/feeds", req)
		if err != nil {
			return err
		}
		var sub struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := decodeJSON(resp, &sub); err != nil {
			return err
		}

		printSuccess("Subscribed to %q (id %s)", sub.Name, sub.ID)
		return nil
	},
}

var feedsRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a feed subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, _ := cmd.Flags().GetString("chat")

		path := "/feeds/" + url.PathEscape(args[0])
		if chatID != "" {
			path += "?chat_id=" + url.QueryEscape(chatID)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), path)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Removed subscription %s", args[0])
		return nil
	},
}

var feedsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check every feed now and deliver new items",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/feeds/check", nil)
		if err != nil {
			return err
		}
		var results []checkResult
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}

		failed := printCheckResults(os.Stdout, results)
		if failed > 0 {
			return fmt.Errorf("%d of %d feeds failed", failed, len(results))
		}
		return nil
	},
}

type checkResult struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	Delivered int    `json:"delivered"`
	Error     string `json:"error"`
}

func printCheckResults(w io.Writer, results []checkResult) int {
	failed := 0
	for _, r := range results {
		name := r.Name
		if name == "" {
			name = r.Key
		}
		if r.Error != "" {
			failed++
			fmt.Fprintf(w, "%s %s: %s\n", colorize(colorRed, "✗"), name, r.Error)
			continue
		}
		fmt.Fprintf(w, "%s %s: %d new\n", colorize(colorGreen, "✓"), name, r.Delivered)
	}
	return failed
}

func init() {
	for _, c := range []*cobra.Command{feedsListCmd, feedsAddCmd, feedsRemoveCmd} {
		c.Flags().String("chat", "", "chat id owning the subscription (default: configured owner chat)")
	}
	feedsCmd.AddCommand(feedsListCmd)
	feedsCmd.AddCommand(feedsAddCmd)
	feedsCmd.AddCommand(feedsRemoveCmd)
	feedsCmd.AddCommand(feedsCheckCmd)
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

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "("+k.EnvVar+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) == 0 {
			return config.ValidKeys(), cobra.ShellCompDirectiveNoFileComp
		}
		return nil, cobra.ShellCompDirectiveNoFileComp
	},
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
