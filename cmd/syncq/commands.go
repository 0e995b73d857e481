package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/syncq/internal/api"
	"github.com/kalambet/syncq/internal/config"
	"github.com/kalambet/syncq/internal/storage"
	"github.com/kalambet/syncq/internal/syncer"
)

// --- enqueue ---

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <method> <endpoint>",
	Short: "Queue a mutating request for delivery",
	Long: `Queue a mutating request for delivery to the remote API.

Examples:
  syncq enqueue POST /notes --action "create note" --body '{"text":"hi"}'
  syncq enqueue PATCH /notes/42 --action "rename note" --body-file ./patch.json
  syncq enqueue DELETE /notes/42 --action "delete note"`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		action, _ := cmd.Flags().GetString("action")
		body, _ := cmd.Flags().GetString("body")
		bodyFile, _ := cmd.Flags().GetString("body-file")

		if body != "" && bodyFile != "" {
			return fmt.Errorf("use only one of --body and --body-file")
		}
		if bodyFile != "" {
			data, err := os.ReadFile(bodyFile)
			if err != nil {
				return fmt.Errorf("reading body file: %w", err)
			}
			body = string(data)
		}
		if action == "" {
			action = strings.ToUpper(args[0]) + " " + args[1]
		}

		req, err := buildEnqueueRequest(action, args[0], args[1], body)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		id, err := enqueueOperation(cmd.Context(), client, req)
		if err != nil {
			return err
		}

		printSuccess("Queued operation %s", id)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().String("action", "", "label shown in status views (default: method and endpoint)")
	enqueueCmd.Flags().String("body", "", "JSON request body")
	enqueueCmd.Flags().String("body-file", "", "read the JSON request body from a file")
}

func buildEnqueueRequest(action, method, endpoint, body string) (api.EnqueueRequest, error) {
	req := api.EnqueueRequest{Action: action, Endpoint: endpoint, Method: method}
	if body = strings.TrimSpace(body); body != "" {
		if !json.Valid([]byte(body)) {
			return api.EnqueueRequest{}, fmt.Errorf("body is not valid JSON")
		}
		req.Body = json.RawMessage(body)
	}
	return req, nil
}

func enqueueOperation(ctx context.Context, client *apiClient, req api.EnqueueRequest) (string, error) {
	resp, err := client.post(ctx, "/operations", req)
	if err != nil {
		return "", err
	}
	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		return "", err
	}
	return result["id"], nil
}

// --- ops ---

var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "Inspect and manage queued operations",
}

var opsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued operations in delivery order",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listOperations(cmd.Context(), client, os.Stdout, limit, offset)
	},
}

func listOperations(ctx context.Context, client *apiClient, w io.Writer, limit, offset int) error {
	resp, err := client.get(ctx, fmt.Sprintf("/operations?limit=%d&offset=%d", limit, offset))
	if err != nil {
		return err
	}
	var ops []storage.Operation
	if err := decodeJSON(resp, &ops); err != nil {
		return err
	}

	if len(ops) == 0 {
		fmt.Fprintln(w, "Queue is empty.")
		return nil
	}
	for _, op := range ops {
		fmt.Fprintln(w, formatOperation(op))
	}
	return nil
}

var opsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/operations/"+args[0])
		if err != nil {
			return err
		}
		var op storage.Operation
		if err := decodeJSON(resp, &op); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(op)
	},
}

var opsRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove an operation without delivering it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/operations/"+args[0])
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Removed operation %s", args[0])
		return nil
	},
}

var opsRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Reset one operation to pending with a zero retry count",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/operations/"+args[0]+"/retry", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Operation %s is pending again", args[0])
		return nil
	},
}

func init() {
	opsListCmd.Flags().Int("limit", 50, "maximum number of operations to list")
	opsListCmd.Flags().Int("offset", 0, "number of operations to skip")
	opsCmd.AddCommand(opsListCmd, opsShowCmd, opsRemoveCmd, opsRetryCmd)
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Deliver queued operations now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		res, err := runSync(cmd.Context(), client)
		if err != nil {
			return err
		}
		reportSync(os.Stdout, res)
		return nil
	},
}

func runSync(ctx context.Context, client *apiClient) (syncer.Result, error) {
	resp, err := client.post(ctx, "/sync", nil)
	if err != nil {
		return syncer.Result{}, err
	}
	var res syncer.Result
	if err := decodeJSON(resp, &res); err != nil {
		return syncer.Result{}, err
	}
	return res, nil
}

func reportSync(w io.Writer, res syncer.Result) {
	if res.Processed == 0 {
		printWarning("Nothing delivered (queue empty, offline, or a sync is already running)")
		return
	}
	for _, item := range res.Items {
		if item.Success {
			fmt.Fprintf(w, "%s  %s\n", colorize(colorCyan, shortID(item.ID)), colorize(colorGreen, "delivered"))
		} else {
			fmt.Fprintf(w, "%s  %s\n", colorize(colorCyan, shortID(item.ID)), colorize(colorRed, item.Error))
		}
	}
	if res.Failed > 0 {
		printWarning("%d delivered, %d failed", res.Successful, res.Failed)
		return
	}
	printSuccess("%d delivered", res.Successful)
}

// --- retry-failed ---

var retryFailedCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Reset every failed operation to pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/operations/retry-failed", nil)
		if err != nil {
			return err
		}
		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Reset %d failed operation(s)", result["reset"])
		return nil
	},
}

// --- clear ---

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every queued operation",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL queued operations without delivering them. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/operations")
		if err != nil {
			return err
		}
		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Cleared %d operation(s)", result["cleared"])
		return nil
	},
}

func init() {
	clearCmd.Flags().Bool("confirm", false, "confirm deleting the queue")
}

// --- online / offline ---

var onlineCmd = &cobra.Command{
	Use:   "online",
	Short: "Report the remote as reachable and deliver pending work",
	RunE: func(cmd *cobra.Command, args []string) error {
		return setConnectivity(cmd.Context(), true)
	},
}

var offlineCmd = &cobra.Command{
	Use:   "offline",
	Short: "Report the remote as unreachable and pause delivery",
	RunE: func(cmd *cobra.Command, args []string) error {
		return setConnectivity(cmd.Context(), false)
	},
}

func setConnectivity(ctx context.Context, online bool) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	resp, err := client.put(ctx, "/connectivity", map[string]bool{"online": online})
	if err != nil {
		return err
	}
	var result map[string]bool
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}

	if result["online"] {
		printSuccess("Marked online")
	} else {
		printSuccess("Marked offline")
	}
	return nil
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
		if cfg.Sync.RemoteToken != "" {
			fmt.Printf("  %s = %s\n", colorize(colorBold, "sync.remote_token"), "(set)")
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) > 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		return config.ValidKeys(), cobra.ShellCompDirectiveNoFileComp
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

var configSetTokenCmd = &cobra.Command{
	Use:   "set-remote-token",
	Short: "Store the remote API credential (read from stdin)",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 64<<10))
		if err != nil {
			return fmt.Errorf("reading token: %w", err)
		}
		token := strings.TrimSpace(string(data))

		if err := config.SetRemoteToken(token); err != nil {
			return err
		}
		if token == "" {
			printSuccess("Remote token removed")
		} else {
			printSuccess("Remote token stored")
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configSetTokenCmd)
}
