package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"offline0/internal/offline0"
)

func init() {
	rootCmd.AddCommand(statusCmd, syncCmd, queueCmd, cacheCmd, exportCmd, clearCmd, configCmd)
	queueCmd.AddCommand(queueListCmd)
	cacheCmd.AddCommand(cacheGetCmd, cacheInvalidateCmd)
	configCmd.AddCommand(configDumpCmd)

	queueListCmd.Flags().String("status", "", "only list requests in this status (pending, failed, synced)")
	cacheInvalidateCmd.Flags().String("prefix", "", "cache key prefix; empty clears the whole cache")
	exportCmd.Flags().StringP("output", "o", "", "write the export to this file instead of stdout")
	clearCmd.Flags().Bool("yes", false, "do not ask for confirmation")
	configDumpCmd.Flags().String("format", "yaml", "yaml or toml")
}

var httpClient = &http.Client{Timeout: 2 * time.Minute}

// admin calls the admin API of a running gateway and returns the body of a
// 2xx response.
func admin(method, path string, query url.Values) ([]byte, error) {
	u := strings.TrimRight(adminAddr, "/") + offline0.AdminPrefix + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot reach gateway at %s: %w", adminAddr, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &apiError{Path: path, Status: resp.StatusCode}
		var doc struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &doc) == nil {
			apiErr.Message = doc.Error
		}
		return body, apiErr
	}
	return body, nil
}

type apiError struct {
	Path    string
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Path, e.Status)
	}
	return fmt.Sprintf("%s: %d: %s", e.Path, e.Status, e.Message)
}

func printJSON(w io.Writer, body []byte) error {
	if len(body) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		_, err = w.Write(body)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity, queue size and sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := admin(http.MethodGet, "/status", nil)
		if err != nil {
			return err
		}
		var st offline0.StatusReport
		if err := json.Unmarshal(body, &st); err != nil {
			return fmt.Errorf("decode status: %w", err)
		}
		out := cmd.OutOrStdout()
		online := "offline"
		if st.Online {
			online = "online"
		}
		fmt.Fprintf(out, "Network:    %s\n", online)
		fmt.Fprintf(out, "Queue:      %d pending\n", st.QueueSize)
		fmt.Fprintf(out, "Sync:       %s\n", st.SyncStatus)
		if st.UpdateAvailable {
			fmt.Fprintln(out, "Update:     new version available")
		}
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay the offline queue now",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := admin(http.MethodPost, "/sync", nil)
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
			fmt.Fprintln(cmd.OutOrStdout(), "a sync is already running")
			return nil
		}
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), body)
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the offline queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if st, _ := cmd.Flags().GetString("status"); st != "" {
			q.Set("status", st)
		}
		body, err := admin(http.MethodGet, "/queue", q)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), body)
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or invalidate the response cache",
}

var cacheGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a cached payload (keys look like GET_/products)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := admin(http.MethodGet, "/cache/"+url.PathEscape(args[0]), nil)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), body)
	},
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Delete cached responses by key prefix",
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix, _ := cmd.Flags().GetString("prefix")
		body, err := admin(http.MethodDelete, "/cache", url.Values{"prefix": {prefix}})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), body)
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Dump every stored record as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := admin(http.MethodGet, "/export", nil)
		if err != nil {
			return err
		}
		out, _ := cmd.Flags().GetString("output")
		if out == "" {
			return printJSON(cmd.OutOrStdout(), body)
		}
		if err := os.WriteFile(out, body, 0o600); err != nil {
			return fmt.Errorf("write export: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "exported to %s\n", out)
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all cached responses, queued requests and records",
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("refusing to clear without --yes")
		}
		if _, err := admin(http.MethodDelete, "/data", nil); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "all offline data cleared")
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Work with the gateway configuration",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the effective configuration with defaults and env overrides applied",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := offline0.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		format, _ := cmd.Flags().GetString("format")
		out, err := cfg.Dump(format)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}
