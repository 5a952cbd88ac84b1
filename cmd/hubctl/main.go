// Command hubctl is a CLI client for the local application hub's HTTP
// surface, grounded on cmd/loomctl/main.go's cobra root + thin JSON HTTP
// client shape — narrowed to the system node's own API table (§4.8)
// instead of loom's bead/workflow/agent domain.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	serverURL    string
	outputFormat string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "hubctl",
		Short:   "hubctl - interact with a local application hub",
		Long:    "hubctl is a command-line interface for the hub's system node: node inventory, app lifecycle, and authentication.",
		Version: version,
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", getDefaultServer(), "Hub server URL")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "json", "Output format: json, table")

	rootCmd.AddCommand(newNodeCommand())
	rootCmd.AddCommand(newAppCommand())
	rootCmd.AddCommand(newAuthCommand())
	rootCmd.AddCommand(newMetricsCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getDefaultServer() string {
	if server := os.Getenv("HUB_SERVER"); server != "" {
		return server
	}
	return "http://localhost:8080"
}

// --- HTTP client ---

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func newClient() *Client {
	return &Client{
		BaseURL: serverURL,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(method, path string, params url.Values, data interface{}) ([]byte, error) {
	u := fmt.Sprintf("%s%s", c.BaseURL, path)
	if params != nil {
		u += "?" + params.Encode()
	}

	var body io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal data: %w", err)
		}
		body = strings.NewReader(string(jsonData))
	}

	req, err := http.NewRequest(method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("server error (%d): %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

func (c *Client) get(path string, params url.Values) ([]byte, error) {
	return c.do("GET", path, params, nil)
}

func (c *Client) post(path string, data interface{}) ([]byte, error) {
	return c.do("POST", path, nil, data)
}

// outputJSON prints data according to the global outputFormat flag.
func outputJSON(data []byte) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		fmt.Println(string(data))
		return
	}

	if outputFormat == "table" {
		if err := outputTable(v); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: table formatting failed (%v), falling back to JSON\n", err)
			outputFormatJSON(v)
		}
		return
	}

	outputFormatJSON(v)
}

func outputFormatJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func outputTable(v interface{}) error {
	arr, ok := v.([]interface{})
	if !ok {
		return outputTableObject(v)
	}

	if len(arr) == 0 {
		fmt.Println("(no results)")
		return nil
	}

	columnSet := make(map[string]bool)
	var columns []string
	for _, item := range arr {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		for key := range obj {
			if !columnSet[key] {
				columnSet[key] = true
				columns = append(columns, key)
			}
		}
	}
	if len(columns) == 0 {
		return fmt.Errorf("no columns found")
	}

	fmt.Print(columns[0])
	for _, col := range columns[1:] {
		fmt.Printf("\t%s", col)
	}
	fmt.Println()

	for i := 0; i < len(columns); i++ {
		if i > 0 {
			fmt.Print("\t")
		}
		fmt.Print("---")
	}
	fmt.Println()

	for _, item := range arr {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		fmt.Print(formatValue(obj[columns[0]]))
		for _, col := range columns[1:] {
			fmt.Printf("\t%s", formatValue(obj[col]))
		}
		fmt.Println()
	}
	return nil
}

func outputTableObject(v interface{}) error {
	obj, ok := v.(map[string]interface{})
	if !ok {
		return fmt.Errorf("expected object, got %T", v)
	}
	fmt.Println("KEY\tVALUE")
	fmt.Println("---\t-----")
	for key, val := range obj {
		fmt.Printf("%s\t%s\n", key, formatValue(val))
	}
	return nil
}

func formatValue(v interface{}) string {
	if v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		if len(val) > 80 {
			return val[:77] + "..."
		}
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%.2f", val)
	case bool:
		if val {
			return "true"
		}
		return "false"
	case map[string]interface{}:
		return "(object)"
	case []interface{}:
		return fmt.Sprintf("(array:%d)", len(val))
	default:
		return fmt.Sprintf("%v", val)
	}
}

// --- Node commands ---

func newNodeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Inspect registered nodes",
	}
	cmd.AddCommand(newNodeListCommand())
	return cmd
}

func newNodeListCommand() *cobra.Command {
	var tag string
	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List registered node names, or nodes carrying a tag",
		Example: `  hubctl node list
  hubctl node list --tag=role`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			params := url.Values{}
			if tag != "" {
				params.Set("tag", tag)
			}
			data, err := client.get("/api/system/nodes", params)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
	cmd.Flags().StringVarP(&tag, "tag", "t", "", "List (name, value) pairs for nodes carrying this tag instead of plain names")
	return cmd
}

// --- App commands ---

func newAppCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "app",
		Short: "Manage supervised apps",
	}
	cmd.AddCommand(newAppListCommand())
	cmd.AddCommand(newAppReloadCommand())
	cmd.AddCommand(newAppStopCommand())
	cmd.AddCommand(newAppLogCommand())
	return cmd
}

func newAppListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every supervised app and its state",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			data, err := client.get("/api/system/apps", nil)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
}

func newAppReloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "reload <name>",
		Short:   "Stop, re-read config.toml, and restart an app",
		Args:    cobra.ExactArgs(1),
		Example: `  hubctl app reload dashboard`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			params := url.Values{}
			params.Set("name", args[0])
			data, err := client.get("/api/system/apps/reload", params)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
}

func newAppStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "stop <name>",
		Short:   "Stop a running app",
		Args:    cobra.ExactArgs(1),
		Example: `  hubctl app stop dashboard`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			params := url.Values{}
			params.Set("name", args[0])
			data, err := client.get("/api/system/apps/stop", params)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
}

func newAppLogCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "log <name>",
		Short:   "Show the tail of an app's log buffer",
		Args:    cobra.ExactArgs(1),
		Example: `  hubctl app log dashboard`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			params := url.Values{}
			params.Set("name", args[0])
			data, err := client.get("/api/system/apps/log", params)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
}

// --- Auth commands ---

func newAuthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authenticate the current hubctl session",
	}
	cmd.AddCommand(newAuthLoginCommand())
	return cmd
}

func newAuthLoginCommand() *cobra.Command {
	var login, password string
	cmd := &cobra.Command{
		Use:     "login",
		Short:   "Authenticate against the hub's configured session backend",
		Long:    "Exercises the system node's authenticate API. hubctl carries no cookie jar across invocations, so this checks credentials rather than establishing a persistent CLI session.",
		Example: `  hubctl auth login --login=jordan --password=hunter2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			data, err := client.post("/api/system/authenticate", map[string]interface{}{
				"login":    login,
				"password": password,
			})
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
	cmd.Flags().StringVarP(&login, "login", "l", "", "Username (required)")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Password (required)")
	cmd.MarkFlagRequired("login")
	cmd.MarkFlagRequired("password")
	return cmd
}

// --- Metrics command ---

func newMetricsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Fetch raw Prometheus metrics from the /metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			data, err := client.get("/metrics", nil)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(map[string]interface{}{
				"format": "prometheus",
				"raw":    string(data),
			}, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}
