// Package main provides the bitemporal CLI, a client of the bitemporal-server
// HTTP API.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	version = "dev"

	// Global flags
	serverURL    string
	outputFlag   string
	globalClient *apiClient
)

// apiClient wraps an HTTP client and the server base URL.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: slog.Default(),
	}
}

// doRequest performs an HTTP request and returns the response body and status
// code. It returns an error if the status code indicates a failure.
func (c *apiClient) doRequest(method, path string, body io.Reader) ([]byte, int, error) {
	url := c.baseURL + path

	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("sending request", "method", method, "url", url)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("connecting to server at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return nil, resp.StatusCode, fmt.Errorf("server error (%d): %s", resp.StatusCode, errResp.Error)
		}
		return nil, resp.StatusCode, fmt.Errorf("server error (%d): %s", resp.StatusCode, string(respBody))
	}

	return respBody, resp.StatusCode, nil
}

// getJSON performs a GET and decodes the response into out.
func (c *apiClient) getJSON(path string, out any) error {
	body, _, err := c.doRequest(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bitemporal",
		Short: "CLI for the bitemporal address history server",
		Long: `bitemporal reads and writes address history kept by bitemporal-server.

Every write creates a new snapshot of the address's effective timeline;
reads select a snapshot by transaction time and a version by effective time.`,
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			globalClient = newAPIClient(serverURL)
			_, err := parseOutputFormat(outputFlag)
			return err
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "table", "Output format: table, json, yaml")

	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newTimelineCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newQueryCmd())
	rootCmd.AddCommand(newSnapshotsCmd())
	rootCmd.AddCommand(newVersionsCmd())
	rootCmd.AddCommand(newPutCmd())
	rootCmd.AddCommand(newDeleteCmd())
	rootCmd.AddCommand(newBootstrapCmd())
	rootCmd.AddCommand(newHealthCmd())

	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
