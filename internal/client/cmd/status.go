package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"signage-core/internal/pairing"
	"signage-core/internal/version"
)

var (
	statusCode string
	apiURL     string
)

// statusCmd 通过 HTTP 旁路查询配对状态
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a pairing code through the HTTP API",
	Long: `Query GET /pairing/status/{code}. The API address defaults to the
realtime endpoint with the scheme switched to http(s).

Examples:
  signage-display status --code ABC123
  signage-display status --code ABC123 --api http://localhost:3001`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusCode, "code", "", "Pairing code (required)")
	statusCmd.Flags().StringVar(&apiURL, "api", "", "HTTP API base URL")
	_ = statusCmd.MarkFlagRequired("code")
}

// statusResponse 与 httpservice.ResponseData 对应
type statusResponse struct {
	Success bool               `json:"success"`
	Data    pairing.StatusView `json:"data"`
	Error   string             `json:"error"`
	Message string             `json:"message"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	base := apiURL
	if base == "" {
		config, err := loadConfig(pairing.ClientTypeController)
		if err != nil {
			return err
		}
		base, err = httpBaseURL(config.ServerURL)
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	view, err := fetchStatus(ctx, base, strings.TrimSpace(statusCode))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Code:       %s\n", view.Code)
	fmt.Fprintf(out, "Status:     %s\n", view.Status)
	fmt.Fprintf(out, "Device ID:  %s\n", view.DeviceID)
	fmt.Fprintf(out, "Expires at: %s\n", view.ExpiresAt.Local().Format(time.RFC3339))
	return nil
}

// fetchStatus 调用 GET /pairing/status/{code}
func fetchStatus(ctx context.Context, base, code string) (*pairing.StatusView, error) {
	endpoint := strings.TrimRight(base, "/") + "/pairing/status/" + url.PathEscape(code)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent("display"))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("invalid status response (HTTP %d): %w", resp.StatusCode, err)
	}
	if !body.Success {
		reason := body.Error
		if body.Message != "" {
			reason += ": " + body.Message
		}
		return nil, fmt.Errorf("status query failed (HTTP %d): %s", resp.StatusCode, reason)
	}
	return &body.Data, nil
}

// httpBaseURL 由实时通道地址推导 HTTP 地址：ws → http，wss → https，去掉路径
func httpBaseURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", serverURL, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String(), nil
}
