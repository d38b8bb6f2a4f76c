package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
)

// Exit codes for the chat command.
const (
	ExitSuccess            = 0
	ExitFailure            = 1
	ExitDenied             = 2
	ExitGatewayUnavailable = 3
)

var (
	chatMessage    string
	chatGatewayURL string
	chatAPIKey     string
	chatProvider   string
	chatTimeout    int
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Send a one-shot chat request to the gateway",
	Long: `Send a message to the Flowgate gateway for routing.
The request is authenticated with your tenant API key, served from the
response cache when possible, and otherwise routed through the provider
fallback chain.

Examples:
  flowgate chat -m "generate a workflow that posts to slack"
  flowgate chat -m "why did this step fail?" --provider anthropic

Exit codes:
  0  success
  1  request failure
  2  unauthorized or rate limited
  3  gateway or provider unavailable`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatMessage, "message", "m", "", "message to send (required)")
	chatCmd.Flags().StringVar(&chatGatewayURL, "gateway-url", "http://localhost:8080", "gateway HTTP API URL")
	chatCmd.Flags().StringVar(&chatAPIKey, "api-key", "", "API key for gateway authentication (or FLOWGATE_API_KEY env)")
	chatCmd.Flags().StringVar(&chatProvider, "provider", "", "preferred provider (openai, anthropic, gemini, ollama)")
	chatCmd.Flags().IntVar(&chatTimeout, "timeout", 120, "timeout in seconds")

	_ = chatCmd.MarkFlagRequired("message")
}

func runChat(_ *cobra.Command, _ []string) error {
	if chatMessage == "" {
		return fmt.Errorf("message is required: use -m flag")
	}

	// Resolve API key and gateway URL from flag or env.
	apiKey := goutils.Env("FLOWGATE_API_KEY", chatAPIKey)
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required (use --api-key or set FLOWGATE_API_KEY)")
		os.Exit(ExitDenied)
	}
	gatewayURL := goutils.Env("FLOWGATE_GATEWAY_URL", chatGatewayURL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(chatTimeout)*time.Second)
	defer cancel()

	reqBody, _ := json.Marshal(map[string]any{
		"message":  chatMessage,
		"provider": chatProvider,
	})

	req, err := http.NewRequestWithContext(ctx, "POST", gatewayURL+"/v1/chat", bytes.NewReader(reqBody))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach gateway at %s: %v\n", gatewayURL, err)
		os.Exit(ExitGatewayUnavailable)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		var result struct {
			Content       string  `json:"content"`
			Provider      string  `json:"provider"`
			Model         string  `json:"model"`
			CostUSD       float64 `json:"cost_usd"`
			Cached        bool    `json:"cached"`
			LatencyMs     int64   `json:"latency_ms"`
			CorrelationID string  `json:"correlation_id"`
		}
		_ = json.Unmarshal(respBody, &result)
		fmt.Println(result.Content)
		fmt.Fprintf(os.Stderr, "\n[provider=%s model=%s cost=$%.6f cached=%t latency=%dms correlation_id=%s]\n",
			result.Provider, result.Model, result.CostUSD, result.Cached, result.LatencyMs, result.CorrelationID)
		os.Exit(ExitSuccess)

	case http.StatusUnauthorized, http.StatusForbidden:
		fmt.Fprintln(os.Stderr, "Error: unauthorized (check API key)")
		os.Exit(ExitDenied)

	case http.StatusTooManyRequests:
		fmt.Fprintln(os.Stderr, "Error: rate limited, try again later")
		os.Exit(ExitDenied)

	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		fmt.Fprintf(os.Stderr, "Error: gateway or providers unavailable (%d)\n", resp.StatusCode)
		os.Exit(ExitGatewayUnavailable)

	default:
		fmt.Fprintf(os.Stderr, "Error: gateway returned %d: %s\n", resp.StatusCode, string(respBody))
		os.Exit(ExitFailure)
	}

	return nil
}
