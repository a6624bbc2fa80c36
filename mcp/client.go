package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"
)

// Provider identifies an AI backend.
type Provider string

const (
	ProviderDeepSeek Provider = "deepseek"
	ProviderQwen     Provider = "qwen"
	ProviderGroq     Provider = "groq"
	ProviderCustom   Provider = "custom"
)

// Client calls an OpenAI-compatible chat completions API.
type Client struct {
	Provider   Provider
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	UseFullURL bool // call BaseURL as-is instead of appending /chat/completions

	transport  *http.Transport
	httpClient *http.Client
}

func New() *Client {
	return &Client{
		Provider: ProviderGroq,
		BaseURL:  "https://api.groq.com/openai/v1",
		Model:    "llama-3.1-70b-versatile",
		Timeout:  120 * time.Second,
	}
}

// SetDeepSeekAPIKey configures the DeepSeek backend.
func (cfg *Client) SetDeepSeekAPIKey(apiKey string) {
	cfg.Provider = ProviderDeepSeek
	cfg.APIKey = apiKey
	cfg.BaseURL = "https://api.deepseek.com/v1"
	cfg.Model = "deepseek-chat"
}

// SetQwenAPIKey configures the Qwen compatible-mode backend.
func (cfg *Client) SetQwenAPIKey(apiKey string) {
	cfg.Provider = ProviderQwen
	cfg.APIKey = apiKey
	cfg.BaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	cfg.Model = "qwen-plus"
}

// SetGroqAPIKey configures the Groq backend. Larger models get a longer
// timeout since decision prompts carry a full market context.
func (cfg *Client) SetGroqAPIKey(apiKey, model string) {
	cfg.Provider = ProviderGroq
	cfg.APIKey = apiKey
	cfg.BaseURL = "https://api.groq.com/openai/v1"
	if model == "" {
		model = "llama-3.1-70b-versatile"
	}
	cfg.Model = model
	if strings.Contains(strings.ToLower(model), "70b") {
		cfg.Timeout = 180 * time.Second
	} else {
		cfg.Timeout = 120 * time.Second
	}
}

// SetCustomAPI configures any OpenAI-format API. A trailing '#' on the URL
// means "use as-is, do not append /chat/completions".
func (cfg *Client) SetCustomAPI(apiURL, apiKey, modelName string) {
	cfg.Provider = ProviderCustom
	cfg.APIKey = apiKey
	if strings.HasSuffix(apiURL, "#") {
		cfg.BaseURL = strings.TrimSuffix(apiURL, "#")
		cfg.UseFullURL = true
	} else {
		cfg.BaseURL = apiURL
		cfg.UseFullURL = false
	}
	cfg.Model = modelName
	cfg.Timeout = 120 * time.Second
}

// CallWithMessages sends a system + user prompt pair and returns the raw
// completion text. Network failures are retried with stepped waits; any
// other failure surfaces immediately.
func (cfg *Client) CallWithMessages(systemPrompt, userPrompt string) (string, error) {
	if cfg.APIKey == "" {
		return "", fmt.Errorf("AI API key not set")
	}

	maxRetries := 5
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			log.Printf("⚠️  AI API call failed, retrying (%d/%d)...", attempt, maxRetries)
		}

		result, err := cfg.callOnce(systemPrompt, userPrompt)
		if err == nil {
			if attempt > 1 {
				log.Printf("✓ AI API retry succeeded")
			}
			return result, nil
		}

		lastErr = err
		if !isRetryableError(err) {
			return "", err
		}

		if attempt < maxRetries {
			// Stepped waits give the backend time to recover
			var waitTime time.Duration
			switch attempt {
			case 1:
				waitTime = 5 * time.Second
			case 2:
				waitTime = 10 * time.Second
			case 3:
				waitTime = 20 * time.Second
			default:
				waitTime = 30 * time.Second
			}
			log.Printf("⏳ Waiting %v before retry...", waitTime)
			time.Sleep(waitTime)
		}
	}

	return "", fmt.Errorf("still failing after %d retries: %w", maxRetries, lastErr)
}

func (cfg *Client) callOnce(systemPrompt, userPrompt string) (string, error) {
	messages := []map[string]string{}
	if systemPrompt != "" {
		messages = append(messages, map[string]string{
			"role":    "system",
			"content": systemPrompt,
		})
	}
	messages = append(messages, map[string]string{
		"role":    "user",
		"content": userPrompt,
	})

	// Low temperature keeps the JSON response format stable
	requestBody := map[string]interface{}{
		"model":       cfg.Model,
		"messages":    messages,
		"temperature": 0.5,
		"max_tokens":  4000,
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	url := cfg.BaseURL
	if !cfg.UseFullURL {
		url = fmt.Sprintf("%s/chat/completions", cfg.BaseURL)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", cfg.APIKey))

	if cfg.transport == nil {
		cfg.transport = &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
		cfg.httpClient = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.transport,
		}
	}
	resp, err := cfg.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API returned error (status %d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("API returned empty response")
	}

	return result.Choices[0].Message.Content, nil
}

// isRetryableError reports whether an error looks like a transient network
// failure.
func isRetryableError(err error) bool {
	errStr := err.Error()
	retryableErrors := []string{
		"EOF",
		"timeout",
		"connection reset",
		"connection refused",
		"forcibly closed",
		"temporary failure",
		"no such host",
		"broken pipe",
		"network is unreachable",
	}
	for _, retryable := range retryableErrors {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}
	return false
}
