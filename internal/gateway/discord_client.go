package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type DiscordClientOptions struct {
	BaseURL    string
	BotToken   string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// HTTPDiscordClient talks to the Discord REST API with bounded retries on
// transient failures and honors Retry-After on rate limits.
type HTTPDiscordClient struct {
	baseURL    string
	botToken   string
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPDiscordClient(opts DiscordClientOptions) *HTTPDiscordClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://discord.com/api/v10"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPDiscordClient{
		baseURL:    baseURL,
		botToken:   strings.TrimSpace(opts.BotToken),
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

type messageResponse struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Timestamp string `json:"timestamp"`
	Reactions []struct {
		Count int `json:"count"`
		Emoji struct {
			Name string `json:"name"`
		} `json:"emoji"`
	} `json:"reactions"`
}

func (c *HTTPDiscordClient) CreateMessage(ctx context.Context, channelID, content string) (SendResult, error) {
	var out messageResponse
	path := fmt.Sprintf("/channels/%s/messages", url.PathEscape(channelID))
	err := c.doJSON(ctx, http.MethodPost, path, map[string]string{"content": content}, &out)
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{MessageID: out.ID, ChannelID: out.ChannelID, CreatedAt: out.Timestamp}, nil
}

func (c *HTTPDiscordClient) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	path := fmt.Sprintf("/channels/%s/messages/%s", url.PathEscape(channelID), url.PathEscape(messageID))
	return c.doJSON(ctx, http.MethodPatch, path, map[string]string{"content": content}, nil)
}

func (c *HTTPDiscordClient) CreateReaction(ctx context.Context, channelID, messageID, emoji string) error {
	path := fmt.Sprintf("/channels/%s/messages/%s/reactions/%s/@me",
		url.PathEscape(channelID), url.PathEscape(messageID), url.PathEscape(emoji))
	return c.doJSON(ctx, http.MethodPut, path, nil, nil)
}

// MessageReactions fetches the message and returns live counts keyed by emoji
// name.
func (c *HTTPDiscordClient) MessageReactions(ctx context.Context, channelID, messageID string) (map[string]int, error) {
	var out messageResponse
	path := fmt.Sprintf("/channels/%s/messages/%s", url.PathEscape(channelID), url.PathEscape(messageID))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for _, reaction := range out.Reactions {
		if reaction.Emoji.Name == "" {
			continue
		}
		counts[reaction.Emoji.Name] = reaction.Count
	}
	return counts, nil
}

func (c *HTTPDiscordClient) doJSON(ctx context.Context, method, path string, payload, out any) error {
	if c == nil {
		return fmt.Errorf("discord client is nil")
	}
	if c.botToken == "" {
		return fmt.Errorf("discord bot token is required")
	}
	var bodyBytes []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		bodyBytes = encoded
	}
	target := c.baseURL + path

	for attempt := 0; ; attempt++ {
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bot "+c.botToken)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out != nil && len(respBody) > 0 {
				return json.Unmarshal(respBody, out)
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		httpErr := &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var parsed map[string]any
		if json.Unmarshal(respBody, &parsed) == nil {
			if code, ok := parsed["code"].(float64); ok {
				httpErr.Code = strconv.Itoa(int(code))
			}
			if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
				httpErr.Message = message
			}
		}
		return httpErr
	}
}

func (c *HTTPDiscordClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
