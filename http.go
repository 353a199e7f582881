package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

const (
	userAgent          = "DiscordBot (tsukuyomi, 1.0)"
	defaultHTTPTimeout = 10 * time.Second
)

// GatewayBot is the answer of GET /gateway/bot.
type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

type SessionStartLimit struct {
	Total          int   `json:"total"`
	Remaining      int   `json:"remaining"`
	ResetAfter     int64 `json:"reset_after"`
	MaxConcurrency int   `json:"max_concurrency"`
}

func NewHTTPClient() *fasthttp.Client {
	return &fasthttp.Client{
		Name:                userAgent,
		MaxIdleConnDuration: time.Minute,
		ReadTimeout:         defaultHTTPTimeout,
		WriteTimeout:        defaultHTTPTimeout,
	}
}

func authorization(token string) string {
	if strings.HasPrefix(token, "Bot ") || strings.HasPrefix(token, "Bearer ") {
		return token
	}
	return "Bot " + token
}

func requestTimeout(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		return time.Until(deadline)
	}
	return defaultHTTPTimeout
}

// FetchGateway asks the REST API for the gateway url and the recommended
// shard count.
func FetchGateway(ctx context.Context, client *fasthttp.Client, apiURL string, version int, token string) (*GatewayBot, error) {
	if client == nil {
		client = NewHTTPClient()
	}
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}

	request := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(request)
	response := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(response)

	request.Header.SetMethod(fasthttp.MethodGet)
	request.SetRequestURI(fmt.Sprintf("%s/v%d/gateway/bot", strings.TrimRight(apiURL, "/"), version))
	request.Header.Set("Authorization", authorization(token))
	request.Header.Set("User-Agent", userAgent)

	timeout := requestTimeout(ctx)
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}

	if err := client.DoTimeout(request, response, timeout); err != nil {
		return nil, fmt.Errorf("fetch gateway: %w", err)
	}

	if status := response.StatusCode(); status != fasthttp.StatusOK {
		return nil, fmt.Errorf("fetch gateway: unexpected status %d: %s", status, response.Body())
	}

	var gateway GatewayBot
	if err := json.Unmarshal(response.Body(), &gateway); err != nil {
		return nil, fmt.Errorf("fetch gateway: %w", err)
	}

	return &gateway, nil
}

// PostWebhook posts a plain content message to a webhook url.
func PostWebhook(ctx context.Context, client *fasthttp.Client, url, content string) error {
	if client == nil {
		client = NewHTTPClient()
	}

	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return err
	}

	request := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(request)
	response := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(response)

	request.Header.SetMethod(fasthttp.MethodPost)
	request.SetRequestURI(url)
	request.Header.Set("User-Agent", userAgent)
	request.Header.SetContentType("application/json")
	request.SetBody(body)

	if err := client.DoTimeout(request, response, requestTimeout(ctx)); err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}

	if status := response.StatusCode(); status >= 300 {
		return fmt.Errorf("post webhook: unexpected status %d", status)
	}
	return nil
}
