package upstream

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	// kiroTarget is the X-Amz-Target for the streaming generate call.
	kiroTarget = "AmazonCodeWhispererStreamingService.GenerateAssistantResponse"

	// kiroContentType is the AWS JSON protocol content type.
	kiroContentType = "application/x-amz-json-1.0"

	// kiroAcceptEventStream is the accept header for EventStream replies.
	kiroAcceptEventStream = "application/vnd.amazon.eventstream"
)

// CallOptions carries per-call settings for a CodeWhisperer request.
type CallOptions struct {
	// AccessToken authorises the call.
	AccessToken string
	// Region selects the upstream host, q.{region}.amazonaws.com.
	Region string
	// UserAgent is the KiroIDE-{version}-{machineId} identification string.
	UserAgent string
	// Proxy is the already-resolved proxy for this credential.
	Proxy ProxyConfig
	// Timeout bounds the whole call; zero leaves cancellation to ctx.
	Timeout time.Duration
}

// GenerateAssistantResponse posts a conversationState payload to the
// CodeWhisperer streaming API and returns the raw response. The body is an
// AWS EventStream; the caller owns decoding and closing.
func GenerateAssistantResponse(ctx context.Context, opts CallOptions, payload []byte) (*http.Response, error) {
	endpoint := fmt.Sprintf("https://q.%s.amazonaws.com/", opts.Region)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create upstream request: %w", err)
	}
	req.Header.Set("Content-Type", kiroContentType)
	req.Header.Set("Accept", kiroAcceptEventStream)
	req.Header.Set("X-Amz-Target", kiroTarget)
	req.Header.Set("Authorization", "Bearer "+opts.AccessToken)
	req.Header.Set("Amz-Sdk-Invocation-Id", uuid.NewString())
	req.Header.Set("Amz-Sdk-Request", "attempt=1; max=3")
	if opts.UserAgent != "" {
		req.Header.Set("User-Agent", opts.UserAgent)
	}

	client := NewHTTPClient(ctx, opts.Proxy, opts.Timeout)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	return resp, nil
}
