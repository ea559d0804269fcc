package llm

import (
	"context"
	"fmt"
	"strings"
)

// Response is a fully drained completion stream.
type Response struct {
	Text         string
	FinishReason string
	ToolCalls    []ToolCall
}

// Collect runs a completion and drains the stream into a single Response.
// A terminal error chunk is returned as an error.
func Collect(ctx context.Context, p Provider, req CompletionRequest) (Response, error) {
	ch, err := p.StreamCompletion(ctx, req)
	if err != nil {
		return Response{}, fmt.Errorf("llm: start completion: %w", err)
	}
	var (
		sb   strings.Builder
		resp Response
	)
	for c := range ch {
		sb.WriteString(c.Text)
		if c.FinishReason != "" {
			resp.FinishReason = c.FinishReason
		}
		if len(c.ToolCalls) > 0 {
			resp.ToolCalls = c.ToolCalls
		}
		if c.Err != nil {
			return Response{}, fmt.Errorf("llm: stream: %w", c.Err)
		}
	}
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	resp.Text = sb.String()
	return resp, nil
}
