package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// ApprovalTool polls the gateway for the outcome of an approval-gated
// tool call.
type ApprovalTool struct {
	baseURL      string
	auth         string
	nanobotToken string
	client       *http.Client
	logger       *slog.Logger
}

func (t *ApprovalTool) Name() string { return "check_approval_result" }

func (t *ApprovalTool) Description() string {
	return "Check whether an approval-gated tool call has completed. Pass the request_id from the pending-approval response."
}

func (t *ApprovalTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"request_id": {
				"type": "string",
				"description": "The request_id returned when the tool call was held for approval."
			}
		},
		"required": ["request_id"]
	}`)
}

func (t *ApprovalTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	requestID, _ := args["request_id"].(string)
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return "", fmt.Errorf("request_id is required")
	}

	payload := map[string]any{
		"request_id":    requestID,
		"nanobot_token": t.nanobotToken,
	}
	body, status, err := postJSON(ctx, t.client, t.baseURL+"/check_result", t.auth, payload)
	if err != nil {
		t.logger.Warn("approval poll failed", "request_id", requestID, "error", err)
		return fmt.Sprintf("Error calling %s: %v", t.Name(), err), nil
	}
	if status < 200 || status > 299 {
		return fmt.Sprintf("Error calling %s: HTTP %d", t.Name(), status), nil
	}

	msg, raw := unwrapMessage(body)
	obj, ok := msg.(map[string]any)
	if !ok {
		return string(raw), nil
	}

	switch stringify(obj["status"]) {
	case "Pending":
		return fmt.Sprintf("Request %s is still pending approval. Check again in a moment.", requestID), nil
	case "Completed", "Approved":
		if result := stringify(obj["result"]); result != "" {
			return result, nil
		}
		return fmt.Sprintf("Request %s was approved.", requestID), nil
	case "Denied":
		return fmt.Sprintf("Request %s was denied.", requestID), nil
	case "Expired":
		return fmt.Sprintf("Request %s expired before it was approved.", requestID), nil
	default:
		return string(raw), nil
	}
}
