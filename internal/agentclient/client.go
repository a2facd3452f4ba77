// Package agentclient talks to the external conversational agent service
// using its stateful-thread API: create a thread, append the user message,
// start a run, poll it, then read back the latest assistant message.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Fixed user-facing strings. Inbound messages must always be answered
// with something, even when the agent run goes sideways.
const (
	msgRunFailed  = "I'm having trouble right now—please try again."
	msgNoResponse = "I didn't receive a proper response. Please try again."
)

// Invoker is what the message router depends on.
type Invoker interface {
	// Ask sends text to the agent behind endpoint/agentID within the
	// thread tied to conversationID and returns the assistant's reply.
	Ask(ctx context.Context, endpoint, agentID, conversationID, text string) (string, error)
}

// Client is the HTTP implementation of Invoker.
type Client struct {
	httpClient *http.Client
	apiKey     string

	mu      sync.Mutex
	threads map[string]string // conversation id -> thread id
}

// New creates a client. Timeout bounds every individual HTTP call.
func New(apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		apiKey:     apiKey,
		threads:    map[string]string{},
	}
}

type threadResponse struct {
	ID string `json:"id"`
}

type runResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	LastError string `json:"last_error,omitempty"`
}

type messageContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type threadMessage struct {
	Role    string           `json:"role"`
	Content []messageContent `json:"content"`
}

type messageList struct {
	Data []threadMessage `json:"data"`
}

// Ask implements Invoker. A failed run degrades to a fixed reply rather
// than an error; only transport/protocol problems surface as errors.
func (c *Client) Ask(ctx context.Context, endpoint, agentID, conversationID, text string) (string, error) {
	threadID, err := c.threadFor(ctx, endpoint, conversationID)
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}

	if err := c.post(ctx, endpoint+"/threads/"+threadID+"/messages",
		map[string]any{"role": "user", "content": text}, nil); err != nil {
		return "", fmt.Errorf("append message: %w", err)
	}

	var run runResponse
	if err := c.post(ctx, endpoint+"/threads/"+threadID+"/runs",
		map[string]any{"agent_id": agentID}, &run); err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}

	run, err = c.awaitRun(ctx, endpoint, threadID, run)
	if err != nil {
		return "", err
	}
	if run.Status == "failed" {
		slog.Warn("agentclient: run failed", "agent_id", agentID, "thread_id", threadID, "last_error", run.LastError)
		return msgRunFailed, nil
	}

	var list messageList
	if err := c.get(ctx, endpoint+"/threads/"+threadID+"/messages?order=asc", &list); err != nil {
		return "", fmt.Errorf("list messages: %w", err)
	}
	for i := len(list.Data) - 1; i >= 0; i-- {
		m := list.Data[i]
		if m.Role != "assistant" {
			continue
		}
		for _, content := range m.Content {
			if strings.TrimSpace(content.Text) != "" {
				return content.Text, nil
			}
		}
	}
	return msgNoResponse, nil
}

// threadFor returns the thread bound to a conversation, creating one on
// first contact. Threads live for the process lifetime only; the durable
// transcript is the conversation store's job.
func (c *Client) threadFor(ctx context.Context, endpoint, conversationID string) (string, error) {
	c.mu.Lock()
	threadID, ok := c.threads[conversationID]
	c.mu.Unlock()
	if ok {
		return threadID, nil
	}

	var thread threadResponse
	if err := c.post(ctx, endpoint+"/threads", map[string]any{}, &thread); err != nil {
		return "", err
	}
	if thread.ID == "" {
		return "", fmt.Errorf("thread create returned empty id")
	}
	if conversationID != "" {
		c.mu.Lock()
		c.threads[conversationID] = thread.ID
		c.mu.Unlock()
	}
	return thread.ID, nil
}

func (c *Client) awaitRun(ctx context.Context, endpoint, threadID string, run runResponse) (runResponse, error) {
	for {
		switch run.Status {
		case "completed", "failed", "cancelled", "expired":
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
		if err := c.get(ctx, endpoint+"/threads/"+threadID+"/runs/"+run.ID, &run); err != nil {
			return run, fmt.Errorf("poll run: %w", err)
		}
	}
}

func (c *Client) post(ctx context.Context, url string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("agent service status %d for %s", resp.StatusCode, req.URL.Path)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
