package kb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Message is one prior turn sent to the assistant endpoint.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ClientConfig struct {
	BaseURL      string
	ChatPath     string
	APIKey       string
	APIKeyHeader string
	APIKeyPrefix string
	ChatID       string
	DatasetID    string
	Model        string
	Timeout      time.Duration
}

// Client talks to the knowledge-base upstream: the assistant stream endpoint,
// chunk metadata lookup, and document metadata/download.
type Client struct {
	cfg ClientConfig

	// httpc serves bounded calls; streamc has no client timeout so long
	// streams are cut only by their context.
	httpc   *http.Client
	streamc *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:9380"
	}
	if cfg.ChatPath == "" {
		cfg.ChatPath = "/api/v1/chats_openai/{chat_id}/chat/completions"
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "Authorization"
	}
	if cfg.APIKeyPrefix == "" {
		cfg.APIKeyPrefix = "Bearer"
	}
	if cfg.Model == "" {
		cfg.Model = "model"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: cfg.Timeout},
		streamc: &http.Client{},
	}
}

var ErrMissingChatID = errors.New("kb: chat id required by chat path")

func (c *Client) chatURL(chatID string) (string, error) {
	if chatID == "" {
		chatID = c.cfg.ChatID
	}
	path := c.cfg.ChatPath
	if strings.Contains(path, "{chat_id}") {
		if chatID == "" {
			return "", ErrMissingChatID
		}
		path = strings.ReplaceAll(path, "{chat_id}", chatID)
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path, nil
	}
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(path, "/"), nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		token := strings.TrimSpace(c.cfg.APIKeyPrefix + " " + c.cfg.APIKey)
		req.Header.Set(c.cfg.APIKeyHeader, token)
	}
}

type chatRequest struct {
	Model     string         `json:"model"`
	Messages  []Message      `json:"messages"`
	Stream    bool           `json:"stream"`
	ExtraBody map[string]any `json:"extra_body,omitempty"`
}

func (c *Client) buildChatBody(messages []Message, stream bool) ([]byte, error) {
	if len(messages) == 0 {
		return nil, errors.New("kb: at least one message is required")
	}
	req := chatRequest{
		Model:    c.cfg.Model,
		Messages: messages,
		Stream:   stream,
	}
	if c.cfg.DatasetID != "" {
		req.ExtraBody = map[string]any{"kb_id": c.cfg.DatasetID}
	}
	return json.Marshal(req)
}

// OpenStream POSTs the prior message list with streaming and references
// requested and hands back the raw event-stream body. The caller owns the
// body and closes it.
func (c *Client) OpenStream(ctx context.Context, chatID string, messages []Message) (io.ReadCloser, error) {
	body, err := c.buildChatBody(messages, true)
	if err != nil {
		return nil, err
	}
	u, err := c.chatURL(chatID)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.streamc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		resp.Body.Close()
		msg := strings.TrimSpace(string(detail))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("kb: %s", msg)
	}
	return resp.Body, nil
}

// Ask performs a non-streaming turn and extracts the answer text from the
// shapes the upstream is known to emit.
func (c *Client) Ask(ctx context.Context, chatID string, messages []Message) (string, error) {
	body, err := c.buildChatBody(messages, false)
	if err != nil {
		return "", err
	}
	u, err := c.chatURL(chatID)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	c.setHeaders(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(detail))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return "", fmt.Errorf("kb: %s", msg)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return "", err
	}
	var root map[string]any
	if err := json.Unmarshal(raw, &root); err != nil {
		return "", fmt.Errorf("kb: decode answer: %w", err)
	}
	for _, extract := range contentExtractors {
		if s := extract(root); s != "" {
			return s, nil
		}
	}
	return "", errors.New("kb: empty answer")
}

// GetChunk fetches metadata for one chunk. Implements ChunkFetcher.
func (c *Client) GetChunk(ctx context.Context, datasetID, documentID, chunkID string) (Source, error) {
	if datasetID == "" || documentID == "" || chunkID == "" {
		return Source{}, errors.New("kb: dataset, document and chunk ids are required")
	}
	u := fmt.Sprintf("%s/api/v1/datasets/%s/documents/%s/chunks?id=%s",
		strings.TrimRight(c.cfg.BaseURL, "/"),
		url.PathEscape(datasetID), url.PathEscape(documentID), url.QueryEscape(chunkID))

	root, err := c.getJSON(ctx, u)
	if err != nil {
		return Source{}, err
	}

	chunks, _ := root["chunks"].([]any)
	if chunks == nil {
		if data, ok := root["data"].(map[string]any); ok {
			chunks, _ = data["chunks"].([]any)
		}
	}
	if len(chunks) == 0 {
		return Source{}, errors.New("kb: chunk not found")
	}
	raw, ok := chunks[0].(map[string]any)
	if !ok {
		return Source{}, errors.New("kb: malformed chunk record")
	}
	src := sourceFromRaw(raw, nil)
	if src.ID == "" {
		src.ID = chunkID
	}
	if src.DocumentID == "" {
		src.DocumentID = documentID
	}
	if src.DatasetID == "" {
		src.DatasetID = datasetID
	}
	return src, nil
}

// GetDocument fetches metadata for a document, primarily its display name.
func (c *Client) GetDocument(ctx context.Context, datasetID, documentID string) (map[string]any, error) {
	if datasetID == "" || documentID == "" {
		return nil, errors.New("kb: dataset and document ids are required")
	}
	u := fmt.Sprintf("%s/api/v1/datasets/%s/documents?id=%s",
		strings.TrimRight(c.cfg.BaseURL, "/"),
		url.PathEscape(datasetID), url.QueryEscape(documentID))

	root, err := c.getJSON(ctx, u)
	if err != nil {
		return nil, err
	}
	docs, _ := root["docs"].([]any)
	if docs == nil {
		if data, ok := root["data"].(map[string]any); ok {
			docs, _ = data["docs"].([]any)
		}
	}
	if len(docs) > 0 {
		if doc, ok := docs[0].(map[string]any); ok {
			return doc, nil
		}
	}
	return root, nil
}

// DownloadDocument streams a document's raw bytes. The caller closes the body.
func (c *Client) DownloadDocument(ctx context.Context, datasetID, documentID string) (io.ReadCloser, error) {
	if datasetID == "" || documentID == "" {
		return nil, errors.New("kb: dataset and document ids are required")
	}
	u := fmt.Sprintf("%s/api/v1/datasets/%s/documents/%s",
		strings.TrimRight(c.cfg.BaseURL, "/"),
		url.PathEscape(datasetID), url.PathEscape(documentID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.streamc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		resp.Body.Close()
		return nil, fmt.Errorf("kb: download failed: status %d %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return resp.Body, nil
}

func (c *Client) getJSON(ctx context.Context, u string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(detail))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("kb: %s", msg)
	}

	var root map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&root); err != nil {
		return nil, fmt.Errorf("kb: decode response: %w", err)
	}
	return root, nil
}
