package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"battle-sync-service/internal/domain"
)

// Client posts answers to the submission service and returns its raw response.
type Client struct {
	baseURL string
	client  *http.Client
	headers map[string]string
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
		headers: make(map[string]string),
	}
}

func (c *Client) SetHeader(key, value string) {
	c.headers[key] = value
}

type answerRequest struct {
	ParticipantID   string `json:"participantId,omitempty"`
	RoundQuestionID int64  `json:"roundQuestionId"`
	Answer          int    `json:"answer"`
	ElapsedMs       int64  `json:"elapsedMs"`
}

// Submit implements app.Submitter: POST {base}/matches/{matchID}/answers.
func (c *Client) Submit(ctx context.Context, matchID string, sub domain.AnswerSubmission) ([]byte, error) {
	body, err := json.Marshal(answerRequest{
		ParticipantID:   sub.ParticipantID,
		RoundQuestionID: sub.RoundQuestionID,
		Answer:          sub.Option,
		ElapsedMs:       sub.ElapsedMs(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode answer: %w", err)
	}
	return c.makeRequest(ctx, http.MethodPost, "/matches/"+url.PathEscape(matchID)+"/answers", bytes.NewReader(body))
}

func (c *Client) makeRequest(ctx context.Context, method, endpoint string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("API returned status code: %d, response: %s", resp.StatusCode, string(responseBody))
	}

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return responseBody, nil
}
