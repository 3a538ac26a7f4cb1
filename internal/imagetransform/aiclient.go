package imagetransform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// AIClient talks to the real external transform service over HTTP: a POST
// submits the style/target image pair and a prompt, returning either an
// immediate image URL or a job id to poll. It implements Client directly;
// per-attempt retry is layered on top by WithRetries.
type AIClient struct {
	HTTP         *http.Client
	BaseURL      string
	Token        string
	PollInterval time.Duration
	Timeout      time.Duration

	sleep func(context.Context, time.Duration) error
}

// NewAIClient builds an AIClient pointed at baseURL, authenticating with
// token and bounding each Transform call to timeout with polls every
// pollInterval.
func NewAIClient(baseURL, token string, pollInterval, timeout time.Duration) *AIClient {
	return &AIClient{
		HTTP:         &http.Client{Timeout: 30 * time.Second},
		BaseURL:      baseURL,
		Token:        token,
		PollInterval: pollInterval,
		Timeout:      timeout,
		sleep:        defaultSleep,
	}
}

type submitResponse struct {
	ImageURL string `json:"image_url"`
	JobID    string `json:"job_id"`
}

type jobStatusResponse struct {
	Status   string `json:"status"` // "pending", "done", "failed"
	ImageURL string `json:"image_url"`
	Error    string `json:"error"`
}

// Transform implements Client: it submits the job, polls until done or
// Timeout elapses, then downloads the resulting image bytes.
func (a *AIClient) Transform(ctx context.Context, req Request) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()

	sub, err := a.submit(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("imagetransform: submit: %w", err)
	}
	if sub.ImageURL != "" {
		return a.download(ctx, sub.ImageURL)
	}
	if sub.JobID == "" {
		return nil, fmt.Errorf("imagetransform: submit response had neither image_url nor job_id")
	}

	for {
		status, err := a.poll(ctx, sub.JobID)
		if err != nil {
			return nil, fmt.Errorf("imagetransform: poll: %w", err)
		}
		switch status.Status {
		case "done":
			return a.download(ctx, status.ImageURL)
		case "failed":
			return nil, fmt.Errorf("imagetransform: job %s failed: %s", sub.JobID, status.Error)
		}
		if err := a.sleep(ctx, a.PollInterval); err != nil {
			return nil, err
		}
	}
}

func (a *AIClient) submit(ctx context.Context, req Request) (submitResponse, error) {
	body, err := json.Marshal(map[string]any{
		"input_images": []string{req.StyleURL, req.TargetURL},
		"prompt":       req.Prompt,
	})
	if err != nil {
		return submitResponse{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/transform", bytes.NewReader(body))
	if err != nil {
		return submitResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.Token)

	var out submitResponse
	if err := a.doJSON(httpReq, &out); err != nil {
		return submitResponse{}, err
	}
	return out, nil
}

func (a *AIClient) poll(ctx context.Context, jobID string) (jobStatusResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.BaseURL+"/transform/"+jobID, nil)
	if err != nil {
		return jobStatusResponse{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.Token)

	var out jobStatusResponse
	if err := a.doJSON(httpReq, &out); err != nil {
		return jobStatusResponse{}, err
	}
	return out, nil
}

func (a *AIClient) doJSON(httpReq *http.Request, out any) error {
	resp, err := a.HTTP.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(msg))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *AIClient) download(ctx context.Context, imageURL string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.HTTP.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("imagetransform: download %s returned %d", imageURL, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
