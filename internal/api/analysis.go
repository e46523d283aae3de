package api

import (
	"context"
	"net/http"
)

type prepareAnalysisRequest struct {
	GithubURL string `json:"githubUrl"`
}

// PrepareAnalysis inspects a repository and returns the file extensions it
// contains, for building the analysis file mask.
func (c *Client) PrepareAnalysis(ctx context.Context, githubURL string) (*PrepareResult, error) {
	var out PrepareResult
	if err := c.Do(ctx, http.MethodPost, "/code/prepare-analysis", prepareAnalysisRequest{GithubURL: githubURL}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Models lists the AI models available for analysis.
func (c *Client) Models(ctx context.Context) ([]Model, error) {
	var out []Model
	if err := c.Do(ctx, http.MethodGet, "/code/models", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Analyze generates an analysis for a repository. The result is staged
// server-side under the returned TempID until saved or claimed.
func (c *Client) Analyze(ctx context.Context, req AnalyzeRequest) (*AnalyzeResult, error) {
	var out AnalyzeResult
	if err := c.Do(ctx, http.MethodPost, "/code/analyze", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAnalysis retrieves a saved or staged analysis by ID.
func (c *Client) GetAnalysis(ctx context.Context, id string) (*Analysis, error) {
	var out Analysis
	if err := c.Do(ctx, http.MethodGet, "/code/analyses/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SaveAnalysis persists an analysis to the current user's account, or claims
// a staged one when req.TempID is set.
func (c *Client) SaveAnalysis(ctx context.Context, req SaveAnalysisRequest) (*Analysis, error) {
	var out Analysis
	if err := c.Do(ctx, http.MethodPost, "/code/analyses", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteAnalysis removes a saved analysis.
func (c *Client) DeleteAnalysis(ctx context.Context, id string) error {
	return c.Do(ctx, http.MethodDelete, "/code/analyses/"+id, nil, nil)
}

// ListAnalyses returns the current user's saved analyses.
func (c *Client) ListAnalyses(ctx context.Context) ([]Analysis, error) {
	var out []Analysis
	if err := c.Do(ctx, http.MethodGet, "/code/analyses", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type prepareChatRequest struct {
	GithubURL string `json:"githubUrl"`
	Mode      string `json:"mode,omitempty"`
}

// PrepareChat asks the backend to start indexing a repository for chat and
// returns the issued chat session ID.
func (c *Client) PrepareChat(ctx context.Context, githubURL, mode string) (*ChatPrepareResult, error) {
	var out ChatPrepareResult
	if err := c.Do(ctx, http.MethodPost, "/code/chat/prepare", prepareChatRequest{GithubURL: githubURL, Mode: mode}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChatStatus polls the indexing status of a chat session.
func (c *Client) ChatStatus(ctx context.Context, sessionID string) (*ChatStatusResult, error) {
	var out ChatStatusResult
	if err := c.Do(ctx, http.MethodGet, "/code/chat/status/"+sessionID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
