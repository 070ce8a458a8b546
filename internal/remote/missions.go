package remote

import (
	"context"
	"fmt"
	"net/http"
)

type StartMissionRequest struct {
	MissionType   string `json:"mission_type"`
	Difficulty    string `json:"difficulty,omitempty"`
	QuestionCount int    `json:"question_count,omitempty"`
}

// MissionQuestion is a server-issued question. The answer stays on the
// server; it is checked with SubmitMission.
type MissionQuestion struct {
	ContentID   string `json:"content_id"`
	MissionType string `json:"mission_type"`
	Question    string `json:"question"`
}

type SubmitMissionRequest struct {
	ContentID    string `json:"content_id"`
	Answer       string `json:"answer"`
	AttemptCount int    `json:"attempt_count"`
}

type SubmitMissionResult struct {
	Correct bool `json:"correct"`
}

func (c *Client) StartMission(ctx context.Context, in StartMissionRequest) (MissionQuestion, error) {
	var out MissionQuestion
	if err := c.do(ctx, http.MethodPost, "/api/missions/start", in, &out); err != nil {
		return MissionQuestion{}, fmt.Errorf("start mission: %w", err)
	}
	if out.ContentID == "" || out.Question == "" {
		return MissionQuestion{}, fmt.Errorf("start mission: empty question")
	}
	return out, nil
}

func (c *Client) SubmitMission(ctx context.Context, in SubmitMissionRequest) (SubmitMissionResult, error) {
	var out SubmitMissionResult
	if err := c.do(ctx, http.MethodPost, "/api/missions/submit", in, &out); err != nil {
		return SubmitMissionResult{}, fmt.Errorf("submit mission: %w", err)
	}
	return out, nil
}
