package models

import "time"

// Hypothesis is one generated research hypothesis
type Hypothesis struct {
	ID               string    `json:"id"`
	Statement        string    `json:"hypothesis"`
	Background       string    `json:"background"`
	ExpectedOutcomes []string  `json:"expected_outcomes"`
	Implications     []string  `json:"implications"`
	Model            string    `json:"model"`
	CreatedAt        time.Time `json:"timestamp"`
}

// GatewayLog represents a request log entry
type GatewayLog struct {
	ID           string
	Method       string
	Endpoint     string
	Pool         string
	Model        string
	Provider     string
	LatencyMs    int
	TotalTokens  int
	CacheHit     bool
	StatusCode   int
	ErrorMessage *string
	CreatedAt    time.Time
}
