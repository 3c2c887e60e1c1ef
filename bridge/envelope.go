package bridge

import (
	"encoding/json"
	"fmt"
)

// Envelope field names follow the processor module's wire contract.

const (
	statusSuccess = "success"
	statusError   = "error"
)

type requestEnvelope struct {
	InputImagePath string `json:"input_image_path"`
	OutputDir      string `json:"output_dir,omitempty"`
}

type responseEnvelope struct {
	Status          string         `json:"status"`
	OutputImagePath string         `json:"output_image_path,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Error           string         `json:"error,omitempty"`
	ErrorType       string         `json:"error_type,omitempty"`
}

func parseResponse(payload string) (*responseEnvelope, error) {
	var resp responseEnvelope
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		return nil, fmt.Errorf("bridge: malformed engine response: %w", err)
	}
	if resp.Status == "" {
		return nil, fmt.Errorf("bridge: engine response missing status")
	}
	return &resp, nil
}
