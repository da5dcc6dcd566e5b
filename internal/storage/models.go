package storage

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Document lifecycle values. status moves uploaded → processing →
// completed|failed; embedding_status moves pending → processing →
// completed|skipped|failed.
const (
	StatusUploaded   = "uploaded" // status only
	StatusPending    = "pending"  // embedding_status only
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusSkipped    = "skipped" // embedding_status only
)

// Classification is the outcome of the classify stage.
type Classification struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Document is an uploaded file and everything the pipeline derived from it.
// RawText and CleanedText stay nil until extraction succeeds; Classification
// is nil when the stage was skipped or failed.
type Document struct {
	ID              string
	OwnerID         string
	Filename        string
	ContentType     string
	StorageRef      string
	SizeBytes       int64
	Status          string
	EmbeddingStatus string
	RawText         *string
	CleanedText     *string
	Classification  *Classification
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Text returns the cleaned text or "" when extraction has not produced any.
func (d Document) Text() string {
	if d.CleanedText == nil {
		return ""
	}
	return *d.CleanedText
}

type Job struct {
	ID          string
	Type        string
	DocumentID  string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

func encodeClassification(c *Classification) (*string, error) {
	if c == nil {
		return nil, nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

// decodeClassification accepts the structured {"label","score"} form as well
// as a bare label written by older rows.
func decodeClassification(raw string) *Classification {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil
	}
	var c Classification
	if err := json.Unmarshal([]byte(raw), &c); err == nil && c.Label != "" {
		return &c
	}
	var label string
	if err := json.Unmarshal([]byte(raw), &label); err == nil && label != "" {
		return &Classification{Label: label}
	}
	return &Classification{Label: raw}
}
