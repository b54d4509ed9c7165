package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Record is an alpaca-style instruction tuning example. Category and
// QualityScore are generator metadata stripped before training.
type Record struct {
	Instruction  string `json:"instruction"`
	Input        string `json:"input,omitempty"`
	Output       string `json:"output"`
	System       string `json:"system,omitempty"`
	Category     string `json:"category,omitempty"`
	QualityScore int    `json:"quality_score,omitempty"`
}

// PreferencePair is a DPO example contrasting a preferred and a rejected
// completion for the same instruction.
type PreferencePair struct {
	Instruction string `json:"instruction"`
	Input       string `json:"input,omitempty"`
	Chosen      string `json:"chosen"`
	Rejected    string `json:"rejected"`
}

// KTORecord is a binary-feedback example. The trainer expects the label as
// the strings "true" or "false".
type KTORecord struct {
	Instruction string `json:"instruction"`
	Input       string `json:"input,omitempty"`
	Output      string `json:"output"`
	Label       string `json:"kto_tag"`
}

// Message is one turn of a ShareGPT conversation.
type Message struct {
	From  string `json:"from"`
	Value string `json:"value"`
}

// Conversation is a ShareGPT-format training example.
type Conversation struct {
	Conversations []Message `json:"conversations"`
}

// LoadRecords reads an alpaca-format JSON array from disk.
func LoadRecords(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset %s: %w", path, err)
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse dataset %s: %w", path, err)
	}
	return records, nil
}

// SaveRecords writes records as an indented JSON array, the format the
// external trainer consumes.
func SaveRecords(path string, records []Record) error {
	return saveJSON(path, records)
}

// SaveConversations writes ShareGPT-format examples.
func SaveConversations(path string, conversations []Conversation) error {
	return saveJSON(path, conversations)
}

func saveJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal dataset: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create dataset directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write dataset %s: %w", path, err)
	}
	return nil
}
