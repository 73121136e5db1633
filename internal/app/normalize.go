package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"quizbot/internal/domain"
)

// optionRecord is one entry of the stored options list.
type optionRecord struct {
	ID   flexibleID `json:"id"`
	Text string     `json:"text"`
}

// flexibleID accepts option ids written either as strings or numbers.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("option id must be a string or number: %w", err)
	}
	*f = flexibleID(n.String())
	return nil
}

// Normalize converts an untrusted stored row into a presentable Question.
// Every failure wraps domain.ErrMalformedQuestion.
func Normalize(raw domain.RawQuestion) (domain.Question, error) {
	title := strings.TrimSpace(raw.Title)
	if title == "" {
		return domain.Question{}, malformed(raw.ID, "missing title")
	}
	prompt := title
	if body := strings.TrimSpace(raw.Body); body != "" {
		prompt = title + "\n\n" + body
	}

	options, err := decodeOptions(raw.Options)
	if err != nil {
		return domain.Question{}, malformed(raw.ID, err.Error())
	}
	if len(options) < 2 {
		return domain.Question{}, malformed(raw.ID, "need at least two options, got "+strconv.Itoa(len(options)))
	}

	choices := make([]string, 0, len(options))
	seen := make(map[string]struct{}, len(options))
	for i, opt := range options {
		text := strings.TrimSpace(opt.Text)
		if text == "" {
			return domain.Question{}, malformed(raw.ID, fmt.Sprintf("option %d has no text", i))
		}
		if _, dup := seen[text]; dup {
			return domain.Question{}, malformed(raw.ID, fmt.Sprintf("duplicate option %q", text))
		}
		seen[text] = struct{}{}
		choices = append(choices, text)
	}

	answerIndex, err := resolveAnswer(raw.AnswerKey, options)
	if err != nil {
		return domain.Question{}, malformed(raw.ID, err.Error())
	}
	if answerIndex < 0 || answerIndex >= len(choices) {
		return domain.Question{}, malformed(raw.ID, "answer index out of bounds")
	}

	return domain.Question{
		ID:          raw.ID,
		Prompt:      prompt,
		Choices:     choices,
		AnswerIndex: answerIndex,
		Explanation: strings.TrimSpace(raw.Explanation),
		Topic:       strings.TrimSpace(raw.Topic),
	}, nil
}

// decodeOptions accepts a JSON list of {id, text} objects, or a JSON string
// holding such a list. Entries that are not objects are rejected.
func decodeOptions(raw json.RawMessage) ([]optionRecord, error) {
	data := bytes.TrimSpace(raw)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, fmt.Errorf("missing options")
	}
	if data[0] == '"' {
		var encoded string
		if err := json.Unmarshal(data, &encoded); err != nil {
			return nil, fmt.Errorf("options string: %v", err)
		}
		data = bytes.TrimSpace([]byte(encoded))
	}
	if len(data) == 0 || data[0] != '[' {
		return nil, fmt.Errorf("options must be a list")
	}
	var options []optionRecord
	if err := json.Unmarshal(data, &options); err != nil {
		return nil, fmt.Errorf("options list: %v", err)
	}
	return options, nil
}

// resolveAnswer matches the answer key against option ids first, then option
// texts. Both comparisons ignore case.
func resolveAnswer(answerKey string, options []optionRecord) (int, error) {
	key := strings.TrimSpace(answerKey)
	if key == "" {
		return -1, fmt.Errorf("missing answer_key")
	}
	for i, opt := range options {
		if strings.EqualFold(strings.TrimSpace(string(opt.ID)), key) {
			return i, nil
		}
	}
	for i, opt := range options {
		if strings.EqualFold(strings.TrimSpace(opt.Text), key) {
			return i, nil
		}
	}
	return -1, fmt.Errorf("answer_key %q matches no option", key)
}

func malformed(id, reason string) error {
	if id == "" {
		return fmt.Errorf("%w: %s", domain.ErrMalformedQuestion, reason)
	}
	return fmt.Errorf("%w: question %s: %s", domain.ErrMalformedQuestion, id, reason)
}
