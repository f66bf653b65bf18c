package pipeline

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/fairyhunter13/blogger-intel/internal/domain"
)

// OutcomeKind classifies one batch line.
type OutcomeKind string

const (
	// OutcomeSuccess carries parsed insights.
	OutcomeSuccess OutcomeKind = "success"
	// OutcomeRefusal means the model declined to analyze the profile.
	OutcomeRefusal OutcomeKind = "refusal"
	// OutcomeNone covers provider errors and unparseable answers; the task
	// completes without insights.
	OutcomeNone OutcomeKind = "none"
)

// Outcome is the per-request result extracted from the batch output file.
type Outcome struct {
	CustomID string
	Kind     OutcomeKind
	Insights domain.AIInsights
	// Raw is the content JSON as returned, stored verbatim on success.
	Raw  []byte
	Note string
}

type outputLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int `json:"status_code"`
		Body       struct {
			Choices []struct {
				Message struct {
					Content json.RawMessage `json:"content"`
					Refusal string          `json:"refusal"`
				} `json:"message"`
			} `json:"choices"`
		} `json:"body"`
	} `json:"response"`
	Error json.RawMessage `json:"error"`
}

type errorLine struct {
	CustomID string `json:"custom_id"`
	Error    struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// contentText flattens a chat content field: either a plain string or a list
// of typed parts.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// ParseOutput walks the batch output JSONL and classifies every line.
// Lines that cannot be attributed to a custom id are dropped with a warning.
func ParseOutput(data []byte) map[string]Outcome {
	out := map[string]Outcome{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var parsed outputLine
		if err := json.Unmarshal(line, &parsed); err != nil {
			slog.Warn("unparseable batch output line", slog.Any("error", err))
			continue
		}
		if parsed.CustomID == "" {
			slog.Warn("batch output line without custom_id")
			continue
		}
		out[parsed.CustomID] = classify(parsed)
	}
	return out
}

func classify(line outputLine) Outcome {
	o := Outcome{CustomID: line.CustomID, Kind: OutcomeNone}
	if line.Response == nil || line.Response.StatusCode == 0 {
		o.Note = "no provider response"
		return o
	}
	if line.Response.StatusCode >= 400 {
		o.Note = "provider status " + strconv.Itoa(line.Response.StatusCode)
		return o
	}
	if len(line.Response.Body.Choices) == 0 {
		o.Note = "no choices"
		return o
	}
	msg := line.Response.Body.Choices[0].Message
	if msg.Refusal != "" {
		o.Kind = OutcomeRefusal
		o.Note = msg.Refusal
		return o
	}
	text := contentText(msg.Content)
	if text == "" {
		o.Note = "empty content"
		return o
	}
	ins, err := domain.ParseInsights([]byte(text))
	if err != nil {
		o.Note = err.Error()
		return o
	}
	o.Kind = OutcomeSuccess
	o.Insights = ins
	o.Raw = []byte(text)
	return o
}

// ParseErrorFile returns the custom ids named by the batch error file.
func ParseErrorFile(data []byte) []string {
	var ids []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var parsed errorLine
		if err := json.Unmarshal(line, &parsed); err != nil || parsed.CustomID == "" {
			continue
		}
		slog.Warn("batch request errored",
			slog.String("custom_id", parsed.CustomID),
			slog.String("code", parsed.Error.Code),
			slog.String("message", parsed.Error.Message))
		ids = append(ids, parsed.CustomID)
	}
	return ids
}
