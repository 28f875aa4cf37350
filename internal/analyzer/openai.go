package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"critique/api/internal/rubric"
)

const (
	defaultModel     = "gpt-4o-mini"
	maxReportTokens  = 4096
	maxPromptBytes   = 96 * 1024
	perFileHeadBytes = 12 * 1024
)

// OpenAIEngine reviews snapshots with a chat-completion model. The model is
// asked for a JSON object so the response can be decoded directly; the
// decoded report is still clamped against the rubric because models
// routinely invent criteria and scores out of range.
type OpenAIEngine struct {
	client *openai.Client
	model  string
}

func NewOpenAIEngine(apiKey, model, baseURL string) *OpenAIEngine {
	if model == "" {
		model = defaultModel
	}
	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	return &OpenAIEngine{
		client: openai.NewClientWithConfig(clientConfig),
		model:  model,
	}
}

func (e *OpenAIEngine) Name() string {
	return "openai/" + e.model
}

func (e *OpenAIEngine) Review(ctx context.Context, req Request) (Report, error) {
	chatReq := openai.ChatCompletionRequest{
		Model: e.model,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(req.Rubric)},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(req)},
		},
	}
	// Reasoning models reject the legacy max_tokens parameter.
	if strings.HasPrefix(e.model, "o1") || strings.HasPrefix(e.model, "o3") ||
		strings.HasPrefix(e.model, "o4") || strings.HasPrefix(e.model, "gpt-5") {
		chatReq.MaxCompletionTokens = maxReportTokens
	} else {
		chatReq.MaxTokens = maxReportTokens
	}

	resp, err := e.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return Report{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Report{}, fmt.Errorf("chat completion returned no choices")
	}

	report, err := parseReport(resp.Choices[0].Message.Content)
	if err != nil {
		return Report{}, err
	}
	report.Engine = e.Name()
	return finalize(req, report), nil
}

func systemPrompt(r rubric.Rubric) string {
	var b strings.Builder
	b.WriteString("You are a meticulous code reviewer. Score the provided repository snapshot against this rubric")
	if r.Name != "" {
		fmt.Fprintf(&b, " (%q)", r.Name)
	}
	b.WriteString(":\n\n")
	for _, criterion := range r.Criteria {
		fmt.Fprintf(&b, "- id=%s title=%q maxScore=%g", criterion.ID, criterion.Title, criterion.MaxScore)
		if criterion.Description != "" {
			fmt.Fprintf(&b, " — %s", criterion.Description)
		}
		b.WriteString("\n")
	}
	b.WriteString(`
Respond with a single JSON object of this shape:
{
  "summary": "two or three sentences on overall quality",
  "scores": [{"criterionId": "...", "score": 0, "rationale": "..."}],
  "findings": [{"criterionId": "...", "severity": "info|minor|major|critical", "path": "...", "line": 0, "message": "...", "suggestion": "..."}]
}
Score every criterion exactly once. Use severity "critical" only for bugs or vulnerabilities.`)
	return b.String()
}

func userPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Repository: %s (%s)\nRef: %s\nCommit: %s\n", req.RepositoryName, req.RepositoryURL, req.Ref, req.Commit)
	if req.Snapshot.TotalFiles > len(req.Snapshot.Files) {
		fmt.Fprintf(&b, "Showing %d of %d reviewable files.\n", len(req.Snapshot.Files), req.Snapshot.TotalFiles)
	}
	for _, file := range req.Snapshot.Files {
		content := file.Content
		if len(content) > perFileHeadBytes {
			content = content[:perFileHeadBytes]
		}
		entry := fmt.Sprintf("\n--- %s ---\n%s\n", file.Path, content)
		if b.Len()+len(entry) > maxPromptBytes {
			b.WriteString("\n[remaining files omitted for length]\n")
			break
		}
		b.WriteString(entry)
	}
	return b.String()
}

// reportWire is the JSON shape the model is instructed to return.
type reportWire struct {
	Summary string `json:"summary"`
	Scores  []struct {
		CriterionID string  `json:"criterionId"`
		Score       float64 `json:"score"`
		Rationale   string  `json:"rationale"`
	} `json:"scores"`
	Findings []struct {
		CriterionID string `json:"criterionId"`
		Severity    string `json:"severity"`
		Path        string `json:"path"`
		Line        int    `json:"line"`
		Message     string `json:"message"`
		Suggestion  string `json:"suggestion"`
	} `json:"findings"`
}

func parseReport(content string) (Report, error) {
	// Some models wrap the object in a code fence despite the response format.
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")

	var wire reportWire
	if err := json.Unmarshal([]byte(strings.TrimSpace(trimmed)), &wire); err != nil {
		return Report{}, fmt.Errorf("decode review response: %w", err)
	}

	report := Report{Summary: strings.TrimSpace(wire.Summary)}
	for _, s := range wire.Scores {
		report.Scores = append(report.Scores, Score{
			CriterionID: s.CriterionID,
			Score:       s.Score,
			Rationale:   s.Rationale,
		})
	}
	for _, f := range wire.Findings {
		report.Findings = append(report.Findings, Finding{
			CriterionID: f.CriterionID,
			Severity:    f.Severity,
			Path:        f.Path,
			Line:        f.Line,
			Message:     strings.TrimSpace(f.Message),
			Suggestion:  strings.TrimSpace(f.Suggestion),
		})
	}
	return report, nil
}
