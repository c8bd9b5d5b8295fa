package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"pairvibe/pkg/llm"
	"pairvibe/pkg/logx"
	"pairvibe/pkg/proto"
	"pairvibe/pkg/search"
)

// LLMReviewer backs the review capability with a model client.
type LLMReviewer struct {
	client llm.LLMClient
	logger *logx.Logger
}

// NewLLMReviewer creates a model-backed reviewer.
func NewLLMReviewer(client llm.LLMClient) *LLMReviewer {
	return &LLMReviewer{
		client: client,
		logger: logx.NewLogger("capability"),
	}
}

// Analyze implements Reviewer.
func (r *LLMReviewer) Analyze(ctx context.Context, step *proto.Step, searchResults []search.Result) (*Analysis, error) {
	grounding := ""
	if block := search.FormatResults(searchResults); block != "" {
		grounding = "Relevant search results:\n" + block + "\n"
	}

	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(reviewSystemPrompt),
		llm.NewUserMessage(fmt.Sprintf(reviewUserPrompt, step.Title, step.Description, grounding)),
	})

	resp, err := r.client.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("review completion for step %s: %w", step.ID, err)
	}

	var parsed struct {
		Findings  []string `json:"findings"`
		Reasoning string   `json:"reasoning"`
	}
	if err := unmarshalResponse(resp.Content, &parsed); err != nil {
		return nil, fmt.Errorf("review response for step %s: %w", step.ID, err)
	}

	// Reviewed-and-clean is an empty slice, never nil.
	if parsed.Findings == nil {
		parsed.Findings = []string{}
	}
	r.logger.Debug("Review of step %s (%s): %d findings", step.ID, r.client.GetModelName(), len(parsed.Findings))
	return &Analysis{Findings: parsed.Findings, Reasoning: parsed.Reasoning}, nil
}

// LLMProposer backs one side's proposal capability with a model client.
type LLMProposer struct {
	client llm.LLMClient
	side   string // "executor" or "reviewer", prompt wording only
	logger *logx.Logger
}

// NewLLMProposer creates a model-backed proposer for the named side.
func NewLLMProposer(client llm.LLMClient, side string) *LLMProposer {
	return &LLMProposer{
		client: client,
		side:   side,
		logger: logx.NewLogger("capability"),
	}
}

// GenerateProposal implements Proposer.
func (p *LLMProposer) GenerateProposal(ctx context.Context, step *proto.Step, findings []string, escalate bool, searchResults []search.Result) (*Draft, error) {
	system := fmt.Sprintf(proposalSystemPrompt, p.side)
	if escalate {
		system += proposalEscalationSuffix
	}

	grounding := ""
	if block := search.FormatResults(searchResults); block != "" {
		grounding = "Relevant search results:\n" + block + "\n"
	}

	findingLines := make([]string, 0, len(findings))
	for _, f := range findings {
		findingLines = append(findingLines, "- "+f)
	}

	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(system),
		llm.NewUserMessage(fmt.Sprintf(proposalUserPrompt,
			step.Title, step.Description, strings.Join(findingLines, "\n"), grounding)),
	})

	resp, err := p.client.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s proposal for step %s: %w", p.side, step.ID, err)
	}

	var parsed struct {
		Proposal  string `json:"proposal"`
		Reasoning string `json:"reasoning"`
	}
	if err := unmarshalResponse(resp.Content, &parsed); err != nil {
		return nil, fmt.Errorf("%s proposal response for step %s: %w", p.side, step.ID, err)
	}
	if strings.TrimSpace(parsed.Proposal) == "" {
		return nil, fmt.Errorf("%s proposal for step %s: model returned an empty proposal", p.side, step.ID)
	}
	return &Draft{Proposal: parsed.Proposal, Reasoning: parsed.Reasoning}, nil
}

// LLMAligner backs the alignment check with a model client. It sees only the
// two proposal texts, in the argument order given.
type LLMAligner struct {
	client llm.LLMClient
	logger *logx.Logger
}

// NewLLMAligner creates a model-backed alignment checker.
func NewLLMAligner(client llm.LLMClient) *LLMAligner {
	return &LLMAligner{
		client: client,
		logger: logx.NewLogger("capability"),
	}
}

// CheckAlignment implements Aligner.
func (a *LLMAligner) CheckAlignment(ctx context.Context, proposalA, proposalB string) (*Alignment, error) {
	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(alignmentSystemPrompt),
		llm.NewUserMessage(fmt.Sprintf(alignmentUserPrompt, proposalA, proposalB)),
	})
	// Judgment should be as stable as the provider allows.
	req.Temperature = llm.TemperatureDeterministic

	resp, err := a.client.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("alignment completion: %w", err)
	}

	var parsed struct {
		Aligned    bool    `json:"aligned"`
		Similarity float64 `json:"similarity"`
		Reasoning  string  `json:"reasoning"`
	}
	if err := unmarshalResponse(resp.Content, &parsed); err != nil {
		return nil, fmt.Errorf("alignment response: %w", err)
	}
	if parsed.Similarity < 0 {
		parsed.Similarity = 0
	}
	if parsed.Similarity > 1 {
		parsed.Similarity = 1
	}
	return &Alignment{Aligned: parsed.Aligned, Similarity: parsed.Similarity, Reasoning: parsed.Reasoning}, nil
}

// LLMExecutor backs step execution with a model client on the executor side.
type LLMExecutor struct {
	client llm.LLMClient
	logger *logx.Logger
}

// NewLLMExecutor creates a model-backed step executor.
func NewLLMExecutor(client llm.LLMClient) *LLMExecutor {
	return &LLMExecutor{
		client: client,
		logger: logx.NewLogger("capability"),
	}
}

// ExecuteStep implements Executor.
func (e *LLMExecutor) ExecuteStep(ctx context.Context, step *proto.Step) (*Execution, error) {
	guidance := ""
	if step.Consensus != nil && step.Consensus.FinalDecision != "" {
		guidance = "Agreed approach:\n" + step.Consensus.FinalDecision + "\n"
	}

	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(executionSystemPrompt),
		llm.NewUserMessage(fmt.Sprintf(executionUserPrompt, step.Title, step.Description, guidance)),
	})

	resp, err := e.client.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("execution completion for step %s: %w", step.ID, err)
	}

	var parsed struct {
		Success bool   `json:"success"`
		Summary string `json:"summary"`
		Error   string `json:"error"`
	}
	if err := unmarshalResponse(resp.Content, &parsed); err != nil {
		return nil, fmt.Errorf("execution response for step %s: %w", step.ID, err)
	}
	if !parsed.Success && parsed.Error == "" {
		parsed.Error = "execution reported failure without detail"
	}
	e.logger.Debug("Executed step %s (%s): success=%v", step.ID, e.client.GetModelName(), parsed.Success)
	return &Execution{Success: parsed.Success, Summary: parsed.Summary, Error: parsed.Error}, nil
}

// unmarshalResponse parses a JSON object out of a model response that may
// wrap it in prose or a markdown fence.
func unmarshalResponse(content string, dest any) error {
	block, err := extractJSON(content)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(block), dest); err != nil {
		return fmt.Errorf("failed to parse model JSON: %w", err)
	}
	return nil
}

// extractJSON returns the first balanced top-level JSON object in the text.
// Models often surround the object with commentary or ```json fences; both
// are tolerated.
func extractJSON(content string) (string, error) {
	start := strings.Index(content, "{")
	if start == -1 {
		return "", fmt.Errorf("no JSON object found in model response")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		c := content[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return content[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON object in model response")
}
