package retrieval

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDecomposer struct{}

func (fakeDecomposer) RewriteStandalone(_ context.Context, _ ModelParams, query string, _ []Message) (string, error) {
	return query, nil
}

func (fakeDecomposer) Decompose(_ context.Context, _ ModelParams, query string) ([]string, error) {
	return []string{query}, nil
}

type fakeSearcher struct{ hits []SearchHit }

func (f fakeSearcher) Search(_ context.Context, _ []string, _, _ string, _ int, _ []string) ([]SearchHit, error) {
	return f.hits, nil
}

type fakeReranker struct{}

func (fakeReranker) Rerank(_ context.Context, _ string, hits []SearchHit) ([]SearchHit, error) {
	return hits, nil
}

type fakeTools struct{ names []string }

func (f fakeTools) ToolNames() []string { return f.names }
func (f fakeTools) Execute(_ context.Context, call ToolCall) (string, error) {
	return "executed:" + call.Name, nil
}

type scriptedLLM struct {
	responses []Message
	calls     int
}

func (s *scriptedLLM) Complete(_ context.Context, _ ModelParams, _ []Message, _ []string) (Message, error) {
	resp := s.responses[s.calls]
	s.calls++
	return resp, nil
}

func newCatalog() *ModelCatalog {
	c := NewModelCatalog()
	c.RegisterMode(ModeStandard, ModelParams{ModelName: "test-model", MaxTokens: 1024})
	return c
}

func envelopeJSON(t *testing.T, env Envelope) string {
	t.Helper()
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return string(b)
}

func TestRun_NoToolCallsReturnsEnvelopeDirectly(t *testing.T) {
	ctx := context.Background()

	finalEnv := Envelope{
		Answer:       "The report was filed on R1-0.",
		Confidence:   "High",
		BlockNumbers: []string{"R1-0"},
	}
	llm := &scriptedLLM{responses: []Message{
		{Role: RoleAssistant, Content: envelopeJSON(t, finalEnv)},
	}}

	o := NewOrchestrator(Options{
		Catalog:    newCatalog(),
		Decomposer: fakeDecomposer{},
		Searcher:   fakeSearcher{hits: []SearchHit{{VirtualRecordID: "vrid-1", BlockIndex: 0, Content: "report contents"}}},
		Reranker:   fakeReranker{},
		LLM:        llm,
		Tools:      fakeTools{names: []string{"fetch_full_record"}},
	})

	var frames []Frame
	result, err := o.Run(ctx, Request{Mode: ModeStandard, Query: "when was the report filed?", OrgID: "org1", UserID: "user1"}, func(f Frame) {
		frames = append(frames, f)
	})
	require.NoError(t, err)
	assert.Equal(t, "High", result.Envelope.Confidence)
	assert.Contains(t, result.ResolvedBlocks, "R1-0")
	assert.Equal(t, "vrid-1", result.ResolvedBlocks["R1-0"].VirtualRecordID)

	var statuses []string
	for _, f := range frames {
		if f.Event == "status" {
			statuses = append(statuses, f.Data.(map[string]any)["status"].(string))
		}
	}
	assert.Contains(t, statuses, string(StatusStarted))
	assert.Contains(t, statuses, string(StatusSearching))
}

func TestRun_ToolUseLoopExecutesToolThenAnswers(t *testing.T) {
	ctx := context.Background()

	finalEnv := Envelope{Answer: "resolved", Confidence: "Medium", BlockNumbers: []string{}}
	llm := &scriptedLLM{responses: []Message{
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call-1", Name: "fetch_full_record"}}},
		{Role: RoleAssistant, Content: envelopeJSON(t, finalEnv)},
	}}

	o := NewOrchestrator(Options{
		Catalog:    newCatalog(),
		Decomposer: fakeDecomposer{},
		Searcher:   fakeSearcher{hits: []SearchHit{{VirtualRecordID: "vrid-1", BlockIndex: 0, Content: "x"}}},
		Reranker:   fakeReranker{},
		LLM:        llm,
		Tools:      fakeTools{names: []string{"fetch_full_record"}},
	})

	result, err := o.Run(ctx, Request{Mode: ModeQuick, Query: "q"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "resolved", result.Envelope.Answer)
	assert.Equal(t, 2, llm.calls)
}

func TestRun_UnknownToolTriggersReflection(t *testing.T) {
	ctx := context.Background()

	finalEnv := Envelope{Answer: "fallback answer", Confidence: "Low", BlockNumbers: []string{}}
	llm := &scriptedLLM{responses: []Message{
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call-1", Name: "nonexistent_tool"}}},
		{Role: RoleAssistant, Content: envelopeJSON(t, finalEnv)},
	}}

	o := NewOrchestrator(Options{
		Catalog:    newCatalog(),
		Decomposer: fakeDecomposer{},
		Searcher:   fakeSearcher{},
		Reranker:   fakeReranker{},
		LLM:        llm,
		Tools:      fakeTools{names: []string{"fetch_full_record"}},
	})

	result, err := o.Run(ctx, Request{Mode: ModeQuick, Query: "q"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback answer", result.Envelope.Answer)
}

func TestRun_CanceledContextAbortsBetweenStages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := NewOrchestrator(Options{
		Catalog:    newCatalog(),
		Decomposer: fakeDecomposer{},
		Searcher:   fakeSearcher{},
		Reranker:   fakeReranker{},
		LLM:        &scriptedLLM{},
		Tools:      fakeTools{},
	})

	_, err := o.Run(ctx, Request{Mode: ModeStandard, Query: "q"}, nil)
	assert.Error(t, err)
}

func TestNumberBlocks_AssignsSequentialRNumbersPerDistinctRecord(t *testing.T) {
	hits := []SearchHit{
		{VirtualRecordID: "vrid-1", BlockIndex: 0},
		{VirtualRecordID: "vrid-1", BlockIndex: 1},
		{VirtualRecordID: "vrid-2", BlockIndex: 0},
	}
	blocks, recordOf := numberBlocks(hits)

	assert.Equal(t, "R1-0", blocks[0].BlockNumber)
	assert.Equal(t, "R1-1", blocks[1].BlockNumber)
	assert.Equal(t, "R2-0", blocks[2].BlockNumber)
	assert.Equal(t, "R1", recordOf["vrid-1"])
	assert.Equal(t, "R2", recordOf["vrid-2"])
}

func TestRecNumberPrefix_ExtractsRecordNumber(t *testing.T) {
	assert.Equal(t, "R1", recNumberPrefix("R1-3"))
	assert.Equal(t, "R12", recNumberPrefix("R12-0"))
}

func TestExtractToolResultText_PullsNestedTextFromKnownShapes(t *testing.T) {
	assert.Equal(t, "plain text result", extractToolResultText("plain text result"))
	assert.Equal(t, "hello from envelope", extractToolResultText(`{"content":{"text":"hello from envelope"}}`))
	assert.Equal(t, "top level body", extractToolResultText(`{"body":"top level body"}`))
	assert.Equal(t, `{"unrecognized":"shape"}`, extractToolResultText(`{"unrecognized":"shape"}`))
}
