// Package retrieval implements the Retrieval Orchestrator of spec.md §4.J:
// a ten-stage pipeline that decomposes a query, runs filtered vector
// search, flattens and reranks the results, injects them as a synthetic
// tool result, drives a bounded tool-use loop against an LLM, and parses
// the strictly-formatted citation envelope of spec.md §6.7.
//
// Ground: no single teacher file implements an LLM pipeline; the
// stage-by-stage status-event emission follows the teacher's SSE-like
// event-frame shape (system/engine's callback/event dispatch), and the
// strict envelope parsing uses encoding/json the way the teacher parses
// provider payloads elsewhere (plain stdlib json, since this is an
// internal wire contract, not an ecosystem format the pack libraries
// cover).
package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/PaesslerAG/jsonpath"

	"github.com/r3e-network/knowledgecore/internal/blobstore"
	"github.com/r3e-network/knowledgecore/internal/errs"
	"github.com/r3e-network/knowledgecore/internal/logging"
)

// DefaultMaxHops bounds the tool-use loop (spec.md §4.J.9).
const DefaultMaxHops = 4

// Mode selects the retrieval pipeline's depth and LLM parameters
// (spec.md §4.J.1).
type Mode string

const (
	ModeQuick       Mode = "quick"
	ModeAnalysis    Mode = "analysis"
	ModeDeepResearch Mode = "deep_research"
	ModeCreative    Mode = "creative"
	ModePrecise     Mode = "precise"
	ModeStandard    Mode = "standard"
)

// StatusName enumerates spec.md §6.4's status payload values.
type StatusName string

const (
	StatusStarted      StatusName = "started"
	StatusTransforming StatusName = "transforming"
	StatusAnalyzing    StatusName = "analyzing"
	StatusSearching    StatusName = "searching"
	StatusProcessing   StatusName = "processing"
	StatusRanking      StatusName = "ranking"
	StatusRetrieving   StatusName = "retrieving"
)

// Frame is one {event, data} pair of spec.md §6.4's event stream.
type Frame struct {
	Event string
	Data  any
}

// Emitter receives Frames as the pipeline progresses; nil is a valid
// no-op sink for the non-streaming variant (spec.md §4.J "Streaming
// variant").
type Emitter func(Frame)

func (e Emitter) emit(f Frame) {
	if e != nil {
		e(f)
	}
}

func (e Emitter) status(name StatusName, message string) {
	e.emit(Frame{Event: "status", Data: map[string]any{"status": string(name), "message": message}})
}

// ModelParams are the mode-specific LLM invocation parameters spec.md
// §4.J.1 describes.
type ModelParams struct {
	ModelKey     string
	ModelName    string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// ModelCatalog resolves a Mode to ModelParams, falling back to the first
// registered mode's params when the mode is not registered. It does not
// look models up by (modelKey, modelName).
type ModelCatalog struct {
	byMode  map[Mode]ModelParams
	ordered []ModelParams
}

// NewModelCatalog builds an empty catalog. RegisterMode adds modes; the
// first one registered is the fallback.
func NewModelCatalog() *ModelCatalog {
	return &ModelCatalog{byMode: make(map[Mode]ModelParams)}
}

// RegisterMode adds or replaces a mode's parameters.
func (c *ModelCatalog) RegisterMode(mode Mode, params ModelParams) {
	if _, exists := c.byMode[mode]; !exists {
		c.ordered = append(c.ordered, params)
	}
	c.byMode[mode] = params
}

// Resolve implements spec.md §4.J.1's model selection.
func (c *ModelCatalog) Resolve(mode Mode) (ModelParams, error) {
	if p, ok := c.byMode[mode]; ok {
		return p, nil
	}
	if len(c.ordered) > 0 {
		return c.ordered[0], nil
	}
	return ModelParams{}, errs.New(errs.KindFatal, "no models configured")
}

// LLM is the external chat-completion contract the orchestrator drives.
// Implementations are provider-specific and out of this package's scope
// (spec.md §1).
type LLM interface {
	// Complete invokes the model with the given message list and bound
	// tool names, returning the raw assistant message.
	Complete(ctx context.Context, params ModelParams, messages []Message, tools []string) (Message, error)
}

// MessageRole mirrors the standard chat-message roles.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// ToolCall is one tool invocation an assistant message requests.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Message is one chat-turn entry.
type Message struct {
	Role       MessageRole
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string // set on RoleTool messages, referencing the ToolCall.ID
}

// ToolExecutor runs a named tool-call and returns its textual result.
// `fetch_full_record` must always be bound (spec.md §4.J.9); additional
// tools are caller-supplied.
type ToolExecutor interface {
	Execute(ctx context.Context, call ToolCall) (string, error)
	ToolNames() []string
}

// SearchHit is one raw hit the filtered-search stage returns, before
// flattening (spec.md §4.J.4-5).
type SearchHit struct {
	VirtualRecordID string
	BlockIndex      int
	Content         string
	BlockType       string
	Score           float64
}

// Searcher performs filtered vector search over the graph's permission
// scope. An external collaborator (spec.md §1); only its contract lives
// here.
type Searcher interface {
	Search(ctx context.Context, queries []string, orgID, userID string, limit int, filterGroups []string) ([]SearchHit, error)
}

// Reranker reorders hits by relevance; an external collaborator.
type Reranker interface {
	Rerank(ctx context.Context, query string, hits []SearchHit) ([]SearchHit, error)
}

// QueryDecomposer rewrites/decomposes the query for non-quick modes
// (spec.md §4.J.2-3).
type QueryDecomposer interface {
	RewriteStandalone(ctx context.Context, params ModelParams, query string, history []Message) (string, error)
	Decompose(ctx context.Context, params ModelParams, query string) ([]string, error)
}

// Block is one flattened, numbered retrieval unit (spec.md §4.J.5-7).
type Block struct {
	VirtualRecordID string
	BlockIndex      int
	Content         string
	BlockType       string
	Metadata        map[string]any
	BlockNumber     string // "R{rec}-{block_index}"
}

// RecordRef is the minimal per-record metadata the citation map (spec.md
// §4.J.10) needs.
type RecordRef struct {
	VirtualRecordID string
	Name            string
	WebURL          string
}

// Envelope is the parsed LLM answer (spec.md §6.7).
type Envelope struct {
	Answer          string   `json:"answer"`
	Reason          string   `json:"reason"`
	Confidence      string   `json:"confidence"`
	AnswerMatchType string   `json:"answerMatchType"`
	BlockNumbers    []string `json:"blockNumbers"`
	Citations       []any    `json:"citations"`
}

// Result is the orchestrator's final, non-streaming output.
type Result struct {
	Envelope       Envelope
	ResolvedBlocks map[string]RecordRef // blockNumber -> source record
}

// Orchestrator wires together every collaborator of spec.md §4.J.
type Orchestrator struct {
	catalog     *ModelCatalog
	decomposer  QueryDecomposer
	searcher    Searcher
	reranker    Reranker
	blobs       *blobstore.Transformer
	llm         LLM
	tools       ToolExecutor
	maxHops     int
	log         *logging.Logger
}

// Options configures an Orchestrator; zero-value MaxHops uses
// DefaultMaxHops.
type Options struct {
	Catalog    *ModelCatalog
	Decomposer QueryDecomposer
	Searcher   Searcher
	Reranker   Reranker
	Blobs      *blobstore.Transformer
	LLM        LLM
	Tools      ToolExecutor
	MaxHops    int
	Log        *logging.Logger
}

// NewOrchestrator builds an Orchestrator from Options.
func NewOrchestrator(opts Options) *Orchestrator {
	maxHops := opts.MaxHops
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	log := opts.Log
	if log == nil {
		log = logging.NewFromEnv("retrieval")
	}
	return &Orchestrator{
		catalog:    opts.Catalog,
		decomposer: opts.Decomposer,
		searcher:   opts.Searcher,
		reranker:   opts.Reranker,
		blobs:      opts.Blobs,
		llm:        opts.LLM,
		tools:      opts.Tools,
		maxHops:    maxHops,
		log:        log,
	}
}

// Request is one end-user retrieval query.
type Request struct {
	Mode         Mode
	Query        string
	History      []Message
	OrgID        string
	UserID       string
	Limit        int
	FilterGroups []string
	ComplexQuery bool // pre-classified by the caller; see spec.md §4.J.4
}

// Run executes the full ten-stage pipeline, emitting status frames to
// emit (nil is a valid no-op sink). A canceled ctx aborts between stages
// and emits no final answer (spec.md §5 "Cancellation & timeouts").
func (o *Orchestrator) Run(ctx context.Context, req Request, emit Emitter) (*Result, error) {
	emit.status(StatusStarted, "retrieval started")

	params, err := o.catalog.Resolve(req.Mode)
	if err != nil {
		emit.emit(Frame{Event: "error", Data: map[string]any{"message": err.Error()}})
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	query := req.Query
	if len(req.History) > 0 {
		emit.status(StatusTransforming, "rewriting query using conversation history")
		query, err = o.decomposer.RewriteStandalone(ctx, params, req.Query, req.History)
		if err != nil {
			return nil, errs.Transient("followup_transform", err)
		}
	}

	queries := []string{query}
	if req.Mode != ModeQuick {
		emit.status(StatusAnalyzing, "decomposing query")
		subs, err := o.decomposer.Decompose(ctx, params, query)
		if err != nil {
			return nil, errs.Transient("decompose", err)
		}
		if len(subs) > 0 {
			queries = subs
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	if req.ComplexQuery {
		limit *= 2
		if limit > 100 {
			limit = 100
		}
	}

	emit.status(StatusSearching, "running filtered search")
	hits, err := o.searcher.Search(ctx, queries, req.OrgID, req.UserID, limit, req.FilterGroups)
	if err != nil {
		return nil, errs.Transient("filtered_search", err)
	}

	emit.status(StatusProcessing, "flattening results")
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if req.Mode != ModeQuick && len(hits) > 1 {
		emit.status(StatusRanking, "reranking results")
		hits, err = o.reranker.Rerank(ctx, query, hits)
		if err != nil {
			return nil, errs.Transient("rerank", err)
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].VirtualRecordID != hits[j].VirtualRecordID {
			return hits[i].VirtualRecordID < hits[j].VirtualRecordID
		}
		return hits[i].BlockIndex < hits[j].BlockIndex
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}

	blocks, recordOf := numberBlocks(hits)
	o.attachMetadata(ctx, blocks)

	emit.status(StatusRetrieving, "injecting retrieved content")
	messages := buildInjectionMessages(req.Query, req.History, blocks)

	answer, resolved, err := o.toolUseLoop(ctx, params, messages, recordOf)
	if err != nil {
		return nil, err
	}

	return &Result{Envelope: *answer, ResolvedBlocks: resolved}, nil
}

// numberBlocks implements spec.md §4.J.7: assigns each distinct virtual
// record a sequential R-number and derives each hit's block_number.
func numberBlocks(hits []SearchHit) ([]Block, map[string]string) {
	recNumber := make(map[string]string)
	blocks := make([]Block, 0, len(hits))
	next := 1
	for _, h := range hits {
		num, ok := recNumber[h.VirtualRecordID]
		if !ok {
			num = fmt.Sprintf("R%d", next)
			recNumber[h.VirtualRecordID] = num
			next++
		}
		blocks = append(blocks, Block{
			VirtualRecordID: h.VirtualRecordID,
			BlockIndex:      h.BlockIndex,
			Content:         h.Content,
			BlockType:       h.BlockType,
			BlockNumber:     fmt.Sprintf("%s-%d", num, h.BlockIndex),
		})
	}
	return blocks, recNumber
}

// attachMetadata fetches parent-record metadata from the blob store's read
// path for each distinct virtual record in blocks (spec.md §4.J.5),
// tolerating per-record fetch failures since missing metadata must not
// sink the whole pipeline.
func (o *Orchestrator) attachMetadata(ctx context.Context, blocks []Block) {
	if o.blobs == nil {
		return
	}
	cache := make(map[string]map[string]any)
	for i := range blocks {
		vrid := blocks[i].VirtualRecordID
		meta, ok := cache[vrid]
		if !ok {
			raw, err := o.blobs.Download(ctx, vrid)
			if err != nil {
				o.log.WithContext(ctx).WithField("virtual_record_id", vrid).WithError(err).Warn("failed to fetch record metadata for citation")
				cache[vrid] = nil
				continue
			}
			var decoded map[string]any
			if err := json.Unmarshal(raw, &decoded); err == nil {
				meta = decoded
			}
			cache[vrid] = meta
		}
		blocks[i].Metadata = meta
	}
}

// buildInjectionMessages implements spec.md §4.J.8: a synthetic
// assistant tool-call followed by a tool-result message carrying the
// strictly formatted block listing. Retrieved content is never placed in
// the system prompt.
func buildInjectionMessages(query string, history []Message, blocks []Block) []Message {
	messages := make([]Message, 0, len(history)+3)
	messages = append(messages, history...)
	messages = append(messages, Message{Role: RoleUser, Content: query})

	callID := "internal_knowledge_retrieval_1"
	messages = append(messages, Message{
		Role: RoleAssistant,
		ToolCalls: []ToolCall{{
			ID:   callID,
			Name: "internal_knowledge_retrieval",
			Arguments: map[string]any{
				"query": query,
			},
		}},
	})
	messages = append(messages, Message{
		Role:       RoleTool,
		ToolCallID: callID,
		Content:    renderBlockListing(blocks),
	})
	return messages
}

// renderBlockListing formats record headers followed by numbered blocks,
// the listing shape spec.md §4.J.8 requires.
func renderBlockListing(blocks []Block) string {
	byRecord := make(map[string][]Block)
	var order []string
	for _, b := range blocks {
		if _, seen := byRecord[b.VirtualRecordID]; !seen {
			order = append(order, b.VirtualRecordID)
		}
		byRecord[b.VirtualRecordID] = append(byRecord[b.VirtualRecordID], b)
	}

	out := ""
	for _, recID := range order {
		out += fmt.Sprintf("### Record %s\n", recID)
		for _, b := range byRecord[recID] {
			out += fmt.Sprintf("[%s] %s\n", b.BlockNumber, b.Content)
		}
		out += "\n"
	}
	return out
}

// toolUseLoop implements spec.md §4.J.9-10: bounded tool-use hops, a
// reflection fallback for unknown tools or provider tool-use errors, and
// strict envelope parsing once the model returns a final answer.
func (o *Orchestrator) toolUseLoop(ctx context.Context, params ModelParams, messages []Message, recordOf map[string]string) (*Envelope, map[string]RecordRef, error) {
	toolNames := o.tools.ToolNames()

	for hop := 0; hop < o.maxHops; hop++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		resp, err := o.llm.Complete(ctx, params, messages, toolNames)
		if err != nil {
			if isToolUseFailure(err) {
				resp, err = o.llm.Complete(ctx, params, messages, nil)
				if err != nil {
					return nil, nil, errs.Transient("llm_reflection_fallback", err)
				}
			} else {
				return nil, nil, errs.Transient("llm_complete", err)
			}
		}

		if len(resp.ToolCalls) == 0 {
			env, err := parseEnvelope(resp.Content)
			if err != nil {
				return nil, nil, err
			}
			return env, resolveBlockNumbers(env.BlockNumbers, recordOf), nil
		}

		messages = append(messages, resp)
		unknown := false
		for _, call := range resp.ToolCalls {
			if !containsString(toolNames, call.Name) {
				unknown = true
				messages = append(messages, Message{
					Role:       RoleTool,
					ToolCallID: call.ID,
					Content:    reflectionMessage(toolNames),
				})
				continue
			}
			result, err := o.tools.Execute(ctx, call)
			if err != nil {
				result = fmt.Sprintf("tool execution failed: %v", err)
			}
			messages = append(messages, Message{Role: RoleTool, ToolCallID: call.ID, Content: extractToolResultText(result)})
		}
		if unknown {
			// Force a direct JSON answer with no tools on the next turn.
			toolNames = nil
		}
	}

	return nil, nil, errs.New(errs.KindFatal, "tool-use loop exceeded max hops without a final answer")
}

func reflectionMessage(validTools []string) string {
	return fmt.Sprintf("Unknown tool requested. Valid tools: %v. Respond with a direct JSON answer and no further tool calls.", validTools)
}

func isToolUseFailure(err error) bool {
	// Fragile substring match against provider-specific error text, since
	// no provider SDK in the pack defines a typed sentinel for this.
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "tool_use_failed")
}

// toolResultTextPaths are the JSONPath expressions tried, in order, against
// a structured tool result. Different connectors shape their document
// payloads differently (plain body vs. an envelope with metadata), so the
// first path that resolves wins instead of hard-coding one connector's
// shape.
var toolResultTextPaths = []string{"$.content.text", "$.text", "$.body", "$.result"}

// extractToolResultText pulls the human-readable text out of a tool result
// that may be a bare string or a structured JSON document. Results that
// aren't JSON, or that don't match any known path, pass through unchanged.
func extractToolResultText(result string) string {
	trimmed := strings.TrimSpace(result)
	if trimmed == "" || trimmed[0] != '{' {
		return result
	}

	var doc any
	if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
		return result
	}

	for _, path := range toolResultTextPaths {
		if value, err := jsonpath.Get(path, doc); err == nil {
			if text, ok := value.(string); ok && text != "" {
				return text
			}
		}
	}
	return result
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// parseEnvelope strictly parses spec.md §6.7's JSON citation envelope.
func parseEnvelope(content string) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(content), &env); err != nil {
		return nil, errs.IntegrityViolation(fmt.Sprintf("malformed citation envelope: %v", err))
	}
	return &env, nil
}

// resolveBlockNumbers maps each cited block number back to its source
// record via the R-number assignment from step 7 (spec.md §4.J.10).
func resolveBlockNumbers(blockNumbers []string, recordOf map[string]string) map[string]RecordRef {
	byNumber := make(map[string]string, len(recordOf))
	for vrid, num := range recordOf {
		byNumber[num] = vrid
	}

	resolved := make(map[string]RecordRef)
	for _, bn := range blockNumbers {
		recNum := recNumberPrefix(bn)
		if vrid, ok := byNumber[recNum]; ok {
			resolved[bn] = RecordRef{VirtualRecordID: vrid}
		}
	}
	return resolved
}

// recNumberPrefix extracts "R1" from "R1-3".
func recNumberPrefix(blockNumber string) string {
	for i, c := range blockNumber {
		if c == '-' {
			return blockNumber[:i]
		}
	}
	return blockNumber
}
