package proxy

import (
	"encoding/json"
	"fmt"

	"github.com/synaxis-dev/synaxis/internal/config"
	"github.com/synaxis-dev/synaxis/internal/providers"
	"github.com/synaxis-dev/synaxis/pkg/apierr"
)

// stringOrArray accepts a JSON string or an array of strings. OpenAI's
// completions `prompt` and embeddings `input` fields allow both forms.
type stringOrArray []string

func (s *stringOrArray) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected a string or an array of strings")
	}
	*s = many
	return nil
}

// messageContent accepts a string or the structured array-of-parts form; only
// text parts are kept. Multimodal parts surface a validation error upstream
// of any provider call.
type messageContent string

func (c *messageContent) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = messageContent(s)
		return nil
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("expected a string or an array of content parts")
	}
	var out string
	for _, p := range parts {
		if p.Type != "text" && p.Type != "input_text" && p.Type != "output_text" {
			return fmt.Errorf("unsupported content part type %q", p.Type)
		}
		out += p.Text
	}
	*c = messageContent(out)
	return nil
}

type (
	wireToolCallFunction struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}
	wireToolCall struct {
		ID       string               `json:"id"`
		Type     string               `json:"type"`
		Function wireToolCallFunction `json:"function"`
	}
	wireMessage struct {
		Role       string         `json:"role"`
		Content    messageContent `json:"content"`
		Name       string         `json:"name,omitempty"`
		ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
		ToolCallID string         `json:"tool_call_id,omitempty"`
	}
	wireFunction struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	}
	wireTool struct {
		Type     string       `json:"type"`
		Function wireFunction `json:"function"`
	}
)

// chatRequest is the inbound /v1/chat/completions body.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// completionsRequest is the inbound legacy /v1/completions body. The prompt
// may be a string or an array of strings; arrays are joined with newlines
// into a single user turn.
type completionsRequest struct {
	Model       string        `json:"model"`
	Prompt      stringOrArray `json:"prompt"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// responsesMessage is one structured input item of the responses API.
type responsesMessage struct {
	Role    string         `json:"role"`
	Content messageContent `json:"content"`
}

// responsesInput accepts the responses API `input` field: a plain string or
// an array of message items.
type responsesInput []responsesMessage

func (r *responsesInput) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = []responsesMessage{{Role: "user", Content: messageContent(s)}}
		return nil
	}
	var items []responsesMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("expected a string or an array of input messages")
	}
	*r = items
	return nil
}

// responsesRequest is the inbound /v1/responses body, mapped onto chat
// semantics: instructions become the system turn, input items become messages.
type responsesRequest struct {
	Model           string         `json:"model"`
	Input           responsesInput `json:"input"`
	Instructions    string         `json:"instructions,omitempty"`
	Tools           []wireTool     `json:"tools,omitempty"`
	Temperature     *float64       `json:"temperature,omitempty"`
	TopP            *float64       `json:"top_p,omitempty"`
	MaxOutputTokens *int           `json:"max_output_tokens,omitempty"`
	Stream          bool           `json:"stream,omitempty"`
}

// embeddingsRequest is the inbound /v1/embeddings body.
type embeddingsRequest struct {
	Model string        `json:"model"`
	Input stringOrArray `json:"input"`
}

func validationErr(format string, args ...any) error {
	return apierr.New(apierr.KindValidation, format, args...)
}

func validateSampling(temperature, topP *float64, maxTokens *int) error {
	if temperature != nil && (*temperature < 0 || *temperature > 2) {
		return validationErr("temperature must be in [0, 2]")
	}
	if topP != nil && (*topP < 0 || *topP > 1) {
		return validationErr("top_p must be in [0, 1]")
	}
	if maxTokens != nil && *maxTokens < 1 {
		return validationErr("max_tokens must be >= 1")
	}
	return nil
}

func validRole(role string) bool {
	switch role {
	case "system", "developer", "user", "assistant", "tool":
		return true
	}
	return false
}

func toCanonicalMessages(msgs []wireMessage) ([]providers.Message, error) {
	out := make([]providers.Message, 0, len(msgs))
	for i, m := range msgs {
		if !validRole(m.Role) {
			return nil, validationErr("messages[%d]: unknown role %q", i, m.Role)
		}
		if m.Role == "tool" && m.ToolCallID == "" {
			return nil, validationErr("messages[%d]: tool message requires tool_call_id", i)
		}
		cm := providers.Message{
			Role:       m.Role,
			Content:    string(m.Content),
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, providers.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			})
		}
		out = append(out, cm)
	}
	return out, nil
}

func toCanonicalTools(tools []wireTool) ([]providers.Tool, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]providers.Tool, 0, len(tools))
	for i, t := range tools {
		if t.Type != "" && t.Type != "function" {
			return nil, validationErr("tools[%d]: unsupported tool type %q", i, t.Type)
		}
		if t.Function.Name == "" {
			return nil, validationErr("tools[%d]: function name is required", i)
		}
		out = append(out, providers.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	return out, nil
}

// parseChat decodes and validates a chat completions body into the canonical
// request.
func parseChat(body []byte) (*providers.Request, error) {
	var in chatRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, apierr.Wrap(apierr.KindValidation, err, "malformed JSON body")
	}
	if len(in.Messages) == 0 {
		return nil, validationErr("messages must not be empty")
	}
	if err := validateSampling(in.Temperature, in.TopP, in.MaxTokens); err != nil {
		return nil, err
	}
	msgs, err := toCanonicalMessages(in.Messages)
	if err != nil {
		return nil, err
	}
	tools, err := toCanonicalTools(in.Tools)
	if err != nil {
		return nil, err
	}

	req := &providers.Request{
		Model:        in.Model,
		EndpointKind: config.EndpointChat,
		Messages:     msgs,
		Tools:        tools,
		Temperature:  in.Temperature,
		TopP:         in.TopP,
		Stream:       in.Stream,
	}
	if in.MaxTokens != nil {
		req.MaxTokens = *in.MaxTokens
	}
	return req, nil
}

// parseCompletions decodes a legacy completions body. Prompts collapse into a
// single user message; multi-prompt batching is not supported.
func parseCompletions(body []byte) (*providers.Request, error) {
	var in completionsRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, apierr.Wrap(apierr.KindValidation, err, "malformed JSON body")
	}
	if len(in.Prompt) == 0 {
		return nil, validationErr("prompt is required")
	}
	if err := validateSampling(in.Temperature, in.TopP, in.MaxTokens); err != nil {
		return nil, err
	}

	prompt := in.Prompt[0]
	for _, p := range in.Prompt[1:] {
		prompt += "\n" + p
	}

	req := &providers.Request{
		Model:        in.Model,
		EndpointKind: config.EndpointCompletions,
		Messages:     []providers.Message{{Role: "user", Content: prompt}},
		Temperature:  in.Temperature,
		TopP:         in.TopP,
		Stream:       in.Stream,
	}
	if in.MaxTokens != nil {
		req.MaxTokens = *in.MaxTokens
	}
	return req, nil
}

// parseResponses decodes a responses-API body onto chat semantics.
func parseResponses(body []byte) (*providers.Request, error) {
	var in responsesRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, apierr.Wrap(apierr.KindValidation, err, "malformed JSON body")
	}
	if len(in.Input) == 0 {
		return nil, validationErr("input is required")
	}
	if err := validateSampling(in.Temperature, in.TopP, in.MaxOutputTokens); err != nil {
		return nil, err
	}
	tools, err := toCanonicalTools(in.Tools)
	if err != nil {
		return nil, err
	}

	msgs := make([]providers.Message, 0, len(in.Input)+1)
	if in.Instructions != "" {
		msgs = append(msgs, providers.Message{Role: "system", Content: in.Instructions})
	}
	for i, item := range in.Input {
		role := item.Role
		if role == "" {
			role = "user"
		}
		if !validRole(role) {
			return nil, validationErr("input[%d]: unknown role %q", i, role)
		}
		msgs = append(msgs, providers.Message{Role: role, Content: string(item.Content)})
	}

	req := &providers.Request{
		Model:        in.Model,
		EndpointKind: config.EndpointResponses,
		Messages:     msgs,
		Tools:        tools,
		Temperature:  in.Temperature,
		TopP:         in.TopP,
		Stream:       in.Stream,
	}
	if in.MaxOutputTokens != nil {
		req.MaxTokens = *in.MaxOutputTokens
	}
	return req, nil
}

// parseEmbeddings decodes an embeddings body.
func parseEmbeddings(body []byte) (*providers.Request, error) {
	var in embeddingsRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, apierr.Wrap(apierr.KindValidation, err, "malformed JSON body")
	}
	if len(in.Input) == 0 {
		return nil, validationErr("input is required")
	}
	for i, s := range in.Input {
		if s == "" {
			return nil, validationErr("input[%d] must not be empty", i)
		}
	}
	return &providers.Request{
		Model:        in.Model,
		EndpointKind: config.EndpointEmbeddings,
		Inputs:       in.Input,
	}, nil
}
