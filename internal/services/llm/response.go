package llm

import "strings"

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse accepts the shapes OpenRouter relays from its upstreams:
// plain message content, a streaming-style delta, legacy text, or JSON
// arguments of a tool or function call.
type chatResponse struct {
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type chatChoice struct {
	Message      replyMessage `json:"message"`
	Delta        replyMessage `json:"delta"`
	Text         string       `json:"text"`
	FinishReason string       `json:"finish_reason"`
}

type replyMessage struct {
	Content      string `json:"content"`
	Refusal      string `json:"refusal"`
	FunctionCall *struct {
		Arguments string `json:"arguments"`
	} `json:"function_call"`
	ToolCalls []struct {
		Function struct {
			Arguments string `json:"arguments"`
		} `json:"function"`
	} `json:"tool_calls"`
}

// arguments returns the first non-empty tool or function call payload.
func (m replyMessage) arguments() string {
	if m.FunctionCall != nil {
		if args := strings.TrimSpace(m.FunctionCall.Arguments); args != "" {
			return args
		}
	}
	for _, call := range m.ToolCalls {
		if args := strings.TrimSpace(call.Function.Arguments); args != "" {
			return args
		}
	}
	return ""
}

// content picks the first choice that carries anything usable, preferring
// text over call arguments, and reports the first finish reason seen.
func (r chatResponse) content() (text, finishReason string) {
	for _, c := range r.Choices {
		if finishReason == "" {
			finishReason = strings.TrimSpace(c.FinishReason)
		}
		for _, candidate := range []string{
			c.Message.Content, c.Delta.Content, c.Text,
			c.Message.arguments(), c.Delta.arguments(),
		} {
			if candidate = strings.TrimSpace(candidate); candidate != "" {
				return candidate, finishReason
			}
		}
	}
	return "", finishReason
}

func (r chatResponse) refusal() string {
	for _, c := range r.Choices {
		for _, s := range []string{c.Message.Refusal, c.Delta.Refusal} {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}
