package testsupport

import (
	"context"
	"sync"

	"sieve/internal/services"
)

// ProviderFunc answers one call to a FakeProvider. call is 1-based.
type ProviderFunc func(ctx context.Context, call int, systemPrompt, userPrompt string) (services.Completion, error)

// FakeProvider is a scripted model provider that records every prompt.
type FakeProvider struct {
	mu      sync.Mutex
	name    string
	handler ProviderFunc
	prompts []string
}

// NewFakeProvider builds a provider driven by handler.
func NewFakeProvider(name string, handler ProviderFunc) *FakeProvider {
	return &FakeProvider{name: name, handler: handler}
}

// StaticProvider always returns content with the given token usage.
func StaticProvider(name, content string, promptTokens, completionTokens int) *FakeProvider {
	return NewFakeProvider(name, func(context.Context, int, string, string) (services.Completion, error) {
		return services.Completion{
			Content:          content,
			Model:            name + "-model",
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
		}, nil
	})
}

// FailingProvider always returns err.
func FailingProvider(name string, err error) *FakeProvider {
	return NewFakeProvider(name, func(context.Context, int, string, string) (services.Completion, error) {
		return services.Completion{}, err
	})
}

// Name implements router.Provider.
func (p *FakeProvider) Name() string { return p.name }

// CompleteJSON implements router.Provider.
func (p *FakeProvider) CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (services.Completion, error) {
	p.mu.Lock()
	p.prompts = append(p.prompts, userPrompt)
	call := len(p.prompts)
	p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return services.Completion{}, err
	}
	return p.handler(ctx, call, systemPrompt, userPrompt)
}

// Calls returns how many calls were made.
func (p *FakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prompts)
}

// Prompts returns the user prompts received so far.
func (p *FakeProvider) Prompts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.prompts...)
}
