package llm

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer estimates token counts for prompt budgeting. Counts are
// advisory; provider-attested usage always wins once a call returns.
type Tokenizer struct {
	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
}

func NewTokenizer() *Tokenizer {
	return &Tokenizer{encoders: make(map[string]*tiktoken.Tiktoken)}
}

// Count returns the token count of text for model, falling back to a
// chars/4 estimate when no encoding covers the model family.
func (t *Tokenizer) Count(model, text string) int {
	if text == "" {
		return 0
	}
	name := encodingNameForModel(model)
	if name == "" {
		return heuristicCount(text)
	}

	enc, err := t.encoder(name)
	if err != nil {
		return heuristicCount(text)
	}
	return len(enc.Encode(text, nil, nil))
}

func (t *Tokenizer) encoder(name string) (*tiktoken.Tiktoken, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if enc, ok := t.encoders[name]; ok {
		return enc, nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, err
	}
	t.encoders[name] = enc
	return enc, nil
}

// encodingNameForModel maps model families to tiktoken encodings.
// Open-weight families tokenize close enough to cl100k for budgeting.
func encodingNameForModel(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "gpt-4o"),
		strings.HasPrefix(m, "gpt-4.1"),
		strings.HasPrefix(m, "gpt-5"),
		strings.HasPrefix(m, "o1"),
		strings.HasPrefix(m, "o3"),
		strings.HasPrefix(m, "o4"),
		strings.HasPrefix(m, "chatgpt"):
		return "o200k_base"
	case strings.HasPrefix(m, "gpt-"),
		strings.Contains(m, "llama"),
		strings.Contains(m, "qwen"),
		strings.Contains(m, "mistral"),
		strings.Contains(m, "mixtral"),
		strings.Contains(m, "deepseek"),
		strings.Contains(m, "claude"):
		return "cl100k_base"
	default:
		return ""
	}
}

func heuristicCount(text string) int {
	return (len(text) + 3) / 4
}
