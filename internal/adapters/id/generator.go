package id

import (
	"strings"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Generator mints the identifiers the gateway hands out. Conversations and
// messages use plain UUIDs because they are primary keys in Postgres;
// request ids and stream tokens use nanoids, the latter long enough to
// carry well over 128 bits of entropy.
type Generator struct{}

func New() *Generator {
	return &Generator{}
}

func (g *Generator) generate(prefix string, size int) string {
	id, err := gonanoid.New(size)
	if err != nil {
		return prefix + "_fallback"
	}
	return prefix + "_" + id
}

func (g *Generator) GenerateConversationID() string {
	return uuid.NewString()
}

func (g *Generator) GenerateMessageID() string {
	return uuid.NewString()
}

func (g *Generator) GenerateRequestID() string {
	return g.generate("req", 21)
}

// GenerateStreamToken returns a URL-safe single-use token. The nanoid
// alphabet carries 6 bits per character, so 32 characters is 192 bits.
func (g *Generator) GenerateStreamToken() string {
	token, err := gonanoid.New(32)
	if err != nil {
		// crypto/rand failing is close to fatal; fall back to UUID entropy
		// rather than a guessable constant.
		return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	}
	return token
}
