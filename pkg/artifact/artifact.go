package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Artifact is an immutable record of one raw oracle response.
type Artifact struct {
	ID         string            `json:"id"`
	Content    string            `json:"content"`
	Adapter    string            `json:"adapter"`
	Model      string            `json:"model"`
	PromptHash string            `json:"prompt_hash"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	Hash       string            `json:"hash"`
}

// New creates an Artifact with computed hashes.
func New(content, adapter, model, prompt string) *Artifact {
	a := &Artifact{
		ID:         uuid.NewString(),
		Content:    content,
		Adapter:    adapter,
		Model:      model,
		PromptHash: HashString(prompt),
		Metadata:   make(map[string]string),
		CreatedAt:  time.Now().UTC(),
	}
	a.Hash = a.computeHash()
	return a
}

// WithMetadata returns a copy of the artifact with an extra metadata entry.
func (a *Artifact) WithMetadata(key, value string) *Artifact {
	cp := *a
	cp.Metadata = make(map[string]string, len(a.Metadata)+1)
	for k, v := range a.Metadata {
		cp.Metadata[k] = v
	}
	cp.Metadata[key] = value
	return &cp
}

func (a *Artifact) computeHash() string {
	h := sha256.New()
	h.Write([]byte(a.Content))
	h.Write([]byte(a.Adapter))
	h.Write([]byte(a.Model))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// HashString returns the hex sha256 of value.
func HashString(value string) string {
	h := sha256.Sum256([]byte(value))
	return hex.EncodeToString(h[:])
}
