// ABOUTME: Provider abstraction for streamed AI completions and the typed stream events
// ABOUTME: A stream carries Token events followed by exactly one terminal event

package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Orchestrator errors.
var (
	ErrProviderNotFound    = errors.New("provider not found")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrAllProvidersFailed  = errors.New("all providers failed")
	ErrInvalidModel        = errors.New("invalid model reference")
	ErrStreamIncomplete    = errors.New("stream ended without completion")
)

// Message is one chat turn sent to a provider.
type Message struct {
	Role    string
	Content string
}

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Options tune a single completion.
type Options struct {
	Temperature float32
	MaxTokens   int
}

// EventKind discriminates stream events.
type EventKind int

const (
	EventToken EventKind = iota
	EventComplete
	EventError
	// EventReset marks that a new provider is starting after a failed one
	// already emitted tokens.
	EventReset
)

func (k EventKind) String() string {
	switch k {
	case EventToken:
		return "token"
	case EventComplete:
		return "complete"
	case EventError:
		return "error"
	case EventReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Event is one item on a completion stream.
type Event struct {
	Kind     EventKind
	Token    string // EventToken
	Text     string // EventComplete: full response
	Err      error  // EventError
	Provider string
	Model    string
	Attempt  int // 1-based position among attempted providers
}

// Terminal reports whether the event ends a stream.
func (e Event) Terminal() bool {
	return e.Kind == EventComplete || e.Kind == EventError
}

// Provider streams completions from one backend.
type Provider interface {
	ID() string
	DisplayName() string
	// Models lists supported models, preferred first.
	Models() []string
	// Enabled is evaluated on every call; it is never cached.
	Enabled() bool
	// Stream starts a completion. The returned channel carries Token events
	// and then exactly one terminal event before it is closed.
	Stream(ctx context.Context, model string, msgs []Message, opts Options) (<-chan Event, error)
}

// Descriptor is the public view of a provider.
type Descriptor struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	Models      []string `json:"models"`
	Enabled     bool     `json:"enabled"`
}

// MinCredentialLength is the shortest credential treated as real.
const MinCredentialLength = 20

var placeholderMarkers = []string{
	"your_", "your-", "changeme", "change-me", "placeholder", "example", "xxxx", "<", "...", "replace",
}

// CredentialUsable reports whether key looks like a real credential: present,
// not a placeholder and at least MinCredentialLength characters.
func CredentialUsable(key string) bool {
	key = strings.TrimSpace(key)
	if len(key) < MinCredentialLength {
		return false
	}
	lower := strings.ToLower(key)
	for _, m := range placeholderMarkers {
		if strings.Contains(lower, m) {
			return false
		}
	}
	return true
}

// ParseModel splits "provider:modelName". An empty reference or "auto"
// selects the fallback chain and returns empty strings.
func ParseModel(ref string) (providerID, model string, err error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.EqualFold(ref, "auto") {
		return "", "", nil
	}
	providerID, model, ok := strings.Cut(ref, ":")
	if !ok || providerID == "" || model == "" {
		return "", "", fmt.Errorf(`%w: expected "provider:modelName", got %q`, ErrInvalidModel, ref)
	}
	return providerID, model, nil
}
