package domain

import (
	"fmt"
	"strings"
)

// PersonaID is the closed set of response personas.
type PersonaID string

const (
	PersonaTechnical  PersonaID = "technical"
	PersonaEmpathetic PersonaID = "empathetic"
)

func ParsePersona(raw string) (PersonaID, error) {
	switch PersonaID(strings.ToLower(strings.TrimSpace(raw))) {
	case PersonaTechnical:
		return PersonaTechnical, nil
	case PersonaEmpathetic:
		return PersonaEmpathetic, nil
	default:
		return "", WrapError(ErrInvalidInput, "parse persona", fmt.Errorf("unknown persona %q", raw))
	}
}

func (p PersonaID) Valid() bool {
	return p == PersonaTechnical || p == PersonaEmpathetic
}

// PersonaProfile is the strategy object attached to each persona variant.
type PersonaProfile struct {
	ID PersonaID

	// Instructions is the tone block placed at the top of every prompt.
	Instructions string
	// MaxWords bounds the post-processed answer length.
	MaxWords int
	// RequireCitations makes an answer without a valid citation marker
	// irrecoverable.
	RequireCitations bool
	// Disallowed lists phrase patterns (regular expressions, case-insensitive)
	// whose sentences are stripped from generated text.
	Disallowed []string

	// Fixed persona-toned messages.
	OutOfScopeMessage string
	DeclineMessage    string
	FallbackPreamble  string
	LowConfidenceNote string
}
