package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultOrder is probed when a fallback selection carries no names of its own.
var DefaultOrder = []string{"claude", "gemini", "copilot"}

// Selection is the provider choice attached to an agent or request: either a
// single fixed provider or an ordered fallback list probed for availability.
//
// YAML/JSON accept a scalar ("claude") for Fixed and a sequence
// ([claude, gemini]) for Fallback.
type Selection struct {
	names    []string
	fallback bool
}

// Fixed selects exactly one provider.
func Fixed(name string) Selection {
	return Selection{names: []string{strings.TrimSpace(name)}}
}

// Fallback selects the first available provider from names, in order.
// An empty list means DefaultOrder.
func Fallback(names ...string) Selection {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return Selection{names: out, fallback: true}
}

// IsZero reports whether no provider was configured at all.
func (s Selection) IsZero() bool {
	return !s.fallback && len(s.names) == 0
}

// IsFallback reports whether the selection is an ordered fallback list.
func (s Selection) IsFallback() bool {
	return s.fallback
}

// Names returns the candidate names in probe order. For a fallback selection
// with no names this is DefaultOrder.
func (s Selection) Names() []string {
	if s.fallback && len(s.names) == 0 {
		return append([]string(nil), DefaultOrder...)
	}
	return append([]string(nil), s.names...)
}

// First returns the first candidate, or "" for a zero selection.
func (s Selection) First() string {
	names := s.Names()
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

func (s Selection) String() string {
	if s.fallback {
		return "[" + strings.Join(s.Names(), ",") + "]"
	}
	return s.First()
}

// UnmarshalYAML decodes a scalar or a sequence of provider names.
func (s *Selection) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		name := strings.TrimSpace(n.Value)
		if name == "" {
			*s = Selection{}
			return nil
		}
		*s = Fixed(name)
		return nil
	case yaml.SequenceNode:
		names := make([]string, 0, len(n.Content))
		for _, item := range n.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("provider list entries must be strings")
			}
			names = append(names, item.Value)
		}
		*s = Fallback(names...)
		return nil
	default:
		return fmt.Errorf("provider must be a name or a list of names")
	}
}

// MarshalYAML mirrors UnmarshalYAML.
func (s Selection) MarshalYAML() (any, error) {
	if s.fallback {
		return s.names, nil
	}
	return s.First(), nil
}

// UnmarshalJSON accepts "name" or ["a","b"].
func (s *Selection) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == "" {
		*s = Selection{}
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var names []string
		if err := json.Unmarshal(data, &names); err != nil {
			return fmt.Errorf("provider list: %w", err)
		}
		*s = Fallback(names...)
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("provider: %w", err)
	}
	if strings.TrimSpace(name) == "" {
		*s = Selection{}
		return nil
	}
	*s = Fixed(name)
	return nil
}

// MarshalJSON mirrors UnmarshalJSON.
func (s Selection) MarshalJSON() ([]byte, error) {
	if s.fallback {
		return json.Marshal(s.Names())
	}
	return json.Marshal(s.First())
}
