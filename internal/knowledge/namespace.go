package knowledge

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	namespaceRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	slugRe      = regexp.MustCompile(`[^a-z0-9]+`)
)

// CrewNamespace is the shared namespace of a crew's knowledge.
func CrewNamespace(crew string) string { return "crew-" + slug(crew) }

// AgentNamespace is the private namespace of one agent role.
func AgentNamespace(role string) string { return "agent-" + slug(role) }

// EffectiveNamespaces is what an agent retrieves from: its own namespace
// followed by the crew's.
func EffectiveNamespaces(crew, role string) []string {
	return []string{AgentNamespace(role), CrewNamespace(crew)}
}

func slug(s string) string {
	s = slugRe.ReplaceAllString(strings.ToLower(s), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "default"
	}
	return s
}

// ValidateNamespace rejects names that cannot be used as a file name.
func ValidateNamespace(ns string) error {
	if !namespaceRe.MatchString(ns) {
		return fmt.Errorf("invalid knowledge namespace %q", ns)
	}
	return nil
}
