package domain

import "strings"

// Slugify lowercases name, turns spaces into hyphens and drops every rune outside [a-z0-9-].
// The result is stable under repeated application.
func Slugify(name string) string {
	lowered := strings.ReplaceAll(strings.ToLower(name), " ", "-")
	var b strings.Builder
	b.Grow(len(lowered))
	for _, r := range lowered {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NewSlug derives a slug and rejects names that sanitize to nothing.
func NewSlug(name string) (string, error) {
	slug := Slugify(strings.TrimSpace(name))
	if slug == "" || strings.Trim(slug, "-") == "" {
		return "", Validationf("name %q produces an empty slug", name)
	}
	return slug, nil
}
