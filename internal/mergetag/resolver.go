// Package mergetag fills {tag} placeholders in message templates from
// participant and program data.
package mergetag

import (
	"regexp"
	"strconv"
	"strings"

	"loyalty-notify/internal/participants"
)

// Context carries the records a template may reference. Nil records
// resolve their tags to empty strings.
type Context struct {
	Participant *participants.Participant
	Program     *participants.Program
	// Extra holds computed values such as points_delta; it overrides
	// tags of the same name.
	Extra map[string]string
}

var tagPattern = regexp.MustCompile(`\{([a-z][a-z0-9_]*)\}`)

// Resolver implements tag resolution and substitution.
type Resolver struct{}

// NewResolver returns a Resolver.
func NewResolver() *Resolver { return &Resolver{} }

// Resolve builds the tag table for c.
func (Resolver) Resolve(c Context) map[string]string {
	tags := map[string]string{
		"first_name":    "",
		"last_name":     "",
		"full_name":     "",
		"email":         "",
		"points":        "",
		"unused_points": "",
		"tier":          "",
		"program_name":  "",
		"points_name":   "points",
	}
	if p := c.Participant; p != nil {
		tags["first_name"] = p.FirstName
		tags["last_name"] = p.LastName
		tags["full_name"] = strings.TrimSpace(p.FirstName + " " + p.LastName)
		tags["email"] = p.Email
		tags["points"] = strconv.FormatInt(p.Points, 10)
		tags["unused_points"] = strconv.FormatInt(p.UnusedPoints, 10)
		tags["tier"] = p.Tier
	}
	if pr := c.Program; pr != nil {
		tags["program_name"] = pr.Name
		if pr.PointsName != "" {
			tags["points_name"] = pr.PointsName
		}
	}
	for k, v := range c.Extra {
		tags[k] = v
	}
	return tags
}

// Substitute replaces every known {tag} in template. Unknown tags are kept verbatim.
func (Resolver) Substitute(template string, tags map[string]string) string {
	return tagPattern.ReplaceAllStringFunc(template, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := tags[name]; ok {
			return v
		}
		return m
	})
}
