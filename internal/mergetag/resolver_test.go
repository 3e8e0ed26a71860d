package mergetag

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"loyalty-notify/internal/participants"
)

func TestResolveAndSubstitute(t *testing.T) {
	r := NewResolver()
	tags := r.Resolve(Context{
		Participant: &participants.Participant{FirstName: "Ada", LastName: "Lovelace", UnusedPoints: 250, Tier: "gold"},
		Program:     &participants.Program{Name: "Coffee Club", PointsName: "beans"},
		Extra:       map[string]string{"points_delta": "+50"},
	})

	got := r.Substitute("Hi {first_name}, you earned {points_delta} {points_name} at {program_name}. Balance: {unused_points}.", tags)
	assert.Equal(t, "Hi Ada, you earned +50 beans at Coffee Club. Balance: 250.", got)
	assert.Equal(t, "Ada Lovelace", tags["full_name"])
}

func TestResolveWithoutRecords(t *testing.T) {
	r := NewResolver()
	tags := r.Resolve(Context{})
	assert.Equal(t, "Hello , 3 points", r.Substitute("Hello {first_name}, 3 {points_name}", tags))
}

func TestSubstituteKeepsUnknownTags(t *testing.T) {
	r := NewResolver()
	assert.Equal(t, "{unknown} and {Upper}", r.Substitute("{unknown} and {Upper}", map[string]string{}))
}
