package relay

import (
	"strings"

	"github.com/google/uuid"
)

// Suggestion matches the shape the chunk client decodes from /transcript.
type Suggestion struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Keyword string `json:"keyword"`
}

// cueTable maps conversation keywords to canned cue lines. The real
// product generates these upstream; this table keeps the dev relay's
// /transcript endpoint behaving like the production one.
var cueTable = []struct {
	keyword string
	cue     string
}{
	{"name", "Their name came up earlier, repeat it back."},
	{"meeting", "Mention the follow-up meeting you both attended."},
	{"lunch", "Suggest grabbing lunch together sometime."},
	{"project", "Ask how their project has been going."},
	{"weekend", "Ask about their weekend plans."},
	{"family", "Ask about their family."},
	{"work", "Ask what they are working on these days."},
	{"trip", "Ask how the trip went."},
	{"salt", "Could you hand me the salt?"},
}

// Suggest scans a transcript for cue keywords and returns one suggestion
// per hit, first occurrence order.
func Suggest(transcript string) []Suggestion {
	lowered := strings.ToLower(transcript)

	var out []Suggestion
	for _, entry := range cueTable {
		if strings.Contains(lowered, entry.keyword) {
			out = append(out, Suggestion{
				ID:      uuid.NewString(),
				Text:    entry.cue,
				Keyword: entry.keyword,
			})
		}
	}
	return out
}
