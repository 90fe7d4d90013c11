// Package expression maps emotion labels to eye-display commands.
package expression

import (
	"sort"
	"strings"

	"actuatord/internal/actuator"
)

// Neutral is the command for any emotion without a dedicated expression.
const Neutral = "eyes_open"

// Source tags submissions made through this package.
const Source = "expression"

var commands = map[string]string{
	"joy":       "eyes_joy",
	"happiness": "eyes_joy",
	"happy":     "eyes_joy",
	"anger":     "eyes_anger",
	"angry":     "eyes_anger",
	"fear":      "eyes_fear",
	"afraid":    "eyes_fear",
	"surprise":  "eyes_surprise",
	"surprised": "eyes_surprise",
	"disgust":   "eyes_disgust",
	"disgusted": "eyes_disgust",
	"sadness":   "eyes_sad",
	"sad":       "eyes_sad",
}

// CommandFor returns the eye command for an emotion label. Matching is
// case-insensitive and ignores surrounding space; unknown labels map to Neutral.
func CommandFor(emotion string) string {
	if cmd, ok := commands[strings.ToLower(strings.TrimSpace(emotion))]; ok {
		return cmd
	}
	return Neutral
}

// Labels returns every recognised emotion label, sorted.
func Labels() []string {
	out := make([]string, 0, len(commands))
	for k := range commands {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Submitter is the part of a channel Express needs.
type Submitter interface {
	Enqueue(req actuator.Request) (actuator.Command, error)
}

// Express submits the command for emotion to ch.
func Express(ch Submitter, emotion string, priority int) (actuator.Command, error) {
	return ch.Enqueue(actuator.Request{
		Command:  CommandFor(emotion),
		Priority: priority,
		Source:   Source,
	})
}
