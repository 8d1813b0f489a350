// Package intent classifies short user utterances and routes recognised
// intents to canned replies, rephrasings or forced transitions.
package intent

import "strings"

// Kind is a recognised intent.
type Kind int

const (
	// Unrecognized covers every classifier label outside the known set.
	Unrecognized Kind = iota
	NotUnderstood
	AskIdentity
	AskWellbeing
	AskHelp
	Offensive
	Stop
)

var kindNames = map[Kind]string{
	Unrecognized:  "unrecognized",
	NotUnderstood: "not_understood",
	AskIdentity:   "ask_identity",
	AskWellbeing:  "ask_wellbeing",
	AskHelp:       "ask_help",
	Offensive:     "offensive",
	Stop:          "stop",
}

// String returns the classifier label of k.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return kindNames[Unrecognized]
}

// Parse maps a classifier label onto a Kind. Labels are matched
// case-insensitively and may use dashes or spaces instead of underscores.
func Parse(name string) Kind {
	norm := strings.ToLower(strings.TrimSpace(name))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	for k, s := range kindNames {
		if s == norm {
			return k
		}
	}
	return Unrecognized
}

// Classification is the classifier output for one utterance.
type Classification struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// None is the "no intent detected" classification.
var None = Classification{}

// Kind parses the classification label.
func (c Classification) Kind() Kind {
	return Parse(c.Name)
}
