// Package cue defines the opaque display payloads moved through the delay
// scheduler and a scripted producer that emits them over time.
package cue

import "strings"

// Cue is one unit of display content. Nothing downstream of the producer
// interprets it beyond handing it to a sink.
type Cue struct {
	Text string `json:"text" yaml:"text"`
}

// Texts returns the text of each cue in order
func Texts(cues []Cue) []string {
	texts := make([]string, len(cues))
	for i, c := range cues {
		texts[i] = c.Text
	}
	return texts
}

// FromTexts builds a batch with one cue per string
func FromTexts(texts ...string) []Cue {
	cues := make([]Cue, len(texts))
	for i, text := range texts {
		cues[i] = Cue{Text: text}
	}
	return cues
}

// Join renders a batch as a single line, cues separated by sep
func Join(cues []Cue, sep string) string {
	return strings.Join(Texts(cues), sep)
}
