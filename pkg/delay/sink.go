package delay

import "github.com/shaneisley/cuedelay/pkg/cue"

// Sink shows a batch of cues, replacing whatever it showed before. An empty
// batch clears the display. Display must not block and must tolerate being
// called twice with the same content.
type Sink interface {
	Display(cues []cue.Cue)
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(cues []cue.Cue)

// Display calls f(cues)
func (f SinkFunc) Display(cues []cue.Cue) {
	f(cues)
}

// MultiSink forwards every display update to each sink in order
type MultiSink []Sink

// Display forwards cues to every sink
func (m MultiSink) Display(cues []cue.Cue) {
	for _, s := range m {
		s.Display(cues)
	}
}
