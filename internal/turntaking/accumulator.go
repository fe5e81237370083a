package turntaking

import "strings"

// accumulator tracks the text produced so far in the current utterance.
// Finalized segments are append-only within an utterance; the interim
// segment is replaced wholesale on each update and discarded whenever a
// final segment lands, so the same words are never counted twice.
type accumulator struct {
	finals  []string
	interim string
}

func (a *accumulator) ingest(seg Segment) {
	if seg.Final {
		if t := strings.TrimSpace(seg.Text); t != "" {
			a.finals = append(a.finals, t)
		}
		a.interim = ""
		return
	}
	a.interim = seg.Text
}

// text returns the trimmed concatenation of finalized segments plus the
// current interim segment.
func (a *accumulator) text() string {
	parts := a.finals
	if strings.TrimSpace(a.interim) != "" {
		parts = append(append([]string(nil), a.finals...), a.interim)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func (a *accumulator) reset() {
	a.finals = nil
	a.interim = ""
}
