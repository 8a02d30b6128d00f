package runner

import "strings"

// outputFilter buffers newly decoded text so that a stop_sequence or a
// private_token that straddles two decode steps' boundaries is still caught
// before the text reaches the caller's emit callback.
// Private tokens are stripped wherever a complete occurrence
// appears in the buffer; a holdback window sized to the longest configured
// pattern keeps a not-yet-complete match from leaking into the emitted
// output before more text arrives to resolve it.
type outputFilter struct {
	stopSeqs []string
	private  []string
	holdBack int
	buf      strings.Builder
}

func newOutputFilter(stopSeqs, private []string) *outputFilter {
	f := &outputFilter{stopSeqs: nonEmpty(stopSeqs), private: nonEmpty(private)}
	for _, s := range f.stopSeqs {
		if len(s)-1 > f.holdBack {
			f.holdBack = len(s) - 1
		}
	}
	for _, p := range f.private {
		if len(p)-1 > f.holdBack {
			f.holdBack = len(p) - 1
		}
	}
	return f
}

func nonEmpty(ss []string) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// push appends newly decoded text to the buffer and returns the portion now
// safe to emit, plus whether a stop sequence fired. On a stop-sequence
// match, the match itself is trimmed from the output.
func (f *outputFilter) push(text string) (emit string, stopped bool) {
	f.buf.WriteString(text)
	s := f.stripPrivate(f.buf.String())

	if idx := f.firstStopMatch(s); idx >= 0 {
		f.buf.Reset()
		return s[:idx], true
	}

	if len(s) <= f.holdBack {
		f.buf.Reset()
		f.buf.WriteString(s)
		return "", false
	}
	cut := runeSafeLen(s, len(s)-f.holdBack)
	out, rest := s[:cut], s[cut:]
	f.buf.Reset()
	f.buf.WriteString(rest)
	return out, false
}

// flush returns and clears whatever remains buffered, used once generation
// has already decided to stop for a reason other than a stop sequence.
func (f *outputFilter) flush() string {
	s := f.stripPrivate(f.buf.String())
	f.buf.Reset()
	return s
}

func (f *outputFilter) firstStopMatch(s string) int {
	best := -1
	for _, stop := range f.stopSeqs {
		if i := strings.Index(s, stop); i >= 0 && (best == -1 || i < best) {
			best = i
		}
	}
	return best
}

// stripPrivate removes every complete occurrence of any private token from
// s. It is safe to call repeatedly on growing buffers since it is
// idempotent on text with no private tokens left.
func (f *outputFilter) stripPrivate(s string) string {
	for _, p := range f.private {
		s = strings.ReplaceAll(s, p, "")
	}
	return s
}
