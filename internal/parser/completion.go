package parser

import (
	"fmt"
	"regexp"
	"sync"
)

// CompletionPhraseDetector matches <promise>PHRASE</promise> occurrences.
// The first occurrence is "stored intent"; the second, later occurrence is
// "completion detected" — completion-detected fires once per completion.
// Because the tag can be split across PTY read chunks, it tracks an
// unprocessed tail buffer rather than matching per line.
type CompletionPhraseDetector struct {
	mu          sync.Mutex
	re          *regexp.Regexp
	tail        []byte
	occurrences int
}

const completionTailCap = 4096

func NewCompletionPhraseDetector(phrase string) *CompletionPhraseDetector {
	pattern := fmt.Sprintf(`<promise>%s</promise>`, regexp.QuoteMeta(phrase))
	return &CompletionPhraseDetector{re: regexp.MustCompile(pattern)}
}

func (d *CompletionPhraseDetector) ObserveLine(line string) []Event {
	return d.ObserveChunk(append([]byte(line), '\n'))
}

func (d *CompletionPhraseDetector) ObserveChunk(chunk []byte) []Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.tail = append(d.tail, chunk...)

	var evs []Event
	matches := d.re.FindAllIndex(d.tail, -1)
	if len(matches) > 0 {
		last := matches[len(matches)-1]
		for range matches {
			d.occurrences++
			if d.occurrences == 1 {
				evs = append(evs, Event{Type: EventCompletionDetected, Phrase: "stored-intent"})
			} else if d.occurrences%2 == 0 {
				evs = append(evs, Event{Type: EventCompletionDetected, Phrase: "completion-detected"})
			}
		}
		d.tail = d.tail[last[1]:]
	}
	// bound the unmatched tail so an unterminated tag doesn't grow forever
	if len(d.tail) > completionTailCap {
		d.tail = d.tail[len(d.tail)-completionTailCap:]
	}
	return evs
}

// Occurrences reports how many times the phrase has matched so far.
func (d *CompletionPhraseDetector) Occurrences() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.occurrences
}
