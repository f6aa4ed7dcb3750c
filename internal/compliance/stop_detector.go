package compliance

import "strings"

// Detector identifies STOP/HELP keywords in inbound messages. Matching is an
// exact token comparison after trimming: "please stop emailing me" must not
// opt a contact out.
type Detector struct {
	stopWords map[string]struct{}
	helpWords map[string]struct{}
}

// NewDetector returns a keyword detector with the carrier-standard word sets.
func NewDetector() *Detector {
	return &Detector{
		stopWords: wordSet("STOP", "STOPALL", "UNSUBSCRIBE", "CANCEL", "END", "QUIT"),
		helpWords: wordSet("HELP", "INFO"),
	}
}

func wordSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// IsStop returns true when body is exactly a STOP keyword.
func (d *Detector) IsStop(body string) bool {
	if d == nil || d.stopWords == nil {
		return false
	}
	_, ok := d.stopWords[normalizeKeyword(body)]
	return ok
}

// IsHelp returns true when body is exactly a HELP keyword.
func (d *Detector) IsHelp(body string) bool {
	if d == nil || d.helpWords == nil {
		return false
	}
	_, ok := d.helpWords[normalizeKeyword(body)]
	return ok
}

func normalizeKeyword(body string) string {
	return strings.ToUpper(strings.TrimSpace(body))
}
