package crawler

import (
	"net/url"
	"strings"
	"unicode"

	"github.com/abadojack/whatlanggo"
	"github.com/ternarybob/arbor"
)

const (
	LanguageUnknown = "unknown"

	detectionSampleSize = 2000
	minDetectionSample  = 10
)

// Wikipedia hosts with a known content language
var hostLanguages = map[string]string{
	"en.wikipedia.org":    "en",
	"zh.wikipedia.org":    "zh",
	"zh-cn.wikipedia.org": "zh-cn",
	"zh-tw.wikipedia.org": "zh-tw",
}

// Aliases folded onto canonical language codes
var languageAliases = map[string]string{
	"chinese":  "zh",
	"mandarin": "zh",
	"zh-hans":  "zh-cn",
	"zh-hant":  "zh-tw",
	"zh-sg":    "zh-cn",
	"zh-my":    "zh-cn",
}

// NormalizeLanguageCode lowercases a code and folds known aliases
func NormalizeLanguageCode(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if canonical, ok := languageAliases[code]; ok {
		return canonical
	}
	return code
}

// Detector guesses the language of a text sample, returning a
// normalized code or LanguageUnknown.
type Detector interface {
	Detect(text string) string
}

// WhatlangDetector wraps the whatlanggo trigram classifier, falling
// back to a script-ratio heuristic when the classifier is unsure.
type WhatlangDetector struct{}

func (WhatlangDetector) Detect(text string) string {
	sample := strings.TrimSpace(text)
	if len(sample) > detectionSampleSize {
		sample = sample[:detectionSampleSize]
	}
	if len(sample) < minDetectionSample {
		return LanguageUnknown
	}

	info := whatlanggo.Detect(sample)
	if info.IsReliable() {
		if code := info.Lang.Iso6391(); code != "" {
			return NormalizeLanguageCode(code)
		}
	}

	return scriptHeuristic(sample)
}

// scriptHeuristic classifies by character script ratios: a mostly-CJK
// sample is Chinese, a mostly-Latin sample is English.
func scriptHeuristic(sample string) string {
	var total, cjk, latin int
	for _, r := range sample {
		if unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsDigit(r) {
			continue
		}
		total++
		switch {
		case unicode.Is(unicode.Han, r):
			cjk++
		case unicode.In(r, unicode.Latin):
			latin++
		}
	}
	if total == 0 {
		return LanguageUnknown
	}

	switch {
	case float64(cjk)/float64(total) >= 0.10:
		return "zh"
	case float64(latin)/float64(total) >= 0.80:
		return "en"
	default:
		return LanguageUnknown
	}
}

// LanguageFilter decides whether a page's content is in an allowed
// language. A recognized wikipedia host determines the language on
// its own; the text detector covers everything else.
type LanguageFilter struct {
	enabled  bool
	allowed  map[string]struct{}
	detector Detector
	logger   arbor.ILogger
}

// NewLanguageFilter builds a filter over the allowed language codes
func NewLanguageFilter(enabled bool, allowedLanguages []string, logger arbor.ILogger) *LanguageFilter {
	allowed := make(map[string]struct{}, len(allowedLanguages))
	for _, code := range allowedLanguages {
		allowed[NormalizeLanguageCode(code)] = struct{}{}
	}
	return &LanguageFilter{
		enabled:  enabled,
		allowed:  allowed,
		detector: WhatlangDetector{},
		logger:   logger,
	}
}

// SetDetector swaps in a different detection backend
func (f *LanguageFilter) SetDetector(d Detector) {
	if d != nil {
		f.detector = d
	}
}

// URLLanguage returns the language implied by a wikipedia host, or
// LanguageUnknown for unrecognized hosts.
func URLLanguage(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return LanguageUnknown
	}
	if code, ok := hostLanguages[strings.ToLower(u.Host)]; ok {
		return code
	}
	return LanguageUnknown
}

// Check decides the page language and its acceptance. The URL host is
// the highest-confidence signal: a recognized wikipedia host settles
// the language outright, the text detector only runs for other hosts.
func (f *LanguageFilter) Check(pageURL, text string) (string, bool) {
	detected := URLLanguage(pageURL)
	if detected != LanguageUnknown {
		f.logger.Debug().
			Str("url", pageURL).
			Str("language", detected).
			Msg("Language resolved from URL host")
	} else {
		detected = f.detector.Detect(text)
	}

	if !f.enabled {
		return detected, true
	}

	_, ok := f.allowed[detected]
	return detected, ok
}
