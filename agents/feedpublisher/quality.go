package feedpublisher

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Quality routing thresholds.
const (
	AutoPublishThreshold = 0.85
	ApprovalThreshold    = 0.70
)

// Component weights for the overall quality score.
const (
	languageWeight   = 0.35
	brandWeight      = 0.30
	lengthWeight     = 0.15
	engagementWeight = 0.20
)

// Caption length bands, in characters (code points).
const (
	lengthIdealMin = 50
	lengthIdealMax = 150
	lengthOuterMin = 30
	lengthOuterMax = 200
)

// QualityScore breaks the caption score into its rated components.
type QualityScore struct {
	Language   float64 `json:"language"`
	Brand      float64 `json:"brand"`
	Length     float64 `json:"length"`
	Engagement float64 `json:"engagement"`
	Overall    float64 `json:"overall"`
}

// languageKeywords are common function and retail words per caption language.
// A caption counts as on-language when at least two distinct keywords appear.
var languageKeywords = map[string][]string{
	"nl": {"nieuw", "voor", "jouw", "binnen", "naar", "onze", "met", "deze", "stijl", "korting"},
	"fr": {"nouveau", "nouvelle", "pour", "votre", "dans", "avec", "notre", "chez", "cette", "à"},
}

// languageNames maps caption language codes to display names for warnings.
var languageNames = map[string]string{
	"nl": "Dutch",
	"fr": "French",
}

// ctaWords is the declared call-to-action vocabulary across brand languages.
var ctaWords = []string{
	"shop", "ontdek", "bekijk", "bestel", "koop",
	"découvrez", "commandez", "profitez", "achetez",
}

// LanguageScore is 1.0 when the caption contains at least two distinct
// keywords of the target language, 0 otherwise.
func LanguageScore(caption, language string) float64 {
	keywords := languageKeywords[language]
	if len(keywords) == 0 {
		return 0
	}
	words := captionWords(caption)
	matches := 0
	for _, kw := range keywords {
		if words[kw] {
			matches++
			if matches >= 2 {
				return 1.0
			}
		}
	}
	return 0
}

// BrandScore is 1.0 when the declared brand name appears verbatim, 0.7 when
// it appears case-insensitively, 0 when it is absent.
func BrandScore(caption string, brand Brand) float64 {
	if brand.Name == "" {
		return 0
	}
	switch {
	case strings.Contains(caption, brand.Name):
		return 1.0
	case strings.Contains(strings.ToLower(caption), strings.ToLower(brand.Name)):
		return 0.7
	default:
		return 0
	}
}

// LengthScore rates the caption length: 1.0 between 50 and 150 characters,
// 0.7 in the 30-49 and 151-200 bands, 0.3 outside.
func LengthScore(caption string) float64 {
	n := utf8.RuneCountInString(caption)
	switch {
	case n >= lengthIdealMin && n <= lengthIdealMax:
		return 1.0
	case n >= lengthOuterMin && n <= lengthOuterMax:
		return 0.7
	default:
		return 0.3
	}
}

// EngagementScore rewards emoji (+0.5 for two or more code points), a
// call-to-action word (+0.3) and a hashtag (+0.2), clamped to 1.0.
func EngagementScore(caption string) float64 {
	score := 0.0
	if emojiCount(caption) >= 2 {
		score += 0.5
	}
	words := captionWords(caption)
	for _, cta := range ctaWords {
		if words[cta] {
			score += 0.3
			break
		}
	}
	if strings.ContainsRune(caption, '#') {
		score += 0.2
	}
	if score > 1.0 {
		return 1.0
	}
	return score
}

// Score rates a caption against its brand and combines the components with
// weights 0.35 language, 0.30 brand, 0.15 length, 0.20 engagement.
func Score(caption string, brand Brand) QualityScore {
	q := QualityScore{
		Language:   LanguageScore(caption, brand.Language),
		Brand:      BrandScore(caption, brand),
		Length:     LengthScore(caption),
		Engagement: EngagementScore(caption),
	}
	q.Overall = languageWeight*q.Language +
		brandWeight*q.Brand +
		lengthWeight*q.Length +
		engagementWeight*q.Engagement
	return q
}

// Decide routes a scored caption. Duplicates are never published regardless
// of quality.
func Decide(quality float64, duplicate bool) string {
	switch {
	case duplicate || quality < ApprovalThreshold:
		return DecisionSaveOnly
	case quality >= AutoPublishThreshold:
		return DecisionPublish
	default:
		return DecisionHumanReview
	}
}

// captionWords lowercases the caption and splits it into a word set on
// non-letter, non-digit boundaries. Accented letters stay intact so French
// keywords match.
func captionWords(caption string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(caption), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	words := make(map[string]bool, len(fields))
	for _, f := range fields {
		words[f] = true
	}
	return words
}

// emojiCount counts code points in the common emoji blocks. Variation
// selectors and joiners are not counted; flag pairs count as two.
func emojiCount(caption string) int {
	n := 0
	for _, r := range caption {
		switch {
		case r >= 0x1F300 && r <= 0x1F5FF, // symbols and pictographs
			r >= 0x1F600 && r <= 0x1F64F, // emoticons
			r >= 0x1F680 && r <= 0x1F6FF, // transport and map
			r >= 0x1F900 && r <= 0x1F9FF, // supplemental symbols
			r >= 0x1FA70 && r <= 0x1FAFF, // extended pictographs
			r >= 0x1F1E6 && r <= 0x1F1FF, // regional indicators
			r >= 0x2600 && r <= 0x26FF, // miscellaneous symbols
			r >= 0x2700 && r <= 0x27BF, // dingbats
			r == 0x2B50, r == 0x2B55:
			n++
		}
	}
	return n
}
