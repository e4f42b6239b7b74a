package feedpublisher

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLanguageScore(t *testing.T) {
	cases := []struct {
		name     string
		caption  string
		language string
		want     float64
	}{
		{"dutch two keywords", "Nieuw binnen, perfect voor jou", "nl", 1.0},
		{"dutch one keyword", "Nieuw en mooi", "nl", 0},
		{"french two keywords", "Nouveau chez Costume, pour vous", "fr", 1.0},
		{"french accent keyword", "L'élégance à la française, nouveau", "fr", 1.0},
		{"wrong language", "Brand new style for you", "nl", 0},
		{"unknown language", "Nieuw voor jou", "de", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, LanguageScore(tc.caption, tc.language), 1e-9)
		})
	}
}

func TestBrandScore(t *testing.T) {
	pomandi := builtinBrands["pomandi"]
	assert.InDelta(t, 1.0, BrandScore("Shop nu bij Pomandi", pomandi), 1e-9)
	assert.InDelta(t, 0.7, BrandScore("shop nu bij POMANDI", pomandi), 1e-9)
	assert.InDelta(t, 0.0, BrandScore("Shop nu bij ons", pomandi), 1e-9)
	assert.InDelta(t, 0.0, BrandScore("Pomandi", Brand{}), 1e-9)
}

func TestLengthScore(t *testing.T) {
	cases := []struct {
		n    int
		want float64
	}{
		{100, 1.0},
		{50, 1.0},
		{150, 1.0},
		{49, 0.7},
		{30, 0.7},
		{151, 0.7},
		{200, 0.7},
		{29, 0.3},
		{201, 0.3},
	}
	for _, tc := range cases {
		assert.InDelta(t, tc.want, LengthScore(strings.Repeat("a", tc.n)), 1e-9, "length %d", tc.n)
	}
}

func TestEngagementScore(t *testing.T) {
	cases := []struct {
		name    string
		caption string
		want    float64
	}{
		{"all signals", "✨ Shop nu! 🛍️ #Pomandi", 1.0},
		{"emoji only", "✨⭐ mooi", 0.5},
		{"one emoji is not enough", "✨ mooi", 0},
		{"cta only", "Ontdek de collectie", 0.3},
		{"hashtag only", "#mode", 0.2},
		{"nothing", "Gewoon een zin", 0},
		{"accents are not emoji", "café élégance", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, EngagementScore(tc.caption), 1e-9)
		})
	}
}

func TestEmojiCountFlagPair(t *testing.T) {
	assert.Equal(t, 2, emojiCount("🇫🇷"))
	assert.Equal(t, 0, emojiCount("café"))
}

func TestScorePerfectCaption(t *testing.T) {
	caption := "✨ Nieuw binnen bij Pomandi! Ontdek onze blazer, perfect voor jouw stijl 🛍️ Shop nu #Pomandi"
	n := utf8.RuneCountInString(caption)
	require.True(t, n >= 50 && n <= 150, "caption must sit in the ideal length band, got %d", n)

	q := Score(caption, builtinBrands["pomandi"])
	assert.InDelta(t, 1.0, q.Language, 1e-9)
	assert.InDelta(t, 1.0, q.Brand, 1e-9)
	assert.InDelta(t, 1.0, q.Length, 1e-9)
	assert.InDelta(t, 1.0, q.Engagement, 1e-9)
	assert.InDelta(t, 1.0, q.Overall, 1e-9)
}

func TestScoreMediumCaption(t *testing.T) {
	caption := "Nieuw voor jouw stijl, shop nu bij pomandi ✨🛍️"
	n := utf8.RuneCountInString(caption)
	require.True(t, n >= 30 && n <= 49, "caption must sit in the outer length band, got %d", n)

	q := Score(caption, builtinBrands["pomandi"])
	assert.InDelta(t, 1.0, q.Language, 1e-9)
	assert.InDelta(t, 0.7, q.Brand, 1e-9)
	assert.InDelta(t, 0.7, q.Length, 1e-9)
	assert.InDelta(t, 0.8, q.Engagement, 1e-9)
	assert.InDelta(t, 0.825, q.Overall, 1e-9)
}

func TestScoreWeights(t *testing.T) {
	q := Score("Nouveau chez Costume, découvrez notre collection ✨🇫🇷 #Costume", builtinBrands["costume"])
	assert.InDelta(t, 0.35*q.Language+0.30*q.Brand+0.15*q.Length+0.20*q.Engagement, q.Overall, 1e-9)
}

func TestDecide(t *testing.T) {
	assert.Equal(t, DecisionPublish, Decide(0.85, false))
	assert.Equal(t, DecisionPublish, Decide(1.0, false))
	assert.Equal(t, DecisionHumanReview, Decide(0.849, false))
	assert.Equal(t, DecisionHumanReview, Decide(0.70, false))
	assert.Equal(t, DecisionSaveOnly, Decide(0.699, false))
	assert.Equal(t, DecisionSaveOnly, Decide(0, false))
	assert.Equal(t, DecisionSaveOnly, Decide(0.95, true))
}
