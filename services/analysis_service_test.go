package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AI-Template-SDK/senso-visibility/internal/models"
	"github.com/AI-Template-SDK/senso-visibility/internal/providers/common"
	"github.com/AI-Template-SDK/senso-visibility/internal/providers/testutil"
	"github.com/AI-Template-SDK/senso-visibility/internal/sources"
)

// fakeAnalyzer returns queued results, one per call.
type fakeAnalyzer struct {
	mu      sync.Mutex
	results []*CombinedAnalysis
	errs    []error
	calls   int
}

func (f *fakeAnalyzer) Model() string { return "gpt-4.1-mini" }

func (f *fakeAnalyzer) Analyze(ctx context.Context, in AnalysisInput) (*CombinedAnalysis, common.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	usage := common.Usage{InputTokens: 100, OutputTokens: 20}
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, usage, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], usage, nil
	}
	return nil, usage, errors.New("no more results")
}

func (f *fakeAnalyzer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingUsage struct {
	mu      sync.Mutex
	records []CallRecord
}

func (r *recordingUsage) Record(ctx context.Context, rec CallRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recordingUsage) Records() []CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CallRecord(nil), r.records...)
}

func newTestAnalysisService(a CombinedAnalyzer, usage UsageService) *AnalysisService {
	return NewAnalysisService(a, testutil.NewMockCostService(), usage, nil, 0, zerolog.Nop())
}

func website(s string) *string { return &s }

func analysisInput(answer string, competitors ...*models.Competitor) AnalysisInput {
	return AnalysisInput{
		BusinessID:     uuid.New(),
		Day:            "2026-10-15",
		BusinessName:   "Acme",
		BusinessDomain: "acme.com",
		Competitors:    competitors,
		AnswerText:     answer,
	}
}

func TestAnalyzeDropsHallucinatedBrandMention(t *testing.T) {
	fa := &fakeAnalyzer{results: []*CombinedAnalysis{{
		BrandMentioned:      true,
		BrandMentionCount:   2,
		BrandSentiment:      "positive",
		BrandSentimentScore: 90,
		OverallSentiment:    "positive",
		RankedMentions:      []MentionExtract{{Name: "Acme", Rank: 1, Count: 2}, {Name: "Globex", Rank: 2, Count: 1}},
	}}}
	svc := newTestAnalysisService(fa, &recordingUsage{})

	res := svc.AnalyzeCombined(context.Background(), analysisInput("For widgets, Globex is the usual pick."), 2)

	assert.Equal(t, 0, res.BrandMentions)
	assert.False(t, res.FallbackUsed)
	assert.Empty(t, res.Details.BrandSentiment)
	assert.Zero(t, res.Details.BrandRank)
	require.Len(t, res.Details.RankedMentions, 1)
	assert.Equal(t, "Globex", res.Details.RankedMentions[0].Name)
	assert.Len(t, res.Details.Corrections, 1)
	assert.Equal(t, 85, res.Confidence)
}

func TestAnalyzeAddsCompetitorMissedByModel(t *testing.T) {
	fa := &fakeAnalyzer{results: []*CombinedAnalysis{{
		BrandMentioned:   true,
		BrandSentiment:   "neutral",
		OverallSentiment: "neutral",
	}}}
	svc := newTestAnalysisService(fa, &recordingUsage{})
	comps := []*models.Competitor{{Name: "CompetitorX"}, {Name: "Initech"}}

	res := svc.AnalyzeCombined(context.Background(),
		analysisInput("Acme and CompetitorX both sell widgets. CompetitorX is cheaper.", comps...), 2)

	assert.Equal(t, 1, res.BrandMentions)
	assert.Equal(t, []string{"CompetitorX"}, res.CompetitorsMentioned)
	assert.Equal(t, 2, res.CompetitorMentions["CompetitorX"])
	assert.Equal(t, 0, res.CompetitorMentions["Initech"])
	assert.Equal(t, "neutral", res.Details.CompetitorSentiments["CompetitorX"])
	require.Len(t, res.Details.RankedMentions, 2)
	assert.Equal(t, "Acme", res.Details.RankedMentions[0].Name)
	assert.Equal(t, 1, res.Details.BrandRank)
	assert.Equal(t, "CompetitorX", res.Details.RankedMentions[1].Name)
}

func TestAnalyzeDropsUnmentionedCompetitorClaim(t *testing.T) {
	fa := &fakeAnalyzer{results: []*CombinedAnalysis{{
		Competitors: []CompetitorExtract{{Name: "Initech", Count: 3, Sentiment: "negative"}},
	}}}
	svc := newTestAnalysisService(fa, &recordingUsage{})

	res := svc.AnalyzeCombined(context.Background(),
		analysisInput("Nothing relevant here.", &models.Competitor{Name: "Initech"}), 2)

	assert.Empty(t, res.CompetitorsMentioned)
	assert.Equal(t, 0, res.CompetitorMentions["Initech"])
	assert.Len(t, res.Details.Corrections, 1)
}

func TestAnalyzeRetriesThenSucceeds(t *testing.T) {
	fa := &fakeAnalyzer{
		errs:    []error{errors.New("bad json"), nil},
		results: []*CombinedAnalysis{nil, {BrandMentioned: true, BrandSentiment: "positive", BrandSentimentScore: 80}},
	}
	usage := &recordingUsage{}
	svc := newTestAnalysisService(fa, usage)

	res := svc.AnalyzeCombined(context.Background(), analysisInput("Acme is great."), 3)

	assert.Equal(t, 2, fa.Calls())
	assert.Equal(t, 2, res.Attempts)
	assert.False(t, res.FallbackUsed)
	assert.Equal(t, "positive", res.Details.BrandSentiment)
	assert.Equal(t, 90, res.Confidence)

	recs := usage.Records()
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.Equal(t, PurposeAnalysis, r.Purpose)
		assert.Nil(t, r.PlatformID)
	}
	assert.Error(t, recs[0].Err)
	assert.NoError(t, recs[1].Err)
}

func TestAnalyzeFallsBackAfterExhaustedRetries(t *testing.T) {
	fa := &fakeAnalyzer{errs: []error{errors.New("x"), errors.New("y")}}
	svc := newTestAnalysisService(fa, &recordingUsage{})
	in := analysisInput("Acme beats Globex.", &models.Competitor{Name: "Globex"})
	in.Candidates = []sources.Candidate{{URL: "https://globex.com/a", Domain: "globex.com", Count: 1}}

	res := svc.AnalyzeCombined(context.Background(), in, 2)

	assert.Equal(t, 2, fa.Calls())
	assert.True(t, res.FallbackUsed)
	assert.True(t, res.Details.FallbackUsed)
	assert.Equal(t, 1, res.BrandMentions)
	assert.Equal(t, []string{"Globex"}, res.CompetitorsMentioned)
	assert.Equal(t, FallbackCompetitorConfidence, res.Confidence)
	assert.Empty(t, res.Sources)
	assert.Empty(t, res.Details.BrandSentiment)
}

func TestFallbackConfidenceWithoutCompetitors(t *testing.T) {
	res := Fallback(analysisInput("Acme only."), 2)
	assert.Equal(t, FallbackConfidence, res.Confidence)
	assert.Equal(t, 1, res.BrandMentions)
}

func TestAnalyzeFallsBackOnCanceledContext(t *testing.T) {
	fa := &fakeAnalyzer{errs: []error{errors.New("x"), errors.New("y"), errors.New("z")}}
	svc := NewAnalysisService(fa, testutil.NewMockCostService(), &recordingUsage{}, nil, 1e9, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := svc.AnalyzeCombined(ctx, analysisInput("Acme."), 3)

	assert.True(t, res.FallbackUsed)
	assert.Equal(t, 1, fa.Calls())
}

func TestFilterSources(t *testing.T) {
	in := analysisInput("Acme vs Globex", &models.Competitor{Name: "Globex", Website: website("https://www.globex.com")})
	in.Candidates = []sources.Candidate{
		{URL: "https://acme.com/pricing", Domain: "acme.com", Count: 2},
		{URL: "https://shop.globex.com/item", Domain: "shop.globex.com", Count: 1},
		{URL: "https://reviews.net/widgets", Domain: "reviews.net", Count: 1, Title: "Widget reviews"},
		{URL: "https://forum.org/t/1", Domain: "forum.org", Count: 1},
	}

	out := FilterSources(in, []SourceExtract{
		{URL: "https://www.acme.com/pricing/", Category: "Editorial", PageType: "product page", AssociatedBrands: []string{"Acme", "Hooli"}},
		{URL: "https://shop.globex.com/item", Category: "Reference"},
		{URL: "https://reviews.net/widgets", Category: "You", PageType: "Review"},
		{URL: "https://invented.io/page", Category: "Editorial"},
	})

	require.Len(t, out, 4)
	byURL := map[string]*models.Source{}
	for _, s := range out {
		byURL[s.URL] = s
	}
	assert.NotContains(t, byURL, "https://invented.io/page")

	own := byURL["https://acme.com/pricing"]
	require.NotNil(t, own)
	assert.Equal(t, models.CategoryYou, own.Category)
	assert.Equal(t, "Product Page", own.PageType)
	assert.Equal(t, 2, own.CitationCount)
	assert.Equal(t, []string{"Acme"}, own.AssociatedBrands.V)

	assert.Equal(t, models.CategoryCompetitor, byURL["https://shop.globex.com/item"].Category)

	rev := byURL["https://reviews.net/widgets"]
	assert.Equal(t, models.CategoryCorporate, rev.Category)
	require.NotNil(t, rev.Title)
	assert.Equal(t, "Widget reviews", *rev.Title)

	skipped := byURL["https://forum.org/t/1"]
	require.NotNil(t, skipped)
	assert.Equal(t, models.CategoryOther, skipped.Category)
}

func TestFilterSourcesPrefersExactURLOverDomainMatch(t *testing.T) {
	in := analysisInput("Acme and widgets")
	in.Candidates = []sources.Candidate{
		{URL: "https://reviews.net/widgets", Domain: "reviews.net", Count: 1},
		{URL: "https://reviews.net/gadgets", Domain: "reviews.net", Count: 1},
	}

	out := FilterSources(in, []SourceExtract{
		{URL: "https://reviews.net/made-up", Category: "Editorial"},
		{URL: "https://reviews.net/widgets", Category: "UGC", PageType: "Review"},
	})

	require.Len(t, out, 2)
	byURL := map[string]*models.Source{}
	for _, s := range out {
		byURL[s.URL] = s
	}
	assert.Equal(t, models.CategoryUGC, byURL["https://reviews.net/widgets"].Category)
	assert.Equal(t, "Review", byURL["https://reviews.net/widgets"].PageType)
	// The invented URL falls back to the domain's unclaimed candidate.
	assert.Equal(t, models.CategoryEditorial, byURL["https://reviews.net/gadgets"].Category)
}

func TestConfidenceFor(t *testing.T) {
	assert.Equal(t, 95, confidenceFor(0, 1))
	assert.Equal(t, 80, confidenceFor(1, 2))
	assert.Equal(t, 40, confidenceFor(9, 5))
}

func TestLinearBackOff(t *testing.T) {
	b := newLinearBackOff(10)
	assert.EqualValues(t, 10, b.NextBackOff())
	assert.EqualValues(t, 20, b.NextBackOff())
	b.Reset()
	assert.EqualValues(t, 10, b.NextBackOff())
}
