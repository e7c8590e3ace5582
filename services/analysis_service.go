package services

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/AI-Template-SDK/senso-visibility/internal/brand"
	"github.com/AI-Template-SDK/senso-visibility/internal/metadata"
	"github.com/AI-Template-SDK/senso-visibility/internal/models"
	"github.com/AI-Template-SDK/senso-visibility/internal/sources"
	"github.com/AI-Template-SDK/senso-visibility/internal/telemetry"
)

var errEmptyAnalysis = eris.New("analysis returned no result")

// Confidence assigned when structured analysis could not be recovered.
const (
	FallbackConfidence           = 30
	FallbackCompetitorConfidence = 60
)

// AnalysisInput is everything the analysis step sees for one answer.
type AnalysisInput struct {
	BusinessID     uuid.UUID
	ExecutionID    *uuid.UUID
	Day            string
	BusinessName   string
	BusinessDomain string
	Competitors    []*models.Competitor
	AnswerText     string
	Candidates     []sources.Candidate
	Metadata       map[string]metadata.PageMetadata
}

// AnalysisResult is the verified outcome for one answer.
type AnalysisResult struct {
	BrandMentions        int
	CompetitorsMentioned []string
	CompetitorMentions   map[string]int
	Details              *models.AnalysisDetails
	Confidence           int
	Sources              []*models.Source
	FallbackUsed         bool
	Attempts             int
}

type attemptState int

const (
	stateAttempting attemptState = iota
	stateSucceeded
	stateFallbackUsed
)

func (s attemptState) String() string {
	switch s {
	case stateAttempting:
		return "attempting"
	case stateSucceeded:
		return "succeeded"
	default:
		return "fallback_used"
	}
}

// analysisRun is the per-answer retry state: Attempting(n) moves to
// Succeeded, Attempting(n+1) or FallbackUsed.
type analysisRun struct {
	state    attemptState
	attempt  int
	analysis *CombinedAnalysis
	lastErr  error
}

// AnalysisService runs the combined analysis call and reconciles its claims
// against the answer text.
type AnalysisService struct {
	analyzer    CombinedAnalyzer
	cost        CostService
	usage       UsageService
	metrics     *telemetry.Metrics
	backoffStep time.Duration
	log         zerolog.Logger
}

func NewAnalysisService(analyzer CombinedAnalyzer, cost CostService, usage UsageService, metrics *telemetry.Metrics, backoffStep time.Duration, log zerolog.Logger) *AnalysisService {
	return &AnalysisService{
		analyzer:    analyzer,
		cost:        cost,
		usage:       usage,
		metrics:     metrics,
		backoffStep: backoffStep,
		log:         log.With().Str("component", "analysis").Logger(),
	}
}

// AnalyzeCombined never fails: after maxRetries failed attempts it degrades
// to text matching.
func (s *AnalysisService) AnalyzeCombined(ctx context.Context, in AnalysisInput, maxRetries int) *AnalysisResult {
	if maxRetries < 1 {
		maxRetries = 1
	}
	wait := newLinearBackOff(s.backoffStep)
	run := analysisRun{state: stateAttempting, attempt: 1}

	for {
		switch run.state {
		case stateAttempting:
			run = s.attempt(ctx, in, run, maxRetries, wait)
		case stateSucceeded:
			return s.reconcile(in, run.analysis, run.attempt)
		case stateFallbackUsed:
			s.log.Warn().Err(run.lastErr).
				Str("business_id", in.BusinessID.String()).
				Int("attempts", run.attempt).
				Msg("structured analysis exhausted, using text fallback")
			s.metrics.AnalysisFallback()
			return Fallback(in, run.attempt)
		}
	}
}

func (s *AnalysisService) attempt(ctx context.Context, in AnalysisInput, run analysisRun, maxRetries int, wait backoff.BackOff) analysisRun {
	start := time.Now()
	out, usage, err := s.analyzer.Analyze(ctx, in)
	s.usage.Record(ctx, CallRecord{
		BusinessID:   in.BusinessID,
		ExecutionID:  in.ExecutionID,
		Purpose:      PurposeAnalysis,
		Provider:     "openai",
		Model:        s.analyzer.Model(),
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		Cost:         s.cost.CalculateCost("openai", s.analyzer.Model(), usage.InputTokens, usage.OutputTokens, false),
		Duration:     time.Since(start),
		Err:          err,
		Day:          in.Day,
	})
	if err == nil && out != nil {
		return analysisRun{state: stateSucceeded, attempt: run.attempt, analysis: out}
	}
	if err == nil {
		err = errEmptyAnalysis
	}

	s.log.Debug().Err(err).Int("attempt", run.attempt).Int("max", maxRetries).Msg("analysis attempt failed")
	if run.attempt >= maxRetries {
		return analysisRun{state: stateFallbackUsed, attempt: run.attempt, lastErr: err}
	}

	timer := time.NewTimer(wait.NextBackOff())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return analysisRun{state: stateFallbackUsed, attempt: run.attempt, lastErr: ctx.Err()}
	case <-timer.C:
	}
	return analysisRun{state: stateAttempting, attempt: run.attempt + 1, lastErr: err}
}

// reconcile applies the text check to every claim in a.
func (s *AnalysisService) reconcile(in AnalysisInput, a *CombinedAnalysis, attempts int) *AnalysisResult {
	var corrections []string
	logger := s.log.With().Str("business_id", in.BusinessID.String()).Logger()

	// Brand: the text is authoritative in both directions.
	textBrand := brand.Count(in.AnswerText, in.BusinessName)
	brandMentions := textBrand
	sentiment, score := normalizeSentiment(a.BrandSentiment), clampScore(a.BrandSentimentScore)
	switch {
	case a.BrandMentioned && textBrand == 0:
		corrections = append(corrections, "dropped brand "+in.BusinessName+": not found in answer")
		s.metrics.Correction("dropped")
		logger.Info().Str("brand", in.BusinessName).Msg("analysis claimed brand mention not present in text")
		sentiment, score = "", 0
	case !a.BrandMentioned && textBrand > 0:
		corrections = append(corrections, "added brand "+in.BusinessName+": found in answer")
		s.metrics.Correction("added")
		logger.Info().Str("brand", in.BusinessName).Msg("brand found in text but missed by analysis")
		if sentiment == "" {
			sentiment, score = "neutral", 50
		}
	case textBrand == 0:
		sentiment, score = "", 0
	}

	claimed := make(map[string]CompetitorExtract, len(a.Competitors))
	for _, c := range a.Competitors {
		claimed[strings.ToLower(strings.TrimSpace(c.Name))] = c
	}

	competitorMentions := make(map[string]int, len(in.Competitors))
	competitorSentiments := make(map[string]string)
	var mentioned []string
	for _, comp := range in.Competitors {
		textCount := brand.Count(in.AnswerText, comp.Name)
		extract, wasClaimed := lookupClaim(claimed, comp.Name)
		switch {
		case wasClaimed && textCount == 0:
			corrections = append(corrections, "dropped competitor "+comp.Name+": not found in answer")
			s.metrics.Correction("dropped")
			logger.Info().Str("competitor", comp.Name).Msg("analysis claimed competitor not present in text")
		case !wasClaimed && textCount > 0:
			corrections = append(corrections, "added competitor "+comp.Name+": found in answer")
			s.metrics.Correction("added")
			logger.Info().Str("competitor", comp.Name).Msg("competitor found in text but missed by analysis")
		}
		competitorMentions[comp.Name] = textCount
		if textCount > 0 {
			mentioned = append(mentioned, comp.Name)
			if cs := normalizeSentiment(extract.Sentiment); wasClaimed && cs != "" {
				competitorSentiments[comp.Name] = cs
			} else {
				competitorSentiments[comp.Name] = "neutral"
			}
		}
	}

	ranked := verifyRanked(in, a.RankedMentions, brandMentions, competitorMentions)
	details := &models.AnalysisDetails{
		RankedMentions:       ranked,
		BrandRank:            rankOf(ranked, in.BusinessName),
		BrandSentiment:       sentiment,
		BrandSentimentScore:  score,
		OverallSentiment:     normalizeSentiment(a.OverallSentiment),
		CompetitorSentiments: competitorSentiments,
		CompetitorMentions:   competitorMentions,
		Corrections:          corrections,
		Attempts:             attempts,
	}

	return &AnalysisResult{
		BrandMentions:        brandMentions,
		CompetitorsMentioned: mentioned,
		CompetitorMentions:   competitorMentions,
		Details:              details,
		Confidence:           confidenceFor(len(corrections), attempts),
		Sources:              FilterSources(in, a.Sources),
		Attempts:             attempts,
	}
}

// Fallback builds a text-matching-only result: presence counts, no
// sentiment and no sources.
func Fallback(in AnalysisInput, attempts int) *AnalysisResult {
	brandMentions := brand.Count(in.AnswerText, in.BusinessName)
	competitorMentions := make(map[string]int, len(in.Competitors))
	var mentioned []string
	for _, comp := range in.Competitors {
		n := brand.Count(in.AnswerText, comp.Name)
		competitorMentions[comp.Name] = n
		if n > 0 {
			mentioned = append(mentioned, comp.Name)
		}
	}

	confidence := FallbackConfidence
	if len(mentioned) > 0 {
		confidence = FallbackCompetitorConfidence
	}

	return &AnalysisResult{
		BrandMentions:        brandMentions,
		CompetitorsMentioned: mentioned,
		CompetitorMentions:   competitorMentions,
		Details: &models.AnalysisDetails{
			RankedMentions:     verifyRanked(in, nil, brandMentions, competitorMentions),
			CompetitorMentions: competitorMentions,
			Attempts:           attempts,
			FallbackUsed:       true,
		},
		Confidence:   confidence,
		FallbackUsed: true,
		Attempts:     attempts,
	}
}

// FilterSources keeps only sources that were among the candidates and
// forces own-domain and competitor-domain categories. Extracted URLs match
// candidates exactly first; leftovers fall back to an unclaimed candidate on
// the same domain. Candidates the model skipped are kept with a
// domain-derived category.
func FilterSources(in AnalysisInput, extracted []SourceExtract) []*models.Source {
	byURL := make(map[string]sources.Candidate, len(in.Candidates))
	byDomain := make(map[string][]sources.Candidate, len(in.Candidates))
	for _, c := range in.Candidates {
		byURL[c.URL] = c
		byDomain[c.Domain] = append(byDomain[c.Domain], c)
	}

	seen := make(map[string]bool, len(in.Candidates))
	matched := make([]*sources.Candidate, len(extracted))
	hosts := make([]string, len(extracted))
	for i, ex := range extracted {
		cand, host, ok := exactCandidate(ex.URL, byURL)
		hosts[i] = host
		if ok && !seen[cand.URL] {
			seen[cand.URL] = true
			matched[i] = &cand
		}
	}
	for i := range extracted {
		if matched[i] != nil || hosts[i] == "" {
			continue
		}
		for _, cand := range byDomain[hosts[i]] {
			if !seen[cand.URL] {
				seen[cand.URL] = true
				matched[i] = &cand
				break
			}
		}
	}

	var out []*models.Source
	for i, ex := range extracted {
		if matched[i] == nil {
			continue
		}
		out = append(out, buildSource(in, *matched[i], models.ParseSourceCategory(ex.Category), models.ParsePageType(ex.PageType), verifiedBrands(in.AnswerText, ex.AssociatedBrands)))
	}
	for _, cand := range in.Candidates {
		if seen[cand.URL] {
			continue
		}
		seen[cand.URL] = true
		out = append(out, buildSource(in, cand, models.CategoryOther, "Other", nil))
	}
	return out
}

// exactCandidate looks raw up by its literal and normalized URL. It also
// returns raw's host for the domain fallback.
func exactCandidate(raw string, byURL map[string]sources.Candidate) (sources.Candidate, string, bool) {
	clean, host, err := sources.Normalize(raw)
	if err != nil {
		host = sources.Domain(raw)
	}
	if c, ok := byURL[raw]; ok {
		return c, host, true
	}
	if err == nil {
		if c, ok := byURL[clean]; ok {
			return c, host, true
		}
	}
	return sources.Candidate{}, host, false
}

func buildSource(in AnalysisInput, cand sources.Candidate, category models.SourceCategory, pageType string, associated []string) *models.Source {
	category = forcedCategory(in, cand.Domain, category)

	var title *string
	if md, ok := in.Metadata[cand.URL]; ok && md.Title != "" {
		t := md.Title
		title = &t
	} else if cand.Title != "" {
		t := cand.Title
		title = &t
	}

	count := cand.Count
	if count < 1 {
		count = 1
	}
	if associated == nil {
		associated = []string{}
	}
	return &models.Source{
		Domain:           cand.Domain,
		URL:              cand.URL,
		Title:            title,
		Category:         category,
		PageType:         pageType,
		CitationCount:    count,
		AssociatedBrands: models.NewJSON(associated),
	}
}

// forcedCategory pins You and Competitor to the domains that own them.
func forcedCategory(in AnalysisInput, domain string, category models.SourceCategory) models.SourceCategory {
	if sources.IsOwnDomain(domain, in.BusinessDomain) {
		return models.CategoryYou
	}
	for _, c := range in.Competitors {
		if c.Website != nil && *c.Website != "" && (sources.IsOwnDomain(domain, *c.Website) || sources.SameSite(domain, *c.Website)) {
			return models.CategoryCompetitor
		}
	}
	if category == models.CategoryYou || category == models.CategoryCompetitor {
		return models.CategoryCorporate
	}
	return category
}

func verifiedBrands(answer string, names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		key := strings.ToLower(strings.TrimSpace(n))
		if key == "" || seen[key] || !brand.Contains(answer, n) {
			continue
		}
		seen[key] = true
		out = append(out, n)
	}
	return out
}

// verifyRanked keeps model mentions that appear in the text, adds the brand
// and tracked competitors it missed, and renumbers by first appearance.
func verifyRanked(in AnalysisInput, claimed []MentionExtract, brandMentions int, competitorMentions map[string]int) []models.RankedMention {
	type entry struct {
		name  string
		pos   int
		count int
	}
	var entries []entry
	seen := make(map[string]bool)
	add := func(name string, count int) {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" || seen[key] {
			return
		}
		pos := firstIndex(in.AnswerText, name)
		if pos < 0 {
			return
		}
		seen[key] = true
		if count < 1 {
			count = brand.Count(in.AnswerText, name)
		}
		entries = append(entries, entry{name: name, pos: pos, count: count})
	}

	if brandMentions > 0 {
		add(in.BusinessName, brandMentions)
	}
	for _, c := range in.Competitors {
		if n := competitorMentions[c.Name]; n > 0 {
			add(c.Name, n)
		}
	}
	for _, m := range claimed {
		if matchesTracked(in, m.Name) {
			continue
		}
		add(m.Name, m.Count)
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].pos < entries[j].pos })
	out := make([]models.RankedMention, len(entries))
	for i, e := range entries {
		out[i] = models.RankedMention{Name: e.name, Rank: i + 1, Count: e.count}
	}
	return out
}

func matchesTracked(in AnalysisInput, name string) bool {
	if brand.Contains(name, in.BusinessName) || brand.Contains(in.BusinessName, name) {
		return true
	}
	for _, c := range in.Competitors {
		if brand.Contains(name, c.Name) || brand.Contains(c.Name, name) {
			return true
		}
	}
	return false
}

func firstIndex(text, name string) int {
	lower := strings.ToLower(text)
	best := -1
	for _, v := range brand.Variations(name) {
		if i := strings.Index(lower, strings.ToLower(v)); i >= 0 && (best < 0 || i < best) {
			best = i
		}
	}
	return best
}

func rankOf(ranked []models.RankedMention, name string) int {
	for _, r := range ranked {
		if r.Name == name {
			return r.Rank
		}
	}
	return 0
}

func lookupClaim(claimed map[string]CompetitorExtract, name string) (CompetitorExtract, bool) {
	if c, ok := claimed[strings.ToLower(strings.TrimSpace(name))]; ok {
		return c, true
	}
	for key, c := range claimed {
		if brand.Contains(key, name) || brand.Contains(name, key) {
			return c, true
		}
	}
	return CompetitorExtract{}, false
}

func normalizeSentiment(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "positive":
		return "positive"
	case "negative":
		return "negative"
	case "neutral":
		return "neutral"
	}
	return ""
}

func clampScore(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

// confidenceFor lowers confidence for each correction and each extra attempt.
func confidenceFor(corrections, attempts int) int {
	c := 95 - 10*corrections - 5*(attempts-1)
	if c < 40 {
		return 40
	}
	return c
}

// linearBackOff waits step, 2*step, 3*step, ...
type linearBackOff struct {
	step time.Duration
	n    int
}

func newLinearBackOff(step time.Duration) backoff.BackOff {
	return &linearBackOff{step: step}
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() { b.n = 0 }
