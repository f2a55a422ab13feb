package usecase

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/procurelens/tendersearch/internal/core/domain"
	"github.com/procurelens/tendersearch/internal/core/ports"
)

// ClassificationArbiter decides per record: a deterministic scorer
// auto-accepts above the sector's accept threshold and auto-rejects below
// the reject threshold; the ambiguous band in between escalates to the
// language-model classifier. LLM failure falls back to the deterministic
// verdict nearest the score, never blocking the pipeline.
type ClassificationArbiter struct {
	llm        ports.AmbiguityClassifier
	llmTimeout time.Duration
}

func NewClassificationArbiter(llm ports.AmbiguityClassifier, llmTimeout time.Duration) *ClassificationArbiter {
	if llmTimeout <= 0 {
		llmTimeout = 15 * time.Second
	}
	return &ClassificationArbiter{llm: llm, llmTimeout: llmTimeout}
}

func (a *ClassificationArbiter) Classify(ctx context.Context, rec domain.Opportunity, sector domain.Sector) domain.ClassificationDecision {
	score, signals := deterministicScore(rec, sector)

	if score >= sector.AcceptThreshold {
		return domain.ClassificationDecision{Verdict: domain.VerdictAutoAccept, Confidence: score, Signals: signals}
	}
	if score <= sector.RejectThreshold {
		return domain.ClassificationDecision{Verdict: domain.VerdictAutoReject, Confidence: score, Signals: signals}
	}

	llmCtx, cancel := context.WithTimeout(ctx, a.llmTimeout)
	defer cancel()

	accept, confidence, err := a.llm.ClassifyAmbiguous(llmCtx, rec, sector)
	if err != nil {
		fallback := a.fallbackVerdict(score, sector)
		slog.Warn("classification_llm_fallback",
			"record", rec.ExternalID,
			"sector", sector.ID,
			"score", score,
			"verdict", string(fallback),
			"error", err,
		)
		return domain.ClassificationDecision{Verdict: fallback, Confidence: score, Signals: signals}
	}

	verdict := domain.VerdictLLMReject
	if accept {
		verdict = domain.VerdictLLMAccept
	}
	return domain.ClassificationDecision{Verdict: verdict, Confidence: confidence, Signals: signals}
}

// ClassifyBatch annotates every record in place and returns only the
// accepted ones. Records are classified sequentially; each LLM call
// carries its own timeout so one slow call cannot exceed a bounded share
// of the request ceiling.
func (a *ClassificationArbiter) ClassifyBatch(
	ctx context.Context,
	records []domain.Opportunity,
	sector domain.Sector,
	onProgress func(done, total int),
) []domain.Opportunity {
	accepted := make([]domain.Opportunity, 0, len(records))
	for i := range records {
		if ctx.Err() != nil {
			break
		}
		decision := a.Classify(ctx, records[i], sector)
		records[i].Decision = &decision
		if decision.Verdict.Accepted() {
			accepted = append(accepted, records[i])
		}
		if onProgress != nil {
			onProgress(i+1, len(records))
		}
	}
	return accepted
}

// fallbackVerdict leans toward whichever threshold the score sits closer
// to when the LLM is unavailable.
func (a *ClassificationArbiter) fallbackVerdict(score float64, sector domain.Sector) domain.Verdict {
	mid := (sector.AcceptThreshold + sector.RejectThreshold) / 2
	if score >= mid {
		return domain.VerdictAutoAccept
	}
	return domain.VerdictAutoReject
}

// deterministicScore computes a confidence value from keyword and
// structural signals. Title hits weigh more than description hits and
// negative keywords pull the score down hard.
func deterministicScore(rec domain.Opportunity, sector domain.Sector) (float64, []string) {
	title := strings.ToLower(rec.Title)
	description := strings.ToLower(rec.Description)

	score := 0.5
	signalSet := make(map[string]struct{})

	for _, kw := range sector.Keywords {
		kw = strings.ToLower(kw)
		if kw == "" {
			continue
		}
		if strings.Contains(title, kw) {
			score += 0.15
			signalSet["title:"+kw] = struct{}{}
		} else if strings.Contains(description, kw) {
			score += 0.08
			signalSet["desc:"+kw] = struct{}{}
		}
	}
	for _, kw := range sector.NegativeKeywords {
		kw = strings.ToLower(kw)
		if kw == "" {
			continue
		}
		if strings.Contains(title, kw) || strings.Contains(description, kw) {
			score -= 0.2
			signalSet["negative:"+kw] = struct{}{}
		}
	}

	if rec.Value > 0 {
		score += 0.02
		signalSet["has_value"] = struct{}{}
	}
	if rec.Deadline.After(rec.FetchedAt) {
		score += 0.02
		signalSet["open_deadline"] = struct{}{}
	}

	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}

	signals := make([]string, 0, len(signalSet))
	for s := range signalSet {
		signals = append(signals, s)
	}
	sort.Strings(signals)
	return score, signals
}
