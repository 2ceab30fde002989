// Package scoring ranks providers by weighted health and task-suitability
// scores. The pipeline and the recommendation endpoints consume it.
package scoring

import (
	"hash/fnv"
	"sort"
	"strings"

	"github.com/promptgate/promptgate/internal/fallback"
	"github.com/promptgate/promptgate/internal/llm"
)

// TaskType classifies a prompt for the suitability table.
type TaskType string

const (
	TaskCoding         TaskType = "coding"
	TaskCreative       TaskType = "creative"
	TaskAnalytical     TaskType = "analytical"
	TaskFactual        TaskType = "factual"
	TaskConversational TaskType = "conversational"
	TaskTechnical      TaskType = "technical"
	TaskMathematical   TaskType = "mathematical"
	TaskGeneral        TaskType = "general"
)

// taskKeywords drive prompt classification. First matching type wins by
// highest hit count.
var taskKeywords = map[TaskType][]string{
	TaskCoding: {
		"code", "function", "debug", "implement", "compile", "refactor",
		"algorithm", "api", "script", "programming", "bug", "syntax",
		"class", "method", "library", "framework", "repository",
	},
	TaskCreative: {
		"story", "poem", "creative", "write", "fiction", "imagine",
		"character", "plot", "narrative", "lyrics", "screenplay", "novel",
	},
	TaskAnalytical: {
		"analyze", "compare", "evaluate", "assess", "pros and cons",
		"trade-off", "tradeoff", "implications", "critique", "review",
	},
	TaskFactual: {
		"what is", "who is", "when did", "where is", "define",
		"explain", "fact", "history", "definition", "describe",
	},
	TaskConversational: {
		"chat", "talk", "hello", "hi ", "how are you", "opinion",
		"think about", "feel about", "advice",
	},
	TaskTechnical: {
		"architecture", "infrastructure", "deploy", "kubernetes", "docker",
		"database", "network", "protocol", "server", "configure", "system design",
	},
	TaskMathematical: {
		"calculate", "equation", "solve", "math", "proof", "derivative",
		"integral", "probability", "statistics", "theorem", "formula",
	},
}

// suitability maps task type to per-provider fitness in [0, 1].
var suitability = map[TaskType]map[llm.ProviderID]float64{
	TaskCoding: {
		llm.ProviderOpenAI: 0.90, llm.ProviderAnthropic: 0.95,
		llm.ProviderGemini: 0.80, llm.ProviderNVIDIA: 0.70,
	},
	TaskCreative: {
		llm.ProviderOpenAI: 0.90, llm.ProviderAnthropic: 0.92,
		llm.ProviderGemini: 0.82, llm.ProviderNVIDIA: 0.65,
	},
	TaskAnalytical: {
		llm.ProviderOpenAI: 0.88, llm.ProviderAnthropic: 0.93,
		llm.ProviderGemini: 0.85, llm.ProviderNVIDIA: 0.70,
	},
	TaskFactual: {
		llm.ProviderOpenAI: 0.85, llm.ProviderAnthropic: 0.85,
		llm.ProviderGemini: 0.90, llm.ProviderNVIDIA: 0.72,
	},
	TaskConversational: {
		llm.ProviderOpenAI: 0.90, llm.ProviderAnthropic: 0.88,
		llm.ProviderGemini: 0.85, llm.ProviderNVIDIA: 0.75,
	},
	TaskTechnical: {
		llm.ProviderOpenAI: 0.88, llm.ProviderAnthropic: 0.92,
		llm.ProviderGemini: 0.82, llm.ProviderNVIDIA: 0.78,
	},
	TaskMathematical: {
		llm.ProviderOpenAI: 0.92, llm.ProviderAnthropic: 0.88,
		llm.ProviderGemini: 0.86, llm.ProviderNVIDIA: 0.68,
	},
	TaskGeneral: {
		llm.ProviderOpenAI: 0.85, llm.ProviderAnthropic: 0.85,
		llm.ProviderGemini: 0.85, llm.ProviderNVIDIA: 0.75,
	},
}

// ScoreReport holds the per-provider score breakdown. Derived on demand,
// never persisted.
type ScoreReport struct {
	Provider          llm.ProviderID `json:"provider"`
	FinalScore        float64        `json:"final_score"`
	QuerySuitability  float64        `json:"query_suitability,omitempty"`
	AvailabilityScore float64        `json:"availability_score"`
	ErrorScore        float64        `json:"error_score"`
	RecencyBoost      float64        `json:"recency_boost"`
	StabilityScore    float64        `json:"stability_score"`
	Randomization     float64        `json:"randomization"`
	Status            string         `json:"status"`
	TaskType          TaskType       `json:"task_type,omitempty"`
}

// StatusSource supplies provider health state, implemented by the fallback
// engine.
type StatusSource interface {
	Statuses() []fallback.Status
}

// StabilitySource supplies the rolling success rate per provider,
// implemented by the stats collector.
type StabilitySource interface {
	Stability(provider string) float64
}

// Engine computes provider rankings.
type Engine struct {
	statuses  StatusSource
	stability StabilitySource
}

// NewEngine creates a scoring engine over the given health and stats sources.
func NewEngine(statuses StatusSource, stability StabilitySource) *Engine {
	return &Engine{statuses: statuses, stability: stability}
}

// ClassifyTask maps a prompt onto a task type by keyword hit count. Ties and
// zero hits resolve to general.
func ClassifyTask(prompt string) TaskType {
	lower := strings.ToLower(prompt)

	best := TaskGeneral
	bestHits := 0
	// Iterate in a fixed order so ties resolve deterministically.
	for _, tt := range []TaskType{
		TaskCoding, TaskCreative, TaskAnalytical, TaskFactual,
		TaskConversational, TaskTechnical, TaskMathematical,
	} {
		hits := 0
		for _, kw := range taskKeywords[tt] {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		if hits > bestHits {
			bestHits = hits
			best = tt
		}
	}
	return best
}

// jitter returns the deterministic per-provider tie-breaker in
// [-0.02, +0.02], seeded by provider name.
func jitter(id llm.ProviderID) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	// Map the 32-bit hash onto [-0.02, +0.02].
	return (float64(h.Sum32())/float64(^uint32(0)) - 0.5) * 0.04
}

// clampScore keeps a final score inside [0, 1]. A healthy, recently used
// provider with positive jitter would otherwise exceed 1.
func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func availabilityScore(s fallback.Status) float64 {
	if s.State == fallback.StateReady {
		return 1.0
	}
	return 0.0
}

func errorScore(errorCount int) float64 {
	score := 1.0 - 0.15*float64(errorCount)
	if score < 0 {
		return 0
	}
	return score
}

func recencyBoost(lastUsed bool) float64 {
	if lastUsed {
		return 1.0
	}
	return 0.0
}

// Score ranks all providers in general mode, highest first.
func (e *Engine) Score() []ScoreReport {
	reports := make([]ScoreReport, 0, 4)
	for _, s := range e.statuses.Statuses() {
		r := ScoreReport{
			Provider:          s.Provider,
			AvailabilityScore: availabilityScore(s),
			ErrorScore:        errorScore(s.ErrorCount),
			RecencyBoost:      recencyBoost(s.LastUsed),
			StabilityScore:    e.stability.Stability(string(s.Provider)),
			Randomization:     jitter(s.Provider),
			Status:            statusLabel(s),
		}
		r.FinalScore = clampScore(0.45*r.AvailabilityScore +
			0.25*r.ErrorScore +
			0.15*r.RecencyBoost +
			0.15*r.StabilityScore +
			r.Randomization)
		reports = append(reports, r)
	}
	sortReports(reports)
	return reports
}

// ScoreForQuery ranks all providers in query-aware mode, highest first.
func (e *Engine) ScoreForQuery(prompt string) []ScoreReport {
	task := ClassifyTask(prompt)
	table := suitability[task]

	reports := make([]ScoreReport, 0, 4)
	for _, s := range e.statuses.Statuses() {
		r := ScoreReport{
			Provider:          s.Provider,
			TaskType:          task,
			QuerySuitability:  table[s.Provider],
			AvailabilityScore: availabilityScore(s),
			ErrorScore:        errorScore(s.ErrorCount),
			RecencyBoost:      recencyBoost(s.LastUsed),
			StabilityScore:    e.stability.Stability(string(s.Provider)),
			Randomization:     jitter(s.Provider),
			Status:            statusLabel(s),
		}
		r.FinalScore = clampScore(0.50*r.QuerySuitability +
			0.25*r.AvailabilityScore +
			0.15*r.ErrorScore +
			0.10*r.RecencyBoost +
			r.Randomization)
		reports = append(reports, r)
	}
	sortReports(reports)
	return reports
}

// BestTwo returns the top two providers in general mode. With fewer than two
// providers registered, the second slot is empty.
func (e *Engine) BestTwo() (llm.ProviderID, llm.ProviderID) {
	return topTwo(e.Score())
}

// BestTwoForQuery returns the top two providers for a specific prompt.
func (e *Engine) BestTwoForQuery(prompt string) (llm.ProviderID, llm.ProviderID) {
	return topTwo(e.ScoreForQuery(prompt))
}

func topTwo(reports []ScoreReport) (llm.ProviderID, llm.ProviderID) {
	switch len(reports) {
	case 0:
		return "", ""
	case 1:
		return reports[0].Provider, ""
	default:
		return reports[0].Provider, reports[1].Provider
	}
}

func sortReports(reports []ScoreReport) {
	sort.SliceStable(reports, func(i, j int) bool {
		if reports[i].FinalScore != reports[j].FinalScore {
			return reports[i].FinalScore > reports[j].FinalScore
		}
		// Exact score ties break on the deterministic jitter.
		return reports[i].Randomization > reports[j].Randomization
	})
}

func statusLabel(s fallback.Status) string {
	switch s.State {
	case fallback.StateReady:
		return "available"
	case fallback.StateCooldown:
		return "cooldown"
	default:
		return "unavailable"
	}
}
