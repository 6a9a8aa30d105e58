package llm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"papertrail/internal/domain"
	"papertrail/internal/ports"
)

const promptTemplate = `You review newly published research papers.
Read the title and abstract below and reply with a single JSON object and nothing else:
{"summary": "<two sentences>", "relevance": <number>, "novelty": <number>, "keywords": ["<term>", ...]}
relevance is how useful the work is to practitioners and novelty is how new the idea is.
Both are numbers from 0 to %s.

Title: %s

Abstract: %s`

func buildPrompt(title, abstract string, scale float64) string {
	return fmt.Sprintf(promptTemplate, strconv.FormatFloat(scale, 'f', -1, 64), strings.TrimSpace(title), strings.TrimSpace(abstract))
}

type analysisPayload struct {
	Summary        string   `json:"summary"`
	Relevance      *float64 `json:"relevance"`
	RelevanceScore *float64 `json:"relevance_score"`
	Novelty        *float64 `json:"novelty"`
	NoveltyScore   *float64 `json:"novelty_score"`
	Keywords       []string `json:"keywords"`
}

// ParseAnalysis extracts the JSON object from a model reply and divides scores by scale.
// Values are returned unclamped.
func ParseAnalysis(provider, raw string, scale float64) (ports.AnalysisResult, error) {
	if scale <= 0 {
		scale = 1
	}
	body := extractJSON(raw)
	if body == "" {
		return ports.AnalysisResult{}, malformed(provider, fmt.Errorf("no json object in reply"))
	}

	var payload analysisPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return ports.AnalysisResult{}, malformed(provider, fmt.Errorf("decode reply: %w", err))
	}

	relevance := firstNonNil(payload.Relevance, payload.RelevanceScore)
	novelty := firstNonNil(payload.Novelty, payload.NoveltyScore)
	if relevance == nil || novelty == nil {
		return ports.AnalysisResult{}, malformed(provider, fmt.Errorf("reply lacks relevance or novelty"))
	}

	keywords := make([]string, 0, len(payload.Keywords))
	for _, kw := range payload.Keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			keywords = append(keywords, kw)
		}
	}

	return ports.AnalysisResult{
		Summary:   strings.TrimSpace(payload.Summary),
		Relevance: *relevance / scale,
		Novelty:   *novelty / scale,
		Keywords:  keywords,
		Raw:       raw,
	}, nil
}

// extractJSON returns the outermost {...} span, ignoring markdown fences and chatter.
func extractJSON(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}

func firstNonNil(values ...*float64) *float64 {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func malformed(provider string, err error) error {
	return &domain.ProviderError{Provider: provider, Kind: domain.KindMalformed, Err: err}
}
