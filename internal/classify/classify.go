// Package classify derives a task type and complexity score from task input
// and scores provider output when the backend reports no confidence.
package classify

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Task types recognized by Analyze.
const (
	TypeVisualAnalysis    = "visual_analysis"
	TypeCodeComplex       = "code_complex"
	TypeAnalysisDeep      = "analysis_deep"
	TypeReasoningAdvanced = "reasoning_advanced"
	TypeCodeSimple        = "code_simple"
	TypeFileSearch        = "file_search"
	TypeChat              = "chat"
	TypeGeneral           = "general"
)

// ContextTaskTypeKey lets a caller force the task type through the task context.
const ContextTaskTypeKey = "task_type"

const (
	baseComplexity  = 30.0
	longInputChars  = 1000
	longInputWeight = 10.0
)

// rule maps keywords to a task type. words match whole tokens; phrases
// match anywhere in the folded text.
type rule struct {
	taskType   string
	complexity float64
	words      []string
	phrases    []string
}

// rules are evaluated in order; the first match wins. Keywords are stored
// folded (lowercase, no accents) so "Análise" and "analise" both match.
var rules = []rule{
	{
		taskType:   TypeVisualAnalysis,
		complexity: 85,
		words:      []string{"site", "website", "clonar", "clone", "interface", "visual", "frontend", "screenshot", "image"},
		phrases:    []string{"web page", "user interface"},
	},
	{
		taskType:   TypeCodeComplex,
		complexity: 80,
		words:      []string{"refatorar", "refactor", "otimizar", "optimize", "arquitetura", "architecture"},
		phrases:    []string{"design pattern"},
	},
	{
		taskType:   TypeAnalysisDeep,
		complexity: 75,
		words:      []string{"investigar", "investigate"},
		phrases:    []string{"analisar profundamente", "analise detalhada", "in-depth analysis", "detailed analysis", "deep dive"},
	},
	{
		taskType:   TypeReasoningAdvanced,
		complexity: 70,
		words:      []string{"resolver", "solve", "calcular", "calculate", "provar", "prove", "demonstrar", "demonstrate", "deduzir", "deduce"},
	},
	{
		taskType:   TypeCodeSimple,
		complexity: 50,
		words:      []string{"codigo", "code", "script", "funcao", "function", "implementar", "implement"},
	},
	{
		taskType:   TypeFileSearch,
		complexity: 20,
		words:      []string{"buscar", "search", "encontrar", "find", "localizar", "locate", "arquivo", "file"},
	},
	{
		taskType:   TypeChat,
		complexity: 15,
		words:      []string{"oi", "ola", "hi", "hello", "como", "how", "explique", "explain"},
		phrases:    []string{"o que", "what is"},
	},
}

var knownTypes = map[string]float64{
	TypeGeneral: baseComplexity,
}

func init() {
	for _, r := range rules {
		knownTypes[r.taskType] = r.complexity
	}
}

// Known reports whether taskType is one Analyze can produce.
func Known(taskType string) bool {
	_, ok := knownTypes[taskType]
	return ok
}

// Fold lowercases s and strips diacritics.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC, cases.Fold())
	out, _, err := transform.String(t, s)
	if err != nil {
		return strings.ToLower(s)
	}
	return out
}

// Analyze returns the task type and a 0-100 complexity score for input.
// A string "task_type" entry in taskContext overrides keyword detection.
func Analyze(input string, taskContext map[string]any) (string, float64) {
	taskType := TypeGeneral
	complexity := baseComplexity

	if forced, ok := taskContext[ContextTaskTypeKey].(string); ok && forced != "" {
		taskType = forced
		if c, ok := knownTypes[forced]; ok {
			complexity = c
		}
	} else {
		folded := Fold(input)
		tokens := tokenSet(folded)
		for _, r := range rules {
			if r.matches(folded, tokens) {
				taskType, complexity = r.taskType, r.complexity
				break
			}
		}
	}

	if len([]rune(input)) > longInputChars {
		complexity += longInputWeight
	}
	return taskType, clamp(complexity)
}

func (r rule) matches(folded string, tokens map[string]bool) bool {
	for _, w := range r.words {
		if tokens[w] {
			return true
		}
	}
	for _, p := range r.phrases {
		if strings.Contains(folded, p) {
			return true
		}
	}
	return false
}

func tokenSet(s string) map[string]bool {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
