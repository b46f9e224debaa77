package classify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnalyze(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		input     string
		wantType  string
		wantScore float64
	}{
		{"visual", "Clone this website and match the layout", TypeVisualAnalysis, 85},
		{"visual portuguese", "Clonar o site da empresa", TypeVisualAnalysis, 85},
		{"code complex", "Refactor the billing module", TypeCodeComplex, 80},
		{"design pattern phrase", "Which design pattern fits here?", TypeCodeComplex, 80},
		{"analysis deep accent", "Faça uma análise detalhada do relatório", TypeAnalysisDeep, 75},
		{"reasoning", "Solve for x in 3x + 2 = 11", TypeReasoningAdvanced, 70},
		{"code simple accent", "Escreva uma função em Go", TypeCodeSimple, 50},
		{"file search", "Find the invoice file from March", TypeFileSearch, 20},
		{"chat", "Hello there", TypeChat, 15},
		{"chat portuguese", "Olá, tudo bem?", TypeChat, 15},
		{"general", "Summarize quarterly revenue", TypeGeneral, 30},
		{"no substring false positive", "Appointment noise", TypeGeneral, 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gotType, gotScore := Analyze(tt.input, nil)
			assert.Equal(t, tt.wantType, gotType)
			assert.InDelta(t, tt.wantScore, gotScore, 0.001)
		})
	}
}

func TestAnalyze_FirstRuleWins(t *testing.T) {
	// "website" (visual) outranks "code" (code_simple).
	gotType, _ := Analyze("Write code for a website", nil)
	assert.Equal(t, TypeVisualAnalysis, gotType)
}

func TestAnalyze_LongInputAddsComplexity(t *testing.T) {
	input := "Summarize " + strings.Repeat("a", 1200)
	gotType, gotScore := Analyze(input, nil)
	assert.Equal(t, TypeGeneral, gotType)
	assert.InDelta(t, 40, gotScore, 0.001)

	_, gotScore = Analyze("Clone the website "+strings.Repeat("x", 1200), nil)
	assert.InDelta(t, 95, gotScore, 0.001)
}

func TestAnalyze_ContextOverride(t *testing.T) {
	gotType, gotScore := Analyze("hello", map[string]any{"task_type": TypeCodeComplex})
	assert.Equal(t, TypeCodeComplex, gotType)
	assert.InDelta(t, 80, gotScore, 0.001)

	gotType, gotScore = Analyze("hello", map[string]any{"task_type": "translation"})
	assert.Equal(t, "translation", gotType)
	assert.InDelta(t, 30, gotScore, 0.001)

	gotType, _ = Analyze("hello", map[string]any{"task_type": 42})
	assert.Equal(t, TypeChat, gotType)
}

func TestKnown(t *testing.T) {
	assert.True(t, Known(TypeGeneral))
	assert.True(t, Known(TypeVisualAnalysis))
	assert.False(t, Known("translation"))
}

func TestFold(t *testing.T) {
	assert.Equal(t, "analise detalhada", Fold("Análise Detalhada"))
	assert.Equal(t, "funcao", Fold("FUNÇÃO"))
}

func TestEvaluateConfidence(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("The answer follows from the definitions. ", 3)

	tests := []struct {
		name       string
		output     string
		complexity float64
		want       float64
	}{
		{"confident long", long, 30, 80},
		{"short", "42", 30, 60},
		{"hedging", long + " Maybe this is right.", 30, 65},
		{"hedging portuguese", long + " Não tenho certeza.", 30, 65},
		{"complex", long, 85, 70},
		{"everything", "maybe", 85, 35},
		{"empty", "", 0, 60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, EvaluateConfidence(tt.output, tt.complexity), 0.001)
		})
	}
}
