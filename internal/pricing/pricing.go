// Package pricing computes a dynamic price for a generated module from
// the structure of its code bundle and the language of its
// specification. Calculation is a pure function: identical inputs
// always produce an identical result, and pricing never blocks the
// user flow: any internal failure degrades to the base price.
package pricing

import (
	"math"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// Engine holds the pricing bounds.
type Engine struct {
	BasePrice float64
	MaxPrice  float64
}

func NewEngine(base, max float64) *Engine {
	return &Engine{BasePrice: base, MaxPrice: max}
}

// Result is the derived pricing value object.
type Result struct {
	BasePrice       float64            `json:"base_price"`
	ComplexityScore int                `json:"complexity_score"`
	FinalPrice      float64            `json:"final_price"`
	Breakdown       map[string]float64 `json:"pricing_breakdown"`
}

// Analysis holds the typed complexity counters extracted from a bundle.
type Analysis struct {
	LinesOfCode    int
	ModelClasses   int
	ViewElements   int
	AccessRules    int
	DataFiles      int
	JSFiles        int
	CSSFiles       int
	ReportFiles    int
	WizardFiles    int
	APIControllers int
	SpecComplexity int
	FixAttempts    int
}

var (
	modelClassPattern = regexp.MustCompile(`class\s+\w+\(models\.(Model|TransientModel|AbstractModel)\)`)
	transientPattern  = regexp.MustCompile(`models\.TransientModel`)
	routePattern      = regexp.MustCompile(`@\S*route`)
	accessRulePattern = regexp.MustCompile(`<record[^>]*model=["']ir\.model\.access["']`)
	recordPattern     = regexp.MustCompile(`<record[^>]*>`)
	reportPattern     = regexp.MustCompile(`<template[^>]*report`)
)

var viewElements = []string{"form", "tree", "kanban", "calendar", "graph", "pivot", "search"}

// Keyword buckets scanned in the specification text. Occurrences earn
// capped, diminishing-returns points so a spec that says "workflow"
// fifty times does not price like fifty workflows.
var specKeywords = []string{
	// workflow
	"workflow", "state", "approval", "validation", "notification",
	"automation", "trigger", "condition", "rule", "permission",
	// integration
	"api", "webhook", "integration", "external", "sync", "import", "export",
	// data/reporting
	"calculation", "formula", "computation", "aggregation", "summary",
	"report", "dashboard", "chart", "graph",
	// UI interactivity
	"wizard", "popup", "modal", "dynamic", "conditional", "interactive",
}

// Calculate derives a price from the bundle, specification text, and
// the number of automated fix attempts. Deterministic for identical
// inputs; on any internal panic it returns the base price with a zero
// score rather than propagating.
func (e *Engine) Calculate(bundle map[string]string, specification string, fixAttempts int) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("pricing calculation panicked, falling back to base price")
			result = Result{
				BasePrice:       e.BasePrice,
				ComplexityScore: 0,
				FinalPrice:      e.BasePrice,
				Breakdown:       map[string]float64{},
			}
		}
	}()

	analysis := Analyze(bundle, specification)
	analysis.FixAttempts = fixAttempts

	breakdown := scoreBreakdown(analysis)
	score := 0.0
	for _, points := range breakdown {
		score += points
	}
	intScore := int(math.Min(score, 100))

	multiplier := math.Min(score/100, 1)
	price := e.BasePrice + multiplier*(e.MaxPrice-e.BasePrice)
	price = math.Round(price/5) * 5
	price = math.Max(price, e.BasePrice)
	price = math.Min(price, e.MaxPrice)

	return Result{
		BasePrice:       e.BasePrice,
		ComplexityScore: intScore,
		FinalPrice:      price,
		Breakdown:       breakdown,
	}
}

// Analyze walks the bundle and specification, filling typed counters by
// extension/path convention. Pattern scanning, not parsing.
func Analyze(bundle map[string]string, specification string) Analysis {
	var a Analysis

	for path, content := range bundle {
		if content == "" {
			continue
		}

		for _, line := range strings.Split(content, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed != "" && !strings.HasPrefix(trimmed, "#") {
				a.LinesOfCode++
			}
		}

		lowerPath := strings.ToLower(path)
		switch {
		case strings.HasSuffix(path, ".py"):
			a.ModelClasses += len(modelClassPattern.FindAllString(content, -1))
			a.APIControllers += len(routePattern.FindAllString(content, -1))
			if transientPattern.MatchString(content) {
				a.WizardFiles++
			}
		case strings.HasSuffix(path, ".xml"):
			switch {
			case strings.Contains(lowerPath, "security"):
				a.AccessRules += len(accessRulePattern.FindAllString(content, -1))
			case strings.Contains(lowerPath, "view"):
				for _, el := range viewElements {
					a.ViewElements += countTags(content, el)
				}
			case strings.Contains(lowerPath, "report"):
				a.ReportFiles += len(reportPattern.FindAllString(content, -1))
			}
			if recordPattern.MatchString(content) {
				a.DataFiles++
			}
		case strings.HasSuffix(path, ".js"):
			a.JSFiles++
		case strings.HasSuffix(path, ".css"), strings.HasSuffix(path, ".scss"):
			a.CSSFiles++
		case strings.HasSuffix(path, ".csv"):
			a.DataFiles++
		}
	}

	a.SpecComplexity = specComplexity(specification)
	return a
}

var tagPatterns = map[string]*regexp.Regexp{}

func init() {
	for _, el := range viewElements {
		tagPatterns[el] = regexp.MustCompile(`<` + el + `[^>]*>`)
	}
}

func countTags(content, element string) int {
	return len(tagPatterns[element].FindAllString(content, -1))
}

// specComplexity counts keyword occurrences with diminishing returns:
// at most 10 points per keyword, at most 50 overall.
func specComplexity(specification string) int {
	if specification == "" {
		return 0
	}
	lower := strings.ToLower(specification)
	score := 0
	for _, kw := range specKeywords {
		count := strings.Count(lower, kw)
		if count > 0 {
			score += min(count*2, 10)
		}
	}
	return min(score, 50)
}


// scoreBreakdown normalizes each counter into a capped point range.
// The caps sum to more than 100, so the total score is clamped.
func scoreBreakdown(a Analysis) map[string]float64 {
	return map[string]float64{
		"lines_of_code":   math.Min(float64(a.LinesOfCode)/50, 30),
		"models":          math.Min(float64(a.ModelClasses)*5, 25),
		"views":           math.Min(float64(a.ViewElements)*3, 20),
		"security_rules":  math.Min(float64(a.AccessRules)*2, 10),
		"data_files":      math.Min(float64(a.DataFiles)*2, 5),
		"fix_attempts":    math.Min(float64(a.FixAttempts)*2, 10),
		"workflow":        math.Min(float64(a.SpecComplexity)/3, 15),
		"api_controllers": math.Min(float64(a.APIControllers)*3, 10),
		"wizards":         math.Min(float64(a.WizardFiles)*2, 8),
		"reports":         math.Min(float64(a.ReportFiles)*3, 12),
	}
}
