// Package rules provides the data-quality rule engine: the fixed DQ rubric
// plus operator-defined CEL advisory rules.
package rules

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/carbonmint/internal/domain"
	"github.com/opensource-finance/carbonmint/internal/rowset"
	"github.com/opensource-finance/carbonmint/internal/stats"
)

// Engine evaluates the rubric and any loaded advisory rules.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	rules      []Rule
	advisory   map[string]*CompiledRule
	maxWorkers int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.AdvisoryRuleConfig
	Program cel.Program
}

// NewEngine creates an engine with the default rubric.
func NewEngine(maxWorkers int) (*Engine, error) {
	return NewEngineWithRules(DefaultRules(), maxWorkers)
}

// NewEngineWithRules creates an engine over a custom rule set.
func NewEngineWithRules(rules []Rule, maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 8
	}

	// Row-set metrics exposed to advisory expressions
	env, err := cel.NewEnv(
		cel.Variable("row_count", cel.IntType),
		cel.Variable("null_cells", cel.IntType),
		cel.Variable("distinct_periods", cel.IntType),
		cel.Variable("invalid_periods", cel.IntType),
		cel.Variable("invalid_energy", cel.IntType),
		cel.Variable("duplicate_plates", cel.IntType),
		cel.Variable("duplicate_rows", cel.IntType),
		cel.Variable("outliers", cel.IntType),
		cel.Variable("cv", cel.DoubleType),
		cel.Variable("repeated_keys", cel.IntType),
		cel.Variable("total_energy", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:        env,
		rules:      rules,
		advisory:   make(map[string]*CompiledRule),
		maxWorkers: maxWorkers,
	}, nil
}

// MaxScore is the sum of every rubric rule's max score.
func (e *Engine) MaxScore() int {
	total := 0
	for _, r := range e.rules {
		total += r.MaxScore()
	}
	return total
}

// Rules returns the rubric in evaluation order.
func (e *Engine) Rules() []Rule {
	return e.rules
}

// Evaluate applies every rubric rule in parallel. Results keep rubric order.
// A rule that panics scores zero instead of aborting the analysis.
func (e *Engine) Evaluate(ctx context.Context, ac *domain.AnalysisContext) []domain.RuleResult {
	results := make([]domain.RuleResult, len(e.rules))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range e.rules {
		wg.Add(1)
		go func(idx int, r Rule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			results[idx] = applySafe(r, ac)
		}(i, rule)
	}

	wg.Wait()

	return results
}

func applySafe(r Rule, ac *domain.AnalysisContext) (result domain.RuleResult) {
	defer func() {
		if p := recover(); p != nil {
			result = newResult(r.ID(), r.Name(), r.MaxScore(), 0, fmt.Sprintf("rule failed: %v", p), nil)
		}
	}()
	return r.Apply(ac)
}

// Metrics computes the variables bound into advisory expressions.
func Metrics(ac *domain.AnalysisContext) map[string]any {
	periods := rowset.Periods(ac.Rows)
	energies := rowset.Energies(ac.Rows)

	outliers := 0
	if len(energies) >= minOutlierSample {
		outliers = stats.TukeyFences(energies).Outliers(energies)
	}
	cv, ok := stats.CoefficientOfVariation(energies)
	if !ok {
		cv = math.NaN()
	}

	return map[string]any{
		"row_count":        int64(len(ac.Rows)),
		"null_cells":       int64(rowset.NullCells(ac.Rows)),
		"distinct_periods": int64(periods.Distinct),
		"invalid_periods":  int64(periods.Invalid),
		"invalid_energy":   int64(rowset.InvalidEnergy(ac.Rows)),
		"duplicate_plates": int64(rowset.DuplicatePlates(ac.Rows)),
		"duplicate_rows":   int64(rowset.DuplicateRows(ac.Rows)),
		"outliers":         int64(outliers),
		"cv":               cv,
		"repeated_keys":    int64(len(rowset.RepeatedEnergyKeys(ac.Rows, ac.Config.RoundingScale))),
		"total_energy":     rowset.TotalEnergy(ac.Rows).InexactFloat64(),
	}
}

// ValidateAdvisoryRule compiles a rule without loading it.
func (e *Engine) ValidateAdvisoryRule(cfg *domain.AdvisoryRuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("%w: rule config is required", domain.ErrInvalidInput)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadAdvisoryRule compiles and loads an advisory rule.
func (e *Engine) LoadAdvisoryRule(cfg *domain.AdvisoryRuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("%w: rule config is required", domain.ErrInvalidInput)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.advisory[cfg.ID] = compiled

	return nil
}

// ReloadAdvisoryRules replaces all advisory rules. Disabled rules are skipped.
// Nothing changes if any rule fails to compile.
func (e *Engine) ReloadAdvisoryRules(configs []*domain.AdvisoryRuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]*CompiledRule)
	for i, cfg := range configs {
		if cfg == nil {
			return fmt.Errorf("%w: rule config %d is nil", domain.ErrInvalidInput, i)
		}
		if !cfg.Enabled {
			continue
		}

		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		next[cfg.ID] = compiled
	}

	e.advisory = next

	return nil
}

// AdvisoryRules returns the loaded advisory rule configs sorted by ID.
func (e *Engine) AdvisoryRules() []*domain.AdvisoryRuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	configs := make([]*domain.AdvisoryRuleConfig, 0, len(e.advisory))
	for _, compiled := range e.advisory {
		configs = append(configs, compiled.Config)
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].ID < configs[j].ID })
	return configs
}

// EvaluateAdvisory runs the loaded advisory rules, sorted by rule ID.
func (e *Engine) EvaluateAdvisory(ctx context.Context, ac *domain.AnalysisContext) []domain.RuleResult {
	e.mu.RLock()
	compiled := make([]*CompiledRule, 0, len(e.advisory))
	for _, c := range e.advisory {
		compiled = append(compiled, c)
	}
	e.mu.RUnlock()

	if len(compiled) == 0 {
		return nil
	}
	sort.Slice(compiled, func(i, j int) bool { return compiled[i].Config.ID < compiled[j].Config.ID })

	activation := Metrics(ac)
	results := make([]domain.RuleResult, len(compiled))
	for i, c := range compiled {
		if ctx.Err() != nil {
			results[i] = newResult(c.Config.ID, c.Config.Name, c.Config.MaxScore, 0, ctx.Err().Error(), nil)
			continue
		}
		results[i] = evaluateAdvisory(c, activation)
	}
	return results
}

func evaluateAdvisory(rule *CompiledRule, activation map[string]any) domain.RuleResult {
	cfg := rule.Config

	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		return newResult(cfg.ID, cfg.Name, cfg.MaxScore, 0, fmt.Sprintf("evaluation error: %v", err), nil)
	}

	score := toScore(out, cfg.MaxScore)
	return newResult(cfg.ID, cfg.Name, cfg.MaxScore, score, cfg.Description,
		map[string]any{"expression": cfg.Expression})
}

// toScore converts a CEL value to a rule score. true maps to the full score;
// numbers are clamped by newResult.
func toScore(val ref.Val, limit int) int {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return limit
		}
		return 0
	case types.Double:
		f := float64(v)
		if math.IsNaN(f) {
			return 0
		}
		return int(math.Round(math.Max(0, math.Min(f, float64(limit)))))
	case types.Int:
		return int(v)
	default:
		return 0
	}
}

func (e *Engine) compileRule(cfg *domain.AdvisoryRuleConfig) (*CompiledRule, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: rule id is required", domain.ErrInvalidInput)
	}
	if cfg.MaxScore <= 0 {
		return nil, fmt.Errorf("%w: rule %s: maxScore must be positive", domain.ErrInvalidInput, cfg.ID)
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile rule %s: %v", domain.ErrInvalidInput, cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("%w: rule %s: expression must return bool, int, or double, got %s",
			domain.ErrInvalidInput, cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
