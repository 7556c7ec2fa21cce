// Package compare reconciles the metric documents of two or more test
// runs into normalized diff tables. Metric documents are produced by
// independently-evolving systems and any field may be absent or
// malformed, so every extraction is defensive: a missing or non-numeric
// field renders as the N/A sentinel instead of failing the comparison.
package compare

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/idpops/teststudio/pkg/store"
	"github.com/idpops/teststudio/pkg/testrun"
)

// NotAvailable is the sentinel rendered for missing or uncomputable
// values.
const NotAvailable = "N/A"

// configDiffUnavailableNote explains why no configuration diff is
// present when more than two runs are compared.
const configDiffUnavailableNote = "configuration diff is only available " +
	"when comparing exactly two runs"

// Result is the normalized comparison across the requested runs. It is
// derived fresh on every call and never cached.
type Result struct {
	TestRunIDs        []string  `json:"test_run_ids"`
	MissingRunIDs     []string  `json:"missing_run_ids,omitempty"`
	HasIncompleteRuns bool      `json:"has_incomplete_runs"`
	IncompleteRunIDs  []string  `json:"incomplete_run_ids,omitempty"`

	ConfigDiff     []ConfigRow `json:"config_diff,omitempty"`
	ConfigDiffNote string      `json:"config_diff_note,omitempty"`

	Accuracy []AccuracyRow `json:"accuracy"`
	Cost     []CostRow     `json:"cost"`
	Usage    []UsageRow    `json:"usage"`

	// Metrics holds the full records of the completed runs, keyed by
	// run ID, for clients that render their own views.
	Metrics map[string]*store.TestRun `json:"metrics"`
}

// ConfigRow is one differing configuration setting across two runs.
type ConfigRow struct {
	Setting string            `json:"setting"`
	Values  map[string]string `json:"values"`
}

// AccuracyRow holds the accuracy figures for one completed run.
type AccuracyRow struct {
	TestRunID        string `json:"test_run_id"`
	TestSetName      string `json:"test_set_name"`
	Accuracy         string `json:"accuracy"`
	BaselineAccuracy string `json:"baseline_accuracy"`
	AccuracyChange   string `json:"accuracy_change"`
	Precision        string `json:"precision"`
	Recall           string `json:"recall"`
	F1Score          string `json:"f1_score"`
}

// CostRow holds the cost figures for one completed run.
type CostRow struct {
	TestRunID        string `json:"test_run_id"`
	TestSetName      string `json:"test_set_name"`
	TotalCost        string `json:"total_cost"`
	BaselineCost     string `json:"baseline_cost"`
	CostChange       string `json:"cost_change"`
}

// UsageRow holds aggregated token usage for one completed run.
type UsageRow struct {
	TestRunID            string `json:"test_run_id"`
	TestSetName          string `json:"test_set_name"`
	InputTokens          string `json:"input_tokens"`
	OutputTokens         string `json:"output_tokens"`
	TotalTokens          string `json:"total_tokens"`
	BaselineInputTokens  string `json:"baseline_input_tokens"`
	BaselineOutputTokens string `json:"baseline_output_tokens"`
	BaselineTotalTokens  string `json:"baseline_total_tokens"`
	InputTokensChange    string `json:"input_tokens_change"`
	OutputTokensChange   string `json:"output_tokens_change"`
	TotalTokensChange    string `json:"total_tokens_change"`
}

// Engine computes run comparisons against live store state.
type Engine struct {
	log   logrus.FieldLogger
	store store.Store
}

// NewEngine creates a comparison engine.
func NewEngine(log logrus.FieldLogger, st store.Store) *Engine {
	return &Engine{
		log:   log.WithField("component", "compare"),
		store: st,
	}
}

// Compare loads the requested runs and builds the diff tables. Unknown
// run IDs are recorded as omissions, not failures; incomplete runs are
// flagged and excluded from the metric tables, since their documents
// may be partial or absent.
func (e *Engine) Compare(
	ctx context.Context, runIDs []string,
) (*Result, error) {
	if len(runIDs) < 2 {
		return nil, fmt.Errorf("comparison requires at least two run ids")
	}

	result := &Result{
		TestRunIDs: runIDs,
		Accuracy:   []AccuracyRow{},
		Cost:       []CostRow{},
		Usage:      []UsageRow{},
		Metrics:    make(map[string]*store.TestRun),
	}

	var (
		found    []*store.TestRun
		complete []*store.TestRun
	)

	for _, id := range runIDs {
		run, err := e.store.GetRun(ctx, id)
		if err != nil {
			if errors.Is(err, testrun.ErrNotFound) {
				result.MissingRunIDs = append(result.MissingRunIDs, id)

				continue
			}

			return nil, err
		}

		found = append(found, run)

		if run.Status == testrun.StatusCompleted {
			complete = append(complete, run)
			result.Metrics[run.TestRunID] = run
		} else {
			result.IncompleteRunIDs = append(
				result.IncompleteRunIDs, run.TestRunID,
			)
		}
	}

	result.HasIncompleteRuns = len(result.IncompleteRunIDs) > 0

	// Configuration diffing has no natural pairwise semantics beyond
	// two runs, so it is deliberately withheld rather than approximated.
	if len(runIDs) == 2 && len(found) == 2 {
		result.ConfigDiff = diffConfigs(found[0], found[1])
	} else {
		result.ConfigDiffNote = configDiffUnavailableNote
	}

	for _, run := range complete {
		result.Accuracy = append(result.Accuracy, accuracyRow(run))
		result.Cost = append(result.Cost, costRow(run))
		result.Usage = append(result.Usage, usageRow(run))
	}

	return result, nil
}

// --- Configuration diff ---

// diffConfigs emits one row per configuration key whose value differs
// between the two runs. Keys missing on one side render as N/A.
func diffConfigs(a, b *store.TestRun) []ConfigRow {
	flatA := flattenDocument(a.ConfigSnapshot)
	flatB := flattenDocument(b.ConfigSnapshot)

	keys := make(map[string]struct{}, len(flatA)+len(flatB))
	for k := range flatA {
		keys[k] = struct{}{}
	}

	for k := range flatB {
		keys[k] = struct{}{}
	}

	rows := []ConfigRow{}

	for key := range keys {
		valA, okA := flatA[key]
		if !okA {
			valA = NotAvailable
		}

		valB, okB := flatB[key]
		if !okB {
			valB = NotAvailable
		}

		if valA == valB {
			continue
		}

		rows = append(rows, ConfigRow{
			Setting: key,
			Values: map[string]string{
				a.TestRunID: valA,
				b.TestRunID: valB,
			},
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Setting < rows[j].Setting
	})

	return rows
}

// flattenDocument walks a JSON object into dotted-key scalar pairs.
// Arrays and non-object leaves keep their raw JSON form.
func flattenDocument(doc store.Document) map[string]string {
	flat := make(map[string]string)

	if len(doc) == 0 {
		return flat
	}

	parsed := gjson.ParseBytes(doc)
	if !parsed.IsObject() {
		return flat
	}

	flattenInto(flat, "", parsed)

	return flat
}

func flattenInto(flat map[string]string, prefix string, value gjson.Result) {
	value.ForEach(func(key, child gjson.Result) bool {
		name := key.String()
		if prefix != "" {
			name = prefix + "." + name
		}

		if child.IsObject() {
			flattenInto(flat, name, child)
		} else {
			flat[name] = child.String()
		}

		return true
	})
}

// --- Metric tables ---

func accuracyRow(run *store.TestRun) AccuracyRow {
	testAcc, testOK := numberAt(run.Test, "accuracy.accuracy")
	baseAcc, baseOK := numberAt(run.Baseline, "accuracy.accuracy")

	return AccuracyRow{
		TestRunID:        run.TestRunID,
		TestSetName:      run.TestSetName,
		Accuracy:         formatNumber(testAcc, testOK, "%.2f"),
		BaselineAccuracy: formatNumber(baseAcc, baseOK, "%.2f"),
		AccuracyChange:   formatChange(testAcc, testOK, baseAcc, baseOK),
		Precision:        numberField(run.Test, "accuracy.precision", "%.2f"),
		Recall:           numberField(run.Test, "accuracy.recall", "%.2f"),
		F1Score:          numberField(run.Test, "accuracy.f1_score", "%.2f"),
	}
}

func costRow(run *store.TestRun) CostRow {
	testCost, testOK := numberAt(run.Test, "cost.total_cost")
	baseCost, baseOK := numberAt(run.Baseline, "cost.total_cost")

	return CostRow{
		TestRunID:    run.TestRunID,
		TestSetName:  run.TestSetName,
		TotalCost:    formatNumber(testCost, testOK, "%.4f"),
		BaselineCost: formatNumber(baseCost, baseOK, "%.4f"),
		CostChange:   formatChange(testCost, testOK, baseCost, baseOK),
	}
}

func usageRow(run *store.TestRun) UsageRow {
	test, testOK := aggregateUsage(run.Test)
	base, baseOK := aggregateUsage(run.Baseline)

	return UsageRow{
		TestRunID:            run.TestRunID,
		TestSetName:          run.TestSetName,
		InputTokens:          formatNumber(test.input, testOK, "%.0f"),
		OutputTokens:         formatNumber(test.output, testOK, "%.0f"),
		TotalTokens:          formatNumber(test.total, testOK, "%.0f"),
		BaselineInputTokens:  formatNumber(base.input, baseOK, "%.0f"),
		BaselineOutputTokens: formatNumber(base.output, baseOK, "%.0f"),
		BaselineTotalTokens:  formatNumber(base.total, baseOK, "%.0f"),
		InputTokensChange:    formatChange(test.input, testOK, base.input, baseOK),
		OutputTokensChange:   formatChange(test.output, testOK, base.output, baseOK),
		TotalTokensChange:    formatChange(test.total, testOK, base.total, baseOK),
	}
}

type usageTotals struct {
	input  float64
	output float64
	total  float64
}

// modelInvocationMarkers identify usage sub-sources that represent
// model invocations; other sources (OCR pages, storage ops) carry no
// token counts worth aggregating.
var modelInvocationMarkers = []string{"bedrock", "sagemaker"}

// aggregateUsage sums token counts across every model-invocation usage
// source in the document. Both camelCase and snake_case field names
// appear in the wild, so both are read.
func aggregateUsage(doc store.Document) (usageTotals, bool) {
	var totals usageTotals

	if len(doc) == 0 {
		return totals, false
	}

	usage := gjson.GetBytes(doc, "usage")
	if !usage.IsObject() {
		return totals, false
	}

	matched := false

	usage.ForEach(func(key, source gjson.Result) bool {
		if !isModelInvocationSource(key.String()) || !source.IsObject() {
			return true
		}

		matched = true

		in := firstNumber(source, "inputTokens", "input_tokens")
		out := firstNumber(source, "outputTokens", "output_tokens")
		total := firstNumber(source, "totalTokens", "total_tokens")

		totals.input += in
		totals.output += out

		if total > 0 {
			totals.total += total
		} else {
			totals.total += in + out
		}

		return true
	})

	return totals, matched
}

func isModelInvocationSource(key string) bool {
	lower := strings.ToLower(key)

	for _, marker := range modelInvocationMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}

	return false
}

func firstNumber(obj gjson.Result, paths ...string) float64 {
	for _, p := range paths {
		if v := obj.Get(p); v.Type == gjson.Number {
			return v.Num
		}
	}

	return 0
}

// numberAt extracts one numeric field from a document. The second
// return is false for absent documents, absent fields, and non-numeric
// values alike.
func numberAt(doc store.Document, path string) (float64, bool) {
	if len(doc) == 0 {
		return 0, false
	}

	v := gjson.GetBytes(doc, path)
	if v.Type != gjson.Number {
		return 0, false
	}

	return v.Num, true
}

func numberField(doc store.Document, path, format string) string {
	v, ok := numberAt(doc, path)

	return formatNumber(v, ok, format)
}

func formatNumber(v float64, ok bool, format string) string {
	if !ok {
		return NotAvailable
	}

	return fmt.Sprintf(format, v)
}

// formatChange renders (test-baseline)/baseline*100 with a directional
// indicator. A zero, absent, or non-numeric baseline yields N/A; this
// never divides by zero and never coerces a bad value.
func formatChange(test float64, testOK bool, baseline float64, baselineOK bool) string {
	if !testOK || !baselineOK || baseline == 0 {
		return NotAvailable
	}

	pct := (test - baseline) / baseline * 100

	switch {
	case pct > 0:
		return fmt.Sprintf("%.2f%% ↑", pct)
	case pct < 0:
		return fmt.Sprintf("%.2f%% ↓", math.Abs(pct))
	default:
		return "0.00%"
	}
}
