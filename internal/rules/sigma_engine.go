package rules

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	sigma "github.com/bradleyjkemp/sigma-go"
	sigmaevaluator "github.com/bradleyjkemp/sigma-go/evaluator"

	"eventkg/internal/logger"
	"eventkg/pkg/models"
)

// SigmaLoadStats tracks the number of loaded and skipped rules.
type SigmaLoadStats struct {
	TotalFiles        int
	Loaded            int
	SkippedComplex    int
	SkippedDatasource int
	SkippedInvalid    int
}

// SigmaOptions shapes the event map rules are evaluated against.
type SigmaOptions struct {
	// Delimiter joins multi-valued entity identifiers.
	Delimiter string
	// Columns maps the canonical keys id, activity and timestamp to the
	// table's own column names, so rules may use either.
	Columns map[string]string
}

type compiledSigmaRule struct {
	eval *sigmaevaluator.RuleEvaluator
	tag  string
}

// SigmaEngine evaluates Sigma rules against individual events.
type SigmaEngine struct {
	rules     []compiledSigmaRule
	ctx       context.Context
	delimiter string
	columns   map[string]string
}

// NewSigmaEngine loads the rules under path, a rule file or a directory
// searched recursively. Rules for another product and rules that need more
// than one event are skipped and counted.
func NewSigmaEngine(path string, opts SigmaOptions) (*SigmaEngine, SigmaLoadStats, error) {
	var stats SigmaLoadStats

	files, err := ruleFiles(path)
	if err != nil {
		return nil, stats, err
	}

	stats.TotalFiles = len(files)
	compiled := make([]compiledSigmaRule, 0, len(files))
	for _, ruleFile := range files {
		rule, err := parseSigmaRuleFile(ruleFile)
		if err != nil {
			logger.Debugf("Sigma rule skipped: %v", err)
			stats.SkippedInvalid++
			continue
		}
		if !isEventKGCompatible(rule) {
			stats.SkippedDatasource++
			continue
		}
		if reason := multiEventReason(rule); reason != "" {
			logger.Debugf("Sigma rule %s skipped: %s", ruleFile, reason)
			stats.SkippedComplex++
			continue
		}

		compiled = append(compiled, compiledSigmaRule{
			eval: sigmaevaluator.ForRule(rule),
			tag:  tagFromRule(rule),
		})
		stats.Loaded++
	}

	if opts.Delimiter == "" {
		opts.Delimiter = ","
	}
	return &SigmaEngine{rules: compiled, ctx: context.Background(), delimiter: opts.Delimiter, columns: opts.Columns}, stats, nil
}

// ruleFiles resolves path to the sorted list of YAML rule files. Hidden
// directories are not searched.
func ruleFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat rule path: %w", err)
	}
	if !info.IsDir() {
		if !isYAMLFile(path) {
			return nil, fmt.Errorf("rule file must end with .yml or .yaml: %s", path)
		}
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		switch {
		case err != nil:
			return err
		case d.IsDir() && p != path && strings.HasPrefix(d.Name(), "."):
			return filepath.SkipDir
		case !d.IsDir() && isYAMLFile(p):
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk rule directory %s: %w", path, err)
	}
	sort.Strings(files)
	return files, nil
}

// Apply evaluates all loaded Sigma rules and returns the tags of matched rules.
func (e *SigmaEngine) Apply(event *models.Event) []string {
	if e == nil || event == nil || len(e.rules) == 0 {
		return nil
	}

	eventMap := sigmaEventFrom(event, e.delimiter, e.columns)
	out := make([]string, 0, 4)
	for _, rule := range e.rules {
		res, err := rule.eval.Matches(e.ctx, eventMap)
		if err != nil {
			continue
		}
		if res.Match {
			out = append(out, rule.tag)
		}
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

func parseSigmaRuleFile(path string) (sigma.Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return sigma.Rule{}, fmt.Errorf("read sigma rule %s: %w", path, err)
	}
	rule, err := sigma.ParseRule(raw)
	if err != nil {
		return sigma.Rule{}, fmt.Errorf("parse sigma rule %s: %w", path, err)
	}
	return rule, nil
}

func isYAMLFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".yaml")
}

// Len returns the number of loaded rules.
func (e *SigmaEngine) Len() int {
	if e == nil {
		return 0
	}
	return len(e.rules)
}

func isEventKGCompatible(rule sigma.Rule) bool {
	product := strings.ToLower(strings.TrimSpace(rule.Logsource.Product))
	return product == "" || product == "eventkg"
}

// multiEventReason explains why a rule cannot be decided on one event, or
// returns "". Events carry no raw message, so keyword searches never match.
func multiEventReason(rule sigma.Rule) string {
	if rule.Detection.Timeframe > 0 {
		return "timeframe"
	}
	if len(rule.Detection.Searches) == 0 {
		return "no searches"
	}
	for _, cond := range rule.Detection.Conditions {
		if cond.Aggregation != nil {
			return "aggregation"
		}
	}
	for name, search := range rule.Detection.Searches {
		if len(search.Keywords) > 0 {
			return "keyword search " + name
		}
	}
	return ""
}

func sigmaEventFrom(event *models.Event, delimiter string, columns map[string]string) map[string]interface{} {
	buf := make(map[string]interface{}, len(event.Attrs)+len(event.Entities)+3+len(columns))
	for k, v := range event.Attrs {
		buf[k] = models.FormatValue(v)
	}
	for entityType, ids := range event.Entities {
		buf[entityType] = strings.Join(ids, delimiter)
	}
	buf["id"] = event.ID
	buf["activity"] = event.Activity
	buf["timestamp"] = models.FormatValue(event.Timestamp)
	for key, column := range columns {
		if v, ok := buf[key]; ok && column != "" {
			buf[column] = v
		}
	}
	return buf
}

func tagFromRule(rule sigma.Rule) string {
	if title := strings.TrimSpace(rule.Title); title != "" {
		return title
	}
	return strings.TrimSpace(rule.ID)
}
