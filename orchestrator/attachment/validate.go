package attachment

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Rule kinds a task column may declare.
const (
	RuleNone                 = ""
	RuleLookup               = "lookup"
	RuleDependentLookup      = "dependent_lookup"
	RuleRegex                = "regex"
	RuleRegexDependent       = "regex_dependent"
	RuleTyped                = "typed"
	RuleLookupRegexDependent = "lookup_regex_dependent"
)

// Typed rule value types.
const (
	TypeInteger = "integer"
	TypeFloat   = "float"
	TypeString  = "string"
)

// Rule is one column's validation declaration. Which fields apply depends
// on Kind; dependent kinds key off another column's value in the same row.
type Rule struct {
	Kind         string
	Set          []string
	DependsOn    string
	SetByKey     map[string][]string
	Pattern      string
	PatternByKey map[string]string
	Type         string
}

// RowIssues lists the failures of one task row. Row is the absolute row
// index in the sheet.
type RowIssues struct {
	Row         int
	EmptyCols   []string
	InvalidCols []string
}

// regexCache avoids recompiling patterns across rows and sweeps.
var regexCache sync.Map

func compiled(pattern string) *regexp.Regexp {
	if v, ok := regexCache.Load(pattern); ok {
		return v.(*regexp.Regexp)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		// A malformed pattern is a configuration defect; the rule cannot be
		// enforced, so the cell passes.
		regexCache.Store(pattern, (*regexp.Regexp)(nil))
		return nil
	}
	regexCache.Store(pattern, re)
	return re
}

// ValidateSheet checks every non-empty task row: mandatory cells must be
// filled, and each filled cell must satisfy its column rule.
func ValidateSheet(sheet TaskSheetData) []RowIssues {
	var issues []RowIssues
	for i, row := range sheet.Rows {
		if rowEmpty(row) {
			continue
		}
		ri := RowIssues{Row: sheet.StartRow + i}
		for c, col := range sheet.Columns {
			val := ""
			if c < len(row) {
				val = strings.TrimSpace(row[c])
			}
			if val == "" {
				if col.Mandatory {
					ri.EmptyCols = append(ri.EmptyCols, col.Name)
				}
				continue
			}
			if !cellValid(col.Rule, val, sheet.Columns, row) {
				ri.InvalidCols = append(ri.InvalidCols, col.Name)
			}
		}
		if len(ri.EmptyCols) > 0 || len(ri.InvalidCols) > 0 {
			issues = append(issues, ri)
		}
	}
	return issues
}

// ValidateAll runs ValidateSheet over every sheet.
func ValidateAll(sheets []TaskSheetData) []RowIssues {
	var issues []RowIssues
	for _, sheet := range sheets {
		issues = append(issues, ValidateSheet(sheet)...)
	}
	return issues
}

func cellValid(rule Rule, val string, cols []TaskColumn, row []string) bool {
	switch rule.Kind {
	case RuleNone:
		return true
	case RuleLookup:
		return inSet(rule.Set, val)
	case RuleDependentLookup:
		key := dependentValue(rule.DependsOn, cols, row)
		set, ok := rule.SetByKey[key]
		if !ok {
			return false
		}
		return inSet(set, val)
	case RuleRegex:
		re := compiled(rule.Pattern)
		return re == nil || re.MatchString(val)
	case RuleRegexDependent:
		key := dependentValue(rule.DependsOn, cols, row)
		pattern, ok := rule.PatternByKey[key]
		if !ok {
			return false
		}
		re := compiled(pattern)
		return re == nil || re.MatchString(val)
	case RuleTyped:
		switch rule.Type {
		case TypeInteger:
			_, err := strconv.Atoi(val)
			return err == nil
		case TypeFloat:
			_, err := strconv.ParseFloat(val, 64)
			return err == nil
		default:
			return true
		}
	case RuleLookupRegexDependent:
		// Membership in the lookup set wins; otherwise the value must match
		// the pattern keyed by the dependent column.
		if inSet(rule.Set, val) {
			return true
		}
		key := dependentValue(rule.DependsOn, cols, row)
		pattern, ok := rule.PatternByKey[key]
		if !ok {
			return false
		}
		re := compiled(pattern)
		return re == nil || re.MatchString(val)
	default:
		return true
	}
}

func dependentValue(column string, cols []TaskColumn, row []string) string {
	for i, col := range cols {
		if col.Name == column {
			if i < len(row) {
				return strings.TrimSpace(row[i])
			}
			return ""
		}
	}
	return ""
}

func inSet(set []string, val string) bool {
	for _, s := range set {
		if s == val {
			return true
		}
	}
	return false
}
