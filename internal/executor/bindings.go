package executor

import (
	"bytes"
	"fmt"
	"strconv"
	"text/template"

	"github.com/jmespath/go-jmespath"

	"github.com/TencentBlueKing/bk-monitor-sub002/internal/models"
)

// ResolveBindings 将绑定表达式在执行上下文上求值。
// 默认表达式为 jmespath，format=template 时按文本模板渲染为字符串。
func ResolveBindings(bindings []models.Binding, execCtx map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(bindings))
	for _, binding := range bindings {
		value, err := resolveBinding(binding, execCtx)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve binding %s: %w", binding.Key, err)
		}
		out[binding.Key] = value
	}
	return out, nil
}

func resolveBinding(binding models.Binding, execCtx map[string]interface{}) (interface{}, error) {
	if binding.Format == "template" {
		tpl, err := template.New(binding.Key).Option("missingkey=zero").Parse(binding.Value)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if err := tpl.Execute(&buf, execCtx); err != nil {
			return nil, err
		}
		return buf.String(), nil
	}
	return jmespath.Search(binding.Value, execCtx)
}

// EvaluateRule 在文档上求值结束/成功判定规则。key 为 jmespath 表达式。
func EvaluateRule(rule *models.BusinessRule, doc interface{}) (bool, error) {
	if rule == nil {
		return false, nil
	}
	actual, err := jmespath.Search(rule.Key, doc)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rule key %s: %w", rule.Key, err)
	}

	switch rule.Method {
	case models.RuleMethodEq:
		return compareEqual(actual, rule.Value), nil
	case models.RuleMethodNeq:
		return !compareEqual(actual, rule.Value), nil
	case models.RuleMethodIn:
		return containedIn(actual, rule.Value), nil
	case models.RuleMethodNotIn:
		return !containedIn(actual, rule.Value), nil
	case models.RuleMethodGt, models.RuleMethodGte, models.RuleMethodLt, models.RuleMethodLte:
		return compareNumeric(actual, rule.Value, rule.Method)
	default:
		return false, fmt.Errorf("unsupported rule method: %s", rule.Method)
	}
}

// compareEqual 规则值比较。JSON 反序列化后数字统一为 float64，
// 字符串形式的数字也按数值比较。
func compareEqual(actual, expected interface{}) bool {
	if af, ok := toFloat(actual); ok {
		if ef, ok := toFloat(expected); ok {
			return af == ef
		}
	}
	return fmt.Sprintf("%v", actual) == fmt.Sprintf("%v", expected)
}

func containedIn(actual, expected interface{}) bool {
	candidates, ok := expected.([]interface{})
	if !ok {
		return false
	}
	for _, candidate := range candidates {
		if compareEqual(actual, candidate) {
			return true
		}
	}
	return false
}

func compareNumeric(actual, expected interface{}, method string) (bool, error) {
	af, ok := toFloat(actual)
	if !ok {
		return false, fmt.Errorf("rule actual value %v is not numeric", actual)
	}
	ef, ok := toFloat(expected)
	if !ok {
		return false, fmt.Errorf("rule expected value %v is not numeric", expected)
	}
	switch method {
	case models.RuleMethodGt:
		return af > ef, nil
	case models.RuleMethodGte:
		return af >= ef, nil
	case models.RuleMethodLt:
		return af < ef, nil
	case models.RuleMethodLte:
		return af <= ef, nil
	}
	return false, fmt.Errorf("unsupported numeric method: %s", method)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}
