// Package rules decides whether a rendered response may be written to the
// static file cache. Rules run in a fixed order; a rule either adds an
// explanation (the page is recorded as "not cached, because ...") or asks to
// skip processing entirely, which stops the chain. A force decision discards
// the explanations collected so far.
package rules

import (
	"net/http"
	"net/url"
)

// Context 是规则判定所需的请求与响应快照。
type Context struct {
	Method  string
	URL     *url.URL
	Cookies map[string]string

	Status int
	Header http.Header
	Body   []byte
}

// Decision 是单条规则的判定结果。Skip 为 true 时链条立即终止且不写任何记录；
// 仅有 Reason 时继续执行，Reason 被收集为 explanation。Force 清空此前收集的
// explanation，但不能撤销 Skip。
type Decision struct {
	Skip   bool
	Force  bool
	Reason string
}

// Pass 表示规则允许缓存。
var Pass = Decision{}

// Explain 返回一条不终止链条的原因。
func Explain(reason string) Decision {
	return Decision{Reason: reason}
}

// SkipProcessing 返回终止链条的判定。
func SkipProcessing(reason string) Decision {
	return Decision{Skip: true, Reason: reason}
}

// ForceCaching 返回强制缓存的判定。
func ForceCaching() Decision {
	return Decision{Force: true}
}

// Rule 判定当前响应是否可以静态缓存。
type Rule interface {
	Name() string
	Evaluate(ctx *Context) Decision
}

// Outcome 汇总整条链的结果。
type Outcome struct {
	Skip        bool
	SkippedBy   string
	ForcedBy    string
	Explanation []string
}

// Cacheable 表示可以写入静态文件。
func (o Outcome) Cacheable() bool {
	return !o.Skip && len(o.Explanation) == 0
}

// Chain 是有序规则链。
type Chain struct {
	rules []Rule
}

// NewChain 按给定顺序组装规则链。
func NewChain(rules ...Rule) Chain {
	return Chain{rules: append([]Rule(nil), rules...)}
}

// Append 返回追加了规则的新链，原链不变。
func (c Chain) Append(rules ...Rule) Chain {
	merged := make([]Rule, 0, len(c.rules)+len(rules))
	merged = append(merged, c.rules...)
	return Chain{rules: append(merged, rules...)}
}

// Names 返回规则名称，供启动日志与状态接口展示。
func (c Chain) Names() []string {
	names := make([]string, len(c.rules))
	for i, rule := range c.rules {
		names[i] = rule.Name()
	}
	return names
}

// Run 依次执行规则，遇到第一个 Skip 即停止。
func (c Chain) Run(ctx *Context) Outcome {
	var out Outcome
	for _, rule := range c.rules {
		decision := rule.Evaluate(ctx)
		if decision.Force {
			out.Explanation = nil
			out.ForcedBy = rule.Name()
			continue
		}
		if decision.Reason != "" {
			out.Explanation = append(out.Explanation, rule.Name()+": "+decision.Reason)
		}
		if decision.Skip {
			out.Skip = true
			out.SkippedBy = rule.Name()
			return out
		}
	}
	return out
}
