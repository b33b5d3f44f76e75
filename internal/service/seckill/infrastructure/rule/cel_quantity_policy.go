// Package rule 提供可配置的抢购规则。
package rule

import (
	"fmt"
	"sync/atomic"

	"flashsale/internal/service/seckill/domain"

	"github.com/google/cel-go/cel"
)

// DefaultQuantityRule 默认每次最多抢 5 件。库存是否足够由下单引擎判断。
const DefaultQuantityRule = "quantity >= 1 && quantity <= 5"

type compiledRule struct {
	expr    string
	program cel.Program
}

// CELQuantityPolicy 是 port.QuantityPolicy 的一个具体实现。
// 规则用 CEL 表达式编写，可用变量 quantity、stock、goods_id，结果必须是 bool。
// 规则可以在运行时通过 Update 整体替换。
type CELQuantityPolicy struct {
	env  *cel.Env
	rule atomic.Pointer[compiledRule]
}

// NewCELQuantityPolicy 编译规则表达式，表达式语法错误时返回错误。
func NewCELQuantityPolicy(expr string) (*CELQuantityPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("quantity", cel.IntType),
		cel.Variable("stock", cel.IntType),
		cel.Variable("goods_id", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}
	p := &CELQuantityPolicy{env: env}
	if err := p.Update(expr); err != nil {
		return nil, err
	}
	return p, nil
}

// Update 编译新规则并替换当前规则，编译失败时保留旧规则。
func (p *CELQuantityPolicy) Update(expr string) error {
	if expr == "" {
		expr = DefaultQuantityRule
	}
	if cur := p.rule.Load(); cur != nil && cur.expr == expr {
		return nil
	}
	ast, iss := p.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return fmt.Errorf("compile quantity rule %q: %w", expr, iss.Err())
	}
	program, err := p.env.Program(ast)
	if err != nil {
		return fmt.Errorf("build quantity rule %q: %w", expr, err)
	}
	p.rule.Store(&compiledRule{expr: expr, program: program})
	return nil
}

// Allow 实现了 port.QuantityPolicy 接口。
func (p *CELQuantityPolicy) Allow(item *domain.SaleItem, quantity int64) (bool, error) {
	r := p.rule.Load()
	out, _, err := r.program.Eval(map[string]interface{}{
		"quantity": quantity,
		"stock":    item.StockCount,
		"goods_id": item.GoodsID,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate quantity rule %q: %w", r.expr, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("quantity rule %q returned %T, want bool", r.expr, out.Value())
	}
	return allowed, nil
}

// Expression 返回当前生效的规则
func (p *CELQuantityPolicy) Expression() string {
	return p.rule.Load().expr
}
