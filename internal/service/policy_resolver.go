package service

import (
	"fmt"
	"sort"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/pesio-ai/be-governance/internal/errors"
	"github.com/pesio-ai/be-governance/internal/repository"
)

// ResolveInput is the action being checked against the policy set.
type ResolveInput struct {
	CompanyID   string
	BranchID    string
	EntityType  string
	ActionType  string
	Amount      *float64
	Percentage  *float64
	RequestedBy string
}

// ResolvePolicy selects the single governing policy for in, or nil when no
// enabled policy applies. Branch-specific policies beat company-wide ones;
// within one specificity the most recently updated policy wins.
func ResolvePolicy(policies []*repository.ApprovalPolicy, in ResolveInput) *repository.ApprovalPolicy {
	return resolvePolicy(policies, in, nil)
}

func resolvePolicy(policies []*repository.ApprovalPolicy, in ResolveInput, onCondErr func(*repository.ApprovalPolicy, error)) *repository.ApprovalPolicy {
	var branch, global []*repository.ApprovalPolicy

	for _, p := range policies {
		if !p.IsEnabled || p.CompanyID != in.CompanyID || p.EntityType != in.EntityType || p.ActionType != in.ActionType {
			continue
		}
		if p.BranchID != nil && *p.BranchID != in.BranchID {
			continue
		}
		if !thresholdsHold(p, in) {
			continue
		}
		ok, err := conditionHolds(p, in)
		if err != nil {
			if onCondErr != nil {
				onCondErr(p, err)
			}
			continue
		}
		if !ok {
			continue
		}

		if p.BranchID != nil {
			branch = append(branch, p)
		} else {
			global = append(global, p)
		}
	}

	if len(branch) > 0 {
		return newest(branch)
	}
	if len(global) > 0 {
		return newest(global)
	}
	return nil
}

// thresholdsHold requires the input to exceed every threshold the policy sets.
// A threshold with no matching input value fails.
func thresholdsHold(p *repository.ApprovalPolicy, in ResolveInput) bool {
	if p.ThresholdAmount != nil && (in.Amount == nil || *in.Amount <= *p.ThresholdAmount) {
		return false
	}
	if p.ThresholdPct != nil && (in.Percentage == nil || *in.Percentage <= *p.ThresholdPct) {
		return false
	}
	return true
}

func newest(ps []*repository.ApprovalPolicy) *repository.ApprovalPolicy {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].UpdatedAt.Equal(ps[j].UpdatedAt) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].UpdatedAt.After(ps[j].UpdatedAt)
	})
	return ps[0]
}

// ── Conditions ───────────────────────────────────────────────────────────────

// programs caches compiled condition expressions by source text.
var programs sync.Map

func conditionEnv(in ResolveInput) map[string]any {
	env := map[string]any{
		"amount":      nil,
		"percentage":  nil,
		"branchId":    in.BranchID,
		"entityType":  in.EntityType,
		"actionType":  in.ActionType,
		"requestedBy": in.RequestedBy,
	}
	if in.Amount != nil {
		env["amount"] = *in.Amount
	}
	if in.Percentage != nil {
		env["percentage"] = *in.Percentage
	}
	return env
}

// CompileCondition checks that src is a boolean expression over the
// resolver inputs.
func CompileCondition(src string) error {
	_, err := compileCondition(src)
	if err != nil {
		return errors.InvalidInput("conditionExpr", err.Error())
	}
	return nil
}

func compileCondition(src string) (*vm.Program, error) {
	if cached, ok := programs.Load(src); ok {
		return cached.(*vm.Program), nil
	}
	program, err := expr.Compile(src, expr.Env(conditionEnv(ResolveInput{})), expr.AsBool())
	if err != nil {
		return nil, err
	}
	programs.Store(src, program)
	return program, nil
}

func conditionHolds(p *repository.ApprovalPolicy, in ResolveInput) (bool, error) {
	if p.ConditionExpr == nil || *p.ConditionExpr == "" {
		return true, nil
	}
	program, err := compileCondition(*p.ConditionExpr)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, conditionEnv(in))
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition returned %T, want bool", out)
	}
	return b, nil
}
