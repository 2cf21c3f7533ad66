// Package access evaluates case authorization and plan tiers with a rego policy.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"gopkg.in/yaml.v3"
)

// Authorizer decides whether actor may operate on a case.
type Authorizer interface {
	Authorize(ctx context.Context, caseID, actor string) (bool, error)
}

// PlanGate resolves the plan tier of an actor.
type PlanGate interface {
	Tier(ctx context.Context, actor string) (string, error)
}

// Plan tiers.
const (
	TierFree = "free"
	TierPro  = "pro"
)

// Premium reports whether tier unlocks premium bundle operations such as
// incremental bundles.
func Premium(tier string) bool {
	return tier != "" && tier != TierFree
}

const (
	allowQuery = "data.exhibits.access.allow"
	tierQuery  = "data.exhibits.access.tier"
)

// DefaultPolicy lets any identified actor into any case unless data.grants lists the
// case, and reads tiers from data.plans.
const DefaultPolicy = `package exhibits.access

import future.keywords.if
import future.keywords.in

default allow := false

allow if {
	input.actor != ""
	not data.grants[input.case_id]
}

allow if {
	input.actor in data.grants[input.case_id]
}

allow if {
	input.actor in data.admins
}

default tier := "free"

tier := t if {
	t := data.plans[input.actor]
}
`

// Engine implements Authorizer and PlanGate over prepared rego queries.
type Engine struct {
	allow  rego.PreparedEvalQuery
	tier   rego.PreparedEvalQuery
	logger *slog.Logger
}

// NewEngine compiles policy against data. data may be nil.
func NewEngine(ctx context.Context, policy string, data map[string]any, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if data == nil {
		data = map[string]any{}
	}
	store := inmem.NewFromObject(data)

	prepare := func(query string) (rego.PreparedEvalQuery, error) {
		return rego.New(
			rego.Query(query),
			rego.Module("exhibits_access.rego", policy),
			rego.Store(store),
			rego.StrictBuiltinErrors(true),
		).PrepareForEval(ctx)
	}
	allow, err := prepare(allowQuery)
	if err != nil {
		return nil, fmt.Errorf("prepare access policy: %w", err)
	}
	tier, err := prepare(tierQuery)
	if err != nil {
		return nil, fmt.Errorf("prepare plan policy: %w", err)
	}
	return &Engine{allow: allow, tier: tier, logger: logger}, nil
}

// LoadEngine reads the policy from policyPath, or uses DefaultPolicy when it is empty,
// and the policy data (grants, admins, plans) from the YAML file at dataPath.
func LoadEngine(ctx context.Context, policyPath, dataPath string, logger *slog.Logger) (*Engine, error) {
	policy := DefaultPolicy
	if policyPath != "" {
		raw, err := os.ReadFile(policyPath)
		if err != nil {
			return nil, fmt.Errorf("read policy %s: %w", policyPath, err)
		}
		policy = string(raw)
	}
	var data map[string]any
	if dataPath != "" {
		raw, err := os.ReadFile(dataPath)
		if err != nil {
			return nil, fmt.Errorf("read policy data %s: %w", dataPath, err)
		}
		if err := yaml.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("parse policy data %s: %w", dataPath, err)
		}
	}
	return NewEngine(ctx, policy, data, logger)
}

func (e *Engine) Authorize(ctx context.Context, caseID, actor string) (bool, error) {
	rs, err := e.allow.Eval(ctx, rego.EvalInput(map[string]any{"case_id": caseID, "actor": actor}))
	if err != nil {
		return false, err
	}
	allowed := rs.Allowed()
	if !allowed {
		e.logger.Info("access.denied", "case_id", caseID, "actor", actor)
	}
	return allowed, nil
}

func (e *Engine) Tier(ctx context.Context, actor string) (string, error) {
	rs, err := e.tier.Eval(ctx, rego.EvalInput(map[string]any{"actor": actor}))
	if err != nil {
		return "", err
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return "", errors.New("empty plan tier result")
	}
	tier, ok := rs[0].Expressions[0].Value.(string)
	if !ok {
		return "", fmt.Errorf("plan tier is %T, want string", rs[0].Expressions[0].Value)
	}
	return tier, nil
}
