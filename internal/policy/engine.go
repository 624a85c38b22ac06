package policy

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/harrier-ai/harrier/internal/cascade"
	"github.com/harrier-ai/harrier/internal/provider"
	"github.com/harrier-ai/harrier/internal/queue"
)

//go:embed rego/*.rego
var embeddedPolicies embed.FS

const admissionPolicy = "rego/admission.rego"

// Decision is the result of a policy evaluation.
type Decision struct {
	Allowed       bool     `json:"allowed"`
	Action        string   `json:"action"` // "allow" or "deny"
	Reasons       []string `json:"reasons,omitempty"`
	PolicyVersion string   `json:"policy_version"`
}

// regoPolicy maps a Rego file to the OPA query that yields its deny set.
type regoPolicy struct {
	file  string
	query string
}

var allPolicies = []regoPolicy{
	{file: admissionPolicy, query: "data.harrier.policy.admission.deny"},
}

// Engine evaluates admission policy with precompiled embedded Rego.
type Engine struct {
	policy   *Policy
	prepared map[string]rego.PreparedEvalQuery
}

// NewEngine creates an engine over pol. The policy document is serialized to
// JSON and loaded as OPA data, so rules never hard-code limits.
func NewEngine(ctx context.Context, pol *Policy) (*Engine, error) {
	ctx, span := tracer.Start(ctx, "policy.engine.new")
	defer span.End()

	if pol == nil {
		pol = Default()
	}

	policyData, err := policyToData(pol)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("converting policy to OPA data: %w", err)
	}

	prepared, err := prepareRegoQueries(ctx, allPolicies, map[string]interface{}{
		"policy": policyData,
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("policy.prepared_count", len(prepared)))
	return &Engine{policy: pol, prepared: prepared}, nil
}

func prepareRegoQueries(ctx context.Context, policies []regoPolicy, opaData map[string]interface{}) (map[string]rego.PreparedEvalQuery, error) {
	prepared := make(map[string]rego.PreparedEvalQuery, len(policies))

	for _, rp := range policies {
		content, err := embeddedPolicies.ReadFile(rp.file)
		if err != nil {
			return nil, fmt.Errorf("reading embedded policy %s: %w", rp.file, err)
		}

		store := inmem.NewFromObject(opaData)
		r := rego.New(
			rego.Query(rp.query),
			rego.Module(rp.file, string(content)),
			rego.Store(store),
		)

		pq, err := r.PrepareForEval(ctx)
		if err != nil {
			return nil, fmt.Errorf("preparing Rego policy %s: %w", rp.file, err)
		}
		prepared[rp.file] = pq
	}

	return prepared, nil
}

// EvaluateAdmission checks whether a submission may enter the queue. The
// decision's handler and tier come from a dry-run classification, so tier
// ceilings apply before any cost is incurred.
func (e *Engine) EvaluateAdmission(ctx context.Context, content string, priority queue.Priority, decision *cascade.RouteDecision) (*Decision, error) {
	ctx, span := tracer.Start(ctx, "policy.evaluate_admission",
		trace.WithAttributes(
			attribute.String("policy.version", e.policy.VersionTag),
			attribute.String("task.priority", string(priority)),
		))
	defer span.End()

	input := map[string]interface{}{
		"content_length": len(content),
		"priority":       string(priority),
		"priority_rank":  priority.Rank(),
	}
	if decision != nil {
		input["handler"] = decision.Target
		input["tier"] = string(decision.Tier)
		input["tier_rank"] = decision.Tier.Rank()
	} else {
		input["handler"] = ""
		input["tier"] = string(provider.TierLocal)
		input["tier_rank"] = provider.TierLocal.Rank()
	}

	out := &Decision{
		Allowed:       true,
		Action:        "allow",
		PolicyVersion: e.policy.VersionTag,
	}

	reasons, err := e.evaluateDenyPolicy(ctx, admissionPolicy, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	out.Reasons = append(out.Reasons, reasons...)

	if len(out.Reasons) > 0 {
		out.Allowed = false
		out.Action = "deny"
	}

	span.SetAttributes(
		attribute.Bool("policy.allowed", out.Allowed),
		attribute.Int("policy.deny_reasons", len(out.Reasons)),
	)
	if out.Allowed {
		span.SetStatus(codes.Ok, "policy evaluation passed")
	}
	return out, nil
}

func (e *Engine) evaluateDenyPolicy(ctx context.Context, pkg string, input map[string]interface{}) ([]string, error) {
	pq, ok := e.prepared[pkg]
	if !ok {
		return nil, fmt.Errorf("policy package %s not prepared", pkg)
	}

	results, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluating %s: %w", pkg, err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	// The deny query yields a set of strings; OPA hands it back as
	// []interface{} or occasionally map[string]interface{}.
	var reasons []string
	switch v := results[0].Expressions[0].Value.(type) {
	case []interface{}:
		for _, msg := range v {
			if s, ok := msg.(string); ok {
				reasons = append(reasons, s)
			}
		}
	case map[string]interface{}:
		for _, msg := range v {
			if s, ok := msg.(string); ok {
				reasons = append(reasons, s)
			}
		}
	}
	return reasons, nil
}

// policyToData converts the policy document to clean map types for OPA.
func policyToData(pol *Policy) (map[string]interface{}, error) {
	jsonBytes, err := json.Marshal(pol)
	if err != nil {
		return nil, fmt.Errorf("marshalling policy: %w", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return nil, fmt.Errorf("unmarshalling policy data: %w", err)
	}
	return data, nil
}
