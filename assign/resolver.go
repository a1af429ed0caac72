// Package assign resolves a definition's role placeholders into concrete
// identities at run start.
package assign

import (
	"context"
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"github.com/oliveagle/jsonpath"
	"go.uber.org/zap"

	"github.com/mukund-aria/ai-flow-saas-sub001/logger"
	"github.com/mukund-aria/ai-flow-saas-sub001/model"
)

// RotationStore keeps the durable round-robin cursor per definition and
// role so rotation survives restarts and concurrent run starts.
type RotationStore interface {
	NextRotation(ctx context.Context, definition string, role string) (int64, error)
}

// Context is the run-start input resolution draws from.
type Context struct {
	OrgId        string
	Starter      model.Identity
	Overrides    map[string]model.Identity
	KickoffInput map[string]any
	Variables    map[string]any
}

type Resolver struct {
	rotations RotationStore
}

func NewResolver(rotations RotationStore) *Resolver {
	return &Resolver{rotations: rotations}
}

// Resolve maps role names to identities. Resolution never fails the run:
// roles that can not be resolved are simply absent from the returned map
// and reported in the warning list, and the steps referencing them activate
// as waiting for an assignee.
func (r *Resolver) Resolve(ctx context.Context, def *model.FlowDefinition, rc Context) (map[string]model.Identity, []string) {
	resolved := make(map[string]model.Identity)
	var warnings []string
	for _, role := range def.Roles {
		if override, ok := rc.Overrides[role.Name]; ok && !override.IsZero() {
			resolved[role.Name] = override
			continue
		}
		identity, warn := r.resolveOne(ctx, def.Name, role, rc)
		if len(warn) > 0 {
			warnings = append(warnings, warn)
			continue
		}
		resolved[role.Name] = identity
	}
	return resolved, warnings
}

func (r *Resolver) resolveOne(ctx context.Context, defName string, role model.RolePlaceholder, rc Context) (model.Identity, string) {
	switch role.Strategy {
	case model.ROLE_STRATEGY_FIXED_CONTACT:
		if role.Identity == nil || role.Identity.IsZero() {
			return model.Identity{}, fmt.Sprintf("role %s has no fixed contact configured", role.Name)
		}
		return *role.Identity, ""
	case model.ROLE_STRATEGY_WORKSPACE_INITIALIZER:
		if rc.Starter.IsZero() {
			return model.Identity{}, fmt.Sprintf("role %s needs a starter identity", role.Name)
		}
		return rc.Starter, ""
	case model.ROLE_STRATEGY_KICKOFF_FORM_FIELD:
		return lookupIdentity(role, rc.KickoffInput, "kickoff input")
	case model.ROLE_STRATEGY_FLOW_VARIABLE:
		return lookupIdentity(role, rc.Variables, "flow variables")
	case model.ROLE_STRATEGY_ROUND_ROBIN:
		return r.nextFromPool(ctx, defName, role)
	case model.ROLE_STRATEGY_RULES:
		return evaluateRules(role, rc.KickoffInput)
	case model.ROLE_STRATEGY_MANUAL:
		return model.Identity{}, fmt.Sprintf("role %s is assigned manually and has no override", role.Name)
	}
	return model.Identity{}, fmt.Sprintf("role %s has unknown strategy %s", role.Name, role.Strategy)
}

func (r *Resolver) nextFromPool(ctx context.Context, defName string, role model.RolePlaceholder) (model.Identity, string) {
	if len(role.Pool) == 0 {
		return model.Identity{}, fmt.Sprintf("role %s has an empty rotation pool", role.Name)
	}
	n, err := r.rotations.NextRotation(ctx, defName, role.Name)
	if err != nil {
		logger.Error("rotation cursor unavailable", zap.String("definition", defName), zap.String("role", role.Name), zap.Error(err))
		return model.Identity{}, fmt.Sprintf("role %s rotation unavailable", role.Name)
	}
	return role.Pool[int((n-1)%int64(len(role.Pool)))], ""
}

// evaluateRules runs ordered javascript predicates against the kickoff
// input; the first rule that evaluates truthy wins.
func evaluateRules(role model.RolePlaceholder, input map[string]any) (model.Identity, string) {
	vm := goja.New()
	if err := vm.Set("input", input); err != nil {
		return model.Identity{}, fmt.Sprintf("role %s rules could not bind input", role.Name)
	}
	for _, rule := range role.Rules {
		v, err := vm.RunString(rule.Expression)
		if err != nil {
			logger.Warn("rule expression failed", zap.String("role", role.Name), zap.String("expression", rule.Expression), zap.Error(err))
			continue
		}
		if v != nil && v.ToBoolean() {
			return rule.Identity, ""
		}
	}
	return model.Identity{}, fmt.Sprintf("role %s matched no assignment rule", role.Name)
}

// lookupIdentity reads the configured key from a value map. Keys starting
// with $ are jsonpath expressions; anything else is a plain key. The value
// may be a bare string (id or email) or an identity shaped object.
func lookupIdentity(role model.RolePlaceholder, values map[string]any, source string) (model.Identity, string) {
	if len(role.Key) == 0 {
		return model.Identity{}, fmt.Sprintf("role %s has no lookup key", role.Name)
	}
	var raw any
	if strings.HasPrefix(role.Key, "$") {
		v, err := jsonpath.JsonPathLookup(values, role.Key)
		if err != nil {
			return model.Identity{}, fmt.Sprintf("role %s key %s not present in %s", role.Name, role.Key, source)
		}
		raw = v
	} else {
		v, ok := values[role.Key]
		if !ok {
			return model.Identity{}, fmt.Sprintf("role %s key %s not present in %s", role.Name, role.Key, source)
		}
		raw = v
	}
	identity := coerceIdentity(raw)
	if identity.IsZero() {
		return model.Identity{}, fmt.Sprintf("role %s key %s does not hold an identity", role.Name, role.Key)
	}
	return identity, ""
}

func coerceIdentity(raw any) model.Identity {
	switch v := raw.(type) {
	case string:
		if len(v) == 0 {
			return model.Identity{}
		}
		if strings.Contains(v, "@") {
			return model.Identity{Kind: model.IDENTITY_KIND_CONTACT, Email: v}
		}
		return model.Identity{Kind: model.IDENTITY_KIND_CONTACT, Id: v}
	case map[string]any:
		identity := model.Identity{Kind: model.IDENTITY_KIND_CONTACT}
		if s, ok := v["kind"].(string); ok && len(s) > 0 {
			identity.Kind = model.IdentityKind(s)
		}
		if s, ok := v["id"].(string); ok {
			identity.Id = s
		}
		if s, ok := v["email"].(string); ok {
			identity.Email = s
		}
		if s, ok := v["name"].(string); ok {
			identity.Name = s
		}
		return identity
	case model.Identity:
		return v
	}
	return model.Identity{}
}
