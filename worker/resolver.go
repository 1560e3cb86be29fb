package worker

import (
	"context"

	"github.com/orbitbot/orbit-core/coder"
	"github.com/orbitbot/orbit-core/config"
	"github.com/orbitbot/orbit-core/logger"
)

// PermissionResolver decides a pending permission request. The returned
// decision is "allow" or "deny". Implementations must respect ctx.
type PermissionResolver interface {
	ResolvePermission(ctx context.Context, req coder.PermissionAsked) (string, error)
}

// QuestionResolver answers a pending question request with one selected
// option label per question.
type QuestionResolver interface {
	ResolveQuestion(ctx context.Context, req coder.QuestionAsked) ([]string, error)
}

// Asker is a future channel-routed prompt surface. When attached to a
// PolicyResolver, "ask" requests are forwarded to it with a bounded
// timeout instead of being answered by the default decision.
type Asker interface {
	AskPermission(ctx context.Context, req coder.PermissionAsked) (string, error)
	AskQuestion(ctx context.Context, req coder.QuestionAsked) ([]string, error)
}

// PolicyResolver resolves permissions and questions from the configured
// policy map. Tools under "allow" are approved immediately. Tools under
// "ask" are forwarded to the Asker if one is attached; on timeout, error,
// or no Asker, the configured default decision applies so a worker never
// hangs on an unanswered prompt.
type PolicyResolver struct {
	cfg   *config.Config
	asker Asker
}

// NewPolicyResolver creates a resolver over the configured policy map.
// asker may be nil.
func NewPolicyResolver(cfg *config.Config, asker Asker) *PolicyResolver {
	return &PolicyResolver{cfg: cfg, asker: asker}
}

// ResolvePermission applies the policy for the request's tool category.
func (r *PolicyResolver) ResolvePermission(ctx context.Context, req coder.PermissionAsked) (string, error) {
	log := logger.WithComponent("resolver")

	if r.cfg.PermissionPolicy(req.Tool) == config.PolicyAllow {
		return "allow", nil
	}

	if r.asker == nil {
		decision := r.cfg.AskDefault()
		log.Info("no asker attached, applying default permission decision",
			"permissionID", req.ID, "tool", req.Tool, "decision", decision)
		return decision, nil
	}

	askCtx, cancel := context.WithTimeout(ctx, r.cfg.AskTimeout())
	defer cancel()

	decision, err := r.asker.AskPermission(askCtx, req)
	if err != nil {
		decision = r.cfg.AskDefault()
		log.Warn("permission ask failed, applying default decision",
			"permissionID", req.ID, "tool", req.Tool, "decision", decision, "error", err)
	}
	return decision, nil
}

// ResolveQuestion answers each question, defaulting to its first offered
// option when no Asker is attached or the ask times out.
func (r *PolicyResolver) ResolveQuestion(ctx context.Context, req coder.QuestionAsked) ([]string, error) {
	log := logger.WithComponent("resolver")

	if r.asker != nil {
		askCtx, cancel := context.WithTimeout(ctx, r.cfg.AskTimeout())
		defer cancel()

		answers, err := r.asker.AskQuestion(askCtx, req)
		if err == nil {
			return answers, nil
		}
		log.Warn("question ask failed, selecting first options",
			"questionID", req.ID, "error", err)
	} else {
		log.Info("no asker attached, selecting first options", "questionID", req.ID)
	}

	return firstOptions(req), nil
}

// firstOptions picks the first offered option label for every question.
func firstOptions(req coder.QuestionAsked) []string {
	answers := make([]string, len(req.Questions))
	for i, q := range req.Questions {
		if len(q.Options) > 0 {
			answers[i] = q.Options[0].Label
		}
	}
	return answers
}
