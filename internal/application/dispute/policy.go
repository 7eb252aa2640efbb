package dispute

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/Knetic/govaluate"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/escrow-hub/escrow-hub/internal/domain/room"
)

// DisputeFacts is the evidence a policy decides on.
type DisputeFacts struct {
	RoomID          uuid.UUID
	Reason          string
	Price           decimal.Decimal
	ApprovedUpdates int
	RejectedUpdates int
	PendingUpdates  int
	DisputedUpdates int
	ChangeRequests  int
	BuyerMessages   int
	SellerMessages  int
	EvidenceCount   int
	FundsReleased   bool
	Escalated       bool
}

// Params exposes the facts as expression variables.
func (f DisputeFacts) Params() map[string]interface{} {
	price, _ := f.Price.Float64()
	return map[string]interface{}{
		"price":            price,
		"approved_updates": float64(f.ApprovedUpdates),
		"rejected_updates": float64(f.RejectedUpdates),
		"pending_updates":  float64(f.PendingUpdates),
		"disputed_updates": float64(f.DisputedUpdates),
		"change_requests":  float64(f.ChangeRequests),
		"total_updates":    float64(f.ApprovedUpdates + f.RejectedUpdates + f.PendingUpdates + f.DisputedUpdates),
		"buyer_messages":   float64(f.BuyerMessages),
		"seller_messages":  float64(f.SellerMessages),
		"evidence_count":   float64(f.EvidenceCount),
		"funds_released":   f.FundsReleased,
		"escalated":        f.Escalated,
	}
}

// DecisionPolicy produces dispute recommendations and chat acknowledgments.
type DecisionPolicy interface {
	Decide(ctx context.Context, facts DisputeFacts) (room.Outcome, error)
	Acknowledge(ctx context.Context, facts DisputeFacts, from room.Role) string
}

func acknowledgment(facts DisputeFacts, from room.Role) string {
	side := "the buyer"
	if from == room.RoleSeller {
		side = "the seller"
	}
	return fmt.Sprintf("Noted the statement from %s. %d buyer and %d seller messages are on record; either party can request a decision when ready.",
		side, facts.BuyerMessages, facts.SellerMessages)
}

// ScriptedPolicy returns canned outcomes. It stands in for a model-backed
// mediator in development.
type ScriptedPolicy struct {
	mu       sync.Mutex
	rnd      *rand.Rand
	outcomes []room.Outcome
}

var scriptedOutcomes = []room.Outcome{
	{
		Decision:  room.DecisionBuyerWins,
		Reasoning: "The delivered work does not match the agreed description and the open feedback was not addressed.",
		NextSteps: []string{"Seller refunds the buyer", "Room closes after the refund"},
	},
	{
		Decision:  room.DecisionSellerWins,
		Reasoning: "The seller delivered work matching the agreed description and responded to each change request.",
		NextSteps: []string{"Buyer releases the escrowed funds", "Room closes after the release"},
	},
	{
		Decision:  room.DecisionCompromise,
		Reasoning: "Both parties met part of their obligations; a partial settlement is the fairest outcome.",
		NextSteps: []string{"Agree a split in the room chat", "Escalate to an administrator if no split is agreed"},
	},
}

// NewScriptedPolicy draws outcomes from src. A nil src uses a fixed seed.
func NewScriptedPolicy(src rand.Source, outcomes ...room.Outcome) *ScriptedPolicy {
	if src == nil {
		src = rand.NewSource(1)
	}
	if len(outcomes) == 0 {
		outcomes = scriptedOutcomes
	}
	return &ScriptedPolicy{rnd: rand.New(src), outcomes: outcomes}
}

func (p *ScriptedPolicy) Decide(ctx context.Context, _ DisputeFacts) (room.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return room.Outcome{}, err
	}
	p.mu.Lock()
	out := p.outcomes[p.rnd.Intn(len(p.outcomes))]
	p.mu.Unlock()
	out.NextSteps = append([]string(nil), out.NextSteps...)
	return out, nil
}

func (p *ScriptedPolicy) Acknowledge(_ context.Context, facts DisputeFacts, from room.Role) string {
	return acknowledgment(facts, from)
}

// Rule maps a boolean expression over DisputeFacts.Params to an outcome.
type Rule struct {
	Name    string
	When    string
	Outcome room.Outcome
}

// DefaultRules is the built-in rule set used when none is configured.
var DefaultRules = []Rule{
	{
		Name: "released-funds",
		When: "funds_released",
		Outcome: room.Outcome{
			Decision:  room.DecisionSellerWins,
			Reasoning: "Funds were already released to the seller, which settles the deal in the seller's favour.",
			NextSteps: []string{"Contact an administrator for any further claim"},
		},
	},
	{
		Name: "nothing-delivered",
		When: "total_updates == 0",
		Outcome: room.Outcome{
			Decision:  room.DecisionBuyerWins,
			Reasoning: "No work updates were submitted in this room.",
			NextSteps: []string{"Buyer requests a refund"},
		},
	},
	{
		Name: "work-approved",
		When: "approved_updates > 0 && rejected_updates == 0 && disputed_updates == 0",
		Outcome: room.Outcome{
			Decision:  room.DecisionSellerWins,
			Reasoning: "The buyer approved the submitted work and raised no rejection.",
			NextSteps: []string{"Buyer releases the escrowed funds"},
		},
	},
	{
		Name: "work-rejected",
		When: "rejected_updates > approved_updates && seller_messages == 0",
		Outcome: room.Outcome{
			Decision:  room.DecisionBuyerWins,
			Reasoning: "The buyer rejected the work and the seller did not respond in the dispute.",
			NextSteps: []string{"Buyer requests a refund"},
		},
	},
}

var fallbackOutcome = room.Outcome{
	Decision:  room.DecisionCompromise,
	Reasoning: "The record does not clearly favour either party.",
	NextSteps: []string{"Agree a split in the room chat", "Escalate to an administrator if no split is agreed"},
}

type compiledRule struct {
	Rule
	expr *govaluate.EvaluableExpression
}

// RulePolicy evaluates rules in order; the first rule that holds decides.
type RulePolicy struct {
	rules  []compiledRule
	logger zerolog.Logger
}

// NewRulePolicy compiles rules. A nil slice uses DefaultRules.
func NewRulePolicy(rules []Rule, logger zerolog.Logger) (*RulePolicy, error) {
	if rules == nil {
		rules = DefaultRules
	}
	p := &RulePolicy{logger: logger.With().Str("component", "rule_policy").Logger()}
	for _, r := range rules {
		if !room.ValidDecision(r.Outcome.Decision) {
			return nil, fmt.Errorf("rule %q: unknown decision %q", r.Name, r.Outcome.Decision)
		}
		expr, err := govaluate.NewEvaluableExpression(strings.TrimSpace(r.When))
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		p.rules = append(p.rules, compiledRule{Rule: r, expr: expr})
	}
	return p, nil
}

func (p *RulePolicy) Decide(ctx context.Context, facts DisputeFacts) (room.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return room.Outcome{}, err
	}
	params := facts.Params()
	for _, r := range p.rules {
		ok, err := evaluate(r.expr, params)
		if err != nil {
			p.logger.Warn().Err(err).Str("rule", r.Name).Msg("rule evaluation failed")
			continue
		}
		if ok {
			p.logger.Debug().Str("rule", r.Name).Str("roomId", facts.RoomID.String()).Msg("rule matched")
			out := r.Outcome
			out.NextSteps = append([]string(nil), out.NextSteps...)
			return out, nil
		}
	}
	out := fallbackOutcome
	out.NextSteps = append([]string(nil), out.NextSteps...)
	return out, nil
}

func (p *RulePolicy) Acknowledge(_ context.Context, facts DisputeFacts, from room.Role) string {
	return acknowledgment(facts, from)
}

func evaluate(expr *govaluate.EvaluableExpression, params map[string]interface{}) (bool, error) {
	result, err := expr.Evaluate(params)
	if err != nil {
		return false, err
	}
	v, ok := result.(bool)
	if !ok {
		return false, errors.New("rule did not evaluate to boolean")
	}
	return v, nil
}
