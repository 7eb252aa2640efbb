package dispute

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	appAudit "github.com/escrow-hub/escrow-hub/internal/application/audit"
	"github.com/escrow-hub/escrow-hub/internal/application/realtime"
	"github.com/escrow-hub/escrow-hub/internal/domain/apperr"
	"github.com/escrow-hub/escrow-hub/internal/domain/audit"
	"github.com/escrow-hub/escrow-hub/internal/domain/message"
	"github.com/escrow-hub/escrow-hub/internal/domain/notification"
	"github.com/escrow-hub/escrow-hub/internal/domain/room"
	"github.com/escrow-hub/escrow-hub/internal/domain/user"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/memory"
)

type sentMail struct {
	kind notification.Kind
	to   string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMail
}

func (n *recordingNotifier) Notify(_ context.Context, kind notification.Kind, _ uuid.UUID, to, _, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMail{kind: kind, to: to})
}

func (n *recordingNotifier) count(kind notification.Kind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.sent {
		if s.kind == kind {
			c++
		}
	}
	return c
}

type fixture struct {
	svc      *Service
	rooms    *memory.RoomRepository
	messages *memory.MessageRepository
	auditSvc *appAudit.Service
	mail     *recordingNotifier
	buyer    user.Actor
	seller   user.Actor
	admin    user.Actor
	roomID   uuid.UUID
}

func newFixture(t *testing.T, policy DecisionPolicy) *fixture {
	t.Helper()
	f := &fixture{
		rooms:    memory.NewRoomRepository(),
		messages: memory.NewMessageRepository(),
		mail:     &recordingNotifier{},
		buyer:    user.Actor{UserID: uuid.New(), Name: "bea", Email: "bea@example.com", Role: user.RoleUser},
		seller:   user.Actor{UserID: uuid.New(), Name: "sam", Email: "sam@example.com", Role: user.RoleUser},
		admin:    user.Actor{UserID: uuid.New(), Name: "ops", Role: user.RoleAdmin},
	}
	if policy == nil {
		policy = NewScriptedPolicy(nil, room.Outcome{Decision: room.DecisionCompromise, Reasoning: "split it", NextSteps: []string{"talk"}})
	}
	f.auditSvc = appAudit.NewService(memory.NewAuditRepository(), zerolog.Nop(), nil)
	poster := realtime.NewPoster(f.messages, nil, zerolog.Nop())
	f.svc = NewService(f.rooms, memory.NewTransactionRepository(), f.messages, policy, poster, f.auditSvc, f.mail, "admin@example.com", zerolog.Nop())

	r, err := room.NewRoom(f.buyer.UserID, decimal.NewFromInt(200), "illustration", nil)
	require.NoError(t, err)
	_, err = r.Assign(room.Participant{UserID: f.buyer.UserID, Name: "bea", Email: f.buyer.Email}, room.RoleBuyer)
	require.NoError(t, err)
	_, err = r.Assign(room.Participant{UserID: f.seller.UserID, Name: "sam", Email: f.seller.Email}, room.RoleSeller)
	require.NoError(t, err)
	_, err = r.Force(room.StatusVerification)
	require.NoError(t, err)
	require.NoError(t, f.rooms.Create(context.Background(), r))
	f.roomID = r.ID
	return f
}

func (f *fixture) room(t *testing.T) *room.Room {
	t.Helper()
	r, err := f.rooms.GetByID(context.Background(), f.roomID)
	require.NoError(t, err)
	return r
}

func (f *fixture) types(t *testing.T) []message.Type {
	t.Helper()
	msgs, err := f.messages.List(context.Background(), f.roomID, nil, 100)
	require.NoError(t, err)
	out := make([]message.Type, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Type)
	}
	return out
}

func TestPostMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	res, err := f.svc.PostMessage(ctx, f.buyer, f.roomID, "the logo is wrong", []string{"s3://proof.png"})
	require.NoError(t, err)
	assert.Equal(t, message.TypeDisputeMessage, res.Message.Type)
	require.NotNil(t, res.Reply)
	assert.Equal(t, message.TypeAIResponse, res.Reply.Type)
	assert.Contains(t, res.Reply.Content, "1 buyer and 0 seller")

	d, err := f.room(t).Dispute()
	require.NoError(t, err)
	assert.Equal(t, "the logo is wrong", d.Reason)
	assert.Equal(t, f.buyer.UserID, d.RaisedBy)
	assert.Equal(t, []string{"s3://proof.png"}, d.Evidence)

	_, err = f.svc.PostMessage(ctx, f.seller, f.roomID, "it matches the brief", nil)
	require.NoError(t, err)
	d, err = f.room(t).Dispute()
	require.NoError(t, err)
	assert.Equal(t, "the logo is wrong", d.Reason, "reason is set once")

	assert.Equal(t, []message.Type{
		message.TypeDisputeMessage, message.TypeAIResponse,
		message.TypeDisputeMessage, message.TypeAIResponse,
	}, f.types(t))

	_, err = f.svc.PostMessage(ctx, user.Actor{UserID: uuid.New()}, f.roomID, "hi", nil)
	assert.ErrorIs(t, err, room.ErrNotMember)
	_, err = f.svc.PostMessage(ctx, f.buyer, f.roomID, "  ", nil)
	require.Error(t, err)
}

func TestAIDecision_BothAcceptResolves(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	r, err := f.svc.RequestAIDecision(ctx, f.seller, f.roomID)
	require.NoError(t, err)
	assert.Equal(t, room.StatusDispute, r.Status)
	assert.Equal(t, room.PhaseDisputed, r.WorkStatus.CurrentPhase)
	assert.Equal(t, room.DecisionCompromise, r.WorkStatus.Dispute.AIReview.Decision)
	assert.Empty(t, r.WorkStatus.Dispute.AIReview.AcceptedBy)

	res, err := f.svc.AcceptAIDecision(ctx, f.buyer, f.roomID)
	require.NoError(t, err)
	assert.False(t, res.Resolved)

	// accepting twice changes nothing
	again, err := f.svc.AcceptAIDecision(ctx, f.buyer, f.roomID)
	require.NoError(t, err)
	assert.False(t, again.Resolved)
	assert.Len(t, again.Room.WorkStatus.Dispute.AIReview.AcceptedBy, 1)

	res, err = f.svc.AcceptAIDecision(ctx, f.seller, f.roomID)
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.Equal(t, room.StatusResolved, res.Room.Status)
	assert.Equal(t, room.PhaseResolved, res.Room.WorkStatus.CurrentPhase)
	assert.Equal(t, room.AdminResolved, res.Room.WorkStatus.Dispute.AdminReview.Status)

	res, err = f.svc.AcceptAIDecision(ctx, f.seller, f.roomID)
	require.NoError(t, err)
	assert.False(t, res.Resolved)

	_, err = f.svc.RequestAIDecision(ctx, f.buyer, f.roomID)
	assert.ErrorIs(t, err, room.ErrDisputeResolved)

	assert.Equal(t, 2, f.mail.count(notification.KindDisputeResolved))

	f.auditSvc.Wait()
	logs, err := f.auditSvc.RoomTrail(ctx, f.roomID)
	require.NoError(t, err)
	actions := make([]audit.Action, 0, len(logs))
	for _, l := range logs {
		if l.EntityType == audit.EntityTypeDispute {
			actions = append(actions, l.Action)
		}
	}
	assert.ElementsMatch(t, []audit.Action{
		audit.ActionAIDecision, audit.ActionAIAccepted, audit.ActionAIAccepted, audit.ActionResolve,
	}, actions)
}

func TestAcceptAIDecision_ConcurrentPartiesResolveOnce(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		f := newFixture(t, nil)
		_, err := f.svc.RequestAIDecision(ctx, f.buyer, f.roomID)
		require.NoError(t, err)

		results := make([]*AcceptResult, 2)
		var g errgroup.Group
		for idx, actor := range []user.Actor{f.buyer, f.seller} {
			idx, actor := idx, actor
			g.Go(func() error {
				res, err := f.svc.AcceptAIDecision(ctx, actor, f.roomID)
				results[idx] = res
				return err
			})
		}
		require.NoError(t, g.Wait())

		resolved := 0
		for _, res := range results {
			if res.Resolved {
				resolved++
			}
		}
		assert.Equal(t, 1, resolved)

		r := f.room(t)
		assert.Equal(t, room.StatusResolved, r.Status)
		assert.Len(t, r.WorkStatus.Dispute.AIReview.AcceptedBy, 2)
		assert.Equal(t, 2, f.mail.count(notification.KindDisputeResolved))
		f.auditSvc.Wait()
	}
}

func TestAIDecision_NewDecisionResetsAcceptances(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.svc.RequestAIDecision(ctx, f.buyer, f.roomID)
	require.NoError(t, err)
	_, err = f.svc.AcceptAIDecision(ctx, f.buyer, f.roomID)
	require.NoError(t, err)

	r, err := f.svc.RequestAIDecision(ctx, f.seller, f.roomID)
	require.NoError(t, err)
	assert.Empty(t, r.WorkStatus.Dispute.AIReview.AcceptedBy)

	res, err := f.svc.AcceptAIDecision(ctx, f.seller, f.roomID)
	require.NoError(t, err)
	assert.False(t, res.Resolved)
}

func TestAcceptAIDecision_WithoutDecision(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.AcceptAIDecision(context.Background(), f.buyer, f.roomID)
	assert.ErrorIs(t, err, room.ErrDisputeNotOpen)

	_, err = f.svc.PostMessage(context.Background(), f.buyer, f.roomID, "problem", nil)
	require.NoError(t, err)
	_, err = f.svc.AcceptAIDecision(context.Background(), f.buyer, f.roomID)
	assert.ErrorIs(t, err, room.ErrNoAIDecision)
}

func TestRequestAIDecision_UsesRuleFacts(t *testing.T) {
	ctx := context.Background()
	p, err := NewRulePolicy(nil, zerolog.Nop())
	require.NoError(t, err)
	f := newFixture(t, p)

	r, err := f.svc.RequestAIDecision(ctx, f.buyer, f.roomID)
	require.NoError(t, err)
	assert.Equal(t, room.DecisionBuyerWins, r.WorkStatus.Dispute.AIReview.Decision, "no updates were delivered")

	_, err = f.svc.RequestAIDecision(ctx, user.Actor{UserID: uuid.New()}, f.roomID)
	assert.ErrorIs(t, err, room.ErrNotMember)
}

func TestEscalateAndAdminDecide(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	r, err := f.svc.Escalate(ctx, f.seller, f.roomID, "buyer unresponsive")
	require.NoError(t, err)
	assert.Equal(t, room.AdminInProgress, r.WorkStatus.Dispute.AdminReview.Status)
	assert.Equal(t, room.StatusDispute, r.Status)
	assert.Equal(t, 1, f.mail.count(notification.KindDisputeEscalated))
	assert.Contains(t, f.types(t), message.TypeSystem)

	_, err = f.svc.AdminDecide(ctx, f.buyer, f.roomID, room.DecisionSellerWins, "")
	assert.ErrorIs(t, err, apperr.ErrAccessDenied)
	_, err = f.svc.AdminDecide(ctx, f.admin, f.roomID, "SPLIT", "")
	require.Error(t, err)

	r, err = f.svc.AdminDecide(ctx, f.admin, f.roomID, room.DecisionSellerWins, "work matches the brief")
	require.NoError(t, err)
	assert.Equal(t, room.StatusResolved, r.Status)
	assert.Equal(t, room.PhaseResolved, r.WorkStatus.CurrentPhase)
	assert.Equal(t, room.DecisionSellerWins, r.WorkStatus.Dispute.AdminReview.Decision)
	require.NotNil(t, r.WorkStatus.Dispute.AdminReview.ReviewedBy)
	assert.Equal(t, f.admin.UserID, *r.WorkStatus.Dispute.AdminReview.ReviewedBy)

	_, err = f.svc.AdminDecide(ctx, f.admin, f.roomID, room.DecisionBuyerWins, "")
	assert.ErrorIs(t, err, room.ErrDisputeResolved)
	_, err = f.svc.Escalate(ctx, f.buyer, f.roomID, "")
	assert.ErrorIs(t, err, room.ErrDisputeResolved)

	d, err := f.svc.GetDispute(ctx, f.admin, f.roomID)
	require.NoError(t, err)
	assert.True(t, d.IsResolved())
}
