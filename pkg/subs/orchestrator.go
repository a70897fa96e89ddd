// Package subs maintains the exact set of channel subscriptions implied by
// "this user, this workspace, these visible conversations". Every relevant
// change re-reconciles the bound set with minimal bind/unbind churn, and a
// generation token guards every step that crosses an await boundary.
package subs

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/brightclass/relay/pkg/bus"
	"github.com/brightclass/relay/pkg/events"
	"github.com/brightclass/relay/pkg/logger"
	"github.com/brightclass/relay/pkg/normalize"
	"github.com/brightclass/relay/pkg/pipeline"
)

// ChannelKind classifies a bound channel.
type ChannelKind string

const (
	KindUserPrivate          ChannelKind = "user_private"
	KindConversationPrivate  ChannelKind = "conversation_private"
	KindConversationPresence ChannelKind = "conversation_presence"
)

// Channel name builders. The backend derives access control from the
// private-/presence- prefixes.
func UserChannel(userID string) string { return "private-user-" + userID }
func ConversationChannel(convID string) string { return "private-conversation-" + convID }
func PresenceChannel(convID string) string { return "presence-conversation-" + convID }

// Events bound per channel kind.
var (
	privateEvents = []string{
		normalize.WireMessageNew,
		normalize.WireMessageEdited,
		normalize.WireMessageDeleted,
	}
	presenceEvents = []string{
		normalize.WireTypingStart,
		normalize.WireTypingStop,
		normalize.WireTypingGeneric,
		normalize.WireReadReceipt,
		normalize.WireParticipantJoined,
		normalize.WireParticipantLeft,
	}
)

// ChannelSubscription is one bound channel owned by an orchestrator session.
type ChannelSubscription struct {
	Name         string
	Kind         ChannelKind
	BoundEvents  []string
	OwnerSession string

	binding BoundChannel
}

// Orchestrator reconciles the live channel set. One instance per session;
// instances share nothing.
type Orchestrator struct {
	binder    ChannelBinder
	lister    ConversationLister
	pipe      *pipeline.Pipeline
	sessionID string

	mu          sync.Mutex
	generation  uint64
	current     map[string]*ChannelSubscription
	userID      string
	workspaceID string
}

// NewOrchestrator creates an orchestrator publishing through b.
func NewOrchestrator(b *bus.Bus, binder ChannelBinder, lister ConversationLister) *Orchestrator {
	return &Orchestrator{
		binder:    binder,
		lister:    lister,
		pipe:      pipeline.New(b, "subs"),
		sessionID: uuid.NewString(),
		current:   make(map[string]*ChannelSubscription),
	}
}

// SessionID identifies this orchestrator instance as subscription owner.
func (o *Orchestrator) SessionID() string { return o.sessionID }

// Activate fetches the conversation list for workspaceID and reconciles the
// bound channel set against it: one user-wide private channel, plus one
// private and one presence channel per visible conversation. Channels that
// remain relevant are left untouched — rebinding would drop their in-flight
// events. A failed bind on one channel is logged and does not abort the rest.
//
// The conversation fetch crosses an await boundary; if Deactivate or a newer
// Activate ran meanwhile, the stale continuation discards its result instead
// of creating orphaned subscriptions.
func (o *Orchestrator) Activate(ctx context.Context, userID, workspaceID string) error {
	o.mu.Lock()
	o.generation++
	gen := o.generation
	o.userID = userID
	o.workspaceID = workspaceID
	o.mu.Unlock()

	convs, err := o.lister.ListConversations(ctx, workspaceID)
	if err != nil {
		// Listing failure means "no conversations this cycle": conversation
		// channels come down, the user-wide channel stays.
		logger.WarnCF("subs", "Conversation listing failed, keeping only user channel", map[string]interface{}{
			"workspace_id": workspaceID,
			"error":        err.Error(),
		})
		convs = nil
	}

	desired := o.desiredSet(userID, convs)

	o.mu.Lock()
	if o.generation != gen {
		o.mu.Unlock()
		logger.DebugC("subs", "Discarding stale activation result")
		return nil
	}
	var toUnbind []*ChannelSubscription
	for name, sub := range o.current {
		if _, keep := desired[name]; !keep {
			toUnbind = append(toUnbind, sub)
			delete(o.current, name)
		}
	}
	var toBind []*ChannelSubscription
	for name, sub := range desired {
		if _, have := o.current[name]; !have {
			toBind = append(toBind, sub)
		}
	}
	o.mu.Unlock()

	for _, sub := range toUnbind {
		o.unbind(sub)
	}

	for _, sub := range toBind {
		o.bindOne(ctx, gen, sub)
	}

	logger.InfoCF("subs", "Subscriptions reconciled", map[string]interface{}{
		"workspace_id":  workspaceID,
		"conversations": len(convs),
		"bound":         len(toBind),
		"unbound":       len(toUnbind),
	})
	return nil
}

// Deactivate unbinds every subscription owned by this orchestrator and
// invalidates any reconciliation still in flight. Idempotent.
func (o *Orchestrator) Deactivate() {
	o.mu.Lock()
	o.generation++
	stale := make([]*ChannelSubscription, 0, len(o.current))
	for _, sub := range o.current {
		stale = append(stale, sub)
	}
	o.current = make(map[string]*ChannelSubscription)
	o.mu.Unlock()

	for _, sub := range stale {
		o.unbind(sub)
	}
	if len(stale) > 0 {
		logger.InfoCF("subs", "Subscriptions deactivated", map[string]interface{}{
			"count": len(stale),
		})
	}
}

// Current returns a snapshot of the live subscription names.
func (o *Orchestrator) Current() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(o.current))
	for name := range o.current {
		names = append(names, name)
	}
	return names
}

func (o *Orchestrator) desiredSet(userID string, convs []Conversation) map[string]*ChannelSubscription {
	desired := make(map[string]*ChannelSubscription, 1+2*len(convs))
	add := func(name string, kind ChannelKind, bound []string) {
		desired[name] = &ChannelSubscription{
			Name:         name,
			Kind:         kind,
			BoundEvents:  bound,
			OwnerSession: o.sessionID,
		}
	}

	add(UserChannel(userID), KindUserPrivate, privateEvents)
	for _, conv := range convs {
		add(ConversationChannel(conv.ID), KindConversationPrivate, privateEvents)
		add(PresenceChannel(conv.ID), KindConversationPresence, presenceEvents)
	}
	return desired
}

// bindOne subscribes a single channel and attaches its event handlers. The
// bind may itself await a handshake, so the generation is re-checked before
// the subscription is recorded.
func (o *Orchestrator) bindOne(ctx context.Context, gen uint64, sub *ChannelSubscription) {
	binding, err := o.binder.Bind(ctx, sub.Name)
	if err != nil {
		logger.ErrorCF("subs", "Channel bind failed", map[string]interface{}{
			"channel": sub.Name,
			"error":   err.Error(),
		})
		return
	}

	role := impliedRole(sub.Kind)
	for _, event := range sub.BoundEvents {
		event := event
		binding.On(event, func(raw []byte) {
			o.pipe.HandleFrame(normalize.Source{
				Channel:     sub.Name,
				Event:       event,
				ImpliedRole: role,
			}, raw)
		})
	}
	sub.binding = binding

	o.mu.Lock()
	if o.generation != gen {
		o.mu.Unlock()
		// Torn down while the bind handshake was in flight.
		o.unbind(sub)
		return
	}
	o.current[sub.Name] = sub
	o.mu.Unlock()
}

func (o *Orchestrator) unbind(sub *ChannelSubscription) {
	if sub.binding == nil {
		return
	}
	if err := sub.binding.Unbind(); err != nil {
		logger.WarnCF("subs", "Channel unbind failed", map[string]interface{}{
			"channel": sub.Name,
			"error":   err.Error(),
		})
	}
}

// impliedRole is the fallback sender role for payloads that carry none: the
// user-wide stream delivers agent responses, presence traffic comes from
// human participants.
func impliedRole(kind ChannelKind) events.SenderRole {
	switch kind {
	case KindUserPrivate:
		return events.RoleAgent
	case KindConversationPresence:
		return events.RoleUser
	default:
		return events.RoleUser
	}
}
