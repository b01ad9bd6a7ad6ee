package service

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/moby/locker"
	"github.com/rs/zerolog/log"

	"github.com/retailassist/session-server-go/internal/audit"
	"github.com/retailassist/session-server-go/internal/config"
	apperrors "github.com/retailassist/session-server-go/internal/errors"
	"github.com/retailassist/session-server-go/internal/events"
	"github.com/retailassist/session-server-go/internal/expiry"
	"github.com/retailassist/session-server-go/internal/metrics"
	"github.com/retailassist/session-server-go/internal/model"
	"github.com/retailassist/session-server-go/internal/registry"
	"github.com/retailassist/session-server-go/internal/util"
)

type EventPublisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// Source tells how StartOrResume or Restore found the session.
type Source string

const (
	SourceCreated  Source = "created"
	SourceToken    Source = "token"
	SourceRegistry Source = "registry"
	SourceDurable  Source = "durable"
)

type StartParams struct {
	Token      string `json:"sessionToken,omitempty"`
	Phone      string `json:"phone,omitempty"`
	ChatID     string `json:"chatId,omitempty"`
	Channel    string `json:"channel,omitempty"`
	CustomerID string `json:"customerId,omitempty"`
}

func (p StartParams) normalized() StartParams {
	p.Token = strings.TrimSpace(p.Token)
	p.Phone = strings.TrimSpace(p.Phone)
	p.ChatID = strings.TrimSpace(p.ChatID)
	p.Channel = strings.ToLower(strings.TrimSpace(p.Channel))
	p.CustomerID = strings.TrimSpace(p.CustomerID)
	return p
}

func (p StartParams) identity() model.Identity {
	return model.Identity{Phone: p.Phone, ChatID: p.ChatID}
}

type StartResult struct {
	Token   string         `json:"sessionToken"`
	Session *model.Session `json:"session"`
	Resumed bool           `json:"resumed"`
	Source  Source         `json:"source"`
}

type SessionContext struct {
	Data       model.Data       `json:"data"`
	Channels   model.ChannelSet `json:"channels"`
	CustomerID *string          `json:"customerId,omitempty"`
}

// SessionService owns the session lifecycle. The registry is authoritative;
// the durable store is written behind it by the persister and only read on a
// registry miss. Operations on one identity or one token are serialized.
type SessionService struct {
	registry  registry.Registry
	persister *Persister
	customers CustomerResolver
	events    EventPublisher
	policy    expiry.Policy
	locks     *locker.Locker
	now       func() time.Time
}

// NewSessionService wires the lifecycle manager. customers and publisher
// may be nil.
func NewSessionService(
	reg registry.Registry,
	persister *Persister,
	customers CustomerResolver,
	publisher EventPublisher,
	policy expiry.Policy,
) *SessionService {
	return &SessionService{
		registry:  reg,
		persister: persister,
		customers: customers,
		events:    publisher,
		policy:    policy,
		locks:     locker.New(),
		now:       time.Now,
	}
}

// StartOrResume returns the caller's resumable session or creates one.
// Resolution order: token, identity in the registry, identity in the durable
// store, create.
func (s *SessionService) StartOrResume(ctx context.Context, p StartParams) (*StartResult, error) {
	p = p.normalized()
	if p.Channel == "" {
		p.Channel = config.DefaultChannel
	}
	identity := p.identity()
	if p.Token == "" && identity.IsZero() {
		return nil, apperrors.MissingIdentity()
	}

	unlock := s.lockIdentity(identity)
	defer unlock()

	res, err := s.resolve(ctx, p, identity)
	if err != nil || res != nil {
		return res, err
	}
	if identity.IsZero() {
		return nil, apperrors.MissingIdentity()
	}
	return s.create(ctx, p, identity)
}

// Restore follows the same resolution chain as StartOrResume but never
// creates a session.
func (s *SessionService) Restore(ctx context.Context, token string, identity model.Identity) (*StartResult, error) {
	p := StartParams{Token: token, Phone: identity.Phone, ChatID: identity.ChatID}.normalized()
	identity = p.identity()
	if p.Token == "" && identity.IsZero() {
		return nil, apperrors.MissingIdentity()
	}

	unlock := s.lockIdentity(identity)
	defer unlock()

	res, err := s.resolve(ctx, p, identity)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, apperrors.SessionNotFound()
	}
	return res, nil
}

func (s *SessionService) resolve(ctx context.Context, p StartParams, identity model.Identity) (*StartResult, error) {
	if p.Token != "" {
		res, err := s.resume(ctx, p.Token, nil, p, SourceToken, func(sess *model.Session) bool {
			if identity.IsZero() || identity.Matches(sess.Identity()) {
				return true
			}
			audit.Log(ctx, audit.Event{Type: audit.EventIdentityMismatch, Token: sess.Token, Channel: p.Channel})
			return false
		})
		if err != nil || res != nil {
			return res, err
		}
	}

	for _, key := range identity.Keys() {
		cand, err := s.registry.GetByIdentity(ctx, key)
		if err != nil {
			return nil, apperrors.Registry(err)
		}
		if !expiry.Resumable(cand, s.now()) {
			continue
		}
		res, err := s.resume(ctx, cand.Token, nil, p, SourceRegistry, nil)
		if err != nil || res != nil {
			return res, err
		}
	}

	if identity.IsZero() {
		return nil, nil
	}
	now := s.now()
	cand := s.persister.FindActiveByIdentity(ctx, identity, now)
	if !expiry.Resumable(cand, now) {
		return nil, nil
	}
	return s.resume(ctx, cand.Token, cand, p, SourceDurable, nil)
}

// resume re-reads token under its lock, since the candidate may have changed
// since it was looked up. fallback stands in for a registry miss.
func (s *SessionService) resume(
	ctx context.Context,
	token string,
	fallback *model.Session,
	p StartParams,
	source Source,
	accept func(*model.Session) bool,
) (*StartResult, error) {
	unlock := s.lockToken(token)
	defer unlock()

	sess, err := s.load(ctx, token, fallback)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if !expiry.Resumable(sess, now) || (accept != nil && !accept(sess)) {
		return nil, nil
	}

	phone, chatID, err := s.claimable(ctx, sess, p, now)
	if err != nil {
		return nil, err
	}
	patch := mergeAccess(sess, p.Channel, phone, chatID, p.CustomerID)
	s.policy.Touch(sess, now)

	if err := s.registry.Put(ctx, sess); err != nil {
		return nil, apperrors.Registry(err)
	}
	s.persister.Patch(sess, withTouch(patch, sess))

	s.publish(ctx, events.EventResumed, sess, p.Channel, map[string]any{"channels": sess.Channels})
	metrics.SessionsStarted.WithLabelValues(string(source)).Inc()
	log.Info().
		Str("token", util.MaskToken(sess.Token)).
		Str("source", string(source)).
		Str("channel", p.Channel).
		Strs("channels", sess.Channels).
		Time("expiresAt", sess.ExpiresAt).
		Msg("session resumed")

	return &StartResult{Token: sess.Token, Session: sess, Resumed: true, Source: source}, nil
}

// claimable returns the caller's phone and chat id, blanking any that
// another resumable session already holds so adoption cannot steal it.
func (s *SessionService) claimable(ctx context.Context, sess *model.Session, p StartParams, now time.Time) (string, string, error) {
	check := func(value string, id model.Identity) (string, error) {
		if value == "" {
			return "", nil
		}
		holder, err := s.registry.GetByIdentity(ctx, id.Keys()[0])
		if err != nil {
			return "", apperrors.Registry(err)
		}
		if holder != nil && holder.Token != sess.Token && expiry.Resumable(holder, now) {
			return "", nil
		}
		return value, nil
	}

	var phone, chatID string
	var err error
	if sess.Phone == "" {
		if phone, err = check(p.Phone, model.Identity{Phone: p.Phone}); err != nil {
			return "", "", err
		}
	}
	if sess.ChatID == "" {
		if chatID, err = check(p.ChatID, model.Identity{ChatID: p.ChatID}); err != nil {
			return "", "", err
		}
	}
	return phone, chatID, nil
}

func (s *SessionService) create(ctx context.Context, p StartParams, identity model.Identity) (*StartResult, error) {
	token, err := util.GenerateToken()
	if err != nil {
		return nil, apperrors.Internal("Failed to generate session token").WithCause(err)
	}

	now := s.now()
	sess := &model.Session{
		Token:          token,
		Phone:          identity.Phone,
		ChatID:         identity.ChatID,
		Channels:       model.ChannelSet{p.Channel},
		Data:           model.NewData(),
		Status:         model.SessionStatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      s.policy.Next(now),
	}
	customerID := p.CustomerID
	if customerID == "" {
		customerID = s.resolveCustomer(ctx, identity.Phone)
	}
	if customerID != "" {
		sess.CustomerID = &customerID
	}

	if err := s.registry.Put(ctx, sess); err != nil {
		return nil, apperrors.Registry(err)
	}
	s.persister.Upsert(sess)

	s.publish(ctx, events.EventCreated, sess, p.Channel, map[string]any{"channels": sess.Channels})
	metrics.SessionsStarted.WithLabelValues(string(SourceCreated)).Inc()
	audit.Log(ctx, audit.Event{
		Type:       audit.EventSessionCreate,
		Token:      sess.Token,
		CustomerID: customerID,
		Channel:    p.Channel,
	})

	return &StartResult{Token: sess.Token, Session: sess, Resumed: false, Source: SourceCreated}, nil
}

func (s *SessionService) resolveCustomer(ctx context.Context, phone string) string {
	if s.customers == nil || phone == "" {
		return ""
	}
	id, err := s.customers.Resolve(ctx, phone)
	if err != nil {
		log.Warn().Err(err).Msg("customer resolution failed, creating session without customer id")
		return ""
	}
	return id
}

// Update merge-patches partial into the session data: nested objects merge,
// nil values delete a key, absent keys are left alone.
func (s *SessionService) Update(ctx context.Context, token string, partial model.Data) (*model.Session, error) {
	sess, err := s.mutate(ctx, token, func(sess *model.Session, now time.Time) (model.SessionPatch, error) {
		sess.Data = sess.Data.MergePatch(partial)
		return model.SessionPatch{Data: sess.Data.Clone()}, nil
	})
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(partial))
	for k := range partial {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	s.publish(ctx, events.EventUpdated, sess, "", map[string]any{"keys": keys})
	return sess, nil
}

// Heartbeat slides the expiry window without changing anything else.
func (s *SessionService) Heartbeat(ctx context.Context, token string) (*model.Session, error) {
	return s.mutate(ctx, token, func(*model.Session, time.Time) (model.SessionPatch, error) {
		return model.SessionPatch{}, nil
	})
}

// End marks the session ended. It stays readable by token for audit but no
// identity lookup returns it again. Ending an ended session is a no-op.
func (s *SessionService) End(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return apperrors.MissingRequired("session token")
	}

	unlock := s.lockToken(token)
	defer unlock()

	sess, err := s.load(ctx, token, nil)
	if err != nil {
		return err
	}
	if sess == nil {
		return apperrors.SessionNotFound()
	}
	if sess.Status == model.SessionStatusEnded {
		return nil
	}

	now := s.now()
	sess.Status = model.SessionStatusEnded
	if err := s.registry.Put(ctx, sess); err != nil {
		return apperrors.Registry(err)
	}
	s.persister.SoftDelete(sess, now)

	s.publish(ctx, events.EventEnded, sess, "", nil)
	metrics.SessionsEnded.Inc()
	audit.Log(ctx, audit.Event{
		Type:       audit.EventSessionEnd,
		Token:      sess.Token,
		CustomerID: derefString(sess.CustomerID),
		Details:    map[string]interface{}{"channels": len(sess.Channels)},
	})
	return nil
}

// Get returns a resumable session without touching it.
func (s *SessionService) Get(ctx context.Context, token string) (*model.Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, apperrors.MissingRequired("session token")
	}
	sess, err := s.load(ctx, token, nil)
	if err != nil {
		return nil, err
	}
	if !expiry.Resumable(sess, s.now()) {
		return nil, apperrors.SessionNotFound()
	}
	return sess, nil
}

func (s *SessionService) GetContext(ctx context.Context, token string) (*SessionContext, error) {
	sess, err := s.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	return &SessionContext{Data: sess.Data, Channels: sess.Channels, CustomerID: sess.CustomerID}, nil
}

func (s *SessionService) GetSummary(ctx context.Context, token string) (string, error) {
	sess, err := s.Get(ctx, token)
	if err != nil {
		return "", err
	}
	summary, _ := sess.Data[model.DataConversationSummary].(string)
	return summary, nil
}

func (s *SessionService) GetRecommendations(ctx context.Context, token string) ([]any, error) {
	sess, err := s.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	return listValue(sess.Data[model.DataLastRecommendedSKUs]), nil
}

func (s *SessionService) GetCart(ctx context.Context, token string) ([]any, error) {
	sess, err := s.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	return listValue(sess.Data[model.DataCart]), nil
}

func (s *SessionService) SetSummary(ctx context.Context, token, summary string) (*model.Session, error) {
	return s.Update(ctx, token, model.Data{model.DataConversationSummary: summary})
}

// Wait drains outstanding durable writes, for shutdown and tests.
func (s *SessionService) Wait(ctx context.Context) error {
	return s.persister.Wait(ctx)
}

// mutate runs fn on a resumable session under its token lock, then touches,
// stores and replicates it.
func (s *SessionService) mutate(
	ctx context.Context,
	token string,
	fn func(sess *model.Session, now time.Time) (model.SessionPatch, error),
) (*model.Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, apperrors.MissingRequired("session token")
	}

	unlock := s.lockToken(token)
	defer unlock()

	sess, err := s.load(ctx, token, nil)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if !expiry.Resumable(sess, now) {
		return nil, apperrors.SessionNotFound()
	}

	patch, err := fn(sess, now)
	if err != nil {
		return nil, err
	}
	s.policy.Touch(sess, now)

	if err := s.registry.Put(ctx, sess); err != nil {
		return nil, apperrors.Registry(err)
	}
	s.persister.Patch(sess, withTouch(patch, sess))
	return sess, nil
}

// load reads token from the registry, falling back to fallback and then to
// the durable store. A registry hit always wins, even when it is no longer
// resumable.
func (s *SessionService) load(ctx context.Context, token string, fallback *model.Session) (*model.Session, error) {
	sess, err := s.registry.GetByToken(ctx, token)
	if err != nil {
		return nil, apperrors.Registry(err)
	}
	if sess != nil {
		return sess, nil
	}
	if fallback != nil {
		return fallback.Clone(), nil
	}
	sess = s.persister.FindByToken(ctx, token)
	if sess != nil && sess.Data == nil {
		sess.Data = model.Data{}
	}
	return sess, nil
}

func (s *SessionService) publish(ctx context.Context, typ events.EventType, sess *model.Session, channel string, data any) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, events.NewEvent(typ, sess.Token, channel, data)); err != nil {
		log.Warn().
			Err(err).
			Str("token", util.MaskToken(sess.Token)).
			Str("type", string(typ)).
			Msg("failed to publish session event")
	}
}

// lockIdentity takes the identity key locks in sorted order. Token locks are
// always taken after identity locks, never before.
func (s *SessionService) lockIdentity(identity model.Identity) func() {
	keys := identity.Keys()
	slices.Sort(keys)
	for _, key := range keys {
		s.locks.Lock("id:" + key)
	}
	return func() {
		for i := len(keys) - 1; i >= 0; i-- {
			_ = s.locks.Unlock("id:" + keys[i])
		}
	}
}

func (s *SessionService) lockToken(token string) func() {
	s.locks.Lock("tok:" + token)
	return func() { _ = s.locks.Unlock("tok:" + token) }
}

func listValue(v any) []any {
	switch t := v.(type) {
	case []any:
		return slices.Clone(t)
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	default:
		return []any{}
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
