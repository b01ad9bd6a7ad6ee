package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/retailassist/session-server-go/internal/config"
	apperrors "github.com/retailassist/session-server-go/internal/errors"
	"github.com/retailassist/session-server-go/internal/events"
	"github.com/retailassist/session-server-go/internal/metrics"
	"github.com/retailassist/session-server-go/internal/model"
	"github.com/retailassist/session-server-go/internal/util"
)

const (
	ActionAddToCart   = "add_to_cart"
	ActionViewProduct = "view_product"
	ActionChatMessage = "chat_message"
	ActionSetUser     = "set_user"
)

const (
	IntentPurchase   = "purchase_intent"
	IntentCartUpdate = "cart_update"
	IntentBrowsing   = "browsing"
)

const (
	senderUser  = "user"
	senderAgent = "agent"
)

type actionFunc func(sess *model.Session, payload map[string]any, now time.Time) (model.SessionPatch, error)

var actions = map[string]actionFunc{
	ActionAddToCart:   addToCart,
	ActionViewProduct: viewProduct,
	ActionChatMessage: chatMessage,
	ActionSetUser:     setUser,
}

// ApplyAction is a convenience writer over the session data for the common
// storefront events. It touches the session like Update does.
func (s *SessionService) ApplyAction(ctx context.Context, token, action string, payload map[string]any) (*model.Session, error) {
	fn, ok := actions[action]
	if !ok {
		return nil, apperrors.ValidationError(fmt.Sprintf("Unsupported action: %s", action))
	}
	if payload == nil {
		payload = map[string]any{}
	}

	sess, err := s.mutate(ctx, token, func(sess *model.Session, now time.Time) (model.SessionPatch, error) {
		if sess.Data == nil {
			sess.Data = model.Data{}
		}
		patch, err := fn(sess, payload, now)
		if err != nil {
			return patch, err
		}
		patch.Data = sess.Data.Clone()
		return patch, nil
	})
	if err != nil {
		return nil, err
	}

	metrics.SessionActions.WithLabelValues(action).Inc()
	s.publish(ctx, events.EventUpdated, sess, "", map[string]any{"action": action})
	log.Debug().
		Str("token", util.MaskToken(sess.Token)).
		Str("action", action).
		Msg("session action applied")
	return sess, nil
}

func addToCart(sess *model.Session, payload map[string]any, now time.Time) (model.SessionPatch, error) {
	item, ok := payload["item"]
	if !ok || item == nil {
		return model.SessionPatch{}, apperrors.MissingRequired("item")
	}

	sess.Data[model.DataCart] = append(listValue(sess.Data[model.DataCart]), item)
	sess.Data[model.DataLastAction] = map[string]any{
		"type":      ActionAddToCart,
		"item":      item,
		"timestamp": timestamp(now),
	}
	return model.SessionPatch{}, nil
}

func viewProduct(sess *model.Session, payload map[string]any, now time.Time) (model.SessionPatch, error) {
	product := payload["product"]
	if isBlank(product) {
		product = payload["product_id"]
	}
	if isBlank(product) {
		return model.SessionPatch{}, apperrors.MissingRequired("product or product_id")
	}

	recent := append([]any{map[string]any{"product": product, "viewed_at": timestamp(now)}},
		listValue(sess.Data[model.DataRecent])...)
	if len(recent) > config.MaxRecentItems {
		recent = recent[:config.MaxRecentItems]
	}
	sess.Data[model.DataRecent] = recent
	sess.Data[model.DataLastAction] = map[string]any{
		"type":      ActionViewProduct,
		"product":   product,
		"timestamp": timestamp(now),
	}
	return model.SessionPatch{}, nil
}

func chatMessage(sess *model.Session, payload map[string]any, now time.Time) (model.SessionPatch, error) {
	raw, ok := payload["message"]
	if !ok || raw == nil {
		return model.SessionPatch{}, apperrors.MissingRequired("message")
	}
	message := fmt.Sprint(raw)
	sender := senderUser
	if v, ok := payload["sender"].(string); ok && v != "" {
		sender = v
	}
	metadata, hasMetadata := payload["metadata"]
	if metadata == nil {
		hasMetadata = false
	}

	chat := listValue(sess.Data[model.DataChatContext])
	if last, ok := lastEntry(chat); ok && last["sender"] == sender && last["message"] == message {
		last["timestamp"] = timestamp(now)
		if hasMetadata {
			last["metadata"] = metadata
		}
	} else {
		entry := map[string]any{"sender": sender, "message": message, "timestamp": timestamp(now)}
		if hasMetadata {
			entry["metadata"] = metadata
		}
		chat = append(chat, entry)
	}
	sess.Data[model.DataChatContext] = chat

	lastAction := map[string]any{"type": ActionChatMessage, "sender": sender, "timestamp": timestamp(now)}
	if sender == senderUser {
		if intent := detectIntent(message); intent != "" {
			lastAction["intent"] = intent
		}
	}
	sess.Data[model.DataLastAction] = lastAction

	meta, _ := metadata.(map[string]any)
	if sender == senderAgent && meta != nil {
		if skus := cardSKUs(meta["cards"]); len(skus) > 0 {
			recommended := make([]any, len(skus))
			recent := listValue(sess.Data[model.DataRecent])
			for i, sku := range skus {
				recommended[i] = sku
				if !slices.Contains(recent, any(sku)) {
					recent = append(recent, sku)
				}
			}
			if len(recent) > config.MaxRecommended {
				recent = recent[len(recent)-config.MaxRecommended:]
			}
			sess.Data[model.DataLastRecommendedSKUs] = recommended
			sess.Data[model.DataRecent] = recent
		}
	}

	if len(chat) >= config.SummaryEveryMsgs && len(chat)%config.SummaryEveryMsgs == 0 {
		if summary := summarize(chat); summary != "" {
			sess.Data[model.DataConversationSummary] = summary
		}
	}

	if meta != nil {
		if address := sanitizeAddress(meta["shipping_address"]); len(address) > 0 {
			sess.Data[model.DataShippingAddress] = address
		}
	}
	return model.SessionPatch{}, nil
}

// setUser attaches a customer id. The first id wins; later ones are ignored.
func setUser(sess *model.Session, payload map[string]any, now time.Time) (model.SessionPatch, error) {
	id, _ := payload["user_id"].(string)
	id = strings.TrimSpace(id)
	if id == "" {
		return model.SessionPatch{}, apperrors.MissingRequired("user_id")
	}
	return mergeAccess(sess, "", "", "", id), nil
}

var intentKeywords = []struct {
	intent   string
	keywords []string
}{
	{IntentPurchase, []string{"buy", "purchase", "checkout", "order", "payment", "pay"}},
	{IntentCartUpdate, []string{"add to cart", "add cart", "cart"}},
	{IntentBrowsing, []string{"show", "recommend", "looking", "want", "need", "find", "search"}},
}

func detectIntent(message string) string {
	lower := strings.ToLower(message)
	for _, group := range intentKeywords {
		if containsAny(lower, group.keywords) {
			return group.intent
		}
	}
	return ""
}

var productKeywords = []string{
	"shoe", "shirt", "pant", "jacket", "sneaker", "tshirt", "jeans", "hoodie", "running", "casual", "formal",
}

// summarize builds a one-line digest of the last ten messages: the stage the
// customer is in and the product families they mentioned.
func summarize(chat []any) string {
	if len(chat) < 2 {
		return ""
	}
	window := chat[max(0, len(chat)-10):]

	var userMsgs []string
	for _, e := range window {
		entry, ok := e.(map[string]any)
		if !ok || entry["sender"] != senderUser {
			continue
		}
		userMsgs = append(userMsgs, strings.ToLower(fmt.Sprint(entry["message"])))
	}
	if len(userMsgs) == 0 {
		return ""
	}

	var products []string
	for _, msg := range userMsgs {
		for _, kw := range productKeywords {
			if strings.Contains(msg, kw) && !slices.Contains(products, kw) {
				products = append(products, kw)
			}
		}
	}

	latest := strings.Join(userMsgs[max(0, len(userMsgs)-3):], " ")
	stage := "browsing"
	switch {
	case containsAny(latest, []string{"buy", "purchase", "order", "checkout", "cart", "payment"}):
		stage = "ready to purchase"
	case containsAny(latest, []string{"compare", "difference", "between", "better"}):
		stage = "comparing options"
	}

	productText := "products"
	if len(products) > 0 {
		productText = strings.Join(products[:min(3, len(products))], ", ") + "s"
	}
	return fmt.Sprintf("Customer is %s - interested in %s. %d interactions so far.", stage, productText, len(userMsgs))
}

func cardSKUs(v any) []string {
	cards, ok := v.([]any)
	if !ok {
		return nil
	}
	var skus []string
	for _, c := range cards {
		card, ok := c.(map[string]any)
		if !ok {
			continue
		}
		for _, key := range []string{"sku", "SKU", "product_id"} {
			if !isBlank(card[key]) {
				skus = append(skus, fmt.Sprint(card[key]))
				break
			}
		}
	}
	return skus
}

// sanitizeAddress keeps the city, landmark and building fields, trimmed.
// building_name is accepted as an alias of building.
func sanitizeAddress(v any) map[string]any {
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := map[string]any{}
	for _, key := range []string{"city", "landmark", "building", "building_name"} {
		if raw[key] == nil {
			continue
		}
		text := strings.TrimSpace(fmt.Sprint(raw[key]))
		if text == "" {
			continue
		}
		if key == "building_name" {
			key = "building"
		}
		if _, exists := out[key]; exists {
			continue
		}
		out[key] = text
	}
	return out
}

func lastEntry(chat []any) (map[string]any, bool) {
	if len(chat) == 0 {
		return nil, false
	}
	entry, ok := chat[len(chat)-1].(map[string]any)
	return entry, ok
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
