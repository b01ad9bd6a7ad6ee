package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/retailassist/session-server-go/internal/errors"
	"github.com/retailassist/session-server-go/internal/model"
)

func startForActions(t *testing.T) (*harness, string) {
	t.Helper()
	h := newHarness(t)
	res := h.start(t, StartParams{Phone: "+15550100", Channel: "web"})
	return h, res.Token
}

func TestApplyAction_AddToCart(t *testing.T) {
	h, token := startForActions(t)
	ctx := context.Background()

	_, err := h.svc.ApplyAction(ctx, token, ActionAddToCart, map[string]any{"item": map[string]any{"sku": "A1", "qty": 1}})
	require.NoError(t, err)
	h.advance(time.Minute)
	sess, err := h.svc.ApplyAction(ctx, token, ActionAddToCart, map[string]any{"item": "B2"})
	require.NoError(t, err)

	assert.Equal(t, []any{map[string]any{"sku": "A1", "qty": 1}, "B2"}, sess.Data[model.DataCart])
	lastAction := sess.Data[model.DataLastAction].(map[string]any)
	assert.Equal(t, ActionAddToCart, lastAction["type"])
	assert.Equal(t, "B2", lastAction["item"])
	assert.Equal(t, "2026-03-02T10:01:00Z", lastAction["timestamp"])
	assert.Equal(t, t0.Add(time.Minute), sess.LastActivityAt)

	_, err = h.svc.ApplyAction(ctx, token, ActionAddToCart, map[string]any{})
	assert.Equal(t, apperrors.ErrCodeMissingRequired, apperrors.GetCode(err))
}

func TestApplyAction_ViewProduct(t *testing.T) {
	h, token := startForActions(t)
	ctx := context.Background()

	_, err := h.svc.ApplyAction(ctx, token, ActionViewProduct, map[string]any{"product_id": "P0"})
	require.NoError(t, err)

	var sess *model.Session
	for i := 1; i <= 60; i++ {
		sess, err = h.svc.ApplyAction(ctx, token, ActionViewProduct, map[string]any{"product": fmt.Sprintf("P%d", i)})
		require.NoError(t, err)
	}

	recent := sess.Data[model.DataRecent].([]any)
	assert.Len(t, recent, 50)
	assert.Equal(t, "P60", recent[0].(map[string]any)["product"])
	assert.Equal(t, "P11", recent[49].(map[string]any)["product"])

	_, err = h.svc.ApplyAction(ctx, token, ActionViewProduct, map[string]any{"product": " "})
	assert.Equal(t, apperrors.ErrCodeMissingRequired, apperrors.GetCode(err))
}

func TestApplyAction_ChatMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("appends and detects intent", func(t *testing.T) {
		h, token := startForActions(t)

		sess, err := h.svc.ApplyAction(ctx, token, ActionChatMessage, map[string]any{"message": "I want to buy running shoes"})
		require.NoError(t, err)

		chat := sess.Data[model.DataChatContext].([]any)
		require.Len(t, chat, 1)
		entry := chat[0].(map[string]any)
		assert.Equal(t, "user", entry["sender"])
		assert.Equal(t, "I want to buy running shoes", entry["message"])

		lastAction := sess.Data[model.DataLastAction].(map[string]any)
		assert.Equal(t, ActionChatMessage, lastAction["type"])
		assert.Equal(t, IntentPurchase, lastAction["intent"])
	})

	t.Run("consecutive duplicate refreshes timestamp", func(t *testing.T) {
		h, token := startForActions(t)
		payload := map[string]any{"message": "hello", "sender": "user"}

		_, err := h.svc.ApplyAction(ctx, token, ActionChatMessage, payload)
		require.NoError(t, err)
		h.advance(time.Minute)
		sess, err := h.svc.ApplyAction(ctx, token, ActionChatMessage, payload)
		require.NoError(t, err)

		chat := sess.Data[model.DataChatContext].([]any)
		require.Len(t, chat, 1)
		assert.Equal(t, "2026-03-02T10:01:00Z", chat[0].(map[string]any)["timestamp"])
	})

	t.Run("agent cards feed recommendations", func(t *testing.T) {
		h, token := startForActions(t)

		sess, err := h.svc.ApplyAction(ctx, token, ActionChatMessage, map[string]any{
			"sender":  "agent",
			"message": "Here are a few options",
			"metadata": map[string]any{"cards": []any{
				map[string]any{"sku": "SKU-1"},
				map[string]any{"SKU": "SKU-2"},
				map[string]any{"product_id": 42},
				map[string]any{"title": "no sku"},
			}},
		})
		require.NoError(t, err)

		assert.Equal(t, []any{"SKU-1", "SKU-2", "42"}, sess.Data[model.DataLastRecommendedSKUs])
		assert.Equal(t, []any{"SKU-1", "SKU-2", "42"}, sess.Data[model.DataRecent])
		_, hasIntent := sess.Data[model.DataLastAction].(map[string]any)["intent"]
		assert.False(t, hasIntent)

		recs, err := h.svc.GetRecommendations(ctx, token)
		require.NoError(t, err)
		assert.Len(t, recs, 3)
	})

	t.Run("summary every sixth message", func(t *testing.T) {
		h, token := startForActions(t)
		messages := []string{
			"show me some shoes",
			"what about a jacket",
			"which is better",
			"any hoodie in blue",
			"add the shoes to my cart",
		}
		var sess *model.Session
		var err error
		for i, msg := range messages {
			sess, err = h.svc.ApplyAction(ctx, token, ActionChatMessage, map[string]any{"message": msg})
			require.NoError(t, err)
			if i < len(messages)-1 {
				assert.Empty(t, sess.Data[model.DataConversationSummary])
			}
		}
		sess, err = h.svc.ApplyAction(ctx, token, ActionChatMessage, map[string]any{"sender": "agent", "message": "Added!"})
		require.NoError(t, err)

		assert.Equal(t,
			"Customer is ready to purchase - interested in shoe, jacket, hoodies. 5 interactions so far.",
			sess.Data[model.DataConversationSummary])

		summary, err := h.svc.GetSummary(ctx, token)
		require.NoError(t, err)
		assert.Contains(t, summary, "ready to purchase")
	})

	t.Run("shipping address is sanitized", func(t *testing.T) {
		h, token := startForActions(t)

		sess, err := h.svc.ApplyAction(ctx, token, ActionChatMessage, map[string]any{
			"message": "deliver here",
			"metadata": map[string]any{"shipping_address": map[string]any{
				"city":          " Pune ",
				"building_name": "Tower 4",
				"phone":         "+15550100",
			}},
		})
		require.NoError(t, err)

		assert.Equal(t, map[string]any{"city": "Pune", "building": "Tower 4"}, sess.Data[model.DataShippingAddress])
	})

	t.Run("requires a message", func(t *testing.T) {
		h, token := startForActions(t)

		_, err := h.svc.ApplyAction(ctx, token, ActionChatMessage, nil)
		assert.Equal(t, apperrors.ErrCodeMissingRequired, apperrors.GetCode(err))
	})
}

func TestApplyAction_SetUser(t *testing.T) {
	h, token := startForActions(t)
	ctx := context.Background()

	sess, err := h.svc.ApplyAction(ctx, token, ActionSetUser, map[string]any{"user_id": "cust-1"})
	require.NoError(t, err)
	require.NotNil(t, sess.CustomerID)
	assert.Equal(t, "cust-1", *sess.CustomerID)

	sess, err = h.svc.ApplyAction(ctx, token, ActionSetUser, map[string]any{"user_id": "cust-2"})
	require.NoError(t, err)
	assert.Equal(t, "cust-1", *sess.CustomerID)

	h.flush(t)
	assert.Equal(t, "cust-1", *h.store.get(token).CustomerID)
}

func TestApplyAction_Errors(t *testing.T) {
	h, token := startForActions(t)
	ctx := context.Background()

	_, err := h.svc.ApplyAction(ctx, token, "teleport", nil)
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.GetCode(err))

	_, err = h.svc.ApplyAction(ctx, "missing", ActionAddToCart, map[string]any{"item": "A1"})
	assert.True(t, apperrors.IsNotFound(err))
}

func TestDetectIntent(t *testing.T) {
	tests := []struct {
		message string
		want    string
	}{
		{"Proceed to CHECKOUT", IntentPurchase},
		{"add to cart please", IntentCartUpdate},
		{"can you recommend something", IntentBrowsing},
		{"hello there", ""},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			assert.Equal(t, tt.want, detectIntent(tt.message))
		})
	}
}
