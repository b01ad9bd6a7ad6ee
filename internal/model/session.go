package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/lib/pq"
)

type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusEnded  SessionStatus = "ended"
	// SessionStatusExpired is never persisted; it is derived from expires_at at read time.
	SessionStatusExpired SessionStatus = "expired"
)

const (
	ChannelWeb      = "web"
	ChannelKiosk    = "kiosk"
	ChannelWhatsApp = "whatsapp"
	ChannelTelegram = "telegram"
)

// Keys of the session data document used by the built-in readers and actions.
const (
	DataCart                = "cart"
	DataRecent              = "recent"
	DataChatContext         = "chat_context"
	DataLastAction          = "last_action"
	DataConversationSummary = "conversation_summary"
	DataLastRecommendedSKUs = "last_recommended_skus"
	DataShippingAddress     = "shipping_address"
)

type Session struct {
	Token          string        `db:"token" json:"sessionToken"`
	Phone          string        `db:"phone" json:"phone,omitempty"`
	ChatID         string        `db:"chat_id" json:"chatId,omitempty"`
	CustomerID     *string       `db:"customer_id" json:"customerId,omitempty"`
	Channels       ChannelSet    `db:"channels" json:"channels"`
	Data           Data          `db:"data" json:"data"`
	Status         SessionStatus `db:"status" json:"status"`
	CreatedAt      time.Time     `db:"created_at" json:"createdAt"`
	LastActivityAt time.Time     `db:"last_activity_at" json:"lastActivityAt"`
	ExpiresAt      time.Time     `db:"expires_at" json:"expiresAt"`
	UpdatedAt      time.Time     `db:"updated_at" json:"-"`
}

func (s *Session) Identity() Identity {
	return Identity{Phone: s.Phone, ChatID: s.ChatID}
}

// IsResumable reports whether the session may still be resumed at now.
func (s *Session) IsResumable(now time.Time) bool {
	return s.Status == SessionStatusActive && now.Before(s.ExpiresAt)
}

// EffectiveStatus folds lazy expiration into the stored status.
func (s *Session) EffectiveStatus(now time.Time) SessionStatus {
	if s.Status == SessionStatusActive && !now.Before(s.ExpiresAt) {
		return SessionStatusExpired
	}
	return s.Status
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.CustomerID != nil {
		id := *s.CustomerID
		c.CustomerID = &id
	}
	c.Channels = slices.Clone(s.Channels)
	c.Data = s.Data.Clone()
	return &c
}

// Identity is the stable external key of a session: a phone number, a
// messaging chat handle, or both.
type Identity struct {
	Phone  string `json:"phone,omitempty"`
	ChatID string `json:"chatId,omitempty"`
}

func (i Identity) IsZero() bool {
	return i.Phone == "" && i.ChatID == ""
}

// Keys returns the registry index keys for the identity, phone first.
func (i Identity) Keys() []string {
	keys := make([]string, 0, 2)
	if i.Phone != "" {
		keys = append(keys, "phone:"+i.Phone)
	}
	if i.ChatID != "" {
		keys = append(keys, "chat:"+i.ChatID)
	}
	return keys
}

// Matches reports whether the two identities share at least one key.
func (i Identity) Matches(other Identity) bool {
	if i.Phone != "" && i.Phone == other.Phone {
		return true
	}
	return i.ChatID != "" && i.ChatID == other.ChatID
}

// ChannelSet keeps insertion order; Add is idempotent.
type ChannelSet []string

func (c ChannelSet) Contains(channel string) bool {
	return slices.Contains(c, channel)
}

func (c *ChannelSet) Add(channel string) bool {
	if channel == "" || c.Contains(channel) {
		return false
	}
	*c = append(*c, channel)
	return true
}

func (c ChannelSet) Value() (driver.Value, error) {
	return pq.StringArray(c).Value()
}

func (c *ChannelSet) Scan(src any) error {
	var arr pq.StringArray
	if err := arr.Scan(src); err != nil {
		return err
	}
	*c = ChannelSet(arr)
	return nil
}

// Data is the opaque session payload owned by collaborators (cart, chat
// context, summaries ...). It is stored as jsonb.
type Data map[string]any

func (d Data) Value() (driver.Value, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d)
}

func (d *Data) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*d = Data{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("scan session data: unsupported type %T", src)
	}
	out := Data{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("scan session data: %w", err)
	}
	*d = out
	return nil
}

func (d Data) Clone() Data {
	if d == nil {
		return Data{}
	}
	return cloneMap(d)
}

// MergePatch applies patch recursively: nested objects are merged, nil
// values delete a key, everything else overwrites.
func (d Data) MergePatch(patch Data) Data {
	out := d.Clone()
	mergeInto(out, patch)
	return out
}

func mergeInto(dst map[string]any, patch map[string]any) {
	for k, v := range patch {
		if v == nil {
			delete(dst, k)
			continue
		}
		if pm, ok := asMap(v); ok {
			if dm, ok := asMap(dst[k]); ok {
				merged := cloneMap(dm)
				mergeInto(merged, pm)
				dst[k] = merged
				continue
			}
			dst[k] = cloneMap(pm)
			continue
		}
		dst[k] = cloneValue(v)
	}
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Data:
		return m, true
	}
	return nil, false
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case Data:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return slices.Clone(t)
	default:
		return v
	}
}

// NewData returns the default document a fresh session starts with.
func NewData() Data {
	return Data{
		DataCart:                []any{},
		DataRecent:              []any{},
		DataChatContext:         []any{},
		DataLastAction:          nil,
		DataConversationSummary: "",
		DataLastRecommendedSKUs: []any{},
	}
}

// SessionPatch carries the fields a touch or update changes. Nil fields are
// left untouched by the durable store.
type SessionPatch struct {
	Phone          *string
	ChatID         *string
	CustomerID     *string
	Channels       ChannelSet
	Data           Data
	LastActivityAt *time.Time
	ExpiresAt      *time.Time
}
