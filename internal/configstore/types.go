// Package configstore provides typed access to the persisted configuration
// documents the data plane reads on the request hot path: API keys,
// providers, pools, policies, budgets, and alerts. It is the port's answer
// to SPEC_FULL.md §4.1 — a contract, not a schema, backed by MongoDB.
package configstore

import "time"

// ObjectID mirrors the wire size of a MongoDB ObjectID (12 bytes) so budget-
// cache keys and usage metadata round-trip without conversion.
type ObjectID [12]byte

func (id ObjectID) IsZero() bool { return id == ObjectID{} }

func (id ObjectID) String() string {
	const hex = "0123456789abcdef"
	buf := make([]byte, 24)
	for i, b := range id {
		buf[i*2] = hex[b>>4]
		buf[i*2+1] = hex[b&0xf]
	}
	return string(buf)
}

// ModelEntry is one model offered by a Provider.
type ModelEntry struct {
	Name         string  `bson:"name"`
	Alias        string  `bson:"alias"`
	PriceInput   float64 `bson:"price_input"`
	PriceOutput  float64 `bson:"price_output"`
	Enabled      bool    `bson:"enabled"`
}

// ProviderStatus enumerates the lifecycle state of a configured Provider.
type ProviderStatus string

const (
	ProviderConnected ProviderStatus = "Connected"
	ProviderPending   ProviderStatus = "Pending"
	ProviderError     ProviderStatus = "Error"
	ProviderDisabled  ProviderStatus = "Disabled"
)

// ProviderDoc is the persisted shape of an upstream provider definition.
type ProviderDoc struct {
	ID              ObjectID       `bson:"_id"`
	Kind            string         `bson:"kind"`
	Status          ProviderStatus `bson:"status"`
	Credentials     map[string]string `bson:"credentials"`
	Models          []ModelEntry   `bson:"models"`
	Tags            []string       `bson:"tags"`
	UnbudgetedUntil *time.Time     `bson:"unbudgeted_until,omitempty"`
	Owner           string         `bson:"owner"`
	Scopes          []string       `bson:"scopes"`
	UpdatedAt       time.Time      `bson:"updated_at"`
}

// PoolModelRef points at one model offered by one provider.
type PoolModelRef struct {
	ProviderID ObjectID `bson:"provider_id"`
	Alias      string   `bson:"alias"`
}

// PoolDoc groups model references under one caller-visible virtual name.
type PoolDoc struct {
	ID        ObjectID                  `bson:"_id"`
	Name      string                    `bson:"name"`
	Models    map[string][]PoolModelRef `bson:"models"`
	Tags      []string                  `bson:"tags"`
	Owner     string                    `bson:"owner"`
	Scopes    []string                  `bson:"scopes"`
	UpdatedAt time.Time                 `bson:"updated_at"`
}

// RatePeriod is one of the three units an API key's rate limit is expressed
// in.
type RatePeriod string

const (
	RateSecond RatePeriod = "second"
	RateMinute RatePeriod = "minute"
	RateHour   RatePeriod = "hour"
)

// Seconds returns the number of seconds in one period unit.
func (p RatePeriod) Seconds() float64 {
	switch p {
	case RateMinute:
		return 60
	case RateHour:
		return 3600
	default:
		return 1
	}
}

// APIKeyDoc is the persisted shape of a caller credential. The opaque key
// itself is never stored — only its hash and a six-character suffix for
// display.
type APIKeyDoc struct {
	ID               ObjectID      `bson:"_id"`
	Hash             string        `bson:"hash"`
	Suffix           string        `bson:"suffix"`
	Owner            string        `bson:"owner"`
	ProviderIDs      []ObjectID    `bson:"provider_ids"`
	PoolIDs          []ObjectID    `bson:"pool_ids"`
	PolicyIDs        []ObjectID    `bson:"policy_ids"`
	ExpiresAt        *time.Time    `bson:"expires_at,omitempty"`
	UnbudgetedUntil  *time.Time    `bson:"unbudgeted_until,omitempty"`
	RateRequests     int           `bson:"rate_requests,omitempty"`
	RatePeriod       RatePeriod    `bson:"rate_period,omitempty"`
	MaxPromptTokens  int           `bson:"max_prompt_tokens,omitempty"`
	Scopes           []string      `bson:"scopes"`
	Tags             []string      `bson:"tags"`
	UpdatedAt        time.Time     `bson:"updated_at"`
}

// BudgetMode is Recurring or Expiring.
type BudgetMode string

const (
	BudgetRecurring BudgetMode = "Recurring"
	BudgetExpiring  BudgetMode = "Expiring"
)

// BudgetPeriod is the window a Budget's amount applies over.
type BudgetPeriod string

const (
	BudgetMonthly BudgetPeriod = "Monthly"
	BudgetMinutely BudgetPeriod = "Minutely"
	BudgetCustom  BudgetPeriod = "Custom"
)

// BudgetDoc watches exactly one object (an API key or a provider).
// Invariant: (Owner, WatchedID) is unique.
type BudgetDoc struct {
	ID         ObjectID     `bson:"_id"`
	Owner      string       `bson:"owner"`
	WatchedID  ObjectID     `bson:"watched_id"`
	Mode       BudgetMode   `bson:"mode"`
	Period     BudgetPeriod `bson:"period"`
	Amount     float64      `bson:"amount"`
	StartsAt   *time.Time   `bson:"starts_at,omitempty"`
	EndsAt     *time.Time   `bson:"ends_at,omitempty"`
	Limited    bool         `bson:"limited"`
}

// ThresholdState is Ok or Exceeded.
type ThresholdState string

const (
	ThresholdOk       ThresholdState = "Ok"
	ThresholdExceeded ThresholdState = "Exceeded"
)

// AlertDoc watches one object's spend within a period.
type AlertDoc struct {
	ID         ObjectID       `bson:"_id"`
	WatchedID  ObjectID       `bson:"watched_id"`
	Period     BudgetPeriod   `bson:"period"`
	Threshold  float64        `bson:"threshold"`
	IsPercent  bool           `bson:"is_percent"`
	Recipients []string       `bson:"recipients"`
	Used       float64        `bson:"used"`
	State      ThresholdState `bson:"state"`
	StartsAt   time.Time      `bson:"starts_at"`
	EndsAt     time.Time      `bson:"ends_at"`
	Timezone   string         `bson:"timezone"`
}

// ControlKind enumerates the six recognized policy controls.
type ControlKind string

const (
	ControlInvisibleText  ControlKind = "invisible_text"
	ControlLanguages      ControlKind = "languages"
	ControlPromptInjection ControlKind = "prompt_injection"
	ControlTopics         ControlKind = "topics"
	ControlPII            ControlKind = "pii"
	ControlCodeProvenance ControlKind = "code_provenance"
)

// Action is the per-control enforcement mode.
type Action string

const (
	ActionDisabled      Action = "Disabled"
	ActionSanitization  Action = "Sanitization"
	ActionCustomResponse Action = "CustomResponse"
	ActionBan           Action = "Ban"
	ActionRedaction     Action = "Redaction"
	ActionAnonymization Action = "Anonymization"
	ActionTokenization  Action = "Tokenization"
)

// ControlDoc is one entry in a Policy's ordered control list.
type ControlDoc struct {
	Kind           ControlKind `bson:"kind"`
	Action         Action      `bson:"action"`
	Threshold      float64     `bson:"threshold,omitempty"`
	CustomMessage  string      `bson:"custom_message,omitempty"`
	Languages      []string    `bson:"languages,omitempty"`
	Entities       []string    `bson:"entities,omitempty"`
	Topics         []string    `bson:"topics,omitempty"`
	FullScan       bool        `bson:"full_scan,omitempty"`
	Footnote       bool        `bson:"footnote,omitempty"`
}

// PolicyDoc is a named, ordered container of controls.
type PolicyDoc struct {
	ID        ObjectID     `bson:"_id"`
	Name      string       `bson:"name"`
	Controls  []ControlDoc `bson:"controls"`
	Owner     string       `bson:"owner"`
	Scopes    []string     `bson:"scopes"`
	UpdatedAt time.Time    `bson:"updated_at"`
}
