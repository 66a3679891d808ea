package domain

import (
	"sync/atomic"
	"time"
)

// Rule is the per-type processing policy: whether to batch, deduplicate and
// rate limit, and through which channels the type may be delivered.
type Rule struct {
	Type NotificationType

	Batch        bool
	BatchWindow  time.Duration
	MaxBatchSize int

	Dedup    bool
	DedupTTL time.Duration

	RateLimit bool
	HourlyCap int
	DailyCap  int

	AllowedChannels ChannelMask
	DefaultPriority Priority
	Expiry          time.Duration
}

// RuleDefaults are the global fallbacks applied when a rule leaves a field
// unset or no rule exists for a type.
type RuleDefaults struct {
	DedupTTL     time.Duration
	BatchWindow  time.Duration
	MaxBatchSize int
	HourlyCap    int
	DailyCap     int
	Expiry       time.Duration
}

// DefaultRules is the engine's built-in policy table.
func DefaultRules() []Rule {
	return []Rule{
		{
			Type:            TypeLike,
			Batch:           true,
			BatchWindow:     10 * time.Minute,
			MaxBatchSize:    20,
			Dedup:           true,
			DedupTTL:        30 * time.Minute,
			RateLimit:       true,
			HourlyCap:       20,
			DailyCap:        100,
			AllowedChannels: MaskInApp | MaskPush,
			DefaultPriority: PriorityLow,
		},
		{
			Type:            TypeComment,
			Batch:           true,
			BatchWindow:     5 * time.Minute,
			MaxBatchSize:    5,
			RateLimit:       true,
			HourlyCap:       30,
			DailyCap:        200,
			AllowedChannels: MaskAll,
			DefaultPriority: PriorityNormal,
		},
		{
			Type:            TypeReply,
			Batch:           true,
			BatchWindow:     5 * time.Minute,
			MaxBatchSize:    5,
			RateLimit:       true,
			HourlyCap:       30,
			DailyCap:        200,
			AllowedChannels: MaskAll,
			DefaultPriority: PriorityNormal,
		},
		{
			Type:            TypeFollow,
			Dedup:           true,
			DedupTTL:        24 * time.Hour,
			RateLimit:       true,
			HourlyCap:       10,
			DailyCap:        50,
			AllowedChannels: MaskAll,
			DefaultPriority: PriorityHigh,
		},
		{
			Type:            TypeMention,
			RateLimit:       true,
			HourlyCap:       15,
			DailyCap:        100,
			AllowedChannels: MaskAll,
			DefaultPriority: PriorityUrgent,
		},
		{
			Type:            TypeRepost,
			Batch:           true,
			BatchWindow:     15 * time.Minute,
			MaxBatchSize:    10,
			Dedup:           true,
			DedupTTL:        time.Hour,
			RateLimit:       true,
			HourlyCap:       25,
			DailyCap:        150,
			AllowedChannels: MaskAll,
			DefaultPriority: PriorityNormal,
		},
		{
			Type:            TypeQuote,
			Batch:           true,
			BatchWindow:     15 * time.Minute,
			MaxBatchSize:    10,
			Dedup:           true,
			DedupTTL:        time.Hour,
			RateLimit:       true,
			HourlyCap:       25,
			DailyCap:        150,
			AllowedChannels: MaskAll,
			DefaultPriority: PriorityNormal,
		},
		{
			Type:            TypeDirectMessage,
			AllowedChannels: MaskAll,
			DefaultPriority: PriorityUrgent,
		},
		{
			Type:            TypeSystemAlert,
			AllowedChannels: MaskAll,
			DefaultPriority: PriorityHigh,
		},
	}
}

// RuleTable holds the active policy table. Reads never block: the whole map
// is swapped copy-on-write on update.
type RuleTable struct {
	rules    atomic.Value // map[NotificationType]Rule
	defaults RuleDefaults
}

func NewRuleTable(rules []Rule, defaults RuleDefaults) *RuleTable {
	t := &RuleTable{defaults: defaults}
	m := make(map[NotificationType]Rule, len(rules))
	for _, r := range rules {
		m[r.Type] = r
	}
	t.rules.Store(m)
	return t
}

// Resolve returns the effective rule for a type with defaults filled in.
// Unknown types get a permissive immediate-delivery rule.
func (t *RuleTable) Resolve(typ NotificationType) Rule {
	m := t.rules.Load().(map[NotificationType]Rule)
	r, ok := m[typ]
	if !ok {
		r = Rule{Type: typ, AllowedChannels: MaskAll, DefaultPriority: PriorityNormal}
	}
	if r.DedupTTL <= 0 {
		r.DedupTTL = t.defaults.DedupTTL
	}
	if r.BatchWindow <= 0 {
		r.BatchWindow = t.defaults.BatchWindow
	}
	if r.MaxBatchSize <= 0 {
		r.MaxBatchSize = t.defaults.MaxBatchSize
	}
	if r.HourlyCap <= 0 {
		r.HourlyCap = t.defaults.HourlyCap
	}
	if r.DailyCap <= 0 {
		r.DailyCap = t.defaults.DailyCap
	}
	if r.Expiry <= 0 {
		r.Expiry = t.defaults.Expiry
	}
	if r.AllowedChannels.IsEmpty() {
		r.AllowedChannels = MaskAll
	}
	if r.DefaultPriority == "" {
		r.DefaultPriority = PriorityNormal
	}
	return r
}

// Upsert replaces or adds a single rule, copy-on-write.
func (t *RuleTable) Upsert(rule Rule) {
	old := t.rules.Load().(map[NotificationType]Rule)
	next := make(map[NotificationType]Rule, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[rule.Type] = rule
	t.rules.Store(next)
}
