package state

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"travel-chat/web/types"

	"go.uber.org/zap"
)

// PreferenceStore holds the travel preferences extracted so far for the
// current session.
type PreferenceStore struct {
	mu       sync.RWMutex
	prefs    types.PreferenceSet
	notifier *Notifier
	logger   *zap.Logger
}

func NewPreferenceStore(notifier *Notifier, logger *zap.Logger) *PreferenceStore {
	if notifier == nil {
		notifier = NewNotifier()
	}
	return &PreferenceStore{
		prefs:    types.NewPreferenceSet(),
		notifier: notifier,
		logger:   logger,
	}
}

// Get returns a copy of the current preferences.
func (p *PreferenceStore) Get() types.PreferenceSet {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return clonePreferences(p.prefs)
}

// Merge applies a partial update: keys present in update overwrite, absent
// keys are left untouched. It returns the canonical names of the fields that
// were applied.
func (p *PreferenceStore) Merge(update map[string]any) []string {
	p.mu.Lock()
	applied := p.apply(update)
	p.mu.Unlock()

	if len(applied) > 0 {
		p.notifier.Publish(Change{Kind: ChangePreferences})
	}
	return applied
}

// Replace discards the current preferences and loads prefs in their place.
func (p *PreferenceStore) Replace(prefs map[string]any) {
	p.mu.Lock()
	p.prefs = types.NewPreferenceSet()
	p.apply(prefs)
	p.mu.Unlock()

	p.notifier.Publish(Change{Kind: ChangePreferences})
}

// Reset clears every preference back to its empty value.
func (p *PreferenceStore) Reset() {
	p.mu.Lock()
	p.prefs = types.NewPreferenceSet()
	p.mu.Unlock()

	p.notifier.Publish(Change{Kind: ChangePreferences})
}

func (p *PreferenceStore) apply(update map[string]any) []string {
	var applied []string
	for rawKey, value := range update {
		key := canonicalKey(rawKey)
		var ok bool
		switch key {
		case "destination":
			p.prefs.Destination, ok = optionalString(value)
		case "origin":
			p.prefs.Origin, ok = optionalString(value)
		case "dates":
			p.prefs.Dates, ok = optionalString(value)
		case "accommodation_type":
			p.prefs.AccommodationType, ok = optionalString(value)
		case "budget":
			if value == nil {
				p.prefs.Budget, ok = nil, true
			} else if f, parsed := toFloat(value); parsed {
				p.prefs.Budget, ok = &f, true
			}
		case "people_count":
			if f, parsed := toFloat(value); parsed && f >= 1 {
				p.prefs.PeopleCount, ok = int(f), true
			}
		case "dietary_preferences":
			p.prefs.DietaryPreferences, ok = stringSet(value)
		case "activity_preferences":
			p.prefs.ActivityPreferences, ok = stringSet(value)
		default:
			p.logger.Debug("Ignoring unknown preference key", zap.String("key", rawKey))
			continue
		}

		if !ok {
			p.logger.Warn("Ignoring invalid preference value",
				zap.String("key", rawKey),
				zap.Any("value", value))
			continue
		}
		applied = append(applied, key)
	}
	return applied
}

// canonicalKey maps camelCase and snake_case spellings onto snake_case.
func canonicalKey(key string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(key) {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

func optionalString(value any) (*string, bool) {
	switch v := value.(type) {
	case nil:
		return nil, true
	case string:
		v = strings.TrimSpace(v)
		if v == "" {
			return nil, true
		}
		return &v, true
	case float64, int, int64, json.Number:
		s := fmt.Sprint(v)
		return &s, true
	default:
		return nil, false
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		cleaned := strings.ReplaceAll(strings.TrimSpace(v), ",", "")
		f, err := strconv.ParseFloat(cleaned, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// stringSet de-duplicates values in first-seen order.
func stringSet(value any) ([]string, bool) {
	var items []string
	switch v := value.(type) {
	case nil:
		return []string{}, true
	case string:
		items = strings.Split(v, ",")
	case []string:
		items = v
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			items = append(items, s)
		}
	default:
		return nil, false
	}

	seen := make(map[string]bool, len(items))
	set := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		set = append(set, item)
	}
	return set, true
}

func clonePreferences(p types.PreferenceSet) types.PreferenceSet {
	out := p
	out.Destination = cloneString(p.Destination)
	out.Origin = cloneString(p.Origin)
	out.Dates = cloneString(p.Dates)
	out.AccommodationType = cloneString(p.AccommodationType)
	if p.Budget != nil {
		b := *p.Budget
		out.Budget = &b
	}
	out.DietaryPreferences = append([]string{}, p.DietaryPreferences...)
	out.ActivityPreferences = append([]string{}, p.ActivityPreferences...)
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
