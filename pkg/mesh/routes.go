package mesh

import "path"

// RouteRule is a declarative annotation over the event stream. Rules are
// loaded at startup; hot-reload is itself a Hub update.
type RouteRule struct {
	EventPattern     string   `json:"event_pattern" yaml:"event_pattern"`
	Subscribers      []string `json:"subscribers,omitempty" yaml:"subscribers,omitempty"`
	PriorityOverride Priority `json:"priority_override,omitempty" yaml:"priority_override,omitempty"`
	AuditRequired    bool     `json:"audit_required,omitempty" yaml:"audit_required,omitempty"`
	AlertRequired    bool     `json:"alert_required,omitempty" yaml:"alert_required,omitempty"`
}

// MatchPattern reports whether a dotted glob matches an event type.
// Patterns use path.Match syntax over the dotted name, so "component.*"
// matches "component.activated" and "*" matches everything.
func MatchPattern(pattern, eventType string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, eventType)
	return err == nil && ok
}

// appliesTo reports whether the rule targets the given subscriber owner.
// An empty subscriber list targets everyone; "*" is the all-components group.
func (r RouteRule) appliesTo(owner string) bool {
	if len(r.Subscribers) == 0 {
		return true
	}
	for _, s := range r.Subscribers {
		if s == "*" || s == owner {
			return true
		}
	}
	return false
}
