package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tetratelabs/wazero"
)

// ConfigRule bounds one whitelisted config key. Nil bounds are open.
type ConfigRule struct {
	Min     *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max     *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Allowed []string `json:"allowed,omitempty" yaml:"allowed,omitempty"`
}

// Validators runs stage-5 validation dispatched by update type. A nil
// diagnostics slice means the update passed.
type Validators struct {
	// ConfigWhitelist is the set of keys a config update may touch.
	ConfigWhitelist map[string]ConfigRule
	// KnownMetrics guards metric_definition name collisions.
	KnownMetrics map[string]bool
}

// Validate dispatches on update type. previousSchema is the content of
// the last distributed schema update for an overlapping target, empty
// when none exists.
func (v *Validators) Validate(ctx context.Context, u *LogicUpdate, previousSchema json.RawMessage) []string {
	switch u.UpdateType {
	case TypeSchema:
		return v.validateSchema(u, previousSchema)
	case TypeCodeModule:
		return v.validateCodeModule(ctx, u)
	case TypePlaybook:
		return v.validatePlaybook(u)
	case TypeConfig:
		return v.validateConfig(u)
	case TypeMetricDefinition:
		return v.validateMetricDefinition(u)
	case TypeComponentHandshake:
		return v.validateHandshake(u)
	}
	return []string{fmt.Sprintf("unknown update type %q", u.UpdateType)}
}

// validateSchema compiles the schema and diffs it against the previous
// distributed version. Breaking changes fail unless the schema opts in
// with x_allow_breaking.
func (v *Validators) validateSchema(u *LogicUpdate, previous json.RawMessage) []string {
	if _, err := jsonschema.CompileString(u.UpdateID+".json", string(u.Content)); err != nil {
		return []string{fmt.Sprintf("schema does not compile: %v", err)}
	}
	if len(previous) == 0 {
		return nil
	}
	breaking := schemaBreakingChanges(previous, u.Content)
	if len(breaking) == 0 {
		return nil
	}
	var doc struct {
		AllowBreaking bool `json:"x_allow_breaking"`
	}
	if json.Unmarshal(u.Content, &doc) == nil && doc.AllowBreaking {
		return nil
	}
	return breaking
}

type schemaDoc struct {
	Properties map[string]struct {
		Type any `json:"type"`
	} `json:"properties"`
	Required []string `json:"required"`
}

// schemaBreakingChanges reports removed properties, newly required
// fields, and property type changes.
func schemaBreakingChanges(previous, next json.RawMessage) []string {
	var prev, curr schemaDoc
	if json.Unmarshal(previous, &prev) != nil || json.Unmarshal(next, &curr) != nil {
		return nil
	}
	var out []string
	for name, p := range prev.Properties {
		c, exists := curr.Properties[name]
		if !exists {
			out = append(out, fmt.Sprintf("breaking: property %q removed", name))
			continue
		}
		if fmt.Sprint(p.Type) != fmt.Sprint(c.Type) {
			out = append(out, fmt.Sprintf("breaking: property %q type changed %v -> %v", name, p.Type, c.Type))
		}
	}
	wasRequired := make(map[string]bool, len(prev.Required))
	for _, r := range prev.Required {
		wasRequired[r] = true
	}
	for _, r := range curr.Required {
		if !wasRequired[r] {
			out = append(out, fmt.Sprintf("breaking: field %q is newly required", r))
		}
	}
	return out
}

// validateCodeModule compiles the wasm payload in a deny-by-default
// sandbox. Compilation is the gate; nothing is instantiated or run.
func (v *Validators) validateCodeModule(ctx context.Context, u *LogicUpdate) []string {
	var doc struct {
		ModuleBase64 string `json:"module_base64"`
	}
	if err := json.Unmarshal(u.Content, &doc); err != nil || doc.ModuleBase64 == "" {
		return []string{"code_module content requires module_base64"}
	}
	wasm, err := base64.StdEncoding.DecodeString(doc.ModuleBase64)
	if err != nil {
		return []string{fmt.Sprintf("module_base64 is not valid base64: %v", err)}
	}
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)
	compiled, err := rt.CompileModule(ctx, wasm)
	if err != nil {
		return []string{fmt.Sprintf("sandbox compile failed: %v", err)}
	}
	_ = compiled.Close(ctx)
	return nil
}

// playbookSchema is the executor's expected shape.
const playbookSchema = `{
	"type": "object",
	"required": ["name", "steps"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"steps": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["action"],
				"properties": {
					"action": {"type": "string", "minLength": 1},
					"params": {"type": "object"},
					"on_failure": {"type": "string"}
				}
			}
		},
		"trigger": {"type": "string"}
	}
}`

func (v *Validators) validatePlaybook(u *LogicUpdate) []string {
	schema, err := jsonschema.CompileString("playbook.json", playbookSchema)
	if err != nil {
		return []string{fmt.Sprintf("internal: playbook schema broken: %v", err)}
	}
	var doc any
	if err := json.Unmarshal(u.Content, &doc); err != nil {
		return []string{fmt.Sprintf("playbook is not valid JSON: %v", err)}
	}
	if err := schema.Validate(doc); err != nil {
		return []string{fmt.Sprintf("playbook shape check failed: %v", err)}
	}
	return nil
}

func (v *Validators) validateConfig(u *LogicUpdate) []string {
	var values map[string]any
	if err := json.Unmarshal(u.Content, &values); err != nil {
		return []string{fmt.Sprintf("config is not a JSON object: %v", err)}
	}
	if len(values) == 0 {
		return []string{"config update changes no keys"}
	}
	var out []string
	for key, val := range values {
		rule, ok := v.ConfigWhitelist[key]
		if !ok {
			out = append(out, fmt.Sprintf("key %q is not whitelisted", key))
			continue
		}
		out = append(out, checkConfigValue(key, val, rule)...)
	}
	return out
}

func checkConfigValue(key string, val any, rule ConfigRule) []string {
	var out []string
	switch tv := val.(type) {
	case float64:
		if rule.Min != nil && tv < *rule.Min {
			out = append(out, fmt.Sprintf("key %q value %v below minimum %v", key, tv, *rule.Min))
		}
		if rule.Max != nil && tv > *rule.Max {
			out = append(out, fmt.Sprintf("key %q value %v above maximum %v", key, tv, *rule.Max))
		}
	case string:
		if len(rule.Allowed) > 0 {
			ok := false
			for _, a := range rule.Allowed {
				if a == tv {
					ok = true
					break
				}
			}
			if !ok {
				out = append(out, fmt.Sprintf("key %q value %q not in allowed set", key, tv))
			}
		}
	case bool:
		// Booleans need no bounds.
	default:
		out = append(out, fmt.Sprintf("key %q has unsupported value type %T", key, val))
	}
	return out
}

var metricNameRe = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)

var metricTypes = map[string]bool{
	"counter":   true,
	"gauge":     true,
	"histogram": true,
	"summary":   true,
}

func (v *Validators) validateMetricDefinition(u *LogicUpdate) []string {
	var doc struct {
		Name        string `json:"name"`
		Type        string `json:"type"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(u.Content, &doc); err != nil {
		return []string{fmt.Sprintf("metric definition is not valid JSON: %v", err)}
	}
	var out []string
	if !metricNameRe.MatchString(doc.Name) {
		out = append(out, fmt.Sprintf("metric name %q is not a valid identifier", doc.Name))
	}
	if !metricTypes[doc.Type] {
		out = append(out, fmt.Sprintf("metric type %q is not one of counter|gauge|histogram|summary", doc.Type))
	}
	if v.KnownMetrics != nil && v.KnownMetrics[doc.Name] {
		out = append(out, fmt.Sprintf("metric %q is already registered", doc.Name))
	}
	return out
}

// HandshakeContent is the payload of a component_handshake update.
type HandshakeContent struct {
	ComponentID     string   `json:"component_id"`
	Type            string   `json:"type"`
	Capabilities    []string `json:"capabilities"`
	ExpectedMetrics []string `json:"expected_metrics"`
	Version         string   `json:"version"`
	Signature       string   `json:"signature,omitempty"`
	TrustLevel      int      `json:"trust_level,omitempty"`
	// RequiredAcks overrides the configured quorum set for this handshake.
	RequiredAcks []string `json:"required_acks,omitempty"`
}

func (v *Validators) validateHandshake(u *LogicUpdate) []string {
	var doc HandshakeContent
	if err := json.Unmarshal(u.Content, &doc); err != nil {
		return []string{fmt.Sprintf("handshake content is not valid JSON: %v", err)}
	}
	var out []string
	if doc.ComponentID == "" {
		out = append(out, "handshake requires component_id")
	}
	if doc.Type == "" {
		out = append(out, "handshake requires a component type")
	}
	if _, err := semver.NewVersion(doc.Version); err != nil {
		out = append(out, fmt.Sprintf("handshake version %q is not semver: %v", doc.Version, err))
	}
	return out
}
