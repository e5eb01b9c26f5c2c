// Package manifest parses and validates plugin manifest.json documents
// and implements the permission matchers (§4.B) the sandbox and host
// functions gate every effectful call through.
package manifest

import (
	"encoding/json"
	"fmt"
	"regexp"

	"devrig/internal/apperr"
)

var (
	idPattern     = regexp.MustCompile(`^[a-z][a-z0-9-]{1,62}[a-z0-9]$`)
	semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)
)

type AuthType string

const (
	AuthOAuth  AuthType = "oauth"
	AuthAPIKey AuthType = "api_key"
	AuthNone   AuthType = "none"
)

type Author struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	URL   string `json:"url,omitempty"`
}

type Auth struct {
	Type       AuthType `json:"type,omitempty"`
	ProviderID string   `json:"providerId,omitempty"`
}

type Permissions struct {
	Network    []string `json:"network,omitempty"`
	Secrets    []string `json:"secrets,omitempty"`
	AI         bool     `json:"ai,omitempty"`
	Filesystem []string `json:"filesystem,omitempty"`
}

type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
	ParamObject  ParamType = "object"
	ParamArray   ParamType = "array"
)

type DataSource struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	EntryPoint   string `json:"entryPoint"`
	SyncInterval *int   `json:"syncInterval,omitempty"`
	Description  string `json:"description,omitempty"`
}

type ActionParam struct {
	Type ParamType `json:"type"`
}

type Action struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	EntryPoint string                 `json:"entryPoint"`
	Parameters map[string]ActionParam `json:"parameters,omitempty"`
}

type AITrigger string

const (
	TriggerOnNewItems AITrigger = "onNewItems"
	TriggerOnAction   AITrigger = "onAction"
	TriggerManual     AITrigger = "manual"
)

type AIPipeline struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	EntryPoint string    `json:"entryPoint"`
	Trigger    AITrigger `json:"trigger"`
}

type ViewTarget string

const (
	TargetDetailPanel ViewTarget = "detail-panel"
	TargetSettings    ViewTarget = "settings"
	TargetDashboard   ViewTarget = "dashboard"
)

type View struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	EntryPoint string     `json:"entryPoint"`
	Target     ViewTarget `json:"target"`
}

type FlowNodeKind string

const (
	FlowKindTrigger   FlowNodeKind = "trigger"
	FlowKindAction    FlowNodeKind = "action"
	FlowKindCondition FlowNodeKind = "condition"
)

type FlowNodeCapability struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	EntryPoint string       `json:"entryPoint"`
	Type       FlowNodeKind `json:"type"`
}

type Capabilities struct {
	DataSources []DataSource         `json:"dataSources,omitempty"`
	Actions     []Action             `json:"actions,omitempty"`
	AIPipelines []AIPipeline         `json:"aiPipelines,omitempty"`
	Views       []View               `json:"views,omitempty"`
	FlowNodes   []FlowNodeCapability `json:"flowNodes,omitempty"`
}

// Manifest is the parsed form of manifest.json (§4.B, §6).
type Manifest struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Version        string       `json:"version"`
	Description    string       `json:"description"`
	Author         Author       `json:"author"`
	Icon           string       `json:"icon,omitempty"`
	Homepage       string       `json:"homepage,omitempty"`
	Repository     string       `json:"repository,omitempty"`
	MinAppVersion  string       `json:"minAppVersion,omitempty"`
	MaxAppVersion  string       `json:"maxAppVersion,omitempty"`
	Auth           Auth         `json:"auth,omitempty"`
	Permissions    Permissions  `json:"permissions,omitempty"`
	Capabilities   Capabilities `json:"capabilities,omitempty"`
}

// ValidationWarning is a non-fatal issue surfaced alongside a valid
// manifest (e.g. a bare wildcard network entry).
type ValidationWarning struct {
	Field   string
	Message string
}

// Parse unmarshals raw manifest JSON. Unknown top-level fields are
// tolerated (encoding/json ignores them by default); an unknown key
// under "capabilities" is rejected as a validation error.
func Parse(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid manifest json", err)
	}
	var probe struct {
		Capabilities map[string]json.RawMessage `json:"capabilities"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil {
		for kind := range probe.Capabilities {
			switch kind {
			case "dataSources", "actions", "aiPipelines", "views", "flowNodes":
			default:
				return nil, apperr.Validation(fmt.Sprintf("unknown capability kind %q", kind))
			}
		}
	}
	return &m, nil
}

// ParseAndValidate parses and validates raw manifest JSON, returning
// any non-fatal warnings alongside the manifest.
func ParseAndValidate(raw []byte) (*Manifest, []ValidationWarning, error) {
	m, err := Parse(raw)
	if err != nil {
		return nil, nil, err
	}
	warnings, err := Validate(m)
	if err != nil {
		return nil, nil, err
	}
	return m, warnings, nil
}

// Validate checks structural and business-rule constraints (§4.B). It
// returns non-fatal warnings (bare wildcard network entries) alongside
// a hard error for anything that must reject the manifest.
func Validate(m *Manifest) ([]ValidationWarning, error) {
	if !idPattern.MatchString(m.ID) {
		return nil, apperr.Validation(fmt.Sprintf("manifest id %q does not match required pattern", m.ID))
	}
	if l := len(m.Name); l < 1 || l > 100 {
		return nil, apperr.Validation("manifest name must be 1-100 characters")
	}
	if !semverPattern.MatchString(m.Version) {
		return nil, apperr.Validation(fmt.Sprintf("manifest version %q is not valid semver", m.Version))
	}
	if l := len(m.Description); l < 1 || l > 500 {
		return nil, apperr.Validation("manifest description must be 1-500 characters")
	}

	switch m.Auth.Type {
	case "", AuthOAuth, AuthAPIKey, AuthNone:
	default:
		return nil, apperr.Validation(fmt.Sprintf("unknown auth type %q", m.Auth.Type))
	}

	var warnings []ValidationWarning

	if m.Permissions.Network != nil && len(m.Permissions.Network) == 0 {
		return nil, apperr.Validation("network permission array declared but empty")
	}
	for _, host := range m.Permissions.Network {
		if host == "*" || host == "*.*" {
			warnings = append(warnings, ValidationWarning{
				Field:   "permissions.network",
				Message: fmt.Sprintf("bare wildcard %q is not a host pattern and matches no host", host),
			})
		}
	}

	if len(m.Permissions.Secrets) > 20 {
		return nil, apperr.Validation("manifest declares more than 20 secret keys")
	}

	for _, path := range m.Permissions.Filesystem {
		if !isAllowedFilesystemRoot(path) {
			return nil, apperr.Validation(fmt.Sprintf("filesystem path %q is outside allowed roots", path))
		}
	}

	if err := validateCapabilities(m.Capabilities); err != nil {
		return nil, err
	}

	return warnings, nil
}

func isAllowedFilesystemRoot(path string) bool {
	normalized := normalizeSlashes(path)
	if normalized == "__PLUGIN_DATA__" || hasPrefix(normalized, "__PLUGIN_DATA__/") {
		return true
	}
	return hasPrefix(normalized, "/tmp/") || normalized == "/tmp"
}

func validateCapabilities(c Capabilities) error {
	for _, d := range c.DataSources {
		if err := validateCapabilityItem(d.ID, d.Name, d.EntryPoint); err != nil {
			return err
		}
		if d.SyncInterval != nil && (*d.SyncInterval < 10 || *d.SyncInterval > 86400) {
			return apperr.Validation(fmt.Sprintf("data source %q syncInterval out of range [10,86400]", d.ID))
		}
	}
	for _, a := range c.Actions {
		if err := validateCapabilityItem(a.ID, a.Name, a.EntryPoint); err != nil {
			return err
		}
		for name, p := range a.Parameters {
			switch p.Type {
			case ParamString, ParamNumber, ParamBoolean, ParamObject, ParamArray:
			default:
				return apperr.Validation(fmt.Sprintf("action %q parameter %q has unknown type %q", a.ID, name, p.Type))
			}
		}
	}
	for _, p := range c.AIPipelines {
		if err := validateCapabilityItem(p.ID, p.Name, p.EntryPoint); err != nil {
			return err
		}
		switch p.Trigger {
		case TriggerOnNewItems, TriggerOnAction, TriggerManual:
		default:
			return apperr.Validation(fmt.Sprintf("ai pipeline %q has unknown trigger %q", p.ID, p.Trigger))
		}
	}
	for _, v := range c.Views {
		if err := validateCapabilityItem(v.ID, v.Name, v.EntryPoint); err != nil {
			return err
		}
		switch v.Target {
		case TargetDetailPanel, TargetSettings, TargetDashboard:
		default:
			return apperr.Validation(fmt.Sprintf("view %q has unknown target %q", v.ID, v.Target))
		}
	}
	for _, n := range c.FlowNodes {
		if err := validateCapabilityItem(n.ID, n.Name, n.EntryPoint); err != nil {
			return err
		}
		switch n.Type {
		case FlowKindTrigger, FlowKindAction, FlowKindCondition:
		default:
			return apperr.Validation(fmt.Sprintf("flow node %q has unknown type %q", n.ID, n.Type))
		}
	}
	return nil
}

func validateCapabilityItem(id, name, entryPoint string) error {
	if l := len(id); l < 1 || l > 64 {
		return apperr.Validation(fmt.Sprintf("capability id %q must be 1-64 characters", id))
	}
	if l := len(name); l < 1 || l > 100 {
		return apperr.Validation(fmt.Sprintf("capability %q name must be 1-100 characters", id))
	}
	if entryPoint == "" {
		return apperr.Validation(fmt.Sprintf("capability %q must declare a non-empty entryPoint", id))
	}
	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
