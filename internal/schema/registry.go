package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai/jsonschema"
)

// Registered payload names.
const (
	NamePatternAnalysis = "pattern_analysis"
	NameRiskAssessment  = "risk_assessment"
	NameAlert           = "alert"
	NameAlertsResponse  = "alerts_response"
)

// ErrUnknownSchema is returned when a type has no registered descriptor.
var ErrUnknownSchema = errors.New("unknown schema")

// Descriptor describes one registered payload shape.
type Descriptor struct {
	Name        string
	Description string
	// JSON is the JSON Schema document for the payload.
	JSON json.RawMessage

	typ reflect.Type
}

var registry = make(map[reflect.Type]*Descriptor)

func init() {
	mustRegister[PatternAnalysis](NamePatternAnalysis,
		"Symptom clusters, geographic and temporal patterns and implicated food items across recent cases")
	mustRegister[RiskAssessment](NameRiskAssessment,
		"Risk areas with severity, justification and affected establishments, plus an overall risk level")
	mustRegister[Alert](NameAlert,
		"A single alert raised against one establishment")
	mustRegister[AlertsResponse](NameAlertsResponse,
		"The batch of alerts to raise for the current assessment")
}

func mustRegister[T any](name, description string) {
	var zero T
	def, err := jsonschema.GenerateSchemaForType(zero)
	if err != nil {
		panic(fmt.Sprintf("schema %s: generate: %v", name, err))
	}
	raw, err := json.Marshal(def)
	if err != nil {
		panic(fmt.Sprintf("schema %s: marshal: %v", name, err))
	}
	t := reflect.TypeOf(zero)
	registry[t] = &Descriptor{
		Name:        name,
		Description: description,
		JSON:        raw,
		typ:         t,
	}
}

// For returns the descriptor registered for T.
func For[T any]() (*Descriptor, error) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	d, ok := registry[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSchema, t)
	}
	return d, nil
}

// All returns every registered descriptor ordered by name.
func All() []*Descriptor {
	out := make([]*Descriptor, 0, len(registry))
	for _, d := range registry {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func nameOf(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if d, ok := registry[t]; ok {
		return d.Name
	}
	return t.String()
}

// Document returns the JSON Schema decoded into a generic map.
func (d *Descriptor) Document() (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(d.JSON, &doc); err != nil {
		return nil, fmt.Errorf("schema %s: %w", d.Name, err)
	}
	return doc, nil
}

// Indented returns the JSON Schema pretty-printed for inclusion in prompts.
func (d *Descriptor) Indented() string {
	out, err := json.MarshalIndent(d.JSON, "", "  ")
	if err != nil {
		return string(d.JSON)
	}
	return string(out)
}

// Outline renders the required fields and their types as an indented list.
func (d *Descriptor) Outline() string {
	doc, err := d.Document()
	if err != nil {
		return ""
	}
	defs, _ := doc["$defs"].(map[string]any)
	var b strings.Builder
	writeOutline(&b, doc, defs, "")
	return b.String()
}

func writeOutline(b *strings.Builder, node, defs map[string]any, indent string) {
	props, _ := node["properties"].(map[string]any)
	required := make(map[string]bool)
	if req, ok := node["required"].([]any); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		raw, _ := props[name].(map[string]any)
		prop := resolveRef(raw, defs)

		fmt.Fprintf(b, "%s- %s (%s", indent, name, typeLabel(prop, defs))
		if required[name] {
			b.WriteString(", required")
		}
		b.WriteString(")")
		if enum, ok := prop["enum"].([]any); ok && len(enum) > 0 {
			vals := make([]string, 0, len(enum))
			for _, e := range enum {
				vals = append(vals, fmt.Sprint(e))
			}
			fmt.Fprintf(b, " one of: %s", strings.Join(vals, "|"))
		}
		if desc, ok := prop["description"].(string); ok && desc != "" {
			fmt.Fprintf(b, ": %s", desc)
		}
		b.WriteString("\n")

		child := prop
		if items, ok := prop["items"].(map[string]any); ok {
			child = resolveRef(items, defs)
		}
		if _, ok := child["properties"]; ok {
			writeOutline(b, child, defs, indent+"  ")
		}
	}
}

func resolveRef(node, defs map[string]any) map[string]any {
	ref, ok := node["$ref"].(string)
	if !ok {
		return node
	}
	name := ref[strings.LastIndex(ref, "/")+1:]
	if d, ok := defs[name].(map[string]any); ok {
		return d
	}
	return node
}

func typeLabel(node, defs map[string]any) string {
	t, _ := node["type"].(string)
	if t != "array" {
		if t == "" {
			return "any"
		}
		return t
	}
	items, ok := node["items"].(map[string]any)
	if !ok {
		return "array"
	}
	return "array of " + typeLabel(resolveRef(items, defs), defs)
}
