package dataverse

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// OtherIDAgency tags the citation otherId entry that records the manifest
// identifier of a dataset. Probing matches on it.
const OtherIDAgency = "dvsync"

// Field is one entry of a metadata block's "fields" array
type Field struct {
	TypeName  string `json:"typeName"`
	Multiple  bool   `json:"multiple"`
	TypeClass string `json:"typeClass"`
	Value     any    `json:"value"`
}

func findField(fields []Field, typeName string) *Field {
	for i := range fields {
		if fields[i].TypeName == typeName {
			return &fields[i]
		}
	}
	return nil
}

// compoundEntries normalizes a compound field value into its entries
func compoundEntries(v any) []map[string]any {
	switch val := v.(type) {
	case []any:
		out := make([]map[string]any, 0, len(val))
		for _, e := range val {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	case map[string]any:
		return []map[string]any{val}
	}
	return nil
}

func primitiveValue(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m["value"].(string)
	return s
}

// CollectionAlias returns the alias a manifest collection maps to: an
// explicit "alias" in its metadata, else its identifier.
func CollectionAlias(identifier string, md map[string]any) string {
	if alias, ok := md["alias"].(string); ok && strings.TrimSpace(alias) != "" {
		return strings.TrimSpace(alias)
	}
	return identifier
}

// DatasetPIDHint returns an explicit persistent identifier from dataset
// metadata, if the manifest pins one.
func DatasetPIDHint(md map[string]any) string {
	pid, _ := md["persistentId"].(string)
	return strings.TrimSpace(pid)
}

// BuildCollection turns manifest metadata into a create-collection payload.
// Unknown keys pass through untouched.
func BuildCollection(identifier string, md map[string]any) (map[string]any, error) {
	payload, err := deepCopy(md)
	if err != nil {
		return nil, err
	}

	payload["alias"] = CollectionAlias(identifier, md)
	if name, _ := payload["name"].(string); name == "" {
		payload["name"] = identifier
	}
	if _, ok := payload["dataverseType"]; !ok {
		payload["dataverseType"] = "UNCATEGORIZED"
	}
	if _, ok := payload["permissionRoot"]; !ok {
		payload["permissionRoot"] = false
	}

	if _, ok := payload["dataverseContacts"]; !ok {
		var contacts []map[string]any
		if email, ok := payload["contactEmail"].(string); ok && email != "" {
			contacts = append(contacts, map[string]any{"contactEmail": email})
		}
		if list, ok := payload["contactEmails"].([]any); ok {
			for _, e := range list {
				if s, ok := e.(string); ok && s != "" {
					contacts = append(contacts, map[string]any{"contactEmail": s})
				}
			}
		}
		if len(contacts) > 0 {
			payload["dataverseContacts"] = contacts
		}
	}
	delete(payload, "contactEmail")
	delete(payload, "contactEmails")

	return payload, nil
}

// LoadTemplate reads a native dataset JSON document used as the base of
// BuildDataset.
func LoadTemplate(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset template: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse dataset template %s: %w", path, err)
	}
	return doc, nil
}

// BuildDataset produces a native create-dataset document. A manifest that
// carries a full "datasetVersion" is used as-is; otherwise the simplified
// keys (title, subtitle, authors, contacts, description, subjects, keywords)
// are written into the citation block of template, or of an empty document.
// The identifier is always recorded as an otherId entry.
func BuildDataset(identifier string, md map[string]any, template map[string]any) (map[string]any, error) {
	var base map[string]any
	var err error
	switch {
	case md["datasetVersion"] != nil:
		base, err = deepCopy(map[string]any{"datasetVersion": md["datasetVersion"]})
	case template != nil:
		base, err = deepCopy(template)
	default:
		base = map[string]any{}
	}
	if err != nil {
		return nil, err
	}

	cit := citationOf(base)

	if s, ok := md["title"].(string); ok && s != "" {
		cit.setPrimitive("title", s)
	}
	if s, ok := md["subtitle"].(string); ok && s != "" {
		cit.setPrimitive("subtitle", s)
	}
	if entries := objectList(md["authors"], map[string]string{
		"name":             "authorName",
		"affiliation":      "authorAffiliation",
		"identifier":       "authorIdentifier",
		"identifierScheme": "authorIdentifierScheme",
	}); len(entries) > 0 {
		cit.setCompound("author", entries)
	}
	if entries := objectList(md["contacts"], map[string]string{
		"name":        "datasetContactName",
		"email":       "datasetContactEmail",
		"affiliation": "datasetContactAffiliation",
	}); len(entries) > 0 {
		cit.setCompound("datasetContact", entries)
	}
	if s, ok := md["description"].(string); ok && s != "" {
		cit.setCompound("dsDescription", []map[string]string{{"dsDescriptionValue": s}})
	}
	if subjects := stringList(md["subjects"]); len(subjects) > 0 {
		cit.setControlled("subject", subjects)
	}
	if keywords := stringList(md["keywords"]); len(keywords) > 0 {
		entries := make([]map[string]string, 0, len(keywords))
		for _, k := range keywords {
			entries = append(entries, map[string]string{"keywordValue": k})
		}
		cit.setCompound("keyword", entries)
	}

	cit.addOtherID(identifier)

	return base, nil
}

// controlledSubfields use typeClass controlledVocabulary inside compounds
var controlledSubfields = map[string]bool{
	"authorIdentifierScheme": true,
}

// citation wraps the citation block of a native dataset document held as
// generic maps, so template content we do not model survives untouched.
type citation struct {
	block map[string]any
}

func citationOf(doc map[string]any) *citation {
	version := childMap(doc, "datasetVersion")
	blocks := childMap(version, "metadataBlocks")
	block := childMap(blocks, "citation")
	if _, ok := block["displayName"]; !ok {
		block["displayName"] = "Citation Metadata"
	}
	if _, ok := block["fields"].([]any); !ok {
		block["fields"] = []any{}
	}
	return &citation{block: block}
}

func childMap(m map[string]any, key string) map[string]any {
	if child, ok := m[key].(map[string]any); ok {
		return child
	}
	child := map[string]any{}
	m[key] = child
	return child
}

func (c *citation) fields() []any {
	return c.block["fields"].([]any)
}

func (c *citation) find(typeName string) map[string]any {
	for _, f := range c.fields() {
		if m, ok := f.(map[string]any); ok && m["typeName"] == typeName {
			return m
		}
	}
	return nil
}

func (c *citation) put(field map[string]any) {
	if existing := c.find(field["typeName"].(string)); existing != nil {
		for k, v := range field {
			existing[k] = v
		}
		return
	}
	c.block["fields"] = append(c.fields(), field)
}

func (c *citation) setPrimitive(typeName, value string) {
	c.put(map[string]any{
		"typeName":  typeName,
		"multiple":  false,
		"typeClass": "primitive",
		"value":     value,
	})
}

func (c *citation) setControlled(typeName string, values []string) {
	vals := make([]any, 0, len(values))
	for _, v := range values {
		vals = append(vals, v)
	}
	c.put(map[string]any{
		"typeName":  typeName,
		"multiple":  true,
		"typeClass": "controlledVocabulary",
		"value":     vals,
	})
}

func (c *citation) setCompound(typeName string, entries []map[string]string) {
	c.put(map[string]any{
		"typeName":  typeName,
		"multiple":  true,
		"typeClass": "compound",
		"value":     compoundValue(entries),
	})
}

func (c *citation) addOtherID(identifier string) {
	entry := map[string]string{"otherIdAgency": OtherIDAgency, "otherIdValue": identifier}

	field := c.find("otherId")
	if field == nil {
		c.setCompound("otherId", []map[string]string{entry})
		return
	}

	existing := compoundEntries(field["value"])
	for _, e := range existing {
		if primitiveValue(e["otherIdAgency"]) == OtherIDAgency {
			e["otherIdValue"] = subfield("otherIdValue", identifier)
			return
		}
	}
	values := make([]any, 0, len(existing)+1)
	for _, e := range existing {
		values = append(values, e)
	}
	values = append(values, compoundValue([]map[string]string{entry})...)
	field["value"] = values
	field["multiple"] = true
	field["typeClass"] = "compound"
}

func compoundValue(entries []map[string]string) []any {
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		m := make(map[string]any, len(e))
		for name, v := range e {
			m[name] = subfield(name, v)
		}
		out = append(out, m)
	}
	return out
}

func subfield(name, value string) map[string]any {
	class := "primitive"
	if controlledSubfields[name] {
		class = "controlledVocabulary"
	}
	return map[string]any{
		"typeName":  name,
		"multiple":  false,
		"typeClass": class,
		"value":     value,
	}
}

// objectList maps a list of manifest objects onto compound subfield names,
// dropping empty values and entries.
func objectList(v any, keys map[string]string) []map[string]string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []map[string]string
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		entry := map[string]string{}
		for from, to := range keys {
			if s, ok := m[from].(string); ok && s != "" {
				entry[to] = s
			}
		}
		if len(entry) > 0 {
			out = append(out, entry)
		}
	}
	return out
}

func stringList(v any) []string {
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []any:
		out := make([]string, 0, len(val))
		for _, e := range val {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func deepCopy(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("metadata is not JSON-serializable: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
