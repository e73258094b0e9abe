package serialize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"infrasys/internal/components"
	"infrasys/pkg/component"
	"infrasys/pkg/errs"
)

// UpgradeFunc rewrites an older document in place so it matches the current
// schema. from is the version found in the document.
type UpgradeFunc func(doc *Document, from string) error

// Engine encodes and decodes component tables.
type Engine struct {
	registry *component.Registry
	version  string
	upgrade  UpgradeFunc
	log      *zap.Logger
	tableOps []components.Option
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithUpgrade installs the hook applied to documents older than the
// current version.
func WithUpgrade(fn UpgradeFunc) EngineOption { return func(e *Engine) { e.upgrade = fn } }

// WithVersion overrides the version the engine writes and accepts.
func WithVersion(v string) EngineOption { return func(e *Engine) { e.version = v } }

// WithLogger sets the engine logger.
func WithLogger(log *zap.Logger) EngineOption {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithTableOptions passes options to tables built by Decode.
func WithTableOptions(opts ...components.Option) EngineOption {
	return func(e *Engine) { e.tableOps = append(e.tableOps, opts...) }
}

// NewEngine returns an engine resolving type tags through reg.
func NewEngine(reg *component.Registry, opts ...EngineOption) *Engine {
	e := &Engine{registry: reg, version: CurrentVersion, log: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Version returns the format version written by Encode.
func (e *Engine) Version() string { return e.version }

// Encode flattens every component of t in insertion order.
func (e *Engine) Encode(t *components.Table) (*Document, error) {
	doc := &Document{DataFormatVersion: e.version, Components: make([]Record, 0, t.Len())}
	for c := range t.Iter("", false) {
		rec, err := e.encodeComponent(t, c)
		if err != nil {
			return nil, err
		}
		doc.Components = append(doc.Components, rec)
	}
	e.log.Debug("encoded components", zap.Int("count", len(doc.Components)))
	return doc, nil
}

func (e *Engine) encodeComponent(t *components.Table, c component.Component) (Record, error) {
	info, err := e.registry.TypeOf(c)
	if err != nil {
		return nil, err
	}
	base := c.ComponentBase()
	rec := Record{
		"uuid":      base.UUID.String(),
		"name":      base.Name,
		MetadataKey: metadataBlock(info.Module, info.Tag, SerializedBase, ""),
	}
	for _, f := range component.Fields(c) {
		if _, clash := rec[f.Name]; clash {
			return nil, fmt.Errorf("%s: field %q collides with a reserved key", info.Tag, f.Name)
		}
		switch f.Kind {
		case component.FieldRef:
			target, ok := component.AsComponent(f.Value)
			if !ok {
				rec[f.Name] = nil
				continue
			}
			ptr, err := e.pointer(t, target)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", component.Label(c), f.GoName, err)
			}
			rec[f.Name] = ptr
		case component.FieldRefList:
			list := make([]any, 0, f.Value.Len())
			for i := 0; i < f.Value.Len(); i++ {
				target, ok := component.AsComponent(f.Value.Index(i))
				if !ok {
					list = append(list, nil)
					continue
				}
				ptr, err := e.pointer(t, target)
				if err != nil {
					return nil, fmt.Errorf("%s.%s[%d]: %w", component.Label(c), f.GoName, i, err)
				}
				list = append(list, ptr)
			}
			rec[f.Name] = list
		default:
			v, err := toGeneric(f.Value.Interface())
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", component.Label(c), f.GoName, err)
			}
			rec[f.Name] = v
		}
	}
	return rec, nil
}

func (e *Engine) pointer(t *components.Table, target component.Component) (map[string]any, error) {
	info, err := e.registry.TypeOf(target)
	if err != nil {
		return nil, err
	}
	id := component.ID(target)
	if id == uuid.Nil || !t.Has(target) {
		return nil, errs.ReferenceNotFoundError{Type: info.Tag, ID: refLabel(target)}
	}
	return map[string]any{MetadataKey: metadataBlock(info.Module, info.Tag, SerializedComposed, id.String())}, nil
}

func refLabel(c component.Component) string {
	if id := component.ID(c); id != uuid.Nil {
		return id.String()
	}
	return component.Name(c)
}

// toGeneric round-trips v through JSON into maps, slices and json.Number.
func toGeneric(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Decode rebuilds a table from doc. Documents older than the engine
// version pass through the upgrade hook first; newer ones are rejected.
func (e *Engine) Decode(doc *Document) (*components.Table, error) {
	if err := e.checkVersion(doc); err != nil {
		return nil, err
	}
	pending, err := e.parseRecords(doc.Components)
	if err != nil {
		return nil, err
	}
	built, err := e.resolve(pending)
	if err != nil {
		return nil, err
	}
	ordered := make([]component.Component, len(pending))
	for i, p := range pending {
		ordered[i] = built[p.id]
	}
	t := components.New(e.registry, append([]components.Option{components.WithLogger(e.log)}, e.tableOps...)...)
	if err := t.AddMany(ordered, components.RaiseOnMissing); err != nil {
		return nil, err
	}
	t.Rebuild()
	e.log.Debug("decoded components", zap.Int("count", t.Len()))
	return t, nil
}

func (e *Engine) checkVersion(doc *Document) error {
	found := doc.DataFormatVersion
	if found == "" {
		return errs.UnsupportedFormatVersionError{Found: found, Current: e.version, Reason: "missing version"}
	}
	cmp, err := CompareVersions(found, e.version)
	if err != nil {
		return errs.UnsupportedFormatVersionError{Found: found, Current: e.version, Reason: err.Error()}
	}
	switch {
	case cmp > 0:
		return errs.UnsupportedFormatVersionError{Found: found, Current: e.version, Reason: "document is newer"}
	case cmp < 0:
		if e.upgrade == nil {
			return errs.UnsupportedFormatVersionError{Found: found, Current: e.version, Reason: "no upgrade hook registered"}
		}
		e.log.Info("upgrading document", zap.String("from", found), zap.String("to", e.version))
		if err := e.upgrade(doc, found); err != nil {
			return fmt.Errorf("upgrade from %s: %w", found, err)
		}
		doc.DataFormatVersion = e.version
	}
	return nil
}

type pendingRecord struct {
	id   uuid.UUID
	tag  string
	rec  Record
	deps []uuid.UUID
}

func (e *Engine) parseRecords(recs []Record) ([]pendingRecord, error) {
	out := make([]pendingRecord, 0, len(recs))
	seen := make(map[uuid.UUID]struct{}, len(recs))
	for i, rec := range recs {
		fields, ok := Metadata(rec)
		if !ok {
			return nil, fmt.Errorf("component %d: missing %s", i, MetadataKey)
		}
		tag, _ := fields["type"].(string)
		if _, ok := e.registry.Lookup(tag); !ok {
			return nil, fmt.Errorf("component %d: type %q: %w", i, tag, errs.ErrUnregisteredType)
		}
		rawID, _ := rec["uuid"].(string)
		id, err := uuid.Parse(rawID)
		if err != nil {
			return nil, fmt.Errorf("component %d (%s): invalid uuid %q: %w", i, tag, rawID, err)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("component %s appears twice: %w", id, errs.ErrAlreadyAttached)
		}
		seen[id] = struct{}{}
		deps, err := pointerTargets(rec)
		if err != nil {
			return nil, fmt.Errorf("component %s (%s): %w", id, tag, err)
		}
		out = append(out, pendingRecord{id: id, tag: tag, rec: rec, deps: deps})
	}
	return out, nil
}

// pointerTargets lists the uuids of every pointer record among the
// top-level fields of rec.
func pointerTargets(rec Record) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for key, v := range rec {
		if key == MetadataKey {
			continue
		}
		switch val := v.(type) {
		case map[string]any:
			if id, ok, err := pointerID(val); err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			} else if ok {
				out = append(out, id)
			}
		case []any:
			for _, item := range val {
				m, isMap := item.(map[string]any)
				if !isMap {
					continue
				}
				if id, ok, err := pointerID(m); err != nil {
					return nil, fmt.Errorf("%s: %w", key, err)
				} else if ok {
					out = append(out, id)
				}
			}
		}
	}
	return out, nil
}

func pointerID(v map[string]any) (uuid.UUID, bool, error) {
	fields, ok := Metadata(v)
	if !ok || fields["serialized_type"] != SerializedComposed {
		return uuid.Nil, false, nil
	}
	raw, _ := fields["uuid"].(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("pointer with invalid uuid %q", raw)
	}
	return id, true, nil
}

// resolve instantiates records whose pointers are all satisfied, repeating
// until nothing is left or a pass makes no progress.
func (e *Engine) resolve(pending []pendingRecord) (map[uuid.UUID]component.Component, error) {
	inDoc := make(map[uuid.UUID]string, len(pending))
	for _, p := range pending {
		inDoc[p.id] = p.tag
	}
	built := make(map[uuid.UUID]component.Component, len(pending))
	remaining := pending
	for pass := 1; len(remaining) > 0; pass++ {
		var next []pendingRecord
		for _, p := range remaining {
			if !ready(p, built) {
				next = append(next, p)
				continue
			}
			c, err := e.instantiate(p, built)
			if err != nil {
				return nil, err
			}
			built[p.id] = c
		}
		e.log.Debug("resolution pass", zap.Int("pass", pass), zap.Int("built", len(remaining)-len(next)), zap.Int("remaining", len(next)))
		if len(next) == len(remaining) {
			return nil, unresolvedError(next, inDoc)
		}
		remaining = next
	}
	return built, nil
}

func ready(p pendingRecord, built map[uuid.UUID]component.Component) bool {
	for _, dep := range p.deps {
		if _, ok := built[dep]; !ok {
			return false
		}
	}
	return true
}

func unresolvedError(stuck []pendingRecord, inDoc map[uuid.UUID]string) error {
	for _, p := range stuck {
		for _, dep := range p.deps {
			if _, ok := inDoc[dep]; !ok {
				return errs.ReferenceNotFoundError{Type: pointerTag(p.rec, dep), ID: dep.String(), From: p.tag + " " + p.id.String()}
			}
		}
	}
	labels := make([]string, 0, len(stuck))
	for _, p := range stuck {
		labels = append(labels, p.tag+" "+p.id.String())
	}
	sort.Strings(labels)
	return errs.CyclicReferenceError{Unresolved: labels}
}

func pointerTag(rec Record, id uuid.UUID) string {
	match := func(m map[string]any) (string, bool) {
		pid, ok, _ := pointerID(m)
		if !ok || pid != id {
			return "", false
		}
		fields, _ := Metadata(m)
		tag, _ := fields["type"].(string)
		return tag, true
	}
	for _, v := range rec {
		switch val := v.(type) {
		case map[string]any:
			if tag, ok := match(val); ok {
				return tag
			}
		case []any:
			for _, item := range val {
				if m, isMap := item.(map[string]any); isMap {
					if tag, ok := match(m); ok {
						return tag
					}
				}
			}
		}
	}
	return "component"
}

func (e *Engine) instantiate(p pendingRecord, built map[uuid.UUID]component.Component) (component.Component, error) {
	c, err := e.registry.New(p.tag)
	if err != nil {
		return nil, err
	}
	base := c.ComponentBase()
	base.UUID = p.id
	if name, ok := p.rec["name"].(string); ok {
		base.Name = name
	}
	known := map[string]struct{}{"uuid": {}, "name": {}, MetadataKey: {}}
	for _, f := range component.Fields(c) {
		known[f.Name] = struct{}{}
		raw, present := p.rec[f.Name]
		if !present || raw == nil {
			continue
		}
		var err error
		switch f.Kind {
		case component.FieldRef:
			err = setRef(f.Value, raw, built)
		case component.FieldRefList:
			err = setRefList(f.Value, raw, built)
		default:
			err = setValue(f.Value, raw)
		}
		if err != nil {
			return nil, fmt.Errorf("%s %s field %q: %w", p.tag, p.id, f.Name, err)
		}
	}
	for key := range p.rec {
		if _, ok := known[key]; !ok {
			return nil, fmt.Errorf("%s %s: unknown field %q", p.tag, p.id, key)
		}
	}
	return c, nil
}

func lookupPointer(raw any, built map[uuid.UUID]component.Component) (component.Component, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected pointer record, got %T", raw)
	}
	id, ok, err := pointerID(m)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("expected composed_component pointer")
	}
	target, ok := built[id]
	if !ok {
		return nil, errs.ReferenceNotFoundError{Type: pointerTag(Record{"ref": m}, id), ID: id.String()}
	}
	return target, nil
}

func assign(dst reflect.Value, target component.Component) error {
	v := reflect.ValueOf(target)
	if !v.Type().AssignableTo(dst.Type()) {
		return fmt.Errorf("cannot assign %s to %s", v.Type(), dst.Type())
	}
	dst.Set(v)
	return nil
}

func setRef(dst reflect.Value, raw any, built map[uuid.UUID]component.Component) error {
	target, err := lookupPointer(raw, built)
	if err != nil {
		return err
	}
	return assign(dst, target)
}

func setRefList(dst reflect.Value, raw any, built map[uuid.UUID]component.Component) error {
	items, ok := raw.([]any)
	if !ok {
		return fmt.Errorf("expected list of pointers, got %T", raw)
	}
	var seq reflect.Value
	switch dst.Kind() {
	case reflect.Slice:
		seq = reflect.MakeSlice(dst.Type(), len(items), len(items))
	case reflect.Array:
		if len(items) != dst.Len() {
			return fmt.Errorf("expected %d pointers, got %d", dst.Len(), len(items))
		}
		seq = reflect.New(dst.Type()).Elem()
	}
	for i, item := range items {
		if item == nil {
			continue
		}
		target, err := lookupPointer(item, built)
		if err != nil {
			return fmt.Errorf("[%d]: %w", i, err)
		}
		if err := assign(seq.Index(i), target); err != nil {
			return fmt.Errorf("[%d]: %w", i, err)
		}
	}
	dst.Set(seq)
	return nil
}

func setValue(dst reflect.Value, raw any) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	ptr := reflect.New(dst.Type())
	if err := json.Unmarshal(b, ptr.Interface()); err != nil {
		return err
	}
	dst.Set(ptr.Elem())
	return nil
}
