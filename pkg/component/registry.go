package component

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"infrasys/pkg/errs"
)

// TypeInfo describes a registered component type.
type TypeInfo struct {
	Tag                 string
	Module              string
	Parent              string
	AllowDuplicateNames bool
	typ                 reflect.Type // struct type, not pointer
}

// Option customises a registration.
type Option func(*TypeInfo)

// WithTag overrides the tag derived from the Go type name.
func WithTag(tag string) Option { return func(ti *TypeInfo) { ti.Tag = tag } }

// WithParent declares tag as the parent type so iteration over the parent
// can include this type.
func WithParent(tag string) Option { return func(ti *TypeInfo) { ti.Parent = tag } }

// AllowDuplicateNames exempts the type from name uniqueness.
func AllowDuplicateNames() Option { return func(ti *TypeInfo) { ti.AllowDuplicateNames = true } }

// Registry maps type tags to concrete component types. It is populated at
// startup and is safe for concurrent reads.
type Registry struct {
	mu     sync.RWMutex
	byTag  map[string]*TypeInfo
	byType map[reflect.Type]*TypeInfo
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byTag:  make(map[string]*TypeInfo),
		byType: make(map[reflect.Type]*TypeInfo),
	}
}

// Register adds the concrete type of proto, which must be a pointer to a
// struct embedding Base.
func (r *Registry) Register(proto Component, opts ...Option) error {
	if proto == nil {
		return fmt.Errorf("register: nil component")
	}
	pt := reflect.TypeOf(proto)
	if pt.Kind() != reflect.Pointer || pt.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("register %s: component must be a pointer to a struct", pt)
	}
	st := pt.Elem()
	info := &TypeInfo{Tag: st.Name(), Module: st.PkgPath(), typ: st}
	for _, opt := range opts {
		opt(info)
	}
	if info.Tag == "" {
		return fmt.Errorf("register %s: empty type tag", pt)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byTag[info.Tag]; ok {
		return fmt.Errorf("register %s: tag %q already registered", pt, info.Tag)
	}
	if _, ok := r.byType[st]; ok {
		return fmt.Errorf("register %s: type already registered", pt)
	}
	r.byTag[info.Tag] = info
	r.byType[st] = info
	return nil
}

// MustRegister is Register that panics, for use in init-time setup.
func (r *Registry) MustRegister(proto Component, opts ...Option) {
	if err := r.Register(proto, opts...); err != nil {
		panic(err)
	}
}

// Lookup returns the registration for tag.
func (r *Registry) Lookup(tag string) (TypeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.byTag[tag]
	if !ok {
		return TypeInfo{}, false
	}
	return *info, true
}

// TypeOf returns the registration for the concrete type of c.
func (r *Registry) TypeOf(c Component) (TypeInfo, error) {
	if c == nil {
		return TypeInfo{}, fmt.Errorf("nil component: %w", errs.ErrUnregisteredType)
	}
	st := typeOf(c)
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.byType[st]
	if !ok {
		return TypeInfo{}, fmt.Errorf("%s: %w", st, errs.ErrUnregisteredType)
	}
	return *info, nil
}

// TagFor returns the tag registered for the Go type of proto.
func (r *Registry) TagFor(proto Component) (string, error) {
	info, err := r.TypeOf(proto)
	if err != nil {
		return "", err
	}
	return info.Tag, nil
}

// New allocates a zero value of the type registered under tag.
func (r *Registry) New(tag string) (Component, error) {
	r.mu.RLock()
	info, ok := r.byTag[tag]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", tag, errs.ErrUnregisteredType)
	}
	c, ok := reflect.New(info.typ).Interface().(Component)
	if !ok {
		return nil, fmt.Errorf("%s does not implement Component", info.typ)
	}
	return c, nil
}

// IsA reports whether tag equals ancestor or descends from it through
// WithParent declarations.
func (r *Registry) IsA(tag, ancestor string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for tag != "" {
		if tag == ancestor {
			return true
		}
		if _, loop := seen[tag]; loop {
			return false
		}
		seen[tag] = struct{}{}
		info, ok := r.byTag[tag]
		if !ok {
			return false
		}
		tag = info.Parent
	}
	return false
}

// Tags lists every registered tag in sorted order.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byTag))
	for tag := range r.byTag {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func typeOf(c Component) reflect.Type {
	t := reflect.TypeOf(c)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}
