// Package component defines the model stored by a system: components that
// embed Base, quantities, and the registry that maps type tags to concrete
// Go types for deserialization.
package component

import (
	"github.com/google/uuid"
)

// Component is any pointer to a struct that embeds Base.
type Component interface {
	ComponentBase() *Base
}

// Base carries the identity every component shares. Embed it by value.
type Base struct {
	UUID uuid.UUID `json:"uuid"`
	Name string    `json:"name"`
}

// ComponentBase implements Component.
func (b *Base) ComponentBase() *Base { return b }

// ID returns the identity of c.
func ID(c Component) uuid.UUID { return c.ComponentBase().UUID }

// Name returns the name of c.
func Name(c Component) string { return c.ComponentBase().Name }

// Label formats c as "Type.name" for messages and logs.
func Label(c Component) string {
	return typeOf(c).Name() + "." + c.ComponentBase().Name
}
