package topic

import (
	"fmt"
	"strings"
)

// Builder encapsulates the logic for constructing MQTT topic strings.
type Builder struct {
	// root is the base namespace for all topics (e.g., "iov/v1").
	root string
}

// NewBuilder creates a new instance of Builder with the specified root namespace.
func NewBuilder(root string) *Builder {
	return &Builder{root: strings.TrimSuffix(root, "/")}
}

// Root returns the namespace every topic is built under.
func (b *Builder) Root() string {
	return b.root
}

// Build returns the topic for a segment addressed to one vehicle.
// Pattern: {root}/{segment}/{vehicleID}
func (b *Builder) Build(segment, vehicleID string) string {
	return fmt.Sprintf("%s/%s/%s", b.root, segment, vehicleID)
}

// Wildcard returns the filter matching a segment for every vehicle.
// Result: {root}/{segment}/+
func (b *Builder) Wildcard(segment string) string {
	return b.Build(segment, Wildcard)
}
