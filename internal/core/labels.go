// Package core defines core types.
package core

// Label naming constants following {subsystem}.{field} convention.
const (
	LabelSourcePort      = "tcp.source_port"
	LabelDestinationPort = "tcp.destination_port"
	LabelInterface       = "host.interface"
	LabelNode            = "host.node"
)
