package models

import (
	"time"

	"github.com/tphummel/rocks_monitor/internal/payload"
)

// Machine types reported by agents.
const (
	MachineTypePC     = "pc"
	MachineTypeServer = "server"
)

// ValidMachineTypes is the set of allowed machine type values.
var ValidMachineTypes = map[string]bool{
	MachineTypePC:     true,
	MachineTypeServer: true,
}

// User is an account that can log in and own machines.
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	FullName     string    `json:"full_name"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Machine is a physical host identified by its MAC address.
type Machine struct {
	ID         int64      `json:"id"`
	MACAddress string     `json:"mac_address"`
	Name       string     `json:"name"`
	Type       string     `json:"type"`
	OwnerID    *int64     `json:"owner_id"`
	LastSeenAt *time.Time `json:"last_seen_at"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// OwnedBy reports whether userID owns the machine.
func (m *Machine) OwnedBy(userID int64) bool {
	return m.OwnerID != nil && *m.OwnerID == userID
}

// MachineConfig is the configuration document last pushed for a machine.
type MachineConfig struct {
	MachineID int64         `json:"machine_id"`
	Payload   payload.Value `json:"data"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Sample is a single metrics document reported by an agent.
type Sample struct {
	ID          int64         `json:"-"`
	ReferenceID string        `json:"reference_id"`
	MachineID   int64         `json:"-"`
	Timestamp   time.Time     `json:"timestamp"`
	Payload     payload.Value `json:"metrics"`
	CreatedAt   time.Time     `json:"-"`
}
