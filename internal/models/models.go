package models

import "time"

// Role is a cluster responsibility a machine can be scheduled for.
type Role string

const (
	RoleEtcdMember             Role = "etcd-member"
	RoleKubernetesControlPlane Role = "kubernetes-control-plane"
	RoleKubernetesNode         Role = "kubernetes-node"
)

// ValidRoles is the closed set of schedulable roles.
var ValidRoles = map[Role]bool{
	RoleEtcdMember:             true,
	RoleKubernetesControlPlane: true,
	RoleKubernetesNode:         true,
}

// AllRoles lists ValidRoles in a stable order.
var AllRoles = []Role{RoleEtcdMember, RoleKubernetesControlPlane, RoleKubernetesNode}

// State is a lifecycle stage reported for a machine. States are not ordered:
// any state may follow any other.
type State string

const (
	StateDiscovery             State = "discovery"
	StateBooting               State = "booting"
	StateOSInstallationGranted State = "os-installation-granted"
	StateOSInstallationDenied  State = "os-installation-denied"
	StateInstallationSucceeded State = "installation-succeeded"
	StateInstallationFailed    State = "installation-failed"
)

// ValidStates is the set of lifecycle states accepted from network clients.
var ValidStates = map[State]bool{
	StateDiscovery:             true,
	StateBooting:               true,
	StateOSInstallationGranted: true,
	StateOSInstallationDenied:  true,
	StateInstallationSucceeded: true,
	StateInstallationFailed:    true,
}

// Machine is a discovered host, identified by the UUID its firmware reports.
type Machine struct {
	ID        int64     `json:"-"`
	UUID      string    `json:"uuid"`
	CreatedAt time.Time `json:"created_date"`
	UpdatedAt time.Time `json:"updated_date"`
}

// Interface is a NIC of a machine. MAC is unique across the inventory.
type Interface struct {
	MachineUUID string `json:"machine_uuid,omitempty"`
	MAC         string `json:"mac"`
	Name        string `json:"name"`
	Netmask     int    `json:"netmask"`
	IPv4        string `json:"ipv4"`
	CIDRv4      string `json:"cidrv4"`
	Gateway     string `json:"gateway"`
	FQDN        string `json:"fqdn"`
	AsBoot      bool   `json:"as_boot"`
}

// Disk is a block device of a machine as of its latest discovery report.
type Disk struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size-bytes"`
}

// ChassisPort is an LLDP edge: a switch port (MAC) on a chassis, plugged
// into a machine interface.
type ChassisPort struct {
	MAC          string `json:"port_mac"`
	ChassisMAC   string `json:"chassis_mac"`
	ChassisName  string `json:"chassis_name"`
	InterfaceMAC string `json:"interface_mac"`
}

// LifecycleState is the last reported state for a MAC.
type LifecycleState struct {
	MAC       string    `json:"mac"`
	FQDN      string    `json:"fqdn"`
	State     State     `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MachineSummary describes a machine through its boot interface.
type MachineSummary struct {
	MAC       string    `json:"mac"`
	IPv4      string    `json:"ipv4"`
	CIDRv4    string    `json:"cidrv4"`
	Gateway   string    `json:"gateway"`
	AsBoot    bool      `json:"as_boot"`
	Name      string    `json:"name"`
	Netmask   int       `json:"netmask"`
	FQDN      string    `json:"fqdn"`
	CreatedAt time.Time `json:"created_date"`
	Disks     []Disk    `json:"disks"`
}

// MachineWithRoles is a scheduled machine together with every role it holds.
type MachineWithRoles struct {
	MachineSummary
	Roles []Role `json:"roles"`
}

// BootRecord is the identity part of a DiscoveryRecord.
type BootRecord struct {
	UUID      string    `json:"uuid"`
	MAC       string    `json:"mac"`
	CreatedAt time.Time `json:"created-date"`
	UpdatedAt time.Time `json:"updated-date"`
}

// DiscoveryRecord is the stored view of one machine's discovery data.
type DiscoveryRecord struct {
	BootInfo   BootRecord    `json:"boot-info"`
	Interfaces []Interface   `json:"interfaces"`
	Disks      []Disk        `json:"disks"`
	LLDP       []ChassisPort `json:"lldp"`
}
