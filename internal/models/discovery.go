package models

import (
	"encoding/json"
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// DiscoveryReport is the hardware facts payload a machine posts on its
// first network boot.
type DiscoveryReport struct {
	BootInfo   BootInfo            `json:"boot-info"`
	Interfaces []ReportedInterface `json:"interfaces" validate:"dive"`
	Disks      []ReportedDisk      `json:"disks" validate:"dive"`
	LLDP       *LLDP               `json:"lldp"`
}

// DiscoveryResult is the outcome of one reconciled report.
type DiscoveryResult struct {
	TotalMachines int  `json:"total_machines"`
	New           bool `json:"new"`
}

// BootInfo identifies the reporting machine and the NIC it booted from.
type BootInfo struct {
	UUID     string `json:"uuid" validate:"required"`
	MAC      string `json:"mac" validate:"required,mac"`
	RandomID string `json:"random-id,omitempty"`
}

// ReportedInterface is a NIC as seen by the discovery agent. Interfaces
// without a MAC (loopback) are accepted and ignored by the reconciler.
type ReportedInterface struct {
	Name    string `json:"name"`
	Netmask int    `json:"netmask" validate:"gte=0,lte=32"`
	MAC     string `json:"mac" validate:"omitempty,mac"`
	IPv4    string `json:"ipv4" validate:"omitempty,ipv4"`
	CIDRv4  string `json:"cidrv4"`
	Gateway string `json:"gateway" validate:"omitempty,ipv4"`
	FQDN    string `json:"fqdn"`
}

// ReportedDisk is a block device as seen by the discovery agent.
type ReportedDisk struct {
	Path      string `json:"path" validate:"required"`
	SizeBytes int64  `json:"size-bytes" validate:"gte=0"`
}

// LLDP carries the neighbour table collected by the agent's LLDP probe.
type LLDP struct {
	IsFile bool      `json:"is_file"`
	Data   *LLDPData `json:"data"`
}

type LLDPData struct {
	Interfaces []LLDPInterface `json:"interfaces" validate:"dive"`
}

// LLDPInterface is one neighbour entry: the local interface name and the
// switch chassis/port seen on it.
type LLDPInterface struct {
	Name    string      `json:"name"`
	Chassis LLDPChassis `json:"chassis"`
	Port    LLDPPort    `json:"port"`
}

type LLDPChassis struct {
	ID   string `json:"id" validate:"required,mac"`
	Name string `json:"name"`
}

type LLDPPort struct {
	ID string `json:"id" validate:"required,mac"`
}

// Neighbors returns the LLDP entries of the report, or nil when the report
// carries no LLDP data.
func (r *DiscoveryReport) Neighbors() []LLDPInterface {
	if r.LLDP == nil || r.LLDP.Data == nil {
		return nil
	}
	return r.LLDP.Data.Interfaces
}

// ParseDiscoveryReport decodes and validates a report. Any decoding problem
// is reported as a *ValidationError.
func ParseDiscoveryReport(rd io.Reader) (*DiscoveryReport, error) {
	var r DiscoveryReport
	if err := json.NewDecoder(rd).Decode(&r); err != nil {
		return nil, Invalid("decode discovery report: %v", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate checks r and, when it is valid, rewrites every MAC and the UUID
// into canonical form so that equal identities compare equal in storage.
func (r *DiscoveryReport) Validate() error {
	problems := structProblems(nil, r)

	id, err := uuid.Parse(r.BootInfo.UUID)
	if r.BootInfo.UUID != "" && err != nil {
		problems = multierror.Append(problems, fmt.Errorf("boot-info.uuid: %v", err))
	}

	seenMAC := make(map[string]bool, len(r.Interfaces))
	for i, iface := range r.Interfaces {
		if iface.CIDRv4 != "" {
			if _, _, err := net.ParseCIDR(iface.CIDRv4); err != nil {
				problems = multierror.Append(problems, fmt.Errorf("interfaces[%d].cidrv4: %v", i, err))
			}
		}
		if mac, err := NormalizeMAC(iface.MAC); err == nil {
			if seenMAC[mac] {
				problems = multierror.Append(problems, fmt.Errorf("interfaces[%d].mac: duplicate %s", i, mac))
			}
			seenMAC[mac] = true
		}
	}

	seenPath := make(map[string]bool, len(r.Disks))
	for i, d := range r.Disks {
		if seenPath[d.Path] {
			problems = multierror.Append(problems, fmt.Errorf("disks[%d].path: duplicate %s", i, d.Path))
		}
		seenPath[d.Path] = true
	}

	if err := newValidationError(problems); err != nil {
		return err
	}

	r.BootInfo.UUID = id.String()
	r.BootInfo.MAC, _ = NormalizeMAC(r.BootInfo.MAC)
	for i := range r.Interfaces {
		if r.Interfaces[i].MAC != "" {
			r.Interfaces[i].MAC, _ = NormalizeMAC(r.Interfaces[i].MAC)
		}
	}
	for i, n := range r.Neighbors() {
		n.Chassis.ID, _ = NormalizeMAC(n.Chassis.ID)
		n.Port.ID, _ = NormalizeMAC(n.Port.ID)
		r.LLDP.Data.Interfaces[i] = n
	}
	return nil
}
