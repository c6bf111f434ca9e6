// Package discovery implements the discovery scheduling engine: it compiles
// discovery rules into jobs of range-scanning tasks, queues them for a pool of
// workers, splits large tasks so several workers can share one rule, and
// throttles the check family that only allows a limited number of concurrent
// sessions.
package discovery

import (
	"github.com/anstrom/discoverer/internal/iprange"
)

// CheckType identifies the service a check probes for.
type CheckType string

const (
	CheckSSH     CheckType = "ssh"
	CheckLDAP    CheckType = "ldap"
	CheckSMTP    CheckType = "smtp"
	CheckFTP     CheckType = "ftp"
	CheckHTTP    CheckType = "http"
	CheckPOP     CheckType = "pop"
	CheckNNTP    CheckType = "nntp"
	CheckIMAP    CheckType = "imap"
	CheckTCP     CheckType = "tcp"
	CheckAgent   CheckType = "agent"
	CheckSNMPv1  CheckType = "snmpv1"
	CheckSNMPv2c CheckType = "snmpv2c"
	CheckICMP    CheckType = "icmp"
	CheckSNMPv3  CheckType = "snmpv3"
	CheckHTTPS   CheckType = "https"
	CheckTelnet  CheckType = "telnet"
	CheckDNS     CheckType = "dns"
)

var defaultPorts = map[CheckType]string{
	CheckSSH:     "22",
	CheckLDAP:    "389",
	CheckSMTP:    "25",
	CheckFTP:     "21",
	CheckHTTP:    "80",
	CheckPOP:     "110",
	CheckNNTP:    "119",
	CheckIMAP:    "143",
	CheckTCP:     "",
	CheckAgent:   "10050",
	CheckSNMPv1:  "161",
	CheckSNMPv2c: "161",
	CheckICMP:    "",
	CheckSNMPv3:  "161",
	CheckHTTPS:   "443",
	CheckTelnet:  "23",
	CheckDNS:     "53",
}

// Valid reports whether t is a known check type.
func (t CheckType) Valid() bool {
	_, ok := defaultPorts[t]
	return ok
}

// Throttled reports whether the check family is limited to a fixed number of
// concurrent sessions across the whole process. Such checks are never split
// and always occupy a task of their own.
func (t CheckType) Throttled() bool {
	return t == CheckSNMPv3
}

// AddressOnly reports whether the check probes the address without a port.
func (t CheckType) AddressOnly() bool {
	return t == CheckICMP
}

// DefaultPorts returns the port specification used when a check has none.
func (t CheckType) DefaultPorts() string {
	return defaultPorts[t]
}

// SNMPCredentials holds the community string for SNMPv1/v2c and the USM
// settings for SNMPv3.
type SNMPCredentials struct {
	Community      string `yaml:"community" json:"community,omitempty"`
	SecurityName   string `yaml:"security_name" json:"security_name,omitempty"`
	SecurityLevel  string `yaml:"security_level" json:"security_level,omitempty" validate:"omitempty,oneof=noAuthNoPriv authNoPriv authPriv"`
	AuthProtocol   string `yaml:"auth_protocol" json:"auth_protocol,omitempty" validate:"omitempty,oneof=MD5 SHA SHA224 SHA256 SHA384 SHA512"`
	AuthPassphrase string `yaml:"auth_passphrase" json:"-"`
	PrivProtocol   string `yaml:"priv_protocol" json:"priv_protocol,omitempty" validate:"omitempty,oneof=DES AES AES192 AES256"`
	PrivPassphrase string `yaml:"priv_passphrase" json:"-"`
	ContextName    string `yaml:"context_name" json:"context_name,omitempty"`
}

// Check is one probe definition of a rule.
type Check struct {
	ID    uint64    `yaml:"id" json:"id" validate:"required"`
	Type  CheckType `yaml:"type" json:"type" validate:"required"`
	Ports string    `yaml:"ports" json:"ports,omitempty"`
	// Key is the agent item key or the SNMP OID queried by the check.
	Key    string          `yaml:"key" json:"key,omitempty"`
	SNMP   SNMPCredentials `yaml:"snmp" json:"snmp"`
	Unique bool            `yaml:"-" json:"unique"`

	portRanges []iprange.PortRange
}

// PortRanges returns the parsed port list of a compiled check.
func (c *Check) PortRanges() []iprange.PortRange {
	return c.portRanges
}

// UnitsPerAddress is the number of probes the check needs for one address.
func (c *Check) UnitsPerAddress() uint64 {
	if c.Type.AddressOnly() {
		return 1
	}
	return iprange.PortCount(c.portRanges)
}

// Throttled reports whether the check belongs to the throttled family.
func (c *Check) Throttled() bool {
	return c.Type.Throttled()
}
