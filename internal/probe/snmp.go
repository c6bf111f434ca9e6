package probe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/anstrom/discoverer/internal/discovery"
)

// sysObjectID is queried when a check names no OID.
const defaultSNMPOID = "1.3.6.1.2.1.1.2.0"

// snmpProber reads one OID over SNMPv1, v2c or v3.
type snmpProber struct {
	timeout time.Duration
}

func (p *snmpProber) probe(ctx context.Context, req discovery.ProbeRequest) (discovery.ProbeResult, error) {
	client, err := p.newClient(ctx, req)
	if err != nil {
		return down(), err
	}

	if err := client.Connect(); err != nil {
		if unreachable(err) {
			return down(), nil
		}
		return down(), fmt.Errorf("failed to open SNMP session: %w", err)
	}
	defer func() { _ = client.Conn.Close() }()

	oid := req.Check.Key
	if oid == "" {
		oid = defaultSNMPOID
	}

	packet, err := client.Get([]string{oid})
	if err != nil {
		if unreachable(err) || strings.Contains(err.Error(), "timeout") {
			return down(), nil
		}
		return down(), fmt.Errorf("SNMP get of %s failed: %w", oid, err)
	}
	if packet.Error != gosnmp.NoError {
		return down(), fmt.Errorf("SNMP get of %s failed: %v", oid, packet.Error)
	}
	if len(packet.Variables) == 0 {
		return down(), nil
	}

	value, ok := formatSNMPValue(packet.Variables[0])
	if !ok {
		return down(), nil
	}
	return up(value), nil
}

// newClient builds the session for a check, following the version of its
// check type.
func (p *snmpProber) newClient(ctx context.Context, req discovery.ProbeRequest) (*gosnmp.GoSNMP, error) {
	creds := req.Check.SNMP

	client := &gosnmp.GoSNMP{
		Target:  req.Address.Addr().String(),
		Port:    req.Port,
		Timeout: p.timeout,
		Retries: 0,
		MaxOids: gosnmp.MaxOids,
		Context: ctx,
	}

	switch req.Check.Type {
	case discovery.CheckSNMPv1:
		client.Version = gosnmp.Version1
		client.Community = creds.Community
	case discovery.CheckSNMPv2c:
		client.Version = gosnmp.Version2c
		client.Community = creds.Community
	case discovery.CheckSNMPv3:
		client.Version = gosnmp.Version3
		client.SecurityModel = gosnmp.UserSecurityModel
		client.ContextName = creds.ContextName

		usm := &gosnmp.UsmSecurityParameters{UserName: creds.SecurityName}
		flags, err := configureUSM(usm, creds)
		if err != nil {
			return nil, err
		}
		client.MsgFlags = flags
		client.SecurityParameters = usm
	default:
		return nil, fmt.Errorf("check type %q is not an SNMP check", req.Check.Type)
	}

	return client, nil
}

// configureUSM fills the USM parameters from the check credentials and
// returns the message flags of the security level.
func configureUSM(usm *gosnmp.UsmSecurityParameters, creds discovery.SNMPCredentials) (gosnmp.SnmpV3MsgFlags, error) {
	level := creds.SecurityLevel
	if level == "" {
		switch {
		case creds.PrivPassphrase != "":
			level = "authPriv"
		case creds.AuthPassphrase != "":
			level = "authNoPriv"
		default:
			level = "noAuthNoPriv"
		}
	}

	switch level {
	case "noAuthNoPriv":
		usm.AuthenticationProtocol = gosnmp.NoAuth
		usm.PrivacyProtocol = gosnmp.NoPriv
		return gosnmp.NoAuthNoPriv, nil
	case "authNoPriv":
		if err := configureV3Authentication(usm, creds); err != nil {
			return 0, err
		}
		usm.PrivacyProtocol = gosnmp.NoPriv
		return gosnmp.AuthNoPriv, nil
	case "authPriv":
		if err := configureV3Authentication(usm, creds); err != nil {
			return 0, err
		}
		if err := configureV3Privacy(usm, creds); err != nil {
			return 0, err
		}
		return gosnmp.AuthPriv, nil
	default:
		return 0, fmt.Errorf("unknown SNMPv3 security level %q", level)
	}
}

func configureV3Authentication(usm *gosnmp.UsmSecurityParameters, creds discovery.SNMPCredentials) error {
	switch strings.ToUpper(creds.AuthProtocol) {
	case "MD5":
		usm.AuthenticationProtocol = gosnmp.MD5
	case "", "SHA":
		usm.AuthenticationProtocol = gosnmp.SHA
	case "SHA224":
		usm.AuthenticationProtocol = gosnmp.SHA224
	case "SHA256":
		usm.AuthenticationProtocol = gosnmp.SHA256
	case "SHA384":
		usm.AuthenticationProtocol = gosnmp.SHA384
	case "SHA512":
		usm.AuthenticationProtocol = gosnmp.SHA512
	default:
		return fmt.Errorf("unknown SNMPv3 authentication protocol %q", creds.AuthProtocol)
	}
	usm.AuthenticationPassphrase = creds.AuthPassphrase
	return nil
}

func configureV3Privacy(usm *gosnmp.UsmSecurityParameters, creds discovery.SNMPCredentials) error {
	switch strings.ToUpper(creds.PrivProtocol) {
	case "DES":
		usm.PrivacyProtocol = gosnmp.DES
	case "", "AES":
		usm.PrivacyProtocol = gosnmp.AES
	case "AES192":
		usm.PrivacyProtocol = gosnmp.AES192
	case "AES256":
		usm.PrivacyProtocol = gosnmp.AES256
	default:
		return fmt.Errorf("unknown SNMPv3 privacy protocol %q", creds.PrivProtocol)
	}
	usm.PrivacyPassphrase = creds.PrivPassphrase
	return nil
}

// formatSNMPValue renders a variable binding. It returns false for the
// exception values that mean the OID is not present on the device.
func formatSNMPValue(pdu gosnmp.SnmpPDU) (string, bool) {
	switch pdu.Type {
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView, gosnmp.Null:
		return "", false
	case gosnmp.OctetString:
		if b, ok := pdu.Value.([]byte); ok {
			return string(b), true
		}
	case gosnmp.ObjectIdentifier, gosnmp.IPAddress:
		if s, ok := pdu.Value.(string); ok {
			return s, true
		}
	case gosnmp.Integer, gosnmp.Counter32, gosnmp.Gauge32, gosnmp.TimeTicks,
		gosnmp.Counter64, gosnmp.Uinteger32:
		return gosnmp.ToBigInt(pdu.Value).String(), true
	}
	return fmt.Sprint(pdu.Value), true
}
