package goice

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/ardenlabs/goice/internal/candidate"
)

// Candidate is a transport address the agent may use or accept (data model
// §3). It is the internal candidate model's value type, exported directly:
// there is no separate public wrapper to keep in sync with it.
type Candidate = candidate.Candidate

// CandidateType identifies how a Candidate was obtained.
type CandidateType = candidate.Type

const (
	CandidateTypeHost            = candidate.Host
	CandidateTypePeerReflexive   = candidate.PeerReflexive
	CandidateTypeServerReflexive = candidate.ServerReflexive
	CandidateTypeRelayed         = candidate.Relayed
)

// CandidateTransport is the transport protocol a Candidate is reachable
// over.
type CandidateTransport = candidate.Transport

const (
	TransportUDP        = candidate.UDP
	TransportTCPActive  = candidate.TCPActive
	TransportTCPPassive = candidate.TCPPassive
	TransportTCPSO      = candidate.TCPSO
)

// SelectedPair is the local/remote candidate pair a component is currently
// using, returned by Agent.GetSelectedPair.
type SelectedPair struct {
	Local  *Candidate
	Remote *Candidate
}

// FormatCandidates renders a stream's local credentials and candidates as
// the SDP-ish exchange line of spec §6, used for testing/bootstrap rather
// than real signaling:
//
//	ufrag password <foundation,component,priority,ip,port,type>...
func FormatCandidates(ufrag, password string, cands []*Candidate) string {
	var b strings.Builder
	b.WriteString(ufrag)
	b.WriteByte(' ')
	b.WriteString(password)
	for _, c := range cands {
		b.WriteByte(' ')
		b.WriteByte('<')
		b.WriteString(c.Foundation)
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(c.Component))
		b.WriteByte(',')
		b.WriteString(strconv.FormatUint(uint64(c.Priority), 10))
		b.WriteByte(',')
		b.WriteString(c.Address.IP.String())
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(c.Address.Port))
		b.WriteByte(',')
		b.WriteString(c.Type.String())
		b.WriteByte('>')
	}
	return b.String()
}

// ParseCandidates parses a line produced by FormatCandidates.
func ParseCandidates(line string) (ufrag, password string, cands []*Candidate, err error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", "", nil, fmt.Errorf("goice: malformed candidate line %q", line)
	}
	ufrag, password = fields[0], fields[1]

	for _, tok := range fields[2:] {
		tok = strings.TrimPrefix(tok, "<")
		tok = strings.TrimSuffix(tok, ">")
		parts := strings.Split(tok, ",")
		if len(parts) != 6 {
			return "", "", nil, fmt.Errorf("goice: malformed candidate token %q", tok)
		}

		component, err := strconv.Atoi(parts[1])
		if err != nil {
			return "", "", nil, fmt.Errorf("goice: candidate component: %w", err)
		}
		priority, err := strconv.ParseUint(parts[2], 10, 32)
		if err != nil {
			return "", "", nil, fmt.Errorf("goice: candidate priority: %w", err)
		}
		port, err := strconv.Atoi(parts[4])
		if err != nil {
			return "", "", nil, fmt.Errorf("goice: candidate port: %w", err)
		}
		typ, err := candidate.ParseType(parts[5])
		if err != nil {
			return "", "", nil, err
		}

		addr := &net.UDPAddr{IP: net.ParseIP(parts[3]), Port: port}
		cands = append(cands, &Candidate{
			Type:        typ,
			Transport:   candidate.UDP,
			Component:   component,
			Priority:    uint32(priority),
			Foundation:  parts[0],
			Address:     addr,
			BaseAddress: addr,
		})
	}
	return ufrag, password, cands, nil
}
