package webrtc

import (
	"fmt"
	"strings"

	"github.com/pion/ice/v2"
	"github.com/pion/webrtc/v3"
)

// Candidate is an ICE candidate discovered by a transport agent, in the
// form its counterpart needs to add it.
type Candidate struct {
	Foundation string `json:"foundation"`
	Component  uint16 `json:"component"`
	Protocol   string `json:"protocol"`
	Address    string `json:"address"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	Priority   uint32 `json:"priority"`

	init webrtc.ICECandidateInit
}

func newCandidate(candidate *webrtc.ICECandidate) Candidate {
	return Candidate{
		Foundation: candidate.Foundation,
		Component:  candidate.Component,
		Protocol:   candidate.Protocol.String(),
		Address:    candidate.Address,
		Port:       candidate.Port,
		Type:       candidate.Typ.String(),
		Priority:   candidate.Priority,
		init:       candidate.ToJSON(),
	}
}

// CandidateFromInit parses a candidate received from signaling.
func CandidateFromInit(init webrtc.ICECandidateInit) (Candidate, error) {
	parsed, err := ice.UnmarshalCandidate(strings.TrimPrefix(init.Candidate, "candidate:"))
	if err != nil {
		return Candidate{}, fmt.Errorf("parse candidate %q: %w", init.Candidate, err)
	}
	return Candidate{
		Foundation: parsed.Foundation(),
		Component:  parsed.Component(),
		Protocol:   parsed.NetworkType().NetworkShort(),
		Address:    parsed.Address(),
		Port:       uint16(parsed.Port()),
		Type:       parsed.Type().String(),
		Priority:   parsed.Priority(),
		init:       init,
	}, nil
}

func (candidate Candidate) Init() webrtc.ICECandidateInit {
	return candidate.init
}

// String is the candidate attribute line, which identifies the candidate.
func (candidate Candidate) String() string {
	return candidate.init.Candidate
}
