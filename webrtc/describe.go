package webrtc

import (
	"fmt"
	"strings"

	"github.com/emicklei/dot"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
)

// MediaSummary is one m-section of a negotiated session description.
type MediaSummary struct {
	Media     string   `json:"media"`
	Mid       string   `json:"mid"`
	Direction string   `json:"direction"`
	Codecs    []string `json:"codecs"`
}

func (summary MediaSummary) String() string {
	return fmt.Sprintf("%s mid=%s %s %s", summary.Media, summary.Mid, summary.Direction, strings.Join(summary.Codecs, ","))
}

// SummarizeSDP lists the media sections of an SDP blob with their rtpmap entries.
func SummarizeSDP(raw string) ([]MediaSummary, error) {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("parse sdp: %w", err)
	}

	summaries := make([]MediaSummary, 0, len(parsed.MediaDescriptions))
	for _, description := range parsed.MediaDescriptions {
		summary := MediaSummary{
			Media:     description.MediaName.Media,
			Direction: "sendrecv",
		}
		if mid, ok := description.Attribute(sdp.AttrKeyMID); ok {
			summary.Mid = mid
		}
		for _, attribute := range description.Attributes {
			switch attribute.Key {
			case sdp.AttrKeySendOnly, sdp.AttrKeyRecvOnly, sdp.AttrKeySendRecv, sdp.AttrKeyInactive:
				summary.Direction = attribute.Key
			case "rtpmap":
				summary.Codecs = append(summary.Codecs, attribute.Value)
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// NegotiatedMedia summarizes the local description once there is one.
func (agent *TransportAgent) NegotiatedMedia() []MediaSummary {
	peerConnection := agent.connection()
	if peerConnection == nil {
		return nil
	}
	description := peerConnection.CurrentLocalDescription()
	if description == nil {
		description = peerConnection.PendingLocalDescription()
	}
	if description == nil {
		return nil
	}
	summaries, err := SummarizeSDP(description.SDP)
	if err != nil {
		agent.log.Warnf("%s: %v", agent.name, err)
		return nil
	}
	return summaries
}

func (agent *TransportAgent) selectedCandidatePair() *webrtc.ICECandidatePair {
	for _, session := range agent.Sessions() {
		session.mu.Lock()
		transceiver := session.transceiver
		session.mu.Unlock()
		if transceiver == nil || transceiver.Receiver() == nil || transceiver.Receiver().Transport() == nil {
			continue
		}
		pair, err := transceiver.Receiver().Transport().ICETransport().GetSelectedCandidatePair()
		if err == nil && pair != nil {
			return pair
		}
	}
	return nil
}

// Describe draws the agent as a cluster of its sessions, candidates and
// negotiated media.
func (agent *TransportAgent) Describe(graph *dot.Graph) dot.Node {
	info := agent.Info()

	cluster := graph.Subgraph(agent.name, dot.ClusterOption{})
	label := fmt.Sprintf("%s (%s)\npeer: %s\nice: %s", agent.name, roleName(agent.controlling), info.ConnectionState, info.ICEConnectionState)
	if info.PortMin != 0 {
		label += fmt.Sprintf("\nports: %d-%d", info.PortMin, info.PortMax)
	}
	if len(info.LocalAddresses) > 0 {
		label += "\naddresses: " + strings.Join(info.LocalAddresses, ",")
	}
	node := cluster.Node(agent.id).Label(label).Box()

	if pair := agent.selectedCandidatePair(); pair != nil {
		selected := cluster.Node(agent.id + "-selected").Label("selected pair\n" + pair.String()).Attr("shape", "note")
		graph.Edge(node, selected)
	}

	if len(info.LocalCandidates) > 0 {
		lines := make([]string, 0, len(info.LocalCandidates))
		for _, candidate := range info.LocalCandidates {
			lines = append(lines, fmt.Sprintf("%s %s %s:%d prio=%d", candidate.Type, candidate.Protocol, candidate.Address, candidate.Port, candidate.Priority))
		}
		candidates := cluster.Node(agent.id + "-candidates").Label("local candidates\n" + strings.Join(lines, "\n")).Attr("shape", "note")
		graph.Edge(node, candidates)
	}

	if media := agent.NegotiatedMedia(); len(media) > 0 {
		lines := make([]string, 0, len(media))
		for _, summary := range media {
			lines = append(lines, summary.String())
		}
		sdpNode := cluster.Node(agent.id + "-sdp").Label("local description\n" + strings.Join(lines, "\n")).Attr("shape", "note")
		graph.Edge(node, sdpNode)
	}

	for _, session := range agent.Sessions() {
		graph.Edge(node, session.describe(graph, cluster))
	}
	return node
}

func (session *MediaSession) describe(graph, cluster *dot.Graph) dot.Node {
	info := session.Info()
	label := fmt.Sprintf("%s session\n%s", info.MediaType, info.Direction)
	if info.Mid != "" {
		label += " mid=" + info.Mid
	}
	if info.SendPayload != "" {
		label += "\nsend: " + info.SendPayload
	}
	for _, payload := range info.ReceivePayloads {
		label += "\nrecv: " + payload
	}
	label += fmt.Sprintf("\nkeyframe requests: %d sent, %d received", info.KeyframeRequestsSent, info.KeyframeRequestsReceived)
	node := cluster.Node(session.id).Label(label).Box()

	if source := session.SendSource(); source != nil {
		graph.Edge(source.Describe(graph), node)
	}
	for _, source := range session.RemoteSources() {
		graph.Edge(node, source.Describe(graph))
	}
	return node
}

// Describe draws the session on its own, with its sources.
func (session *MediaSession) Describe(graph *dot.Graph) dot.Node {
	return session.describe(graph, graph)
}
