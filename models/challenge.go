package models

/*
	Headers the challenge endpoint trusts. X-Forwarded-For is injected by the
	fronting infrastructure; its last element is the transport-level peer.
	X-Peer-Id and X-Proxied-For are honoured only when the transport peer is
	the trusted proxy itself.
*/

const (
	HeaderForwardedFor = "X-Forwarded-For"
	HeaderPeerId       = "X-Peer-Id"
	HeaderProxiedFor   = "X-Proxied-For"

	HeaderPrincipal = "X-Omnia-Principal"
	HeaderPublicKey = "X-Omnia-Public-Key"
	HeaderSignature = "X-Omnia-Signature"
)

type ChallengeRequest struct {
	Nonce string `json:"nonce"`
}

// IpChallenge is the server side record of an issued challenge, keyed by its
// nonce until consumed or expired.
type IpChallenge struct {
	RequesterIp       string `json:"requester_ip"`
	ProxiedGatewayUid string `json:"proxied_gateway_uid,omitempty"`
	IsProxied         bool   `json:"is_proxied"`
	Timestamp         int64  `json:"timestamp"`
}
