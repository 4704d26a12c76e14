/*
	Proof-of-network-position challenges.

	A caller generates a random nonce, POSTs it over plain HTTP, and later
	presents the same nonce inside an authenticated call. Because the plain
	request reveals the caller's transport IP, redeeming the nonce proves the
	authenticated principal controls that network position. Nonces are held in
	a TTL cache and deleted on read, so each one redeems at most once.
*/

package challenge

import (
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/omnia-network/omnia-core/models"
)

const (
	// Nonces are caller-generated random bytes, hex encoded. Anything shorter
	// than 16 bytes is too guessable to prove anything.
	minNonceBytes = 16
	maxNonceBytes = 64
)

type Config struct {
	Logger   *slog.Logger
	NonceTTL time.Duration

	// Transport-level peer address of the trusted reverse proxy. Forwarding
	// headers are honoured only for requests that arrive from this address.
	ProxyIpv4 string
}

// RemoteContext is what the transport layer actually tells us about a request:
// the peer IP, and, when the request came through the trusted proxy, the
// proxied requester's IP and peer id.
type RemoteContext struct {
	Ip        string
	IsProxied bool
	PeerId    string
}

type Tracker struct {
	logger    *slog.Logger
	cache     *ttlcache.Cache[string, models.IpChallenge]
	proxyIpv4 string
}

func New(cfg Config) *Tracker {
	cache := ttlcache.New[string, models.IpChallenge](
		ttlcache.WithTTL[string, models.IpChallenge](cfg.NonceTTL),
		ttlcache.WithDisableTouchOnHit[string, models.IpChallenge](),
	)
	go cache.Start()

	return &Tracker{
		logger:    cfg.Logger.WithGroup("challenge"),
		cache:     cache,
		proxyIpv4: cfg.ProxyIpv4,
	}
}

func (t *Tracker) Stop() {
	t.cache.Stop()
}

// Issue records a challenge for the given remote context under the caller's
// nonce. A nonce that is malformed or already pending is rejected with the
// same error; the caller should generate a new one either way. The insert is
// a single cache operation, so of two concurrent issues of the same nonce
// exactly one wins and the loser cannot rebind it to another address.
func (t *Tracker) Issue(nonce string, remote RemoteContext) error {
	raw, err := hex.DecodeString(nonce)
	if err != nil || len(raw) < minNonceBytes || len(raw) > maxNonceBytes {
		return models.ErrInvalidNonce
	}

	_, pending := t.cache.GetOrSet(nonce, models.IpChallenge{
		RequesterIp:       remote.Ip,
		ProxiedGatewayUid: remote.PeerId,
		IsProxied:         remote.IsProxied,
		Timestamp:         time.Now().Unix(),
	})
	if pending {
		return models.ErrInvalidNonce
	}

	t.logger.Debug("challenge issued", "ip", remote.Ip, "proxied", remote.IsProxied)
	return nil
}

// Consume redeems a pending challenge. The get and the delete are a single
// cache operation, so two concurrent redemptions of the same nonce cannot
// both succeed.
func (t *Tracker) Consume(nonce string) (models.IpChallenge, error) {
	item, present := t.cache.GetAndDelete(nonce)
	if !present || item == nil {
		return models.IpChallenge{}, models.ErrInvalidNonce
	}
	return item.Value(), nil
}

// ResolveRemote extracts the effective remote context of a request. The last
// element of X-Forwarded-For is the transport peer as seen by the fronting
// infrastructure; earlier elements are client-controlled and ignored. When the
// transport peer is the trusted proxy and it vouches for a forwarded origin,
// the proxied address and peer id take over.
func ResolveRemote(r *http.Request, proxyIpv4 string) RemoteContext {
	peerIp := ""
	if fwd := r.Header.Get(models.HeaderForwardedFor); fwd != "" {
		parts := strings.Split(fwd, ",")
		peerIp = strings.TrimSpace(parts[len(parts)-1])
	}
	if peerIp == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		peerIp = host
	}

	if peerIp == proxyIpv4 {
		proxiedFor := strings.TrimSpace(r.Header.Get(models.HeaderProxiedFor))
		peerId := strings.TrimSpace(r.Header.Get(models.HeaderPeerId))
		if proxiedFor != "" && peerId != "" {
			return RemoteContext{
				Ip:        proxiedFor,
				IsProxied: true,
				PeerId:    peerId,
			}
		}
	}

	return RemoteContext{Ip: peerIp}
}
