/*
	The registries: environments, gateways, devices, profiles and the
	per-gateway update inbox. Everything is persisted as JSON values in the
	key-addressed store; cross-record invariants rely on the store's atomic
	check-and-insert rather than on locks.
*/

package registry

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/omnia-network/omnia-core/internal/challenge"
	"github.com/omnia-network/omnia-core/internal/rdf"
	"github.com/omnia-network/omnia-core/internal/store"
	"github.com/omnia-network/omnia-core/models"
)

/*
	Business errors. The two network-mismatch messages are part of the wire
	contract with gateway and manager clients.
*/

var (
	ErrEnvironmentNotFound      = errors.New("environment not found")
	ErrGatewayNotFound          = errors.New("gateway not found")
	ErrNoInitializedGateway     = errors.New("no initialized gateway on this network")
	ErrGatewayAlreadyRegistered = errors.New("gateway is already registered")
	ErrProfileNotFound          = errors.New("profile not found")
	ErrNoEnvironmentOnNetwork   = errors.New("no environment registered on this network")

	ErrPairDifferentNetwork     = errors.New("Cannot commission devices from a different network of the gateway")
	ErrRegisterDifferentNetwork = errors.New("Cannot register device from a different network of the gateway")
)

/*
	Store key layout. Each record family gets its own prefix so listings can
	iterate a family without touching the others.
*/

const (
	keyPrefixEnvironment        = "environment:"
	keyPrefixEnvironmentByIp    = "environment_ip:"
	keyPrefixInitializedGateway = "gateway_initialized:"
	keyPrefixRegisteredGateway  = "gateway_registered:"
	keyPrefixGatewayName        = "gateway_name:"
	keyPrefixDevice             = "device:"
	keyPrefixProfile            = "profile:"
	keyPrefixPublicKey          = "public_key:"
	keyPrefixUpdates            = "updates:"
)

type Config struct {
	Logger     *slog.Logger
	Store      store.Store
	Challenges *challenge.Tracker
	Semantic   *rdf.Client

	// Host of the trusted reverse proxy, used when deriving URLs for proxied
	// gateways so their HTTPS certificates stay valid.
	ProxyHost string

	ProfileCacheTTL time.Duration
}

type Registry struct {
	logger     *slog.Logger
	store      store.Store
	challenges *challenge.Tracker
	semantic   *rdf.Client
	proxyHost  string

	// Read-through cache in front of profile lookups; invalidated on every
	// profile mutation.
	profileCache *ttlcache.Cache[string, models.VirtualPersona]
}

func New(cfg Config) *Registry {
	profileCache := ttlcache.New[string, models.VirtualPersona](
		ttlcache.WithTTL[string, models.VirtualPersona](cfg.ProfileCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, models.VirtualPersona](),
	)
	go profileCache.Start()

	return &Registry{
		logger:       cfg.Logger.WithGroup("registry"),
		store:        cfg.Store,
		challenges:   cfg.Challenges,
		semantic:     cfg.Semantic,
		proxyHost:    cfg.ProxyHost,
		profileCache: profileCache,
	}
}

func (r *Registry) Stop() {
	r.profileCache.Stop()
}

// gatewayUrl derives the base URL a gateway is reachable at. Proxied gateways
// are addressed through the proxy host, direct ones by their registration IP.
func (r *Registry) gatewayUrl(ip string, proxied bool) string {
	if proxied {
		return "https://" + r.proxyHost
	}
	return "https://" + ip
}

func deviceUrl(gatewayUrl string, deviceUid models.DeviceUid) string {
	return gatewayUrl + "/" + deviceUid
}

/*
	Principals are bound to their public keys the first time they make an
	authenticated call. Later signature checks (reporting a signed request made
	by some other principal) look the key up here.
*/

// RecordPublicKey stores the compressed public key a principal authenticated
// with. The first key observed wins; a principal cannot rotate to a different
// key because its text form is derived from the key itself.
func (r *Registry) RecordPublicKey(principalId models.PrincipalId, publicKeyHex string) error {
	err := r.store.CreateExclusive(keyPrefixPublicKey+principalId, publicKeyHex)
	var exists *store.ErrKeyExists
	if errors.As(err, &exists) {
		return nil
	}
	return err
}

func (r *Registry) GetPublicKey(principalId models.PrincipalId) (string, error) {
	key, err := r.store.Get(keyPrefixPublicKey + principalId)
	var notFound *store.ErrKeyNotFound
	if errors.As(err, &notFound) {
		return "", ErrProfileNotFound
	}
	return key, err
}

/*
	JSON record helpers shared by all registries.
*/

func (r *Registry) getRecord(key string, out any) (found bool, err error) {
	raw, err := r.store.Get(key)
	if err != nil {
		var notFound *store.ErrKeyNotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, err
	}
	return true, nil
}

func encodeRecord(value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
