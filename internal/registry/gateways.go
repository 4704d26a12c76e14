package registry

import (
	"encoding/json"
	"errors"

	"github.com/omnia-network/omnia-core/internal/store"
	"github.com/omnia-network/omnia-core/models"
)

/*
	Gateway lifecycle. A gateway redeems its own challenge to become
	Initialized, keyed by the network it called from. A manager on the same
	network then registers it, consuming the initialized record. Registration
	is permanent; there is no deregistration.
*/

// InitGateway marks the calling gateway as initialized on the network its
// challenge proved. A network holds at most one initialized gateway; a second
// init from the same network is a no-op so gateways can safely retry.
func (r *Registry) InitGateway(
	nonce string,
	gatewayPrincipalId models.PrincipalId,
) (models.PrincipalId, error) {
	ipChallenge, err := r.challenges.Consume(nonce)
	if err != nil {
		return "", err
	}

	initialized := models.InitializedGateway{
		PrincipalId:       gatewayPrincipalId,
		ProxiedGatewayUid: ipChallenge.ProxiedGatewayUid,
	}
	encoded, err := encodeRecord(initialized)
	if err != nil {
		return "", err
	}

	err = r.store.CreateExclusive(keyPrefixInitializedGateway+ipChallenge.RequesterIp, encoded)
	var exists *store.ErrKeyExists
	if err != nil && !errors.As(err, &exists) {
		return "", err
	}

	r.logger.Info("gateway initialized",
		"principal", gatewayPrincipalId,
		"ip", ipChallenge.RequesterIp,
		"proxied", ipChallenge.IsProxied,
	)
	return gatewayPrincipalId, nil
}

// GetInitializedGateways returns the initialized gateways on the caller's
// network, proven by the redeemed challenge. Managers call this to discover
// which gateway they are about to register.
func (r *Registry) GetInitializedGateways(nonce string) ([]models.InitializedGateway, error) {
	ipChallenge, err := r.challenges.Consume(nonce)
	if err != nil {
		return nil, err
	}

	var initialized models.InitializedGateway
	found, err := r.getRecord(keyPrefixInitializedGateway+ipChallenge.RequesterIp, &initialized)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNoInitializedGateway
	}
	return []models.InitializedGateway{initialized}, nil
}

// RegisterGateway promotes the initialized gateway on the manager's network
// to registered. The manager proves network co-location through its own
// challenge: the initialized record is looked up under the manager's IP, so a
// manager on a different network simply finds nothing to register.
func (r *Registry) RegisterGateway(
	nonce string,
	managerPrincipalId models.PrincipalId,
	input models.GatewayRegistrationInput,
) (models.RegisteredGateway, error) {
	var zero models.RegisteredGateway

	ipChallenge, err := r.challenges.Consume(nonce)
	if err != nil {
		return zero, err
	}
	managerIp := ipChallenge.RequesterIp

	environment, err := r.getEnvironment(input.EnvUid)
	if err != nil {
		return zero, err
	}
	if environment.ManagerPrincipalId != managerPrincipalId {
		return zero, models.ErrUnauthorized
	}

	// Consuming the initialized record is the exclusivity point; of two
	// racing registrations on the same network only one finds it. It is
	// consumed before anything else is written, so a call that fails before
	// this point leaves no state behind.
	initKey := keyPrefixInitializedGateway + managerIp
	raw, err := r.store.Delete(initKey)
	if err != nil {
		var notFound *store.ErrKeyNotFound
		if errors.As(err, &notFound) {
			return zero, ErrNoInitializedGateway
		}
		return zero, err
	}
	var initialized models.InitializedGateway
	if err := json.Unmarshal([]byte(raw), &initialized); err != nil {
		return zero, err
	}
	// A refusal of the name puts the initialized record back, so the manager
	// can retry with a different one.
	restoreInitialized := func() {
		if err := r.store.Set(initKey, raw); err != nil {
			r.logger.Error("restoring initialized gateway record",
				"ip", managerIp, "error", err)
		}
	}

	proxied := initialized.ProxiedGatewayUid != ""
	gateway := models.RegisteredGateway{
		GatewayName:          input.GatewayName,
		GatewayIp:            managerIp,
		GatewayUrl:           r.gatewayUrl(managerIp, proxied),
		ProxiedGatewayUid:    initialized.ProxiedGatewayUid,
		EnvUid:               input.EnvUid,
		RegisteredDeviceUids: []string{},
	}
	encoded, err := encodeRecord(gateway)
	if err != nil {
		restoreInitialized()
		return zero, err
	}

	// Gateway names are unique within an environment; the reservation is
	// atomic so two managers racing on the same name cannot both win. The
	// name stays reserved only when the registration goes through.
	nameKey := keyPrefixGatewayName + input.EnvUid + ":" + input.GatewayName
	if err := r.store.CreateExclusive(nameKey, managerPrincipalId); err != nil {
		restoreInitialized()
		var exists *store.ErrKeyExists
		if errors.As(err, &exists) {
			return zero, models.ErrUnauthorized
		}
		return zero, err
	}

	if err := r.store.CreateExclusive(keyPrefixRegisteredGateway+initialized.PrincipalId, encoded); err != nil {
		if _, delErr := r.store.Delete(nameKey); delErr != nil {
			r.logger.Error("releasing gateway name reservation",
				"key", nameKey, "error", delErr)
		}
		var exists *store.ErrKeyExists
		if errors.As(err, &exists) {
			// The record pointed at a gateway that is already registered.
			// It stays consumed, freeing the network slot for a fresh init.
			return zero, ErrGatewayAlreadyRegistered
		}
		restoreInitialized()
		return zero, err
	}

	// Bind the network to the environment so users challenging from it can
	// join without naming the environment. Re-registering a later gateway
	// from the same network rebinds it.
	if err := r.store.Set(keyPrefixEnvironmentByIp+managerIp, input.EnvUid); err != nil {
		return zero, err
	}

	if err := r.addGatewayToEnvironment(input.EnvUid, initialized.PrincipalId); err != nil {
		return zero, err
	}

	r.logger.Info("gateway registered",
		"principal", initialized.PrincipalId,
		"name", input.GatewayName,
		"env_uid", input.EnvUid,
		"manager", managerPrincipalId,
		"url", gateway.GatewayUrl,
	)
	return gateway, nil
}

func (r *Registry) IsGatewayRegistered(gatewayPrincipalId models.PrincipalId) (bool, error) {
	return r.store.Exists(keyPrefixRegisteredGateway + gatewayPrincipalId)
}

func (r *Registry) getRegisteredGateway(
	gatewayPrincipalId models.PrincipalId,
) (models.RegisteredGateway, error) {
	var gateway models.RegisteredGateway
	found, err := r.getRecord(keyPrefixRegisteredGateway+gatewayPrincipalId, &gateway)
	if err != nil {
		return gateway, err
	}
	if !found {
		return gateway, ErrGatewayNotFound
	}
	return gateway, nil
}

/*
	Per-gateway update inbox. Managers append pairing commands, the gateway
	polls and drains. Delivery is at-most-once: a drained batch that the
	gateway loses is gone.
*/

// PairNewDevice queues a pairing command on a registered gateway. The manager
// must prove, via its challenge, that it is on the gateway's own network.
func (r *Registry) PairNewDevice(
	nonce string,
	managerPrincipalId models.PrincipalId,
	input models.PairNewDeviceInput,
) (models.GatewayUpdate, error) {
	var zero models.GatewayUpdate

	ipChallenge, err := r.challenges.Consume(nonce)
	if err != nil {
		return zero, err
	}

	gateway, err := r.getRegisteredGateway(input.GatewayPrincipalId)
	if err != nil {
		return zero, err
	}
	if gateway.GatewayIp != ipChallenge.RequesterIp {
		return zero, ErrPairDifferentNetwork
	}

	update := models.GatewayUpdate{
		VirtualPersonaPrincipalId: managerPrincipalId,
		VirtualPersonaIp:          ipChallenge.RequesterIp,
		Command:                   models.UpdateCommandPair,
		Info:                      models.PairingInfo{Payload: input.Payload},
	}
	encoded, err := encodeRecord(update)
	if err != nil {
		return zero, err
	}

	pending, err := r.store.QueueAppend(keyPrefixUpdates+input.GatewayPrincipalId, encoded)
	if err != nil {
		return zero, err
	}

	r.logger.Info("pairing queued",
		"gateway", input.GatewayPrincipalId,
		"manager", managerPrincipalId,
		"pending", pending,
	)
	return update, nil
}

// GetGatewayUpdates drains the calling gateway's inbox. An empty inbox
// returns an empty slice, not an error.
func (r *Registry) GetGatewayUpdates(
	gatewayPrincipalId models.PrincipalId,
) ([]models.GatewayUpdate, error) {
	if _, err := r.getRegisteredGateway(gatewayPrincipalId); err != nil {
		return nil, err
	}

	raw, err := r.store.QueueDrain(keyPrefixUpdates + gatewayPrincipalId)
	if err != nil {
		return nil, err
	}

	updates := []models.GatewayUpdate{}
	for _, item := range raw {
		var update models.GatewayUpdate
		if err := json.Unmarshal([]byte(item), &update); err != nil {
			return nil, err
		}
		updates = append(updates, update)
	}
	return updates, nil
}
