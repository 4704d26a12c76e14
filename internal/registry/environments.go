package registry

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/omnia-network/omnia-core/internal/rdf"
	"github.com/omnia-network/omnia-core/internal/store"
	"github.com/omnia-network/omnia-core/models"
)

// CreateEnvironment creates an environment owned by the calling manager and
// marks the manager's profile accordingly. The manager must already have a
// profile, which the first validated challenge creates.
func (r *Registry) CreateEnvironment(
	ctx context.Context,
	managerPrincipalId models.PrincipalId,
	input models.EnvironmentCreationInput,
) (models.EnvironmentCreationResult, error) {
	var zero models.EnvironmentCreationResult

	var profile models.VirtualPersona
	found, err := r.getRecord(keyPrefixProfile+managerPrincipalId, &profile)
	if err != nil {
		return zero, err
	}
	if !found {
		return zero, ErrProfileNotFound
	}

	envUid := uuid.New().String()
	environment := models.Environment{
		EnvUid:              envUid,
		EnvName:             input.EnvName,
		ManagerPrincipalId:  managerPrincipalId,
		GatewayPrincipalIds: map[models.PrincipalId]bool{},
		UserPrincipalIds:    map[models.PrincipalId]bool{},
	}

	encoded, err := encodeRecord(environment)
	if err != nil {
		return zero, err
	}
	if err := r.store.CreateExclusive(keyPrefixEnvironment+envUid, encoded); err != nil {
		return zero, err
	}

	profile.ManagerEnvUid = &envUid
	encodedProfile, err := encodeRecord(profile)
	if err != nil {
		return zero, err
	}
	if err := r.store.Update(keyPrefixProfile+managerPrincipalId, encodedProfile); err != nil {
		return zero, err
	}
	r.profileCache.Delete(managerPrincipalId)

	// Mirror the environment into the semantic store so device registrations
	// have a zone to attach to.
	if err := r.semantic.Update(ctx, rdf.InsertData(rdf.EnvironmentTriples(envUid))); err != nil {
		return zero, err
	}

	r.logger.Info("environment created",
		"env_uid", envUid,
		"env_name", input.EnvName,
		"manager", managerPrincipalId,
	)

	return models.EnvironmentCreationResult{
		EnvUid:  envUid,
		EnvName: input.EnvName,
	}, nil
}

func (r *Registry) getEnvironment(envUid models.EnvironmentUid) (models.Environment, error) {
	var environment models.Environment
	found, err := r.getRecord(keyPrefixEnvironment+envUid, &environment)
	if err != nil {
		return environment, err
	}
	if !found {
		return environment, ErrEnvironmentNotFound
	}
	return environment, nil
}

// GetRegisteredGateways lists the registered gateways of an environment.
func (r *Registry) GetRegisteredGateways(envUid models.EnvironmentUid) ([]models.RegisteredGateway, error) {
	environment, err := r.getEnvironment(envUid)
	if err != nil {
		return nil, err
	}

	gateways := []models.RegisteredGateway{}
	for principalId := range environment.GatewayPrincipalIds {
		var gateway models.RegisteredGateway
		found, err := r.getRecord(keyPrefixRegisteredGateway+principalId, &gateway)
		if err != nil {
			return nil, err
		}
		if !found {
			// The environment referenced a gateway record that vanished;
			// surface it rather than silently skipping.
			return nil, ErrGatewayNotFound
		}
		gateways = append(gateways, gateway)
	}
	return gateways, nil
}

// mutateEnvironment applies fn to the environment record inside a single
// store transaction. Membership updates race with each other on a shared
// record, so a plain read-then-write would let one of two concurrent
// registrations vanish.
func (r *Registry) mutateEnvironment(
	envUid models.EnvironmentUid,
	fn func(environment *models.Environment),
) error {
	err := r.store.Mutate(keyPrefixEnvironment+envUid, func(current string) (string, error) {
		var environment models.Environment
		if err := json.Unmarshal([]byte(current), &environment); err != nil {
			return "", err
		}
		fn(&environment)
		return encodeRecord(environment)
	})
	var notFound *store.ErrKeyNotFound
	if errors.As(err, &notFound) {
		return ErrEnvironmentNotFound
	}
	return err
}

// addGatewayToEnvironment links a newly registered gateway into its
// environment record.
func (r *Registry) addGatewayToEnvironment(
	envUid models.EnvironmentUid,
	gatewayPrincipalId models.PrincipalId,
) error {
	return r.mutateEnvironment(envUid, func(environment *models.Environment) {
		environment.GatewayPrincipalIds[gatewayPrincipalId] = true
	})
}

func (r *Registry) setUserInEnvironment(
	envUid models.EnvironmentUid,
	userPrincipalId models.PrincipalId,
	member bool,
) error {
	return r.mutateEnvironment(envUid, func(environment *models.Environment) {
		if member {
			environment.UserPrincipalIds[userPrincipalId] = true
		} else {
			delete(environment.UserPrincipalIds, userPrincipalId)
		}
	})
}

// environmentUidByIp resolves the environment a network belongs to. The
// mapping is written when a gateway is registered from that network.
func (r *Registry) environmentUidByIp(ip string) (models.EnvironmentUid, error) {
	envUid, err := r.store.Get(keyPrefixEnvironmentByIp + ip)
	if err != nil {
		var notFound *store.ErrKeyNotFound
		if errors.As(err, &notFound) {
			return "", ErrNoEnvironmentOnNetwork
		}
		return "", err
	}
	return envUid, nil
}
