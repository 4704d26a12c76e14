package registry

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/omnia-network/omnia-core/internal/rdf"
	"github.com/omnia-network/omnia-core/models"
)

// Port the gateway serves devices on behind the proxy. Forwarded in the
// required headers of proxied devices.
const proxiedGatewayPort = "8080"

// RegisterDevice registers a device under the calling gateway and mirrors it
// into the semantic store. The gateway proves, via its challenge, that the
// request comes from its own registered network.
func (r *Registry) RegisterDevice(
	ctx context.Context,
	nonce string,
	gatewayPrincipalId models.PrincipalId,
	affordances models.DeviceAffordances,
) (models.RegisteredDeviceResult, error) {
	var zero models.RegisteredDeviceResult

	ipChallenge, err := r.challenges.Consume(nonce)
	if err != nil {
		return zero, err
	}

	gateway, err := r.getRegisteredGateway(gatewayPrincipalId)
	if err != nil {
		return zero, err
	}
	if gateway.GatewayIp != ipChallenge.RequesterIp {
		return zero, ErrRegisterDifferentNetwork
	}

	deviceUid := uuid.New().String()

	var requiredHeaders []models.HeaderPair
	if gateway.ProxiedGatewayUid != "" {
		requiredHeaders = []models.HeaderPair{
			{Name: "X-Forward-To-Peer", Value: gateway.ProxiedGatewayUid},
			{Name: "X-Forward-To-Port", Value: proxiedGatewayPort},
		}
	}

	device := models.RegisteredDevice{
		DeviceUrl:          deviceUrl(gateway.GatewayUrl, deviceUid),
		EnvUid:             gateway.EnvUid,
		GatewayPrincipalId: gatewayPrincipalId,
		RequiredHeaders:    requiredHeaders,
	}

	encoded, err := encodeRecord(device)
	if err != nil {
		return zero, err
	}
	if err := r.store.CreateExclusive(keyPrefixDevice+deviceUid, encoded); err != nil {
		return zero, err
	}

	// Track the device on its gateway record. The append runs inside one
	// store transaction so concurrent registrations on the same gateway all
	// land in the list.
	err = r.store.Mutate(keyPrefixRegisteredGateway+gatewayPrincipalId, func(current string) (string, error) {
		var recorded models.RegisteredGateway
		if err := json.Unmarshal([]byte(current), &recorded); err != nil {
			return "", err
		}
		recorded.RegisteredDeviceUids = append(recorded.RegisteredDeviceUids, deviceUid)
		return encodeRecord(recorded)
	})
	if err != nil {
		return zero, err
	}

	// The semantic mirror is written last so a failed device registration
	// never leaves discoverable triples behind. A failed mirror after a
	// successful registration surfaces as an error; the caller retries the
	// whole registration with a fresh challenge.
	triples := rdf.DeviceTriples(deviceUid, device, affordances)
	if err := r.semantic.Update(ctx, rdf.InsertData(triples)); err != nil {
		return zero, err
	}

	r.logger.Info("device registered",
		"device_uid", deviceUid,
		"gateway", gatewayPrincipalId,
		"url", device.DeviceUrl,
	)

	return models.RegisteredDeviceResult{
		Index: models.RegisteredDeviceIndex{DeviceUid: deviceUid},
		Value: device,
	}, nil
}

// GetRegisteredDevices lists the device uids registered by a gateway.
func (r *Registry) GetRegisteredDevices(
	gatewayPrincipalId models.PrincipalId,
) ([]models.DeviceUid, error) {
	gateway, err := r.getRegisteredGateway(gatewayPrincipalId)
	if err != nil {
		return nil, err
	}
	return append([]models.DeviceUid{}, gateway.RegisteredDeviceUids...), nil
}

// GetDevicesByAffordances finds device URLs in an environment exposing all of
// the requested affordances, answered from the semantic store.
func (r *Registry) GetDevicesByAffordances(
	ctx context.Context,
	envUid models.EnvironmentUid,
	affordances []string,
) ([]string, error) {
	if _, err := r.getEnvironment(envUid); err != nil {
		return nil, err
	}

	result, err := r.semantic.Query(ctx, rdf.DevicesByAffordancesQuery(envUid, affordances))
	if err != nil {
		return nil, err
	}

	devices := []string{}
	for _, binding := range result.Results.Bindings {
		if device, ok := binding["device"]; ok {
			devices = append(devices, device.Value)
		}
	}
	return devices, nil
}
