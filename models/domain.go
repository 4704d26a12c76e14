package models

/*
	Core registry records. Environments are the tenant boundary: each one is
	owned by the Manager principal that created it and exclusively owns its
	gateway and device registrations.
*/

type PrincipalId = string

type EnvironmentUid = string

type Environment struct {
	EnvUid              EnvironmentUid       `json:"env_uid"`
	EnvName             string               `json:"env_name"`
	ManagerPrincipalId  PrincipalId          `json:"env_manager_principal_id"`
	GatewayPrincipalIds map[PrincipalId]bool `json:"env_gateways_principals_ids"`
	UserPrincipalIds    map[PrincipalId]bool `json:"env_users_principals_ids"`
}

type EnvironmentCreationInput struct {
	EnvName string `json:"env_name"`
}

type EnvironmentCreationResult struct {
	EnvUid  EnvironmentUid `json:"env_uid"`
	EnvName string         `json:"env_name"`
}

type EnvironmentInfo struct {
	EnvUid EnvironmentUid `json:"env_uid"`
}

/*
	A Gateway moves through three states. It is Uninitialized until its own
	initGateway challenge succeeds, Initialized (keyed by the IP it challenged
	from) until a Manager on the same network registers it, and Registered
	from then on. There is no deregistration.
*/

type InitializedGateway struct {
	PrincipalId PrincipalId `json:"principal_id"`
	// Set when the gateway reached us through the trusted proxy. The peer id
	// survives into the registered record because registration is performed
	// by the manager, whose own request is never proxied.
	ProxiedGatewayUid string `json:"proxied_gateway_uid,omitempty"`
}

type GatewayRegistrationInput struct {
	EnvUid      EnvironmentUid `json:"env_uid"`
	GatewayName string         `json:"gateway_name"`
}

type RegisteredGateway struct {
	GatewayName       string         `json:"gateway_name"`
	GatewayIp         string         `json:"gateway_ip"`
	GatewayUrl        string         `json:"gateway_url"`
	ProxiedGatewayUid string         `json:"proxied_gateway_uid,omitempty"`
	EnvUid            EnvironmentUid `json:"env_uid"`
	// Ordered set of device uids registered by this gateway.
	RegisteredDeviceUids []string `json:"gat_registered_device_uids"`
}

type DeviceUid = string

// HeaderPair is a single forwarding header required to reach a device, in
// insertion order. Published to the semantic store alongside the device.
type HeaderPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type RegisteredDevice struct {
	DeviceUrl          string         `json:"device_url"`
	EnvUid             EnvironmentUid `json:"env_uid"`
	GatewayPrincipalId PrincipalId    `json:"gateway_principal_id"`
	RequiredHeaders    []HeaderPair   `json:"required_headers,omitempty"`
}

type RegisteredDeviceIndex struct {
	DeviceUid DeviceUid `json:"device_uid"`
}

type RegisteredDeviceResult struct {
	Index RegisteredDeviceIndex `json:"index"`
	Value RegisteredDevice      `json:"value"`
}

// DeviceAffordances lists the property and action affordance names a device
// declares at registration, mapped to semantic-store triples for discovery.
type DeviceAffordances struct {
	Properties []string `json:"properties"`
	Actions    []string `json:"actions"`
}

/*
	Profiles ("virtual personas") are created lazily: the first successfully
	validated challenge from a new principal creates one with no environment
	membership. The IP recorded here is the last validated one.
*/

type VirtualPersona struct {
	PrincipalId   PrincipalId     `json:"virtual_persona_principal_id"`
	Ip            string          `json:"virtual_persona_ip"`
	UserEnvUid    *EnvironmentUid `json:"user_env_uid"`
	ManagerEnvUid *EnvironmentUid `json:"manager_env_uid"`
}

/*
	Pending updates form a per-gateway FIFO inbox. Draining returns the full
	queue and clears it: delivery is at-most-once by design, a gateway that
	crashes after polling loses the batch.
*/

const UpdateCommandPair = "pair"

type PairingInfo struct {
	Payload string `json:"payload"`
}

type GatewayUpdate struct {
	VirtualPersonaPrincipalId PrincipalId `json:"virtual_persona_principal_id"`
	VirtualPersonaIp          string      `json:"virtual_persona_ip"`
	Command                   string      `json:"command"`
	Info                      PairingInfo `json:"info"`
}

type PairNewDeviceInput struct {
	GatewayPrincipalId PrincipalId `json:"gateway_principal_id"`
	Payload            string      `json:"payload"`
}
