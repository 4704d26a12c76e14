package service

import (
	"encoding/json"
	"net/http"

	"github.com/omnia-network/omnia-core/models"
)

/*
	Request bodies of the RPC surface. Every privileged body is the exact
	byte sequence the caller signed; handlers decode it only after the
	signature check in authenticate.
*/

type nonceRequest struct {
	Nonce string `json:"nonce"`
}

type createEnvironmentRequest struct {
	Nonce   string `json:"nonce"`
	EnvName string `json:"env_name"`
}

type registerGatewayRequest struct {
	Nonce       string                `json:"nonce"`
	EnvUid      models.EnvironmentUid `json:"env_uid"`
	GatewayName string                `json:"gateway_name"`
}

type registeredGatewaysRequest struct {
	EnvUid models.EnvironmentUid `json:"env_uid"`
}

type pairNewDeviceRequest struct {
	Nonce              string             `json:"nonce"`
	GatewayPrincipalId models.PrincipalId `json:"gateway_principal_id"`
	Payload            string             `json:"payload"`
}

type registerDeviceRequest struct {
	Nonce       string                   `json:"nonce"`
	Affordances models.DeviceAffordances `json:"affordances"`
}

type devicesByAffordancesRequest struct {
	EnvUid      models.EnvironmentUid `json:"env_uid"`
	Affordances []string              `json:"affordances"`
}

type profileExistsRequest struct {
	PrincipalId models.PrincipalId `json:"principal_id"`
}

type accessKeyPriceResponse struct {
	PriceE8s uint64 `json:"price_e8s"`
}

// ipChallengeHandler is the only unauthenticated endpoint. It records the
// caller's nonce against the network position this request proves. Non-200
// responses carry plain text, not an envelope.
func (c *Core) ipChallengeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req models.ChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	remote := c.resolveRemote(r)
	if err := c.challenges.Issue(req.Nonce, remote); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("{}")); err != nil {
		c.logger.Error("failed to write challenge response", "error", err)
	}
}

func (c *Core) getProfileHandler(w http.ResponseWriter, r *http.Request) {
	principalId, body, ok := c.authenticate(w, r)
	if !ok {
		return
	}
	var req nonceRequest
	if !decodeBody(w, body, &req) {
		return
	}

	profile, err := c.registry.GetProfile(req.Nonce, principalId)
	respond(c, w, profile, err)
}

func (c *Core) profileExistsHandler(w http.ResponseWriter, r *http.Request) {
	_, body, ok := c.authenticate(w, r)
	if !ok {
		return
	}
	var req profileExistsRequest
	if !decodeBody(w, body, &req) {
		return
	}

	exists, err := c.registry.ProfileExists(req.PrincipalId)
	respond(c, w, exists, err)
}

func (c *Core) createEnvironmentHandler(w http.ResponseWriter, r *http.Request) {
	principalId, body, ok := c.authenticate(w, r)
	if !ok {
		return
	}
	var req createEnvironmentRequest
	if !decodeBody(w, body, &req) {
		return
	}

	// The challenge doubles as profile bootstrap: a manager creating its
	// first environment gets its profile created by the same call.
	if _, err := c.registry.GetProfile(req.Nonce, principalId); err != nil {
		respond(c, w, models.EnvironmentCreationResult{}, err)
		return
	}

	result, err := c.registry.CreateEnvironment(r.Context(), principalId, models.EnvironmentCreationInput{
		EnvName: req.EnvName,
	})
	respond(c, w, result, err)
}

func (c *Core) setEnvironmentHandler(w http.ResponseWriter, r *http.Request) {
	principalId, body, ok := c.authenticate(w, r)
	if !ok {
		return
	}
	var req nonceRequest
	if !decodeBody(w, body, &req) {
		return
	}

	info, err := c.registry.SetEnvironment(req.Nonce, principalId)
	respond(c, w, info, err)
}

func (c *Core) resetEnvironmentHandler(w http.ResponseWriter, r *http.Request) {
	principalId, body, ok := c.authenticate(w, r)
	if !ok {
		return
	}
	var req nonceRequest
	if !decodeBody(w, body, &req) {
		return
	}

	info, err := c.registry.ResetEnvironment(req.Nonce, principalId)
	respond(c, w, info, err)
}

func (c *Core) initGatewayHandler(w http.ResponseWriter, r *http.Request) {
	principalId, body, ok := c.authenticate(w, r)
	if !ok {
		return
	}
	var req nonceRequest
	if !decodeBody(w, body, &req) {
		return
	}

	initialized, err := c.registry.InitGateway(req.Nonce, principalId)
	respond(c, w, initialized, err)
}

func (c *Core) getInitializedGatewaysHandler(w http.ResponseWriter, r *http.Request) {
	_, body, ok := c.authenticate(w, r)
	if !ok {
		return
	}
	var req nonceRequest
	if !decodeBody(w, body, &req) {
		return
	}

	gateways, err := c.registry.GetInitializedGateways(req.Nonce)
	respond(c, w, gateways, err)
}

func (c *Core) registerGatewayHandler(w http.ResponseWriter, r *http.Request) {
	principalId, body, ok := c.authenticate(w, r)
	if !ok {
		return
	}
	var req registerGatewayRequest
	if !decodeBody(w, body, &req) {
		return
	}

	gateway, err := c.registry.RegisterGateway(req.Nonce, principalId, models.GatewayRegistrationInput{
		EnvUid:      req.EnvUid,
		GatewayName: req.GatewayName,
	})
	respond(c, w, gateway, err)
}

func (c *Core) getRegisteredGatewaysHandler(w http.ResponseWriter, r *http.Request) {
	_, body, ok := c.authenticate(w, r)
	if !ok {
		return
	}
	var req registeredGatewaysRequest
	if !decodeBody(w, body, &req) {
		return
	}

	gateways, err := c.registry.GetRegisteredGateways(req.EnvUid)
	respond(c, w, gateways, err)
}

func (c *Core) getGatewayUpdatesHandler(w http.ResponseWriter, r *http.Request) {
	principalId, _, ok := c.authenticate(w, r)
	if !ok {
		return
	}

	updates, err := c.registry.GetGatewayUpdates(principalId)
	respond(c, w, updates, err)
}

func (c *Core) pairNewDeviceHandler(w http.ResponseWriter, r *http.Request) {
	principalId, body, ok := c.authenticate(w, r)
	if !ok {
		return
	}
	var req pairNewDeviceRequest
	if !decodeBody(w, body, &req) {
		return
	}

	update, err := c.registry.PairNewDevice(req.Nonce, principalId, models.PairNewDeviceInput{
		GatewayPrincipalId: req.GatewayPrincipalId,
		Payload:            req.Payload,
	})
	respond(c, w, update, err)
}

func (c *Core) registerDeviceHandler(w http.ResponseWriter, r *http.Request) {
	principalId, body, ok := c.authenticate(w, r)
	if !ok {
		return
	}
	var req registerDeviceRequest
	if !decodeBody(w, body, &req) {
		return
	}

	result, err := c.registry.RegisterDevice(r.Context(), req.Nonce, principalId, req.Affordances)
	respond(c, w, result, err)
}

func (c *Core) getRegisteredDevicesHandler(w http.ResponseWriter, r *http.Request) {
	principalId, _, ok := c.authenticate(w, r)
	if !ok {
		return
	}

	devices, err := c.registry.GetRegisteredDevices(principalId)
	respond(c, w, devices, err)
}

func (c *Core) getDevicesByAffordancesHandler(w http.ResponseWriter, r *http.Request) {
	_, body, ok := c.authenticate(w, r)
	if !ok {
		return
	}
	var req devicesByAffordancesRequest
	if !decodeBody(w, body, &req) {
		return
	}

	devices, err := c.registry.GetDevicesByAffordances(r.Context(), req.EnvUid, req.Affordances)
	respond(c, w, devices, err)
}

func (c *Core) obtainAccessKeyHandler(w http.ResponseWriter, r *http.Request) {
	principalId, body, ok := c.authenticate(w, r)
	if !ok {
		return
	}
	var req models.ObtainAccessKeyInput
	if !decodeBody(w, body, &req) {
		return
	}

	accessKeyUid, err := c.accessKeys.ObtainAccessKey(r.Context(), principalId, req.BlockIndex)
	respond(c, w, accessKeyUid, err)
}

func (c *Core) reportSignedRequestHandler(w http.ResponseWriter, r *http.Request) {
	_, body, ok := c.authenticate(w, r)
	if !ok {
		return
	}
	var req models.SignedRequest
	if !decodeBody(w, body, &req) {
		return
	}

	accepted, err := c.accessKeys.ReportSignedRequest(req)
	respond(c, w, accepted, err)
}

func (c *Core) getAccessKeyPriceHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	respond(c, w, accessKeyPriceResponse{PriceE8s: c.accessKeys.Price()}, nil)
}
