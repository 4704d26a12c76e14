package client

import (
	"context"

	"github.com/omnia-network/omnia-core/models"
)

/*
	Typed wrappers over the RPC surface. Bodies mirror the server's request
	shapes field for field.
*/

type nonceBody struct {
	Nonce string `json:"nonce"`
}

type createEnvironmentBody struct {
	Nonce   string `json:"nonce"`
	EnvName string `json:"env_name"`
}

type registerGatewayBody struct {
	Nonce       string                `json:"nonce"`
	EnvUid      models.EnvironmentUid `json:"env_uid"`
	GatewayName string                `json:"gateway_name"`
}

type registeredGatewaysBody struct {
	EnvUid models.EnvironmentUid `json:"env_uid"`
}

type pairNewDeviceBody struct {
	Nonce              string             `json:"nonce"`
	GatewayPrincipalId models.PrincipalId `json:"gateway_principal_id"`
	Payload            string             `json:"payload"`
}

type registerDeviceBody struct {
	Nonce       string                   `json:"nonce"`
	Affordances models.DeviceAffordances `json:"affordances"`
}

type devicesByAffordancesBody struct {
	EnvUid      models.EnvironmentUid `json:"env_uid"`
	Affordances []string              `json:"affordances"`
}

type profileExistsBody struct {
	PrincipalId models.PrincipalId `json:"principal_id"`
}

type emptyBody struct{}

type accessKeyPrice struct {
	PriceE8s uint64 `json:"price_e8s"`
}

func (c *Client) GetProfile(ctx context.Context, nonce string) (models.VirtualPersona, error) {
	return invoke[models.VirtualPersona](ctx, c, "/profile/get", nonceBody{Nonce: nonce})
}

func (c *Client) ProfileExists(ctx context.Context, principalId models.PrincipalId) (bool, error) {
	return invoke[bool](ctx, c, "/profile/exists", profileExistsBody{PrincipalId: principalId})
}

func (c *Client) CreateEnvironment(ctx context.Context, nonce string, envName string) (models.EnvironmentCreationResult, error) {
	return invoke[models.EnvironmentCreationResult](ctx, c, "/environment/create", createEnvironmentBody{
		Nonce:   nonce,
		EnvName: envName,
	})
}

func (c *Client) SetEnvironment(ctx context.Context, nonce string) (models.EnvironmentInfo, error) {
	return invoke[models.EnvironmentInfo](ctx, c, "/environment/set", nonceBody{Nonce: nonce})
}

func (c *Client) ResetEnvironment(ctx context.Context, nonce string) (models.EnvironmentInfo, error) {
	return invoke[models.EnvironmentInfo](ctx, c, "/environment/reset", nonceBody{Nonce: nonce})
}

func (c *Client) InitGateway(ctx context.Context, nonce string) (models.PrincipalId, error) {
	return invoke[models.PrincipalId](ctx, c, "/gateway/init", nonceBody{Nonce: nonce})
}

func (c *Client) GetInitializedGateways(ctx context.Context, nonce string) ([]models.InitializedGateway, error) {
	return invoke[[]models.InitializedGateway](ctx, c, "/gateway/initialized", nonceBody{Nonce: nonce})
}

func (c *Client) RegisterGateway(
	ctx context.Context,
	nonce string,
	envUid models.EnvironmentUid,
	gatewayName string,
) (models.RegisteredGateway, error) {
	return invoke[models.RegisteredGateway](ctx, c, "/gateway/register", registerGatewayBody{
		Nonce:       nonce,
		EnvUid:      envUid,
		GatewayName: gatewayName,
	})
}

func (c *Client) GetRegisteredGateways(
	ctx context.Context,
	envUid models.EnvironmentUid,
) ([]models.RegisteredGateway, error) {
	return invoke[[]models.RegisteredGateway](ctx, c, "/gateway/registered", registeredGatewaysBody{EnvUid: envUid})
}

func (c *Client) GetGatewayUpdates(ctx context.Context) ([]models.GatewayUpdate, error) {
	return invoke[[]models.GatewayUpdate](ctx, c, "/gateway/updates", emptyBody{})
}

func (c *Client) PairNewDevice(
	ctx context.Context,
	nonce string,
	gatewayPrincipalId models.PrincipalId,
	payload string,
) (models.GatewayUpdate, error) {
	return invoke[models.GatewayUpdate](ctx, c, "/gateway/pair", pairNewDeviceBody{
		Nonce:              nonce,
		GatewayPrincipalId: gatewayPrincipalId,
		Payload:            payload,
	})
}

func (c *Client) RegisterDevice(
	ctx context.Context,
	nonce string,
	affordances models.DeviceAffordances,
) (models.RegisteredDeviceResult, error) {
	return invoke[models.RegisteredDeviceResult](ctx, c, "/device/register", registerDeviceBody{
		Nonce:       nonce,
		Affordances: affordances,
	})
}

func (c *Client) GetRegisteredDevices(ctx context.Context) ([]models.DeviceUid, error) {
	return invoke[[]models.DeviceUid](ctx, c, "/device/registered", emptyBody{})
}

func (c *Client) GetDevicesByAffordances(
	ctx context.Context,
	envUid models.EnvironmentUid,
	affordances []string,
) ([]string, error) {
	return invoke[[]string](ctx, c, "/device/by-affordances", devicesByAffordancesBody{
		EnvUid:      envUid,
		Affordances: affordances,
	})
}

func (c *Client) ObtainAccessKey(ctx context.Context, blockIndex uint64) (models.AccessKeyUid, error) {
	return invoke[models.AccessKeyUid](ctx, c, "/access-key/obtain", models.ObtainAccessKeyInput{
		BlockIndex: blockIndex,
	})
}

func (c *Client) ReportSignedRequest(ctx context.Context, request models.SignedRequest) (bool, error) {
	return invoke[bool](ctx, c, "/access-key/report", request)
}

func (c *Client) GetAccessKeyPrice(ctx context.Context) (uint64, error) {
	price, err := invoke[accessKeyPrice](ctx, c, "/access-key/price", emptyBody{})
	if err != nil {
		return 0, err
	}
	return price.PriceE8s, nil
}
