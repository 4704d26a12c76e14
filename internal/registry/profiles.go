package registry

import (
	"github.com/jellydator/ttlcache/v3"

	"github.com/omnia-network/omnia-core/models"
)

/*
	Profiles are created lazily: the first validated challenge from an unknown
	principal creates one bound to the proven IP. Environment membership is
	driven by the network the user challenges from, not by naming an
	environment explicitly.
*/

// GetProfile returns the caller's profile, creating it on first contact. The
// recorded IP is always refreshed to the one the redeemed challenge proved.
func (r *Registry) GetProfile(
	nonce string,
	principalId models.PrincipalId,
) (models.VirtualPersona, error) {
	var zero models.VirtualPersona

	ipChallenge, err := r.challenges.Consume(nonce)
	if err != nil {
		return zero, err
	}

	var profile models.VirtualPersona
	found, err := r.getRecord(keyPrefixProfile+principalId, &profile)
	if err != nil {
		return zero, err
	}
	if !found {
		profile = models.VirtualPersona{
			PrincipalId:   principalId,
			Ip:            ipChallenge.RequesterIp,
			UserEnvUid:    nil,
			ManagerEnvUid: nil,
		}
		r.logger.Info("profile created", "principal", principalId, "ip", ipChallenge.RequesterIp)
	} else {
		profile.Ip = ipChallenge.RequesterIp
	}

	encoded, err := encodeRecord(profile)
	if err != nil {
		return zero, err
	}
	if err := r.store.Set(keyPrefixProfile+principalId, encoded); err != nil {
		return zero, err
	}
	r.profileCache.Set(principalId, profile, ttlcache.DefaultTTL)

	return profile, nil
}

// ProfileExists answers without a challenge; it leaks only existence.
func (r *Registry) ProfileExists(principalId models.PrincipalId) (bool, error) {
	if r.profileCache.Has(principalId) {
		return true, nil
	}
	return r.store.Exists(keyPrefixProfile + principalId)
}

func (r *Registry) getProfile(principalId models.PrincipalId) (models.VirtualPersona, error) {
	if item := r.profileCache.Get(principalId); item != nil {
		return item.Value(), nil
	}

	var profile models.VirtualPersona
	found, err := r.getRecord(keyPrefixProfile+principalId, &profile)
	if err != nil {
		return profile, err
	}
	if !found {
		return profile, ErrProfileNotFound
	}
	r.profileCache.Set(principalId, profile, ttlcache.DefaultTTL)
	return profile, nil
}

// SetEnvironment joins the caller, as a user, to the environment bound to the
// network its challenge proved.
func (r *Registry) SetEnvironment(
	nonce string,
	principalId models.PrincipalId,
) (models.EnvironmentInfo, error) {
	var zero models.EnvironmentInfo

	ipChallenge, err := r.challenges.Consume(nonce)
	if err != nil {
		return zero, err
	}

	envUid, err := r.environmentUidByIp(ipChallenge.RequesterIp)
	if err != nil {
		return zero, err
	}

	if err := r.setUserInEnvironment(envUid, principalId, true); err != nil {
		return zero, err
	}

	profile, err := r.getProfile(principalId)
	if err != nil {
		return zero, err
	}
	profile.UserEnvUid = &envUid
	encoded, err := encodeRecord(profile)
	if err != nil {
		return zero, err
	}
	if err := r.store.Update(keyPrefixProfile+principalId, encoded); err != nil {
		return zero, err
	}
	r.profileCache.Delete(principalId)

	r.logger.Info("user joined environment", "principal", principalId, "env_uid", envUid)
	return models.EnvironmentInfo{EnvUid: envUid}, nil
}

// ResetEnvironment removes the caller, as a user, from the environment bound
// to its current network.
func (r *Registry) ResetEnvironment(
	nonce string,
	principalId models.PrincipalId,
) (models.EnvironmentInfo, error) {
	var zero models.EnvironmentInfo

	ipChallenge, err := r.challenges.Consume(nonce)
	if err != nil {
		return zero, err
	}

	envUid, err := r.environmentUidByIp(ipChallenge.RequesterIp)
	if err != nil {
		return zero, err
	}

	if err := r.setUserInEnvironment(envUid, principalId, false); err != nil {
		return zero, err
	}

	profile, err := r.getProfile(principalId)
	if err != nil {
		return zero, err
	}
	profile.UserEnvUid = nil
	encoded, err := encodeRecord(profile)
	if err != nil {
		return zero, err
	}
	if err := r.store.Update(keyPrefixProfile+principalId, encoded); err != nil {
		return zero, err
	}
	r.profileCache.Delete(principalId)

	r.logger.Info("user left environment", "principal", principalId, "env_uid", envUid)
	return models.EnvironmentInfo{EnvUid: envUid}, nil
}
