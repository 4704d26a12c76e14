package challenge

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnia-network/omnia-core/models"
)

const testProxyIpv4 = "203.0.113.7"

func newTestTracker(t *testing.T, ttl time.Duration) *Tracker {
	t.Helper()
	tracker := New(Config{
		Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelError,
		})),
		NonceTTL:  ttl,
		ProxyIpv4: testProxyIpv4,
	})
	t.Cleanup(tracker.Stop)
	return tracker
}

func randomNonce(t *testing.T) string {
	t.Helper()
	raw := make([]byte, 32)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	return hex.EncodeToString(raw)
}

func TestIssueAndConsumeOnce(t *testing.T) {
	tracker := newTestTracker(t, time.Minute)
	nonce := randomNonce(t)

	require.NoError(t, tracker.Issue(nonce, RemoteContext{Ip: "10.0.0.5"}))

	redeemed, err := tracker.Consume(nonce)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", redeemed.RequesterIp)
	assert.False(t, redeemed.IsProxied)

	// A nonce redeems exactly once.
	_, err = tracker.Consume(nonce)
	assert.ErrorIs(t, err, models.ErrInvalidNonce)
}

func TestIssueRejectsMalformedNonces(t *testing.T) {
	tracker := newTestTracker(t, time.Minute)

	for _, nonce := range []string{
		"",
		"not hex",
		"abcd",                               // too short to prove anything
		hex.EncodeToString(make([]byte, 65)), // too long
	} {
		err := tracker.Issue(nonce, RemoteContext{Ip: "10.0.0.5"})
		assert.ErrorIs(t, err, models.ErrInvalidNonce, "nonce %q", nonce)
	}
}

func TestIssueRejectsPendingDuplicate(t *testing.T) {
	tracker := newTestTracker(t, time.Minute)
	nonce := randomNonce(t)

	require.NoError(t, tracker.Issue(nonce, RemoteContext{Ip: "10.0.0.5"}))
	err := tracker.Issue(nonce, RemoteContext{Ip: "10.0.0.6"})
	assert.ErrorIs(t, err, models.ErrInvalidNonce)
}

// Racing issues of one nonce must not let a later caller rebind it to a
// different address.
func TestIssueConcurrentSameNonce(t *testing.T) {
	tracker := newTestTracker(t, time.Minute)
	nonce := randomNonce(t)

	const callers = 16
	var wg sync.WaitGroup
	var accepted atomic.Int32
	for i := 0; i < callers; i++ {
		ip := fmt.Sprintf("10.0.0.%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tracker.Issue(nonce, RemoteContext{Ip: ip}) == nil {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())

	redeemed, err := tracker.Consume(nonce)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(redeemed.RequesterIp, "10.0.0."))
}

func TestConsumeExpired(t *testing.T) {
	tracker := newTestTracker(t, 30*time.Millisecond)
	nonce := randomNonce(t)

	require.NoError(t, tracker.Issue(nonce, RemoteContext{Ip: "10.0.0.5"}))
	time.Sleep(80 * time.Millisecond)

	_, err := tracker.Consume(nonce)
	assert.ErrorIs(t, err, models.ErrInvalidNonce)
}

func TestIssueProxiedChallenge(t *testing.T) {
	tracker := newTestTracker(t, time.Minute)
	nonce := randomNonce(t)

	require.NoError(t, tracker.Issue(nonce, RemoteContext{
		Ip:        "192.168.1.10",
		IsProxied: true,
		PeerId:    "peer-uid-1",
	}))

	redeemed, err := tracker.Consume(nonce)
	require.NoError(t, err)
	assert.True(t, redeemed.IsProxied)
	assert.Equal(t, "192.168.1.10", redeemed.RequesterIp)
	assert.Equal(t, "peer-uid-1", redeemed.ProxiedGatewayUid)
}

func TestResolveRemote(t *testing.T) {
	t.Run("transport address", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/ip-challenge", nil)
		r.RemoteAddr = "10.1.2.3:44812"

		remote := ResolveRemote(r, testProxyIpv4)
		assert.Equal(t, RemoteContext{Ip: "10.1.2.3"}, remote)
	})

	t.Run("forwarded-for last element wins", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/ip-challenge", nil)
		r.RemoteAddr = "127.0.0.1:1000"
		r.Header.Set(models.HeaderForwardedFor, "1.2.3.4, 5.6.7.8 , 9.9.9.9")

		remote := ResolveRemote(r, testProxyIpv4)
		assert.Equal(t, "9.9.9.9", remote.Ip)
		assert.False(t, remote.IsProxied)
	})

	t.Run("proxy peer with both headers", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/ip-challenge", nil)
		r.Header.Set(models.HeaderForwardedFor, testProxyIpv4)
		r.Header.Set(models.HeaderProxiedFor, "192.168.1.10")
		r.Header.Set(models.HeaderPeerId, "peer-uid-1")

		remote := ResolveRemote(r, testProxyIpv4)
		assert.Equal(t, RemoteContext{
			Ip:        "192.168.1.10",
			IsProxied: true,
			PeerId:    "peer-uid-1",
		}, remote)
	})

	t.Run("proxy peer missing one header", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/ip-challenge", nil)
		r.Header.Set(models.HeaderForwardedFor, testProxyIpv4)
		r.Header.Set(models.HeaderProxiedFor, "192.168.1.10")

		remote := ResolveRemote(r, testProxyIpv4)
		assert.Equal(t, RemoteContext{Ip: testProxyIpv4}, remote)
	})

	t.Run("forwarding headers from non proxy peer are ignored", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/ip-challenge", nil)
		r.RemoteAddr = "10.1.2.3:44812"
		r.Header.Set(models.HeaderProxiedFor, "192.168.1.10")
		r.Header.Set(models.HeaderPeerId, "peer-uid-1")

		remote := ResolveRemote(r, testProxyIpv4)
		assert.Equal(t, RemoteContext{Ip: "10.1.2.3"}, remote)
	})
}
