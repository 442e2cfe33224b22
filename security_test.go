//go:build test

package blehost_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	blehost "github.com/srg/blehost"
	"github.com/srg/blehost/internal/testutils"
	"github.com/srg/blehost/smp"
	"github.com/srg/blehost/status"
	"github.com/srg/blehost/transport"
)

type SecurityTestSuite struct {
	testutils.HostSuite
}

func (suite *SecurityTestSuite) bondablePeripheral() {
	suite.WithPeripheral().
		WithService("180F").
		WithCharacteristic("2A19", "read", []byte{90})
}

func legacyConfig() blehost.Config {
	cfg := blehost.DefaultConfig()
	cfg.Security.LESC = false
	return cfg
}

func (suite *SecurityTestSuite) identityAddr() transport.Addr {
	return transport.Addr{Type: transport.AddrPublic, MAC: testutils.PeerMAC}
}

func (suite *SecurityTestSuite) TestPairAndBond() {
	// GOAL: Verify a legacy pairing bonds, stores the keys and reaches the
	// bonded state
	suite.bondablePeripheral()
	suite.StartHost(legacyConfig())
	p := suite.ConnectPeer()

	result, err := p.Security().Pair(false).Wait(testutils.WaitTimeout)
	suite.Require().NoError(err, "pairing MUST succeed")
	suite.Equal(transport.SecSuccess, result.Status)
	suite.True(result.Bonded, "bonding MUST be part of the procedure")
	suite.Equal(2, result.Level, "link MUST be encrypted")
	suite.Equal(smp.StateBonded, p.Security().State())

	rec, ok := suite.Host.Bonds().Load(suite.identityAddr())
	suite.Require().True(ok, "bond MUST be persisted under the identity address")
	suite.NotEmpty(rec.LTK(), "stored bond MUST carry a long-term key")
	suite.True(p.Security().Bonded())
}

func (suite *SecurityTestSuite) TestReconnectUsesStoredKey() {
	// GOAL: Verify a second connection re-encrypts from the stored bond
	// instead of pairing again
	suite.bondablePeripheral()
	suite.StartHost(legacyConfig())
	p := suite.ConnectPeer()

	_, err := p.Security().Pair(false).Wait(testutils.WaitTimeout)
	suite.Require().NoError(err)
	suite.Equal(1, suite.Controller.CountSent("authenticate"))

	_, err = p.Disconnect(0x13).Wait(testutils.WaitTimeout)
	suite.Require().NoError(err)

	p = suite.ConnectPeer()
	result, err := p.Security().Pair(false).Wait(testutils.WaitTimeout)
	suite.Require().NoError(err, "re-encryption MUST succeed")
	suite.True(result.Bonded)
	suite.Equal(smp.StateBonded, p.Security().State())

	suite.Equal(1, suite.Controller.CountSent("encrypt"), "stored key MUST be used")
	suite.Equal(1, suite.Controller.CountSent("authenticate"), "no second pairing MUST run")
}

func (suite *SecurityTestSuite) TestForceRepair() {
	// GOAL: Verify forceRepair runs a fresh pairing despite the stored bond
	suite.bondablePeripheral()
	suite.StartHost(legacyConfig())
	p := suite.ConnectPeer()

	_, err := p.Security().Pair(false).Wait(testutils.WaitTimeout)
	suite.Require().NoError(err)

	_, err = p.Disconnect(0x13).Wait(testutils.WaitTimeout)
	suite.Require().NoError(err)

	p = suite.ConnectPeer()
	_, err = p.Security().Pair(true).Wait(testutils.WaitTimeout)
	suite.Require().NoError(err)
	suite.Equal(2, suite.Controller.CountSent("authenticate"), "repair MUST pair from scratch")
	suite.Zero(suite.Controller.CountSent("encrypt"))
}

func (suite *SecurityTestSuite) TestRejectedStoredKeyFailsPairing() {
	// GOAL: Verify a peer that lost its keys turns re-encryption into a
	// pairing failure the consumer can see
	suite.bondablePeripheral()
	suite.StartHost(legacyConfig())
	p := suite.ConnectPeer()

	_, err := p.Security().Pair(false).Wait(testutils.WaitTimeout)
	suite.Require().NoError(err)
	_, err = p.Disconnect(0x13).Wait(testutils.WaitTimeout)
	suite.Require().NoError(err)

	suite.Controller.RejectEncrypt = true
	p = suite.ConnectPeer()
	_, err = p.Security().Pair(false).Wait(testutils.WaitTimeout)
	var pairErr *status.PairingFailedError
	suite.Require().True(errors.As(err, &pairErr), "rejected key MUST fail as a pairing error")
	suite.Equal(smp.StateIdle, p.Security().State())
}

func (suite *SecurityTestSuite) TestLESCPairing() {
	// GOAL: Verify the LESC key agreement answers the controller's DH key
	// request
	suite.bondablePeripheral()
	suite.StartHost(blehost.DefaultConfig()) // LESC on by default
	p := suite.ConnectPeer()

	result, err := p.Security().Pair(false).Wait(testutils.WaitTimeout)
	suite.Require().NoError(err)
	suite.True(result.Bonded)
	suite.Equal(1, suite.Controller.CountSent("dh_key_reply"), "DH key request MUST be answered")
}

func (suite *SecurityTestSuite) TestPasskeyDisplay() {
	// GOAL: Verify MITM pairing surfaces the passkey to the registered
	// handler
	suite.bondablePeripheral()
	cfg := legacyConfig()
	cfg.Security.MITM = true
	cfg.Security.IOCaps = "display"
	suite.StartHost(cfg)
	suite.Controller.Passkey = "123456"
	p := suite.ConnectPeer()

	shown := make(chan string, 1)
	p.Security().OnPasskeyDisplay.Register(func(d smp.PasskeyDisplay) {
		shown <- d.Passkey
	})

	result, err := p.Security().Pair(false).Wait(testutils.WaitTimeout)
	suite.Require().NoError(err)
	suite.Equal(3, result.Level, "MITM pairing MUST reach the authenticated level")

	select {
	case passkey := <-shown:
		suite.Equal("123456", passkey)
	case <-time.After(testutils.WaitTimeout):
		suite.FailNow("passkey MUST be displayed")
	}
}

func (suite *SecurityTestSuite) TestPolicyRejectsPeerRequest() {
	// GOAL: Verify the reject policy answers a peer security request with a
	// local rejection and no pairing runs
	suite.bondablePeripheral()
	cfg := blehost.DefaultConfig()
	cfg.Security.Policy = "reject"
	suite.StartHost(cfg)
	p := suite.ConnectPeer()

	suite.Controller.Inject(transport.KindSecurityRequest, transport.SecurityRequestPayload{Bond: true})

	suite.Eventually(func() bool {
		return suite.Controller.CountSent("authenticate") == 1
	}, testutils.WaitTimeout, 10*time.Millisecond, "rejection MUST go out")

	var rejection *transport.AuthenticateCommand
	for _, cmd := range suite.Controller.Sent() {
		if auth, ok := cmd.(transport.AuthenticateCommand); ok {
			rejection = &auth
		}
	}
	suite.Require().NotNil(rejection)
	suite.Nil(rejection.Params, "a rejection MUST carry no feature set")
	suite.Equal(smp.StateIdle, p.Security().State())
}

func (suite *SecurityTestSuite) TestPolicyAllowsPeerRequest() {
	// GOAL: Verify the default policy answers a peer security request by
	// pairing
	suite.bondablePeripheral()
	suite.StartHost(legacyConfig())
	p := suite.ConnectPeer()

	done := make(chan smp.Result, 1)
	p.Security().OnPairingComplete.Register(func(r smp.Result) { done <- r })

	suite.Controller.Inject(transport.KindSecurityRequest, transport.SecurityRequestPayload{Bond: true})

	select {
	case r := <-done:
		suite.Equal(transport.SecSuccess, r.Status)
		suite.True(r.Bonded)
	case <-time.After(testutils.WaitTimeout):
		suite.FailNow("peer-initiated pairing MUST complete")
	}
}

func (suite *SecurityTestSuite) TestPairingFailureStatus() {
	// GOAL: Verify a peer failure status reaches the consumer and resets
	// the state machine
	suite.bondablePeripheral()
	suite.StartHost(legacyConfig())
	suite.Controller.PairingStatus = transport.SecConfirmValueFailed
	p := suite.ConnectPeer()

	_, err := p.Security().Pair(false).Wait(testutils.WaitTimeout)
	var pairErr *status.PairingFailedError
	suite.Require().True(errors.As(err, &pairErr))
	suite.Equal(transport.SecConfirmValueFailed.String(), pairErr.Reason)
	suite.Equal(smp.StateIdle, p.Security().State())
	suite.False(p.Security().Bonded())
}

func (suite *SecurityTestSuite) TestDeleteBondWhilePairingIsBusy() {
	// GOAL: Verify key material cannot be deleted under a running procedure
	suite.bondablePeripheral()
	suite.StartHost(legacyConfig())
	suite.Controller.HoldPairing = true
	p := suite.ConnectPeer()

	pairing := p.Security().Pair(false)
	_, err := p.Security().DeleteBond().Wait(testutils.WaitTimeout)
	suite.True(status.IsCode(err, status.CodeBusy), "DeleteBond MUST be refused mid-pairing")
	_ = pairing
}

func (suite *SecurityTestSuite) TestDeleteBond() {
	// GOAL: Verify deleting the bond forgets the peer and the next Pair
	// runs from scratch
	suite.bondablePeripheral()
	suite.StartHost(legacyConfig())
	p := suite.ConnectPeer()

	_, err := p.Security().Pair(false).Wait(testutils.WaitTimeout)
	suite.Require().NoError(err)

	deleted, err := p.Security().DeleteBond().Wait(testutils.WaitTimeout)
	suite.Require().NoError(err)
	suite.True(deleted)
	suite.False(p.Security().Bonded())
	_, ok := suite.Host.Bonds().Load(suite.identityAddr())
	suite.False(ok, "record MUST be gone from the store")

	deleted, err = p.Security().DeleteBond().Wait(testutils.WaitTimeout)
	suite.Require().NoError(err)
	suite.False(deleted, "second delete MUST be a no-op")
}

func TestSecurityTestSuite(t *testing.T) {
	suite.Run(t, new(SecurityTestSuite))
}
