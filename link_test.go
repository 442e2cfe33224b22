//go:build test

package blehost_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	blehost "github.com/srg/blehost"
	"github.com/srg/blehost/internal/testutils"
	"github.com/srg/blehost/peer"
	"github.com/srg/blehost/smp"
	"github.com/srg/blehost/status"
	"github.com/srg/blehost/transport"
)

type LinkTestSuite struct {
	testutils.HostSuite
}

func (suite *LinkTestSuite) linkPeripheral() {
	suite.WithPeripheral().
		WithService("180D").
		WithCharacteristic("2A37", "notify", nil).
		WithCharacteristic("2A39", "write", nil)
}

func (suite *LinkTestSuite) TestMTUNegotiatedOnce() {
	// GOAL: Verify the exchange clamps to the server's MTU and only runs
	// once per connection
	suite.linkPeripheral()
	suite.StartHost(blehost.DefaultConfig())
	p := suite.ConnectPeer()

	mtu, err := p.ExchangeMTU(0).Wait(testutils.WaitTimeout) // 0 uses the preferred MTU
	suite.Require().NoError(err)
	suite.Equal(uint16(23), mtu, "server MTU MUST cap the exchange")
	suite.Equal(uint16(23), p.MTU())

	_, err = p.ExchangeMTU(100).Wait(testutils.WaitTimeout)
	suite.True(status.IsCode(err, status.CodeBusy), "a second exchange MUST be refused")
}

func (suite *LinkTestSuite) TestUpdatePhy() {
	// GOAL: Verify a PHY change lands in the negotiated snapshot
	suite.linkPeripheral()
	suite.StartHost(blehost.DefaultConfig())
	p := suite.ConnectPeer()

	n, err := p.UpdatePhy(transport.Phy2Mbps, transport.Phy2Mbps).Wait(testutils.WaitTimeout)
	suite.Require().NoError(err)
	suite.Equal(transport.Phy2Mbps, n.TxPhy)
	suite.Equal(transport.Phy2Mbps, n.RxPhy)
	suite.Equal(transport.Phy2Mbps, p.Negotiated().TxPhy)
}

func (suite *LinkTestSuite) TestUpdateDataLength() {
	// GOAL: Verify a data length change lands in the negotiated snapshot
	suite.linkPeripheral()
	suite.StartHost(blehost.DefaultConfig())
	p := suite.ConnectPeer()

	n, err := p.UpdateDataLength(251).Wait(testutils.WaitTimeout)
	suite.Require().NoError(err)
	suite.Equal(uint16(251), n.DataLength)
}

func (suite *LinkTestSuite) TestUpdateConnParamsValidation() {
	// GOAL: Verify out-of-range parameters are refused locally without
	// touching the controller
	suite.linkPeripheral()
	suite.StartHost(blehost.DefaultConfig())
	p := suite.ConnectPeer()

	_, err := p.UpdateConnParams(transport.ConnParams{
		MinIntervalMs:      5, // below the 7.5 ms floor
		MaxIntervalMs:      30,
		SupervisionTimeout: 4000,
	}).Wait(testutils.WaitTimeout)
	suite.Error(err)
	suite.Zero(suite.Controller.CountSent("conn_param_update"), "invalid request MUST not be sent")

	n, err := p.UpdateConnParams(transport.ConnParams{
		MinIntervalMs:      15,
		MaxIntervalMs:      30,
		SupervisionTimeout: 4000,
	}).Wait(testutils.WaitTimeout)
	suite.Require().NoError(err)
	suite.Equal(float64(30), n.Params.MaxIntervalMs)
}

func (suite *LinkTestSuite) TestParamRequestAutoAccepted() {
	// GOAL: Verify a peer parameter request is accepted by policy when no
	// handler is registered
	suite.linkPeripheral()
	suite.StartHost(blehost.DefaultConfig())
	p := suite.ConnectPeer()

	changed := make(chan transport.ConnParams, 1)
	p.OnConnParamsChanged.Register(func(params transport.ConnParams) { changed <- params })

	requested := transport.ConnParams{MinIntervalMs: 50, MaxIntervalMs: 100, SupervisionTimeout: 5000}
	suite.Controller.Inject(transport.KindConnParamUpdateRequest,
		transport.ConnParamUpdateRequestPayload{Params: requested})

	select {
	case params := <-changed:
		suite.Equal(float64(100), params.MaxIntervalMs)
	case <-time.After(testutils.WaitTimeout):
		suite.FailNow("accepted parameters MUST take effect")
	}
	suite.Equal(1, suite.Controller.CountSent("conn_param_reply"))
	suite.Equal(float64(100), p.Negotiated().Params.MaxIntervalMs)
}

func (suite *LinkTestSuite) TestParamRequestConsumerRejects() {
	// GOAL: Verify a registered handler can veto the peer's request
	suite.linkPeripheral()
	suite.StartHost(blehost.DefaultConfig())
	p := suite.ConnectPeer()

	p.OnParamUpdateRequest.Register(func(req peer.ParamUpdateRequest) {
		req.Reject()
	})
	suite.Controller.Inject(transport.KindConnParamUpdateRequest,
		transport.ConnParamUpdateRequestPayload{
			Params: transport.ConnParams{MinIntervalMs: 50, MaxIntervalMs: 100, SupervisionTimeout: 5000},
		})

	suite.Eventually(func() bool {
		return suite.Controller.CountSent("conn_param_reply") == 1
	}, testutils.WaitTimeout, 10*time.Millisecond)

	var reply transport.ConnParamReplyCommand
	for _, cmd := range suite.Controller.Sent() {
		if r, ok := cmd.(transport.ConnParamReplyCommand); ok {
			reply = r
		}
	}
	suite.False(reply.Accept, "reply MUST carry the rejection")
	suite.NotEqual(float64(100), p.Negotiated().Params.MaxIntervalMs,
		"rejected parameters MUST not take effect")
}

func (suite *LinkTestSuite) TestParamRequestTimesOutToRejection() {
	// GOAL: Verify an unanswered request is rejected once the timeout
	// elapses so the peer is not left waiting
	suite.linkPeripheral()
	cfg := blehost.DefaultConfig()
	cfg.ParamRequestTimeout = 50 * time.Millisecond
	suite.StartHost(cfg)
	p := suite.ConnectPeer()

	p.OnParamUpdateRequest.Register(func(peer.ParamUpdateRequest) {
		// consumer never answers
	})
	suite.Controller.Inject(transport.KindConnParamUpdateRequest,
		transport.ConnParamUpdateRequestPayload{
			Params: transport.ConnParams{MinIntervalMs: 50, MaxIntervalMs: 100, SupervisionTimeout: 5000},
		})

	suite.Eventually(func() bool {
		return suite.Controller.CountSent("conn_param_reply") == 1
	}, testutils.WaitTimeout, 10*time.Millisecond, "timeout MUST produce a rejection")

	var reply transport.ConnParamReplyCommand
	for _, cmd := range suite.Controller.Sent() {
		if r, ok := cmd.(transport.ConnParamReplyCommand); ok {
			reply = r
		}
	}
	suite.False(reply.Accept)
}

func (suite *LinkTestSuite) TestDisconnect() {
	// GOAL: Verify a clean disconnect resolves with the requested reason
	// and deregisters the peer
	suite.linkPeripheral()
	suite.StartHost(blehost.DefaultConfig())
	p := suite.ConnectPeer()

	reason, err := p.Disconnect(0x13).Wait(testutils.WaitTimeout)
	suite.Require().NoError(err)
	suite.Equal(uint8(0x13), reason)
	suite.Equal(peer.StateDisconnected, p.State())

	suite.Eventually(func() bool {
		_, ok := suite.Host.Peer(suite.Controller.Conn())
		return !ok
	}, testutils.WaitTimeout, 10*time.Millisecond, "registry MUST forget the connection")
}

func (suite *LinkTestSuite) TestDisconnectCascade() {
	// GOAL: Verify a dropped link fails every pending operation, resets the
	// security machine and closes the notification streams
	suite.linkPeripheral()
	suite.StartHost(blehost.DefaultConfig())
	suite.Controller.HoldPairing = true
	p := suite.ConnectPeer()

	db, err := p.Client().Discover().Wait(testutils.WaitTimeout)
	suite.Require().NoError(err)
	notify, _ := db.FindCharacteristic("2A37")
	write, _ := db.FindCharacteristic("2A39")

	stream := p.Client().Stream(notify)
	_, err = p.Client().Subscribe(notify).Wait(testutils.WaitTimeout)
	suite.Require().NoError(err)

	// the first write consumes the only ack credit; with credits withheld
	// the second stays queued
	suite.Controller.AutoCredits = false
	_, err = p.Client().Write(write, []byte{1}).Wait(testutils.WaitTimeout)
	suite.Require().NoError(err)
	pendingWrite := p.Client().Write(write, []byte{2})
	pairing := p.Security().Pair(false)

	suite.Controller.DropLink(0x08)

	_, err = pendingWrite.Wait(testutils.WaitTimeout)
	suite.True(status.IsCode(err, status.CodeAborted), "queued write MUST abort")
	_, err = pairing.Wait(testutils.WaitTimeout)
	suite.True(status.IsCode(err, status.CodeAborted), "pending pairing MUST abort")

	suite.Equal(peer.StateDisconnected, p.State())
	suite.Equal(smp.StateIdle, p.Security().State())
	suite.Nil(p.Client().Database(), "database MUST be discarded")
	suite.False(stream.Subscribed())

	select {
	case _, open := <-stream.Updates():
		suite.False(open, "stream channel MUST be closed")
	case <-time.After(testutils.WaitTimeout):
		suite.FailNow("stream channel MUST be closed")
	}

	suite.Eventually(func() bool {
		_, ok := suite.Host.Peer(suite.Controller.Conn())
		return !ok
	}, testutils.WaitTimeout, 10*time.Millisecond)
}

func (suite *LinkTestSuite) TestMalformedEventFailsPendingExchange() {
	// GOAL: Verify an event carrying a bogus payload fails the pending
	// procedure as a protocol violation instead of stranding it until the
	// caller's timeout
	suite.linkPeripheral()
	suite.StartHost(blehost.DefaultConfig())
	p := suite.ConnectPeer()

	suite.Controller.HoldMTU = true
	w := p.ExchangeMTU(50)
	suite.Controller.Inject(transport.KindMTUExchanged, nil)

	_, err := w.Wait(testutils.WaitTimeout)
	suite.Require().ErrorIs(err, status.ErrProtocolViolation,
		"malformed payload MUST surface as a protocol violation")
	suite.Equal(peer.StateConnected, p.State(), "link MUST survive the bad event")

	// the failed exchange detaches cleanly, a retry still works
	suite.Controller.HoldMTU = false
	mtu, err := p.ExchangeMTU(50).Wait(testutils.WaitTimeout)
	suite.Require().NoError(err, "retry MUST succeed")
	suite.Equal(uint16(23), mtu)
}

func TestLinkTestSuite(t *testing.T) {
	suite.Run(t, new(LinkTestSuite))
}
