//go:build test

package testutils

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	blehost "github.com/srg/blehost"
	"github.com/srg/blehost/peer"
	"github.com/srg/blehost/transport"
)

// PeerMAC is the address the suite's peripheral answers on. It matches
// the identity address the scripted controller distributes on bonding.
const PeerMAC = "aa:bb:cc:dd:ee:ff"

// WaitTimeout bounds every blocking wait in suite tests.
const WaitTimeout = 2 * time.Second

// HostSuite wires a host to a scripted controller and synthetic
// peripheral. Tests configure the peripheral in SetupTest via
// WithPeripheral, then call StartHost and ConnectPeer.
type HostSuite struct {
	suite.Suite

	Logger     *logrus.Logger
	Controller *Controller
	Host       *blehost.Host

	builder *PeripheralBuilder
}

func (s *HostSuite) SetupTest() {
	s.Logger = logrus.New()
	s.Logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	s.Controller = NewController(s.Logger)
	s.builder = nil
	s.Host = nil
}

func (s *HostSuite) TearDownTest() {
	if s.Host != nil {
		s.Host.Close()
		s.Host = nil
	}
}

// WithPeripheral starts (or continues) the peripheral definition for this
// test.
func (s *HostSuite) WithPeripheral() *PeripheralBuilder {
	if s.builder == nil {
		s.builder = NewPeripheral()
	}
	return s.builder
}

// StartHost builds the configured peripheral and brings the host up.
func (s *HostSuite) StartHost(cfg blehost.Config) {
	if s.builder != nil {
		s.Controller.SetPeripheral(s.builder.Build())
	}
	host, err := blehost.New(s.Logger, cfg, s.Controller)
	s.Require().NoError(err, "MUST create host")
	s.Controller.Attach(host.Bus())
	s.Host = host
}

// ConnectPeer establishes the test connection and returns the peer.
func (s *HostSuite) ConnectPeer() *peer.Peer {
	w := s.Host.Connect(transport.Addr{Type: transport.AddrPublic, MAC: PeerMAC})
	p, err := w.Wait(WaitTimeout)
	s.Require().NoError(err, "MUST connect successfully")
	s.Require().NotNil(p, "peer MUST not be nil")
	return p
}
