//go:build test

package event_test

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blehost/event"
	"github.com/srg/blehost/transport"
)

type BusTestSuite struct {
	suite.Suite
	logger *logrus.Logger
	bus    *event.Bus
}

func (suite *BusTestSuite) SetupTest() {
	suite.logger = logrus.New()
	suite.logger.SetLevel(logrus.DebugLevel)
	suite.bus = event.NewBus(suite.logger, 0)
	suite.bus.Start()
}

func (suite *BusTestSuite) TearDownTest() {
	suite.bus.Close()
}

// drain waits until everything queued before it has been dispatched.
func (suite *BusTestSuite) drain() {
	done := make(chan struct{})
	suite.bus.Submit(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		suite.FailNow("bus did not drain in time")
	}
}

func (suite *BusTestSuite) TestPerConnectionOrdering() {
	// GOAL: Verify events for one connection are delivered in publish
	// order with contiguous sequence numbers even under concurrent
	// publishers for other connections
	const perConn = 200
	conns := []transport.ConnID{1, 2, 3}

	seen := make(map[transport.ConnID][]uint64)
	suite.bus.Subscribe(transport.InvalidConn, func(ev transport.Event) {
		seen[ev.Conn] = append(seen[ev.Conn], ev.Seq)
	})

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn transport.ConnID) {
			defer wg.Done()
			for i := 0; i < perConn; i++ {
				suite.bus.Publish(transport.Event{Conn: conn, Kind: transport.KindNotification})
			}
		}(conn)
	}
	wg.Wait()
	suite.drain()

	for _, conn := range conns {
		seqs := seen[conn]
		suite.Require().Len(seqs, perConn, "every event MUST be delivered for conn %d", conn)
		for i, seq := range seqs {
			suite.Require().Equal(uint64(i+1), seq,
				"conn %d MUST see contiguous ascending sequence numbers", conn)
		}
	}
}

func (suite *BusTestSuite) TestSubmitOrderedWithEvents() {
	// GOAL: Verify submitted commands and published events from one
	// producer are dispatched in submission order
	var order []string
	suite.bus.Subscribe(5, func(ev transport.Event) {
		order = append(order, "event")
	})

	suite.bus.Publish(transport.Event{Conn: 5, Kind: transport.KindNotification})
	suite.bus.Submit(func() { order = append(order, "command") })
	suite.bus.Publish(transport.Event{Conn: 5, Kind: transport.KindNotification})
	suite.drain()

	suite.Equal([]string{"event", "command", "event"}, order,
		"dispatch MUST preserve submission order across events and commands")
}

func (suite *BusTestSuite) TestSnapshotDeliveryOnUnsubscribe() {
	// GOAL: Verify the subscriber set is snapshotted per event: a handler
	// unsubscribing a later subscriber does not rob it of the current
	// event, only of subsequent ones
	var got []string

	var second *event.Subscription
	suite.bus.Subscribe(7, func(ev transport.Event) {
		got = append(got, "first")
		suite.bus.Unsubscribe(second)
	})
	second = suite.bus.Subscribe(7, func(ev transport.Event) {
		got = append(got, "second")
	})

	suite.bus.Publish(transport.Event{Conn: 7, Kind: transport.KindNotification})
	suite.bus.Publish(transport.Event{Conn: 7, Kind: transport.KindNotification})
	suite.drain()

	suite.Equal([]string{"first", "second", "first"}, got,
		"unsubscribed handler MUST receive the in-flight event but not later ones")
}

func (suite *BusTestSuite) TestKindFilterAndConnFilter() {
	// GOAL: Verify kind and connection filters select exactly the
	// requested events
	var kinds []transport.Kind
	suite.bus.Subscribe(9, func(ev transport.Event) {
		kinds = append(kinds, ev.Kind)
	}, transport.KindMTUExchanged)

	suite.bus.Publish(transport.Event{Conn: 9, Kind: transport.KindNotification})
	suite.bus.Publish(transport.Event{Conn: 9, Kind: transport.KindMTUExchanged})
	suite.bus.Publish(transport.Event{Conn: 10, Kind: transport.KindMTUExchanged})
	suite.drain()

	suite.Equal([]transport.Kind{transport.KindMTUExchanged}, kinds,
		"handler MUST only see the subscribed kind on the subscribed connection")
}

func (suite *BusTestSuite) TestHandlerPanicIsContained() {
	// GOAL: Verify a panicking handler does not kill the dispatch
	// goroutine or starve other subscribers
	var delivered int
	suite.bus.Subscribe(3, func(ev transport.Event) {
		panic("handler bug")
	})
	suite.bus.Subscribe(3, func(ev transport.Event) {
		delivered++
	})

	suite.bus.Publish(transport.Event{Conn: 3, Kind: transport.KindNotification})
	suite.bus.Publish(transport.Event{Conn: 3, Kind: transport.KindNotification})
	suite.drain()

	suite.Equal(2, delivered, "later subscribers MUST still run after a panic")
}

func (suite *BusTestSuite) TestInDispatch() {
	// GOAL: Verify dispatch-context detection from both sides of the
	// boundary
	suite.False(suite.bus.InDispatch(), "consumer goroutine MUST NOT be the dispatch context")

	var inside bool
	suite.bus.Submit(func() { inside = suite.bus.InDispatch() })
	suite.drain()
	suite.True(inside, "submitted commands MUST run in the dispatch context")
}

func (suite *BusTestSuite) TestCloseDrainsQueue() {
	// GOAL: Verify Close delivers everything already queued before the
	// loop stops
	bus := event.NewBus(suite.logger, 0)
	bus.Start()

	count := 0
	bus.Subscribe(1, func(transport.Event) { count++ })
	const n = 100
	for i := 0; i < n; i++ {
		bus.Publish(transport.Event{Conn: 1, Kind: transport.KindNotification})
	}
	bus.Close()

	suite.Equal(n, count, "Close MUST drain the queue before stopping")
}

func TestBusTestSuite(t *testing.T) {
	suite.Run(t, new(BusTestSuite))
}
