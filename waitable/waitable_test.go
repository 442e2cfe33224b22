//go:build test

package waitable_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blehost/status"
	"github.com/srg/blehost/waitable"
)

type fakeGuard struct{ inDispatch bool }

func (g fakeGuard) InDispatch() bool { return g.inDispatch }

type WaitableTestSuite struct {
	suite.Suite
	logger *logrus.Logger
}

func (suite *WaitableTestSuite) SetupTest() {
	suite.logger = logrus.New()
	suite.logger.SetLevel(logrus.DebugLevel)
}

func (suite *WaitableTestSuite) TestResolveDeliversToAllConsumers() {
	// GOAL: Verify one resolution reaches Wait, Then and Done consumers
	// with the same outcome
	w := waitable.New[int](suite.logger, "op")

	var thenValue atomic.Int64
	w.Then(func(v int, err error) {
		suite.NoError(err, "Then MUST receive a success outcome")
		thenValue.Store(int64(v))
	})
	done := w.Done()

	go w.Resolve(42)

	v, err := w.Wait(time.Second)
	suite.Require().NoError(err, "Wait MUST succeed")
	suite.Equal(42, v, "Wait MUST observe the resolved value")
	suite.Equal(int64(42), thenValue.Load(), "Then MUST observe the resolved value")

	outcome := <-done
	suite.NoError(outcome.Err, "Done MUST receive a success outcome")
	suite.Equal(42, outcome.Value, "Done MUST observe the resolved value")
	suite.Equal(waitable.Ready, w.State(), "state MUST be ready")
}

func (suite *WaitableTestSuite) TestAtMostOnceResolution() {
	// GOAL: Verify the first terminal transition wins and later ones are
	// discarded
	w := waitable.New[string](suite.logger, "op")

	suite.True(w.Resolve("first"), "first resolution MUST win")
	suite.False(w.Resolve("second"), "second resolution MUST be discarded")
	suite.False(w.Fail(errors.New("late failure")), "late failure MUST be discarded")

	v, err := w.Wait(time.Second)
	suite.NoError(err, "outcome MUST stay the first resolution")
	suite.Equal("first", v, "value MUST stay the first resolution")
}

func (suite *WaitableTestSuite) TestThenAfterSettleRunsInline() {
	// GOAL: Verify a callback registered after settlement is invoked
	// immediately with the stored outcome
	w := waitable.New[int](suite.logger, "op")
	w.Fail(errors.New("boom"))

	called := false
	w.Then(func(_ int, err error) {
		called = true
		suite.Error(err, "late Then MUST see the failure")
	})
	suite.True(called, "late Then MUST run inline")
}

func (suite *WaitableTestSuite) TestFailureStateDistinctFromReady() {
	// GOAL: Verify an error outcome settles as failed, so ready always
	// means success
	w := waitable.New[int](suite.logger, "op")
	suite.True(w.Fail(errors.New("boom")), "first failure MUST settle the waitable")
	suite.Equal(waitable.Failed, w.State(), "state MUST be failed")

	suite.False(w.Resolve(1), "late resolution MUST be discarded")
	suite.Equal(waitable.Failed, w.State(), "late resolution MUST NOT change state")

	ok := waitable.New[int](suite.logger, "op")
	ok.Resolve(1)
	suite.Equal(waitable.Ready, ok.State(), "a success MUST report ready")
}

func (suite *WaitableTestSuite) TestWaitTimeoutExpiresAndDetaches() {
	// GOAL: Verify a timed-out Wait expires the waitable, invokes the
	// canceller, and discards a late completion
	cancelled := false
	w := waitable.New[int](suite.logger, "op").
		WithCanceller(func() { cancelled = true })

	var cbErr error
	w.Then(func(_ int, err error) { cbErr = err })

	_, err := w.Wait(20 * time.Millisecond)
	suite.Require().ErrorIs(err, status.ErrTimeout, "Wait MUST report timeout")
	suite.Equal(waitable.Expired, w.State(), "state MUST be expired")
	suite.True(cancelled, "canceller MUST run on expiry")
	suite.ErrorIs(cbErr, status.ErrTimeout, "callbacks MUST receive the timeout")

	suite.False(w.Resolve(7), "late completion MUST be discarded")
	suite.Equal(waitable.Expired, w.State(), "late completion MUST NOT change state")
}

func (suite *WaitableTestSuite) TestCancel() {
	// GOAL: Verify Cancel settles the waitable with an aborted outcome and
	// is idempotent
	cancelcount := 0
	w := waitable.New[int](suite.logger, "op").
		WithCanceller(func() { cancelcount++ })

	w.Cancel()
	w.Cancel()

	suite.Equal(waitable.Cancelled, w.State(), "state MUST be cancelled")
	suite.Equal(1, cancelcount, "canceller MUST run exactly once")

	_, err := w.Wait(time.Second)
	suite.True(status.IsCode(err, status.CodeAborted), "Wait MUST report an aborted outcome")
}

func (suite *WaitableTestSuite) TestWaitFromDispatchContextRejected() {
	// GOAL: Verify a blocking wait issued from the dispatch context is
	// detected and rejected instead of deadlocking
	w := waitable.New[int](suite.logger, "op").WithGuard(fakeGuard{inDispatch: true})

	_, err := w.Wait(time.Second)
	suite.Require().ErrorIs(err, status.ErrDispatchContext, "Wait MUST be rejected from the dispatch context")
	suite.Equal(waitable.Pending, w.State(), "rejection MUST NOT settle the waitable")

	// the same waitable still settles normally for legal consumers
	w.Resolve(9)
	outcome := <-w.Done()
	suite.Equal(9, outcome.Value, "waitable MUST still resolve after a rejected wait")
}

func TestWaitableTestSuite(t *testing.T) {
	suite.Run(t, new(WaitableTestSuite))
}
