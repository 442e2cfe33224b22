//go:build test

package status_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/srg/blehost/status"
)

func TestErrorCodeMatching(t *testing.T) {
	// GOAL: Verify wrapped status errors stay matchable by sentinel and
	// by code
	err := fmt.Errorf("mtu exchange: %w", status.Errorf(status.CodeBusy, "already in progress"))

	assert.ErrorIs(t, err, status.ErrBusy, "wrapped error MUST match the busy sentinel")
	assert.True(t, status.IsCode(err, status.CodeBusy), "IsCode MUST see through wrapping")
	assert.False(t, status.IsCode(err, status.CodeTimeout), "IsCode MUST NOT match other codes")

	var serr *status.Error
	assert.True(t, errors.As(err, &serr), "errors.As MUST extract the status error")
	assert.Equal(t, status.CodeBusy, serr.Code)
}

func TestAborted(t *testing.T) {
	err := status.Aborted("peer disconnected")
	assert.ErrorIs(t, err, status.ErrAborted, "Aborted MUST carry the aborted code")
	assert.Contains(t, err.Error(), "peer disconnected", "reason MUST appear in the message")
}

func TestPartialWriteError(t *testing.T) {
	var err error = &status.PartialWriteError{BytesWritten: 180}

	var pw *status.PartialWriteError
	assert.True(t, errors.As(err, &pw), "errors.As MUST extract the partial write")
	assert.Equal(t, 180, pw.BytesWritten)
}
