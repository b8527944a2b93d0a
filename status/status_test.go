package status_test

import (
	"fmt"
	"os"
	"testing"

	"github.com/asyncfs/fsbridge/status"
	"github.com/stretchr/testify/assert"
)

func TestFromRemoteError(t *testing.T) {
	assert.Equal(t, status.Success, status.FromRemoteError(nil))
	assert.Equal(t, status.Error, status.FromRemoteError(os.ErrNotExist))
	assert.Equal(t, status.Error, status.FromRemoteError(fmt.Errorf("boom")))
}

func TestIsNotExist(t *testing.T) {
	assert.True(t, status.IsNotExist(os.ErrNotExist))
	assert.False(t, status.IsNotExist(os.ErrExist))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "SUCCESS", status.Success.String())
	assert.Equal(t, "END_OF_DIRECTORY", status.EndOfDirectory.String())
	assert.Contains(t, status.Status(999).String(), "STATUS(999)")
}
