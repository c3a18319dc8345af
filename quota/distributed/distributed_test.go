package distributed

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyHelpers_NamespaceByTenant(t *testing.T) {
	assert.Equal(t, "quota:tenant:tenant-a", quotaKey("tenant-a"))
	assert.Equal(t, "quota:actions:tenant-a", actionsKey("tenant-a"))
	assert.Equal(t, "quota:artifacts:tenant-a", artifactsKey("tenant-a"))
}
