package printer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dyluth/anvil/pkg/fleet"
)

func TestError(t *testing.T) {
	t.Run("returns error with title", func(t *testing.T) {
		err := Error("Test Error", "This is a test error", []string{})
		require.Error(t, err)
		require.Equal(t, "Test Error", err.Error())
	})

	t.Run("returns error with title when including suggestions", func(t *testing.T) {
		err := Error("Test Error", "Explanation", []string{"Try this fix"})
		require.Error(t, err)
		require.Equal(t, "Test Error", err.Error())
	})

	t.Run("returns error with title for multiple suggestions", func(t *testing.T) {
		err := Error("Test Error", "Explanation", []string{
			"First option",
			"Second option",
		})
		require.Error(t, err)
		require.Equal(t, "Test Error", err.Error())
	})
}

func TestStatusColouring(t *testing.T) {
	t.Run("order status text survives colouring", func(t *testing.T) {
		for _, status := range []fleet.WorkOrderStatus{
			fleet.OrderPending,
			fleet.OrderInProgress,
			fleet.OrderSucceeded,
			fleet.OrderFailed,
		} {
			require.Contains(t, OrderStatus(status), string(status))
		}
	})

	t.Run("agent status text survives colouring", func(t *testing.T) {
		require.Contains(t, AgentStatus(fleet.AgentActive), "ACTIVE")
		require.Contains(t, AgentStatus(fleet.AgentInactive), "INACTIVE")
	})
}

// Note: the Error function prints formatted output to stderr with colors.
// The error object returned only contains the title for Cobra's error
// handling. This is intentional to avoid duplicate output while providing
// rich formatted errors.
