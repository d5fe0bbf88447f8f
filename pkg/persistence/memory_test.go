package persistence_test

import (
	"testing"

	"github.com/plaenen/twinbus/pkg/persistence"
	"github.com/plaenen/twinbus/pkg/persistence/persistencetest"
)

func TestMemory(t *testing.T) {
	persistencetest.Run(t, func(t *testing.T) persistence.Persistence {
		return persistence.NewMemory()
	})
}
