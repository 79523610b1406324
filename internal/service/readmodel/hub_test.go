package readmodel

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

func TestHub_RefreshRunsHandlersAndBumpsVersion(t *testing.T) {
	logger, hook := test.NewNullLogger()
	hub := NewHub(logger.WithField("component", "test"))

	var calls []string
	hub.Register(domain.ReadModelOrders, func(context.Context) error {
		calls = append(calls, "orders")
		return errors.New("offline")
	})
	hub.Register(domain.ReadModelOrders, func(context.Context) error {
		calls = append(calls, "orders-2")
		return nil
	})
	hub.Register(domain.ReadModelProducts, func(context.Context) error {
		calls = append(calls, "products")
		return nil
	})

	hub.Refresh(context.Background(), domain.ReadModelOrders, domain.ReadModelProducts)

	assert.Equal(t, []string{"orders", "orders-2", "products"}, calls)
	assert.Equal(t, uint64(1), hub.Version(domain.ReadModelOrders))
	assert.Equal(t, uint64(1), hub.Version(domain.ReadModelProducts))

	entry := hook.LastEntry()
	if assert.NotNil(t, entry) {
		assert.Equal(t, logrus.WarnLevel, entry.Level)
		assert.Equal(t, "orders", entry.Data["model"])
	}
}
