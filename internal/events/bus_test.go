package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/buyrs/BM-sub005/internal/domain"
)

func TestBusRoutesByPrefix(t *testing.T) {
	bus := NewBus(nil)
	var bail, all []string
	bus.Subscribe("bail.", HandlerFunc{Name: "bail", Fn: func(_ context.Context, e domain.Event) error {
		bail = append(bail, e.Type)
		return nil
	}})
	bus.Subscribe("", HandlerFunc{Name: "all", Fn: func(_ context.Context, e domain.Event) error {
		all = append(all, e.Type)
		return errors.New("ignored")
	}})

	bus.Publish(context.Background(),
		domain.Event{Type: BailCreated},
		domain.Event{Type: IncidentOpened},
		domain.Event{Type: BailStatusChanged},
	)

	assert.Equal(t, []string{BailCreated, BailStatusChanged}, bail)
	assert.Equal(t, []string{BailCreated, IncidentOpened, BailStatusChanged}, all)
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var bus *Bus
	bus.Publish(context.Background(), domain.Event{Type: BailCreated})
}
