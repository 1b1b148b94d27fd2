package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadeql/sync-engine/internal/graphstore"
	"github.com/cascadeql/sync-engine/internal/schema"
	"github.com/cascadeql/sync-engine/internal/validator"
	"github.com/cascadeql/sync-engine/internal/vectorsink/memsink"
)

type fixedResolver map[string]uint16

func (f fixedResolver) ModelID(model string) uint16 { return f[model] }

func TestScheduleValidationSweepRegistersAndRemoves(t *testing.T) {
	sink := memsink.New()
	reg := schema.New([]schema.Model{{Name: "lead", Fields: []schema.Field{{Name: "id", InPayload: true}}}}, nil)
	graph := graphstore.New(sink, fixedResolver{"lead": 1})
	val := validator.New(reg, sink, graph, nil)

	s := New(nil, val, nil)
	id, err := s.ScheduleValidationSweep("@every 1h", "lead", validator.Options{})
	require.NoError(t, err)
	s.Start()
	defer func() { <-s.Stop().Done() }()

	assert.NotZero(t, id)
	s.Remove(id)
	time.Sleep(time.Millisecond) // let cron's internal goroutine settle
}
