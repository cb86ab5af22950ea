package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/routespark/core/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mondayCycle() []domain.OrderCycle {
	return []domain.OrderCycle{
		{OrderDay: 1, LoadDay: 3, DeliveryDay: 4}, // Monday order, Thursday delivery
		{OrderDay: 2, LoadDay: 4, DeliveryDay: 5}, // Tuesday order, Friday delivery
	}
}

func TestResolveScheduleKey_MatchesDeliveryDay(t *testing.T) {
	// 2025-01-30 is a Thursday.
	key, err := ResolveScheduleKey(mondayCycle(), time.Date(2025, 1, 30, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "monday", key)
}

func TestResolveScheduleKey_NoMatch(t *testing.T) {
	// 2025-01-27 is a Monday: matches neither delivery_day (4,5) nor load_day (3,4).
	_, err := ResolveScheduleKey(mondayCycle(), time.Date(2025, 1, 27, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
}

func TestNextUnorderedDelivery_SingleSoonestResult(t *testing.T) {
	today := time.Date(2025, 1, 28, 0, 0, 0, 0, time.UTC) // Tuesday
	cycles := mondayCycle()

	ordered := map[string]bool{}
	has := func(ctx context.Context, date time.Time, scheduleKey string) (bool, error) {
		return ordered[date.Format("2006-01-02")+scheduleKey], nil
	}

	next, err := NextUnorderedDelivery(context.Background(), "989262", today, cycles, has)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "monday", next.ScheduleKey)
	assert.Equal(t, time.Date(2025, 1, 30, 0, 0, 0, 0, time.UTC), next.DeliveryDate)
}

func TestNextUnorderedDelivery_SkipsFinalized(t *testing.T) {
	today := time.Date(2025, 1, 28, 0, 0, 0, 0, time.UTC)
	cycles := mondayCycle()

	has := func(ctx context.Context, date time.Time, scheduleKey string) (bool, error) {
		return date.Equal(time.Date(2025, 1, 30, 0, 0, 0, 0, time.UTC)), nil
	}

	next, err := NextUnorderedDelivery(context.Background(), "989262", today, cycles, has)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "tuesday", next.ScheduleKey)
	assert.Equal(t, time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC), next.DeliveryDate)
}
