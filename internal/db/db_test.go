package db

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/court-capture/internal/tribunal"
	"github.com/jonathan/court-capture/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaEmbedded(t *testing.T) {
	for _, table := range []string{"court_credentials", "tribunal_configs", "capture_runs"} {
		assert.Contains(t, schemaSQL, "CREATE TABLE IF NOT EXISTS "+table)
	}
}

func TestRunFilters_Where(t *testing.T) {
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	where, args := RunFilters{}.where()
	assert.Empty(t, where)
	assert.Empty(t, args)

	where, args = RunFilters{
		LawyerID:     42,
		TribunalCode: "TRT3",
		Status:       types.RunStatusFailed,
		Since:        &since,
	}.where()
	assert.Equal(t, " WHERE lawyer_id = $1 AND $2 = ANY(tribunal_codes) AND status = $3 AND started_at >= $4", where)
	assert.Equal(t, []any{int64(42), "TRT3", "failed", since}, args)
}

func TestRunFilters_Normalize(t *testing.T) {
	f := RunFilters{Limit: 0, Offset: -3}
	f.normalize()
	assert.Equal(t, DefaultRunListLimit, f.Limit)
	assert.Equal(t, 0, f.Offset)

	f = RunFilters{Limit: 10_000}
	f.normalize()
	assert.Equal(t, MaxRunListLimit, f.Limit)
}

func TestTimeoutsRoundTrip(t *testing.T) {
	b, err := encodeTimeouts(nil)
	require.NoError(t, err)
	assert.Nil(t, b)

	b, err = encodeTimeouts(tribunal.Timeouts{tribunal.OpLogin: 90 * time.Second})
	require.NoError(t, err)
	assert.JSONEq(t, `{"login":90000}`, string(b))

	got, err := decodeTimeouts(b)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, got[tribunal.OpLogin])

	got, err = decodeTimeouts([]byte("null"))
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = decodeTimeouts([]byte(`{"login":"soon"}`))
	assert.Error(t, err)
}

func TestImmutableRunError(t *testing.T) {
	id := uuid.New()
	err := &ImmutableRunError{ID: id, Status: types.RunStatusInProgress}
	assert.Contains(t, err.Error(), id.String())
	assert.Contains(t, err.Error(), "in_progress")
}
