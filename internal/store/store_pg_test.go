package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// A helper function to create a mock database connection.
func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{})
	require.NoError(t, err)

	return gormDB, mock
}

func TestLatestSnapshot_PostgresQueryShape(t *testing.T) {
	gormDB, mock := newMockDB(t)
	s := NewGormStore(gormDB)
	observed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "station_statuses" WHERE station_id = $1`)).
		WithArgs("st-1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"station_id", "observed_at", "ports", "overall_status", "situation", "source"}).
			AddRow("st-1", observed, `[{"portId":"p1","status":"available"}]`, "available", "operational", "background_scraper"))

	snap, err := s.LatestSnapshot(context.Background(), "st-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "st-1", snap.StationID)
	require.Len(t, snap.Ports, 1)
	assert.Equal(t, "p1", snap.Ports[0].PortID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMetadata_PostgresQueryShape(t *testing.T) {
	gormDB, mock := newMockDB(t)
	s := NewGormStore(gormDB)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "stations" WHERE id = $1`)).
		WithArgs("st-1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "external_id", "latitude", "longitude", "address"}).
			AddRow("st-1", "ext-1", 48.2, 16.4, "Somewhere 1"))

	station, err := s.Metadata(context.Background(), "st-1")
	require.NoError(t, err)
	require.NotNil(t, station)
	assert.Equal(t, "ext-1", station.ExternalID)

	assert.NoError(t, mock.ExpectationsWereMet())
}
