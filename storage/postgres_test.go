package storage

import (
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgewaf/testutils"
	"edgewaf/waf"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(testutils.NewTestLogger(t), db), mock
}

func TestPostgresTenants(t *testing.T) {
	s, mock := newMockStore(t)
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT id, name, edge_host").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "edge_host", "alias_hosts", "origin_url", "active",
			"waf_enabled", "protection_level", "block_unknown_geo", "created_at",
		}).AddRow("t1", "Shop", "shop.waf.example", "alt.example.com, other.example.com",
			"https://origin.internal", true, true, "strict", false, created))

	tenants, err := s.Tenants()
	require.NoError(t, err)
	require.Len(t, tenants, 1)
	assert.Equal(t, "t1", tenants[0].ID)
	assert.Equal(t, []string{"alt.example.com", "other.example.com"}, tenants[0].AliasHosts)
	assert.Equal(t, waf.ProtectionStrict, tenants[0].ProtectionLevel)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRateLimitConfigMissingTenant(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT requests_per_minute").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"requests_per_minute"}))

	cfg, err := s.RateLimitConfigForTenant("t1")
	require.NoError(t, err, "missing config is not an error")
	assert.Nil(t, cfg)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresActiveModelPicksNewestActive(t *testing.T) {
	s, mock := newMockStore(t)
	trained := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT version, blob, trained_at").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"version", "blob", "trained_at"}).
			AddRow(7, []byte(`{"trees":[]}`), trained))

	model, err := s.ActiveModel("t1")
	require.NoError(t, err)
	require.NotNil(t, model)
	assert.Equal(t, 7, model.Version)
	assert.Equal(t, []byte(`{"trees":[]}`), model.Blob)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetReputationNoRecord(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, score, total_violations").
		WithArgs("t1", "203.0.113.9").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rec, err := s.GetReputation("t1", "203.0.113.9")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPutReputationAssignsID(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO reputation_records").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := &waf.ReputationRecord{TenantID: "t1", IP: "203.0.113.9", Score: 25}
	require.NoError(t, s.PutReputation(rec))
	assert.NotEmpty(t, rec.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPutEntryIdempotentInsert(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO ip_list_entries").
		WithArgs("t1", "203.0.113.9", "blacklist", true, true, "auto block", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.PutEntry(waf.IPListEntry{
		TenantID: "t1", CIDR: "203.0.113.9", Kind: waf.IPListBlacklist,
		Active: true, AutoAdded: true, Reason: "auto block",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteStaleReputation(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("DELETE FROM reputation_records").
		WithArgs(20, cutoff).
		WillReturnResult(sqlmock.NewResult(0, 4))

	removed, err := s.DeleteStaleReputation(cutoff, 20)
	require.NoError(t, err)
	assert.Equal(t, 4, removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresWriteEventSwallowsErrors(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO security_events").
		WillReturnError(errors.New("connection reset"))

	// Must not panic or propagate.
	s.WriteEvent(waf.SecurityEvent{ID: "ev-1", TenantID: "t1", EventType: waf.EventRuleMatch})
	assert.NoError(t, mock.ExpectationsWereMet())
}
