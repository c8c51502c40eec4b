package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/clearance/internal/domain"
)

func testRecord(id string, score int, level domain.Level, review bool, procedureID string, at time.Time) *domain.AuditRecord {
	return &domain.AuditRecord{
		ID:               id,
		TenantID:         "tenant-001",
		ProcedureID:      procedureID,
		EntityID:         "acme",
		GeneratedAt:      at,
		RuleVersion:      "1.0.0",
		RulebookDigest:   "rb",
		InputDigest:      "in-" + id,
		AssessmentDigest: "as-" + id,
		Assessment: domain.RiskAssessment{
			Score:      score,
			Level:      level,
			Confidence: domain.ConfidenceHigh,
			Factors: []domain.Finding{{
				RuleID:      "missing_required_doc",
				Severity:    domain.SeverityWarn,
				PointsAdded: 15,
				Message:     "Required document packing_list is missing",
				Evidence: domain.Evidence{
					Items: []domain.EvidenceItem{{Role: domain.RolePackingList, Field: "document", Value: "missing"}},
				},
			}},
			RuleVersion:    "1.0.0",
			ReviewRequired: review,
		},
		Documents: []domain.DocumentSnapshot{
			{Role: domain.RoleInvoice, DocID: "inv-1", Confidence: 0.9},
		},
		Disclaimer: domain.Disclaimer,
	}
}

func TestSQLiteRepository(t *testing.T) {
	// Create temp database file
	tmpFile, err := os.CreateTemp("", "clearance-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	cfg := domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	}

	repo, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	tenantID := "tenant-001"
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetAssessment", func(t *testing.T) {
		rec := testRecord("rec-001", 15, domain.LevelLow, false, "import-regular", base)

		if err := repo.SaveAssessment(ctx, tenantID, rec); err != nil {
			t.Fatalf("SaveAssessment failed: %v", err)
		}

		retrieved, err := repo.GetAssessment(ctx, tenantID, rec.ID)
		if err != nil {
			t.Fatalf("GetAssessment failed: %v", err)
		}

		if retrieved.ID != rec.ID {
			t.Errorf("expected ID %s, got %s", rec.ID, retrieved.ID)
		}
		if retrieved.Assessment.Score != 15 {
			t.Errorf("expected score 15, got %d", retrieved.Assessment.Score)
		}
		if len(retrieved.Assessment.Factors) != 1 {
			t.Fatalf("expected 1 factor, got %d", len(retrieved.Assessment.Factors))
		}
		if got := retrieved.Assessment.Factors[0].Evidence.Items[0].Role; got != domain.RolePackingList {
			t.Errorf("expected evidence role packing_list, got %s", got)
		}
		if !retrieved.GeneratedAt.Equal(base) {
			t.Errorf("expected generatedAt %v, got %v", base, retrieved.GeneratedAt)
		}
	})

	t.Run("WriteOnce", func(t *testing.T) {
		rec := testRecord("rec-001", 99, domain.LevelCritical, true, "import-regular", base)
		if err := repo.SaveAssessment(ctx, tenantID, rec); err == nil {
			t.Error("expected duplicate ID to be rejected")
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		_, err := repo.GetAssessment(ctx, "tenant-002", "rec-001")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound for other tenant, got: %v", err)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		err := repo.SaveAssessment(ctx, "", testRecord("x", 0, domain.LevelLow, false, "", base))
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got: %v", err)
		}
		_, err = repo.GetAssessment(ctx, "", "x")
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got: %v", err)
		}
	})

	t.Run("ListAssessments", func(t *testing.T) {
		fixtures := []*domain.AuditRecord{
			testRecord("rec-002", 60, domain.LevelHigh, true, "import-regular", base.Add(1*time.Minute)),
			testRecord("rec-003", 30, domain.LevelMedium, false, "transit", base.Add(2*time.Minute)),
			testRecord("rec-004", 80, domain.LevelCritical, true, "transit", base.Add(3*time.Minute)),
		}
		for _, rec := range fixtures {
			if err := repo.SaveAssessment(ctx, tenantID, rec); err != nil {
				t.Fatalf("SaveAssessment(%s) failed: %v", rec.ID, err)
			}
		}

		all, err := repo.ListAssessments(ctx, tenantID, domain.AssessmentFilter{})
		if err != nil {
			t.Fatalf("ListAssessments failed: %v", err)
		}
		if len(all) != 4 {
			t.Fatalf("expected 4 records, got %d", len(all))
		}
		if all[0].ID != "rec-004" {
			t.Errorf("expected newest first, got %s", all[0].ID)
		}

		review := true
		flagged, err := repo.ListAssessments(ctx, tenantID, domain.AssessmentFilter{ReviewRequired: &review})
		if err != nil {
			t.Fatalf("ListAssessments failed: %v", err)
		}
		if len(flagged) != 2 {
			t.Errorf("expected 2 review records, got %d", len(flagged))
		}

		transitHigh, err := repo.ListAssessments(ctx, tenantID, domain.AssessmentFilter{
			Level:       domain.LevelCritical,
			ProcedureID: "transit",
		})
		if err != nil {
			t.Fatalf("ListAssessments failed: %v", err)
		}
		if len(transitHigh) != 1 || transitHigh[0].ID != "rec-004" {
			t.Errorf("expected only rec-004, got %v", transitHigh)
		}

		limited, err := repo.ListAssessments(ctx, tenantID, domain.AssessmentFilter{Limit: 2})
		if err != nil {
			t.Fatalf("ListAssessments failed: %v", err)
		}
		if len(limited) != 2 {
			t.Errorf("expected 2 records, got %d", len(limited))
		}

		other, err := repo.ListAssessments(ctx, "tenant-002", domain.AssessmentFilter{})
		if err != nil {
			t.Fatalf("ListAssessments failed: %v", err)
		}
		if len(other) != 0 {
			t.Errorf("expected no records for other tenant, got %d", len(other))
		}
	})

	t.Run("Rulebooks", func(t *testing.T) {
		snap := &domain.RulebookSnapshot{
			Version:   "1.0.0",
			Digest:    "abc",
			Source:    []byte("version: \"1.0.0\"\n"),
			RuleCount: 7,
			LoadedAt:  base,
		}
		if err := repo.SaveRulebook(ctx, snap); err != nil {
			t.Fatalf("SaveRulebook failed: %v", err)
		}
		if err := repo.SaveRulebook(ctx, snap); err != nil {
			t.Errorf("saving the same rulebook twice should succeed: %v", err)
		}

		changed := *snap
		changed.Digest = "def"
		if err := repo.SaveRulebook(ctx, &changed); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for changed digest, got: %v", err)
		}

		got, err := repo.GetRulebook(ctx, "1.0.0")
		if err != nil {
			t.Fatalf("GetRulebook failed: %v", err)
		}
		if got.Digest != "abc" || got.RuleCount != 7 || string(got.Source) != string(snap.Source) {
			t.Errorf("unexpected snapshot: %+v", got)
		}

		if _, err := repo.GetRulebook(ctx, "9.9.9"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})

	t.Run("ComplianceFlags", func(t *testing.T) {
		flag := &domain.ComplianceFlag{EntityID: "acme", Flagged: true, Reason: "prior seizure", UpdatedAt: base}
		if err := repo.SaveComplianceFlag(ctx, tenantID, flag); err != nil {
			t.Fatalf("SaveComplianceFlag failed: %v", err)
		}

		got, err := repo.GetComplianceFlag(ctx, tenantID, "acme")
		if err != nil {
			t.Fatalf("GetComplianceFlag failed: %v", err)
		}
		if !got.Flagged || got.Reason != "prior seizure" || got.TenantID != tenantID {
			t.Errorf("unexpected flag: %+v", got)
		}

		flag.Flagged = false
		flag.Reason = ""
		if err := repo.SaveComplianceFlag(ctx, tenantID, flag); err != nil {
			t.Fatalf("SaveComplianceFlag update failed: %v", err)
		}
		got, err = repo.GetComplianceFlag(ctx, tenantID, "acme")
		if err != nil {
			t.Fatalf("GetComplianceFlag failed: %v", err)
		}
		if got.Flagged {
			t.Error("expected flag to be cleared")
		}

		if _, err := repo.GetComplianceFlag(ctx, "tenant-002", "acme"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound for other tenant, got: %v", err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := repo.GetAssessment(ctx, tenantID, "nonexistent")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for unsupported driver, got %v", err)
	}
}

func TestSQLiteDSN(t *testing.T) {
	dsn := sqliteDSN("/var/lib/clearance/audit.db")
	if !strings.HasPrefix(dsn, "file:/var/lib/clearance/audit.db?") {
		t.Errorf("unexpected DSN prefix: %s", dsn)
	}
	for _, p := range sqlitePragmas {
		if !strings.Contains(dsn, "_pragma="+p) {
			t.Errorf("expected pragma %s in %s", p, dsn)
		}
	}
}

func TestPostgresDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  domain.RepositoryConfig
		want string
	}{
		{
			name: "defaults",
			cfg:  domain.RepositoryConfig{PostgresUser: "clearance"},
			want: "host='localhost' port='5432' user='clearance' dbname='clearance' sslmode='disable'",
		},
		{
			name: "quoted password",
			cfg: domain.RepositoryConfig{
				PostgresHost:     "db.internal",
				PostgresPort:     6432,
				PostgresUser:     "svc",
				PostgresPassword: `it's a\secret`,
				PostgresDB:       "customs",
				PostgresSSLMode:  "require",
			},
			want: `host='db.internal' port='6432' user='svc' password='it\'s a\\secret' dbname='customs' sslmode='require'`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := postgresDSN(tt.cfg); got != tt.want {
				t.Errorf("postgresDSN() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestListQuery(t *testing.T) {
	review := false
	tests := []struct {
		name     string
		driver   string
		filter   domain.AssessmentFilter
		wantSQL  string
		wantArgs int
	}{
		{
			name:     "sqlite defaults",
			driver:   "sqlite",
			wantSQL:  "SELECT record FROM assessments WHERE tenant_id = ? ORDER BY generated_at DESC, id LIMIT 50",
			wantArgs: 1,
		},
		{
			name:     "postgres all filters",
			driver:   "postgres",
			filter:   domain.AssessmentFilter{Level: domain.LevelHigh, ReviewRequired: &review, ProcedureID: "transit", Limit: 10000},
			wantSQL:  "SELECT record FROM assessments WHERE tenant_id = $1 AND level = $2 AND review_required = $3 AND procedure_id = $4 ORDER BY generated_at DESC, id LIMIT 500",
			wantArgs: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &SQLRepository{driver: tt.driver}
			sql, args, err := repo.listQuery("tenant-001", tt.filter)
			if err != nil {
				t.Fatalf("listQuery failed: %v", err)
			}
			if sql != tt.wantSQL {
				t.Errorf("sql = %q, want %q", sql, tt.wantSQL)
			}
			if len(args) != tt.wantArgs {
				t.Errorf("args = %s, want %d args", fmt.Sprint(args), tt.wantArgs)
			}
		})
	}
}
