package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/micro-ha/audiconnect/addon/internal/model"
)

const account = "user@example.com"

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := New(context.Background(), filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestVehiclesAndSnapshotsRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)

	vehicles := []model.Vehicle{
		{VIN: "WAUZZZ4G7EN123456", Model: "A4 Avant", ModelYear: 2019, Title: "Family", APILevel: model.APILevelLegacy},
		{VIN: "WAUZZZGE1LB000001", CSID: "c2", APILevel: model.APILevelEtron},
	}
	if err := repo.SaveVehicles(ctx, account, vehicles); err != nil {
		t.Fatalf("SaveVehicles() error: %v", err)
	}

	fetched := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	snap := model.VehicleStatusSnapshot{
		VIN:              "WAUZZZGE1LB000001",
		FetchedAt:        fetched,
		StateOfChargePct: model.IntPtr(81),
		Locked:           model.BoolPtr(true),
		Doors:            map[string]model.OpenState{"left_front": {Open: model.BoolPtr(false)}},
		Position:         &model.Position{Latitude: 48.1, Longitude: 11.5},
	}
	if err := repo.SaveSnapshot(ctx, account, snap); err != nil {
		t.Fatalf("SaveSnapshot() error: %v", err)
	}

	gotVehicles, err := repo.LoadVehicles(ctx, account)
	if err != nil {
		t.Fatalf("LoadVehicles() error: %v", err)
	}
	if len(gotVehicles) != 2 || gotVehicles[0] != vehicles[0] || gotVehicles[1] != vehicles[1] {
		t.Fatalf("LoadVehicles() = %+v, want %+v", gotVehicles, vehicles)
	}

	snaps, err := repo.LoadSnapshots(ctx, account)
	if err != nil {
		t.Fatalf("LoadSnapshots() error: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snaps))
	}
	got := snaps[0]
	if !got.FetchedAt.Equal(fetched) || got.StateOfChargePct == nil || *got.StateOfChargePct != 81 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
	if got.Position == nil || got.Position.Latitude != 48.1 {
		t.Fatalf("position not restored: %+v", got.Position)
	}

	other, err := repo.LoadSnapshots(ctx, "someone@example.com")
	if err != nil || len(other) != 0 {
		t.Fatalf("snapshots leaked across accounts: %v %v", other, err)
	}
}

func TestSaveVehiclesPrunesRemovedVehicles(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)

	if err := repo.SaveVehicles(ctx, account, []model.Vehicle{{VIN: "WAUZZZ4G7EN123456"}, {VIN: "WAUZZZGE1LB000001"}}); err != nil {
		t.Fatalf("SaveVehicles() error: %v", err)
	}
	if err := repo.SaveSnapshot(ctx, account, model.VehicleStatusSnapshot{VIN: "WAUZZZGE1LB000001", FetchedAt: time.Now()}); err != nil {
		t.Fatalf("SaveSnapshot() error: %v", err)
	}
	if err := repo.SaveVehicles(ctx, account, []model.Vehicle{{VIN: "WAUZZZ4G7EN123456"}}); err != nil {
		t.Fatalf("SaveVehicles() error: %v", err)
	}

	vehicles, _ := repo.LoadVehicles(ctx, account)
	if len(vehicles) != 1 || vehicles[0].VIN != "WAUZZZ4G7EN123456" {
		t.Fatalf("expected pruned vehicle list, got %+v", vehicles)
	}
	snaps, _ := repo.LoadSnapshots(ctx, account)
	if len(snaps) != 0 {
		t.Fatalf("expected snapshot of removed vehicle to be pruned, got %d", len(snaps))
	}

	if err := repo.SaveVehicles(ctx, account, nil); err != nil {
		t.Fatalf("SaveVehicles(nil) error: %v", err)
	}
	vehicles, _ = repo.LoadVehicles(ctx, account)
	if len(vehicles) != 0 {
		t.Fatalf("expected empty vehicle list, got %+v", vehicles)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)

	if _, ok, err := repo.LoadToken(ctx, account); err != nil || ok {
		t.Fatalf("LoadToken() on empty db = %v, %v", ok, err)
	}

	expires := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)
	token := model.StoredToken{
		Account:       account,
		IdentityToken: "id",
		AccessToken:   "access",
		RefreshToken:  "refresh",
		ExpiresAt:     expires,
		UpdatedAt:     expires.Add(-time.Hour),
	}
	if err := repo.SaveToken(ctx, token); err != nil {
		t.Fatalf("SaveToken() error: %v", err)
	}
	token.RefreshToken = "refresh-2"
	if err := repo.SaveToken(ctx, token); err != nil {
		t.Fatalf("SaveToken() update error: %v", err)
	}

	got, ok, err := repo.LoadToken(ctx, account)
	if err != nil || !ok {
		t.Fatalf("LoadToken() = %v, %v", ok, err)
	}
	if got.RefreshToken != "refresh-2" || !got.ExpiresAt.Equal(expires) || got.AccessToken != "access" {
		t.Fatalf("unexpected token: %+v", got)
	}

	if err := repo.DeleteToken(ctx, account); err != nil {
		t.Fatalf("DeleteToken() error: %v", err)
	}
	if _, ok, _ := repo.LoadToken(ctx, account); ok {
		t.Fatalf("token still present after delete")
	}
}

func TestOutcomesKeepLastPerKind(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	vin := "WAUZZZ4G7EN123456"
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for _, o := range []model.ActionOutcome{
		{VIN: vin, Kind: model.ActionLock, RequestID: "1", Status: model.OutcomeUnknown, FinishedAt: at},
		{VIN: vin, Kind: model.ActionLock, RequestID: "2", Status: model.OutcomeSucceeded, FinishedAt: at.Add(time.Minute)},
		{VIN: vin, Kind: model.ActionStartClimatisation, Status: model.OutcomeFailed, Message: "vendor reported failure", FinishedAt: at},
	} {
		if err := repo.SaveOutcome(ctx, o); err != nil {
			t.Fatalf("SaveOutcome() error: %v", err)
		}
	}

	got, err := repo.ListOutcomes(ctx, vin)
	if err != nil {
		t.Fatalf("ListOutcomes() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(got))
	}
	if got[0].Kind != model.ActionLock || got[0].RequestID != "2" || got[0].Status != model.OutcomeSucceeded {
		t.Fatalf("unexpected lock outcome: %+v", got[0])
	}
	if got[1].Message != "vendor reported failure" {
		t.Fatalf("unexpected climate outcome: %+v", got[1])
	}
}
