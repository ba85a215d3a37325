package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/micro-ha/audiconnect/addon/internal/model"
)

func (r *Repository) LoadVehicles(ctx context.Context, account string) ([]model.Vehicle, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT vin, csid, model, model_year, title, api_level
		FROM vehicles WHERE account = ? ORDER BY vin`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Vehicle
	for rows.Next() {
		var (
			v                 model.Vehicle
			csid, name, title sql.NullString
			modelYear         sql.NullInt64
			apiLevel          int
		)
		if err := rows.Scan(&v.VIN, &csid, &name, &modelYear, &title, &apiLevel); err != nil {
			return nil, err
		}
		v.CSID = str(csid)
		v.Model = str(name)
		v.Title = str(title)
		v.ModelYear = int(modelYear.Int64)
		v.APILevel = model.APILevel(apiLevel)
		out = append(out, v)
	}
	return out, rows.Err()
}

// SaveVehicles replaces the vehicle list of account. Snapshots of vehicles no
// longer listed are removed with them.
func (r *Repository) SaveVehicles(ctx context.Context, account string, vehicles []model.Vehicle) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	keep := make([]any, 0, len(vehicles)+1)
	keep = append(keep, account)
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vehicles (account, vin, csid, model, model_year, title, api_level, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account, vin) DO UPDATE SET
			csid=excluded.csid,
			model=excluded.model,
			model_year=excluded.model_year,
			title=excluded.title,
			api_level=excluded.api_level,
			updated_at=excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := formatTime(r.now())
	for _, v := range vehicles {
		vin := strings.ToUpper(v.VIN)
		if _, err := stmt.ExecContext(ctx, account, vin, nullable(v.CSID), nullable(v.Model), v.ModelYear, nullable(v.Title), int(v.APILevel), now); err != nil {
			return err
		}
		keep = append(keep, vin)
	}

	filter := ""
	if len(keep) > 1 {
		filter = " AND vin NOT IN (?" + strings.Repeat(", ?", len(keep)-2) + ")"
	}
	for _, table := range []string{"vehicles", "vehicle_snapshots"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE account = ?"+filter, keep...); err != nil {
			return fmt.Errorf("prune %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func (r *Repository) LoadSnapshots(ctx context.Context, account string) ([]model.VehicleStatusSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT vin, payload_json FROM vehicle_snapshots WHERE account = ? ORDER BY vin`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.VehicleStatusSnapshot
	for rows.Next() {
		var vin, payload string
		if err := rows.Scan(&vin, &payload); err != nil {
			return nil, err
		}
		var snap model.VehicleStatusSnapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			if r.logger != nil {
				r.logger.Warn("skipping unreadable snapshot row", "err", err)
			}
			continue
		}
		snap.VIN = vin
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (r *Repository) SaveSnapshot(ctx context.Context, account string, snap model.VehicleStatusSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO vehicle_snapshots (account, vin, fetched_at, payload_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account, vin) DO UPDATE SET
			fetched_at=excluded.fetched_at,
			payload_json=excluded.payload_json`,
		account, strings.ToUpper(snap.VIN), formatTime(snap.FetchedAt), string(payload),
	)
	return err
}

// LoadToken implements the session token store. Only tokens are kept; the
// password and PIN never reach the database.
func (r *Repository) LoadToken(ctx context.Context, account string) (model.StoredToken, bool, error) {
	var (
		token                model.StoredToken
		expiresAt, updatedAt string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT account, identity_token, access_token, refresh_token, expires_at, updated_at
		FROM account_tokens WHERE account = ?`, account).
		Scan(&token.Account, &token.IdentityToken, &token.AccessToken, &token.RefreshToken, &expiresAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.StoredToken{}, false, nil
	}
	if err != nil {
		return model.StoredToken{}, false, err
	}
	token.ExpiresAt = parseTime(expiresAt)
	token.UpdatedAt = parseTime(updatedAt)
	return token, true, nil
}

func (r *Repository) SaveToken(ctx context.Context, token model.StoredToken) error {
	if token.UpdatedAt.IsZero() {
		token.UpdatedAt = r.now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO account_tokens (account, identity_token, access_token, refresh_token, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET
			identity_token=excluded.identity_token,
			access_token=excluded.access_token,
			refresh_token=excluded.refresh_token,
			expires_at=excluded.expires_at,
			updated_at=excluded.updated_at`,
		token.Account, token.IdentityToken, token.AccessToken, token.RefreshToken,
		formatTime(token.ExpiresAt), formatTime(token.UpdatedAt),
	)
	return err
}

func (r *Repository) DeleteToken(ctx context.Context, account string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM account_tokens WHERE account = ?`, account)
	return err
}

// SaveOutcome keeps the last outcome per VIN and action kind.
func (r *Repository) SaveOutcome(ctx context.Context, outcome model.ActionOutcome) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO action_outcomes (vin, kind, request_id, status, message, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(vin, kind) DO UPDATE SET
			request_id=excluded.request_id,
			status=excluded.status,
			message=excluded.message,
			finished_at=excluded.finished_at`,
		strings.ToUpper(outcome.VIN), string(outcome.Kind), nullable(outcome.RequestID), string(outcome.Status),
		nullable(outcome.Message), formatTime(outcome.FinishedAt),
	)
	return err
}

func (r *Repository) ListOutcomes(ctx context.Context, vin string) ([]model.ActionOutcome, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT vin, kind, request_id, status, message, finished_at
		FROM action_outcomes WHERE vin = ? ORDER BY kind`, strings.ToUpper(vin))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ActionOutcome
	for rows.Next() {
		var (
			o                  model.ActionOutcome
			kind, status       string
			requestID, message sql.NullString
			finishedAt         string
		)
		if err := rows.Scan(&o.VIN, &kind, &requestID, &status, &message, &finishedAt); err != nil {
			return nil, err
		}
		o.Kind = model.ActionKind(kind)
		o.Status = model.OutcomeStatus(status)
		o.RequestID = str(requestID)
		o.Message = str(message)
		o.FinishedAt = parseTime(finishedAt)
		out = append(out, o)
	}
	return out, rows.Err()
}
