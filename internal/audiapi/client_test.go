package audiapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/micro-ha/audiconnect/addon/internal/model"
	"github.com/micro-ha/audiconnect/addon/internal/spin"
)

const storedStatusBody = `{
  "StoredVehicleDataResponse": {
    "vin": "WAUZZZ4G7EN123456",
    "vehicleData": {
      "data": [
        {"id": "0x0101010001", "field": [
          {"id": "0x0101010002", "value": "12345", "unit": "km", "tsCarCaptured": "2024-05-01T11:00:00Z"}
        ]},
        {"id": "0x030103FFFF", "field": [
          {"id": "0x030103000A", "value": "64", "tsCarCaptured": "2024-05-01T11:30:00Z"},
          {"id": "0x0301030002", "value": "80"},
          {"id": "0x0301030005", "value": "512"},
          {"id": "0x0301020001", "value": "2931"}
        ]},
        {"id": "0x030104FFFF", "field": [
          {"id": "0x0301040001", "value": "2"},
          {"id": "0x0301040002", "value": "3"},
          {"id": "0x0301040004", "value": "2"},
          {"id": "0x0301040005", "value": "3"},
          {"id": "0x0301040007", "value": "2"},
          {"id": "0x0301040008", "value": "2"},
          {"id": "0x030104000A", "value": "2"},
          {"id": "0x030104000B", "value": "3"},
          {"id": "0x030104000D", "value": "2"},
          {"id": "0x030104000E", "value": "3"},
          {"id": "0x0301040011", "value": "3"}
        ]},
        {"id": "0x030105FFFF", "field": [
          {"id": "0x0301050001", "value": "3"},
          {"id": "0x0301050005", "value": "1"}
        ]},
        {"id": "0x0203FFFFFF", "field": [
          {"id": "0x0203010001", "value": "-4500"},
          {"id": "0x0203010004", "value": "-120"}
        ]}
      ]
    }
  }
}`

const chargerBody = `{"charger": {
  "settings": {"maxChargeCurrent": {"content": 32}},
  "status": {
    "chargingStatusData": {"chargingState": {"content": "charging"}, "chargingPower": {"content": 11}},
    "batteryStatusData": {"stateOfCharge": {"content": 81}, "remainingChargingTime": {"content": 95}},
    "plugStatusData": {"plugState": {"content": "connected"}},
    "cruisingRangeStatusData": {"primaryEngineRange": {"content": 310}}
  }
}}`

const climaterBody = `{"climater": {
  "settings": {"targetTemperature": {"content": 2955}},
  "status": {
    "climatisationStatusData": {"climatisationState": {"content": "off"}},
    "windowHeatingStatusData": {"windowHeatingStateFront": {"content": "off"}, "windowHeatingStateRear": {"content": "on"}}
  }
}}`

func TestListVehicles(t *testing.T) {
	f := newFakeVendor(t)
	f.handle("/vehicles", func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusOK, `{"userVehicles": [
			{"vin": "wauzzz4g7en123456", "csid": "c1", "nickname": "", "vehicle": {"media": {"longName": "A4 Avant", "shortName": "A4"}, "core": {"modelYear": 2019}}},
			{"vin": "WAUZZZGE1LB000001", "nickname": "Daily", "vehicle": {"core": {"modelYear": "2021"}}},
			{"vin": ""}
		]}`)
	})
	client, _ := newTestClient(t, f, model.APILevelLegacy, "")

	vehicles, err := client.ListVehicles(context.Background())
	require.NoError(t, err)
	require.Len(t, vehicles, 2)

	assert.Equal(t, model.Vehicle{VIN: testVIN, CSID: "c1", Model: "A4 Avant", ModelYear: 2019, Title: "A4", APILevel: model.APILevelLegacy}, vehicles[0])
	assert.Equal(t, "Daily", vehicles[1].Title)
	assert.Equal(t, 2021, vehicles[1].ModelYear)

	req, _ := f.lastRequest("/vehicles")
	assert.Equal(t, "Bearer identity-access", req.Header.Get("Authorization"))
	assert.Equal(t, "myAudi", req.Header.Get("X-App-Name"))
	assert.NotEmpty(t, req.Header.Get("X-Request-Id"))
}

func TestListVehiclesSchemaMismatch(t *testing.T) {
	f := newFakeVendor(t)
	f.handle("/vehicles", func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusOK, `{"vehicles": []}`)
	})
	client, _ := newTestClient(t, f, model.APILevelLegacy, "")

	_, err := client.ListVehicles(context.Background())
	require.Error(t, err)
	var mismatch *SchemaMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Contains(t, mismatch.Detail, "userVehicles")
}

func TestFetchStatusLegacy(t *testing.T) {
	f := newFakeVendor(t)
	f.handle(f.vehiclePath("bs/vsr", "status"), func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusOK, storedStatusBody)
	})
	f.handle(f.vehiclePath("bs/climatisation", "climater"), func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusForbidden, `{"error":{"errorCode":"mbbc.rolesandrights.servicelocallydisabled"}}`)
	})
	client, clock := newTestClient(t, f, model.APILevelLegacy, "")

	snap, err := client.FetchStatus(context.Background(), testVIN)
	require.NoError(t, err)

	assert.Equal(t, testVIN, snap.VIN)
	assert.Equal(t, clock.Now(), snap.FetchedAt)
	assert.Equal(t, time.Date(2024, 5, 1, 11, 30, 0, 0, time.UTC), snap.CarCapturedAt)
	require.NotNil(t, snap.OdometerKm)
	assert.Equal(t, 12345, *snap.OdometerKm)
	require.NotNil(t, snap.FuelLevelPct)
	assert.Equal(t, 64, *snap.FuelLevelPct)
	assert.Nil(t, snap.StateOfChargePct, "legacy schema ignores battery fields")
	require.NotNil(t, snap.RangeKm)
	assert.Equal(t, 512, *snap.RangeKm)

	require.NotNil(t, snap.Locked)
	assert.True(t, *snap.Locked)
	assert.True(t, snap.AnyDoorOpen(), "right front door reports open")
	assert.True(t, snap.AnyWindowOpen())
	require.NotNil(t, snap.Hood.Open)
	assert.False(t, *snap.Hood.Open)

	require.NotNil(t, snap.Climate.OutsideTempC)
	assert.InDelta(t, 19.95, *snap.Climate.OutsideTempC, 0.06)
	require.NotNil(t, snap.Service.OilChangeKm)
	assert.Equal(t, 4500, *snap.Service.OilChangeKm)
	require.NotNil(t, snap.Service.InspectionDays)
	assert.Equal(t, 120, *snap.Service.InspectionDays)

	req, _ := f.lastRequest(f.vehiclePath("bs/vsr", "status"))
	assert.Equal(t, "Bearer vehicle-access-1", req.Header.Get("Authorization"))
}

func TestFetchStatusEtron(t *testing.T) {
	f := newFakeVendor(t)
	f.handle(f.vehiclePath("bs/vsr", "status"), func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusOK, storedStatusBody)
	})
	f.handle(f.vehiclePath("bs/batterycharge", "charger"), func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusOK, chargerBody)
	})
	f.handle(f.vehiclePath("bs/climatisation", "climater"), func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusOK, climaterBody)
	})
	client, _ := newTestClient(t, f, model.APILevelEtron, "")

	snap, err := client.FetchStatus(context.Background(), testVIN)
	require.NoError(t, err)

	assert.Nil(t, snap.FuelLevelPct, "etron schema ignores fuel fields")
	require.NotNil(t, snap.StateOfChargePct)
	assert.Equal(t, 81, *snap.StateOfChargePct, "charger document wins over stored field")
	assert.Equal(t, "charging", snap.ChargingState)
	assert.Equal(t, "connected", snap.PlugState)
	require.NotNil(t, snap.RemainingChargeMin)
	assert.Equal(t, 95, *snap.RemainingChargeMin)
	require.NotNil(t, snap.ChargingPowerKW)
	assert.Equal(t, 11.0, *snap.ChargingPowerKW)

	assert.Equal(t, "off", snap.Climate.State)
	assert.Equal(t, "on", snap.Climate.WindowHeat)
	require.NotNil(t, snap.Climate.TargetTempC)
	assert.InDelta(t, 22.35, *snap.Climate.TargetTempC, 0.06)
}

func TestFetchStatusRetriesOnceAfterUnauthorized(t *testing.T) {
	f := newFakeVendor(t)
	calls := 0
	f.handle(f.vehiclePath("bs/vsr", "status"), func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeRaw(w, http.StatusOK, storedStatusBody)
	})
	client, _ := newTestClient(t, f, model.APILevelLegacy, "")

	_, err := client.FetchStatus(context.Background(), testVIN)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.EqualValues(t, 1, client.Sessions().Refreshes())

	req, _ := f.lastRequest(f.vehiclePath("bs/vsr", "status"))
	assert.Equal(t, "Bearer vehicle-access-2", req.Header.Get("Authorization"))
}

func TestConcurrentUnauthorizedReadsShareOneRenewal(t *testing.T) {
	const callers = 8
	f := newFakeVendor(t)
	var stale atomic.Int32
	release := make(chan struct{})
	f.handle(f.vehiclePath("bs/vsr", "status"), func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer vehicle-access-1" {
			// Hold every rejection until all callers are in flight with the old token.
			if stale.Add(1) == callers {
				close(release)
			}
			<-release
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeRaw(w, http.StatusOK, storedStatusBody)
	})
	client, _ := newTestClient(t, f, model.APILevelLegacy, "")
	_, err := client.Sessions().Authenticate(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = client.FetchStatus(context.Background(), testVIN)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
	}
	assert.EqualValues(t, callers, stale.Load())
	assert.EqualValues(t, 1, client.Sessions().Refreshes())
	assert.EqualValues(t, 1, client.Sessions().Logins())
	assert.Equal(t, 2, f.hitCount("/mbb/token"), "initial login plus one shared refresh")
	assert.Equal(t, 2*callers, f.hitCount(f.vehiclePath("bs/vsr", "status")))
}

func TestFetchStatusPersistentUnauthorizedIsAuthError(t *testing.T) {
	f := newFakeVendor(t)
	f.handle(f.vehiclePath("bs/vsr", "status"), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	client, _ := newTestClient(t, f, model.APILevelLegacy, "")

	_, err := client.FetchStatus(context.Background(), testVIN)
	require.Error(t, err)
	assert.True(t, IsAuth(err))
	assert.Equal(t, 2, f.hitCount(f.vehiclePath("bs/vsr", "status")))
}

func TestThrottledIsNotRetried(t *testing.T) {
	f := newFakeVendor(t)
	f.handle(f.vehiclePath("bs/vsr", "status"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	client, _ := newTestClient(t, f, model.APILevelLegacy, "")

	_, err := client.FetchStatus(context.Background(), testVIN)
	require.Error(t, err)
	retryAfter, ok := IsThrottled(err)
	require.True(t, ok, "want ThrottledError, got %v", err)
	assert.Equal(t, 2*time.Minute, retryAfter)
	assert.Equal(t, 1, f.hitCount(f.vehiclePath("bs/vsr", "status")))
}

func TestVendorQuotaCodeIsThrottled(t *testing.T) {
	f := newFakeVendor(t)
	f.handle(f.vehiclePath("bs/vsr", "status"), func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusForbidden, `{"error":{"errorCode":"gw.error.quota","description":"Quota exceeded"}}`)
	})
	client, _ := newTestClient(t, f, model.APILevelLegacy, "")

	_, err := client.FetchStatus(context.Background(), testVIN)
	_, ok := IsThrottled(err)
	assert.True(t, ok, "want ThrottledError, got %v", err)
}

func TestServerErrorsAreRetriedForReads(t *testing.T) {
	f := newFakeVendor(t)
	f.handle(f.vehiclePath("bs/vsr", "status"), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	client, _ := newTestClient(t, f, model.APILevelLegacy, "")

	_, err := client.FetchStatus(context.Background(), testVIN)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, maxRetryAttempts, f.hitCount(f.vehiclePath("bs/vsr", "status")))
}

func TestRequiredStatusSourceForbiddenIsPermissionError(t *testing.T) {
	f := newFakeVendor(t)
	f.handle(f.vehiclePath("bs/vsr", "status"), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	client, _ := newTestClient(t, f, model.APILevelLegacy, "")

	_, err := client.FetchStatus(context.Background(), testVIN)
	assert.True(t, IsPermission(err), "want PermissionError, got %v", err)
}

func TestFetchStatusSchemaMismatch(t *testing.T) {
	f := newFakeVendor(t)
	f.handle(f.vehiclePath("bs/vsr", "status"), func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusOK, `{"SomethingElse": {}}`)
	})
	client, _ := newTestClient(t, f, model.APILevelLegacy, "")

	_, err := client.FetchStatus(context.Background(), testVIN)
	assert.True(t, IsSchemaMismatch(err), "want SchemaMismatchError, got %v", err)
}

func TestFetchPosition(t *testing.T) {
	f := newFakeVendor(t)
	f.handle(f.vehiclePath("bs/cf", "position"), func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusOK, `{"findCarResponse": {
			"Position": {"carCoordinate": {"latitude": 48137154, "longitude": 11576124}, "timestampCarSentUTC": "2024-05-01T10:00:00Z"},
			"parkingTimeUTC": "2024-05-01T09:58:00Z"
		}}`)
	})
	client, _ := newTestClient(t, f, model.APILevelLegacy, "")

	pos, err := client.FetchPosition(context.Background(), testVIN)
	require.NoError(t, err)
	assert.InDelta(t, 48.137154, pos.Latitude, 1e-9)
	assert.InDelta(t, 11.576124, pos.Longitude, 1e-9)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), pos.CapturedAt)
	assert.Equal(t, time.Date(2024, 5, 1, 9, 58, 0, 0, time.UTC), pos.ParkedAt)
}

func TestFetchPositionWhileMoving(t *testing.T) {
	f := newFakeVendor(t)
	f.handle(f.vehiclePath("bs/cf", "position"), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	client, _ := newTestClient(t, f, model.APILevelLegacy, "")

	_, err := client.FetchPosition(context.Background(), testVIN)
	assert.ErrorIs(t, err, ErrPositionUnavailable)
}

func TestVehicleRefreshRequestAndStatus(t *testing.T) {
	f := newFakeVendor(t)
	f.handle(f.vehiclePath("bs/vsr", "requests"), func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		writeRaw(w, http.StatusAccepted, `{"CurrentVehicleDataResponse": {"requestId": 7781, "vin": "WAUZZZ4G7EN123456"}}`)
	})
	f.handle(f.vehiclePath("bs/vsr", "requests/7781/jobstatus"), func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusOK, `{"requestStatusResponse": {"status": "request_in_progress"}}`)
	})
	client, _ := newTestClient(t, f, model.APILevelLegacy, "")

	id, err := client.RequestVehicleRefresh(context.Background(), testVIN)
	require.NoError(t, err)
	assert.Equal(t, "7781", id)

	state, err := client.VehicleRefreshStatus(context.Background(), testVIN, id)
	require.NoError(t, err)
	assert.Equal(t, ActionPending, state)
}

func TestSendPINActionWithoutPINFailsBeforeNetwork(t *testing.T) {
	f := newFakeVendor(t)
	client, _ := newTestClient(t, f, model.APILevelLegacy, "")

	_, err := client.SendAction(context.Background(), testVIN, model.ActionLock, model.ActionParams{})
	assert.ErrorIs(t, err, ErrPINRequired)
	assert.Equal(t, 0, f.hitCount("/identity/token"), "no network call may happen")
}

func TestSendLockRunsPINChallenge(t *testing.T) {
	const challenge = "AB12CD34EF56"
	f := newFakeVendor(t)
	challengePath := "/rolesrights/authorization/v2/vehicles/" + testVIN + "/services/rlu_v1/operations/LOCK/security-pin-auth-requested"
	f.handle(challengePath, func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusOK, `{"securityPinAuthInfo": {"securityToken": "challenge-token", "securityPinTransmission": {"challenge": "`+challenge+`"}}}`)
	})
	f.handle("/rolesrights/authorization/v2/security-pin-auth-completed", func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusOK, `{"securityToken": "sec-token"}`)
	})
	f.handle(f.vehiclePath("bs/rlu", "actions"), func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusOK, `{"rluActionResponse": {"requestId": "lock-42"}}`)
	})
	f.handle(f.vehiclePath("bs/rlu", "requests/lock-42/status"), func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusOK, `{"requestStatusResponse": {"status": "request_successful"}}`)
	})
	client, _ := newTestClient(t, f, model.APILevelLegacy, "1234")

	handle, err := client.SendAction(context.Background(), testVIN, model.ActionLock, model.ActionParams{})
	require.NoError(t, err)
	assert.Equal(t, "lock-42", handle.RequestID)

	_, completion := f.lastRequest("/rolesrights/authorization/v2/security-pin-auth-completed")
	var sent pinCompletion
	require.NoError(t, json.Unmarshal([]byte(completion), &sent))
	wantHash, err := spin.Sign("1234", challenge)
	require.NoError(t, err)
	assert.Equal(t, wantHash, sent.SecurityPinAuthentication.SecurityPin.SecurityPinHash)
	assert.Equal(t, "challenge-token", sent.SecurityPinAuthentication.SecurityToken)
	assert.NotContains(t, completion, `"1234"`)

	req, body := f.lastRequest(f.vehiclePath("bs/rlu", "actions"))
	assert.Equal(t, "sec-token", req.Header.Get("x-mbbSecToken"))
	assert.Equal(t, "application/vnd.vwg.mbb.RemoteLockUnlock_v1_0_0+xml", req.Header.Get("Content-Type"))
	assert.Contains(t, body, `<rluAction xmlns="http://audi.de/connect/rlu"><action>lock</action></rluAction>`)

	state, err := client.ActionStatus(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, ActionSucceeded, state)
}

func TestActionsAreNotRetriedOnServerError(t *testing.T) {
	f := newFakeVendor(t)
	f.handle(f.vehiclePath("bs/climatisation", "climater/actions"), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	client, _ := newTestClient(t, f, model.APILevelLegacy, "")

	_, err := client.SendAction(context.Background(), testVIN, model.ActionStopClimatisation, model.ActionParams{})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 1, f.hitCount(f.vehiclePath("bs/climatisation", "climater/actions")))
}

func TestEtronClimateActionBody(t *testing.T) {
	f := newFakeVendor(t)
	f.handle(f.vehiclePath("bs/climatisation", "climater/actions"), func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusOK, `{"action": {"actionId": 99}}`)
	})
	f.handle(f.vehiclePath("bs/climatisation", "climater/actions/99"), func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusOK, `{"action": {"actionState": "request_partially_successful"}}`)
	})
	client, _ := newTestClient(t, f, model.APILevelEtron, "")

	temp := 22.0
	handle, err := client.SendAction(context.Background(), testVIN, model.ActionStartClimatisation, model.ActionParams{
		TargetTempC: &temp, SeatFL: true, GlassHeating: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "99", handle.RequestID)

	req, body := f.lastRequest(f.vehiclePath("bs/climatisation", "climater/actions"))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))

	var sent struct {
		Action struct {
			Type     string `json:"type"`
			Settings struct {
				TargetTemperature int `json:"targetTemperature"`
			} `json:"settings"`
		} `json:"action"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &sent))
	assert.Equal(t, "startClimatisation", sent.Action.Type)
	assert.InDelta(t, 2952, sent.Action.Settings.TargetTemperature, 1)
	assert.True(t, strings.Contains(body, `"position":"frontLeft"`))

	state, err := client.ActionStatus(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, ActionPartial, state)
}

func TestUnsupportedActionsPerLevel(t *testing.T) {
	f := newFakeVendor(t)
	legacy, _ := newTestClient(t, f, model.APILevelLegacy, "1234")
	etron, _ := newTestClient(t, f, model.APILevelEtron, "1234")

	_, err := legacy.SendAction(context.Background(), testVIN, model.ActionStartCharger, model.ActionParams{})
	assert.ErrorIs(t, err, ErrUnsupportedAction)

	_, err = etron.SendAction(context.Background(), testVIN, model.ActionStartPreheater, model.ActionParams{})
	assert.ErrorIs(t, err, ErrUnsupportedAction)
}

func TestPreheaterWithoutRequestIDIsUntracked(t *testing.T) {
	f := newFakeVendor(t)
	f.handle("/rolesrights/authorization/v2/vehicles/"+testVIN+"/services/rheating_v1/operations/P_QSACT/security-pin-auth-requested", func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusOK, `{"securityPinAuthInfo": {"securityToken": "t", "securityPinTransmission": {"challenge": "00FF"}}}`)
	})
	f.handle("/rolesrights/authorization/v2/security-pin-auth-completed", func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusOK, `{"securityToken": "sec"}`)
	})
	f.handle(f.vehiclePath("bs/rs", "action"), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	client, _ := newTestClient(t, f, model.APILevelLegacy, "1234")

	handle, err := client.SendAction(context.Background(), testVIN, model.ActionStartPreheater, model.ActionParams{})
	require.NoError(t, err)
	assert.False(t, handle.Tracked())

	_, body := f.lastRequest(f.vehiclePath("bs/rs", "action"))
	assert.Contains(t, body, `<quickstart><active>true</active></quickstart>`)
}
