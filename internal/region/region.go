// Package region maps a configured region code to the fixed set of vendor
// endpoints and client identifiers used by that region. Lookups are pure.
package region

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// PathStyle describes how vehicle service paths are laid out for a region.
type PathStyle int

const (
	// PathStyleBrandCountry puts brand and country segments before the vehicle:
	// {base}/{service}/{version}/{brand}/{country}/vehicles/{vin}
	PathStyleBrandCountry PathStyle = iota
	// PathStyleVehicle addresses the vehicle directly:
	// {base}/{service}/{version}/vehicles/{vin}
	PathStyleVehicle
)

// EndpointSet fixes every base URL and header value a region requires.
type EndpointSet struct {
	Region  string
	Country string
	Brand   string

	IdentityTokenURL string
	MBBTokenURL      string
	VehicleAPIURL    string
	RolesRightsURL   string
	VehicleListURL   string

	ClientID  string
	XClientID string
	Scope     string
	MBBScope  string

	PathStyle PathStyle
}

// UnsupportedRegionError is returned for region codes without an endpoint set.
type UnsupportedRegionError struct {
	Code string
}

func (e *UnsupportedRegionError) Error() string {
	return fmt.Sprintf("unsupported region %q (supported: %s)", e.Code, strings.Join(Supported(), ", "))
}

const (
	identityScope = "openid profile email mbb offline_access mbbuserid myaudi selfservice:read selfservice:write"
	mbbScope      = "sc2:fal"
	brand         = "Audi"
)

var endpointSets = map[string]EndpointSet{
	"DE": {
		Region:           "DE",
		Country:          "DE",
		Brand:            brand,
		IdentityTokenURL: "https://id.audi.com/v1/token",
		MBBTokenURL:      "https://mbboauth-1d.prd.ece.vwg-connect.com/mbbcoauth/mobile/oauth2/v1/token",
		VehicleAPIURL:    "https://msg.volkswagen.de/fs-car",
		RolesRightsURL:   "https://mal-1a.prd.ece.vwg-connect.com/api/rolesrights",
		VehicleListURL:   "https://msg.audi.de/myaudi/vehicle-management/v1/vehicles",
		ClientID:         "mmiconnect_android",
		XClientID:        "77869e21-e30a-4a92-b016-48ab7d3db1d8",
		Scope:            identityScope,
		MBBScope:         mbbScope,
		PathStyle:        PathStyleBrandCountry,
	},
	// The US, CA and CN hosts and client ids below are unverified; only the
	// DE set has been checked against live traffic.
	"US": {
		Region:           "US",
		Country:          "US",
		Brand:            brand,
		IdentityTokenURL: "https://id.audiusa.com/v1/token",
		MBBTokenURL:      "https://mbboauth-1d.prd.ue1.vwg-connect.com/mbbcoauth/mobile/oauth2/v1/token",
		VehicleAPIURL:    "https://mal-3a.prd.ue1.vwg-connect.com/api",
		RolesRightsURL:   "https://mal-3a.prd.ue1.vwg-connect.com/api/rolesrights",
		VehicleListURL:   "https://app-api.my.aoa.audi.com/vgql/v1/vehicles",
		ClientID:         "mmiconnect_android_us",
		XClientID:        "59992128-69a9-42c3-8621-7942041ef2d7",
		Scope:            identityScope,
		MBBScope:         mbbScope,
		PathStyle:        PathStyleVehicle,
	},
	"CA": {
		Region:           "CA",
		Country:          "CA",
		Brand:            brand,
		IdentityTokenURL: "https://id.audi.ca/v1/token",
		MBBTokenURL:      "https://mbboauth-1d.prd.ca1.vwg-connect.com/mbbcoauth/mobile/oauth2/v1/token",
		VehicleAPIURL:    "https://mal-3a.prd.ca1.vwg-connect.com/api",
		RolesRightsURL:   "https://mal-3a.prd.ca1.vwg-connect.com/api/rolesrights",
		VehicleListURL:   "https://app-api.my.audi.ca/vgql/v1/vehicles",
		ClientID:         "mmiconnect_android_ca",
		XClientID:        "c8bdd0e3-8d6f-4b0c-b0b5-2b9cfd0a3b4e",
		Scope:            identityScope,
		MBBScope:         mbbScope,
		PathStyle:        PathStyleVehicle,
	},
	"CN": {
		Region:           "CN",
		Country:          "CN",
		Brand:            brand,
		IdentityTokenURL: "https://id.audi.cn/v1/token",
		MBBTokenURL:      "https://mbboauth-1d.prd.cn.vwg-connect.cn/mbbcoauth/mobile/oauth2/v1/token",
		VehicleAPIURL:    "https://mal-1a.prd.cn.vwg-connect.cn/api",
		RolesRightsURL:   "https://mal-1a.prd.cn.vwg-connect.cn/api/rolesrights",
		VehicleListURL:   "https://msg.audi.cn/myaudi/vehicle-management/v1/vehicles",
		ClientID:         "mmiconnect_android_cn",
		XClientID:        "2c8a1a0e-5e5f-4d5d-9c4d-1f0a3f1f9b21",
		Scope:            identityScope,
		MBBScope:         mbbScope,
		PathStyle:        PathStyleVehicle,
	},
}

// Resolve returns the endpoint set for code. Matching is case-insensitive and
// there is no fallback region.
func Resolve(code string) (EndpointSet, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	set, ok := endpointSets[normalized]
	if !ok {
		return EndpointSet{}, &UnsupportedRegionError{Code: code}
	}
	return set, nil
}

// Supported lists the known region codes in stable order.
func Supported() []string {
	codes := make([]string, 0, len(endpointSets))
	for code := range endpointSets {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// ServiceURL builds a per-vehicle service URL such as
// bs/vsr/v1/{brand}/{country}/vehicles/{vin}/status.
func (e EndpointSet) ServiceURL(service, version, vin, suffix string) string {
	parts := []string{strings.TrimRight(e.VehicleAPIURL, "/"), service, version}
	if e.PathStyle == PathStyleBrandCountry {
		parts = append(parts, e.Brand, e.Country)
	}
	parts = append(parts, "vehicles", url.PathEscape(strings.ToUpper(vin)))
	out := strings.Join(parts, "/")
	if suffix != "" {
		out += "/" + strings.TrimLeft(suffix, "/")
	}
	return out
}

// PINChallengeURL is the rolesrights endpoint that issues an S-PIN challenge
// for one vehicle operation, e.g. "rlu_v1/operations/LOCK".
func (e EndpointSet) PINChallengeURL(vin, operation string) string {
	return fmt.Sprintf("%s/authorization/v2/vehicles/%s/services/%s/security-pin-auth-requested",
		strings.TrimRight(e.RolesRightsURL, "/"), url.PathEscape(strings.ToUpper(vin)), operation)
}

// PINCompletionURL receives the signed challenge answer.
func (e EndpointSet) PINCompletionURL() string {
	return strings.TrimRight(e.RolesRightsURL, "/") + "/authorization/v2/security-pin-auth-completed"
}
