// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakeChassis is one chassis served by fakeBMC.
type fakeChassis struct {
	// supplies are the PowerOutputWatts of each power supply
	supplies []float64
	// consumed is the PowerConsumedWatts of the single PowerControl
	consumed float64

	noSubsystem bool
	noPower     bool
}

// fakeBMC is a minimal Redfish service with session auth.
type fakeBMC struct {
	server   *httptest.Server
	username string
	password string

	mu       sync.RWMutex
	chassis  []fakeChassis
	sessions map[string]bool
}

func newFakeBMC(t *testing.T, chassis ...fakeChassis) *fakeBMC {
	t.Helper()
	b := &fakeBMC{
		username: "admin",
		password: "secret",
		chassis:  chassis,
		sessions: map[string]bool{},
	}
	b.server = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBMC) bmc() BMC {
	return BMC{Endpoint: b.server.URL, Username: b.username, Password: b.password}
}

func (b *fakeBMC) setChassis(i int, c fakeChassis) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chassis[i] = c
}

func (b *fakeBMC) activeSessions() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

func (b *fakeBMC) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("OData-Version", "4.0")

	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == "/redfish/v1":
		b.write(w, map[string]any{
			"@odata.id":      "/redfish/v1/",
			"@odata.type":    "#ServiceRoot.v1_5_0.ServiceRoot",
			"Id":             "RootService",
			"Name":           "Root Service",
			"RedfishVersion": "1.6.1",
			"Chassis":        odataID("/redfish/v1/Chassis"),
			"SessionService": odataID("/redfish/v1/SessionService"),
			"Links": map[string]any{
				"Sessions": odataID("/redfish/v1/SessionService/Sessions"),
			},
		})
	case path == "/redfish/v1/SessionService/Sessions" && r.Method == http.MethodPost:
		b.login(w, r)
	case strings.HasPrefix(path, "/redfish/v1/SessionService/Sessions/") && r.Method == http.MethodDelete:
		b.mu.Lock()
		delete(b.sessions, strings.TrimPrefix(path, "/redfish/v1/SessionService/Sessions/"))
		b.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	case path == "/redfish/v1/Chassis":
		b.mu.RLock()
		members := make([]map[string]any, len(b.chassis))
		for i := range b.chassis {
			members[i] = odataID(chassisPath(i))
		}
		b.mu.RUnlock()
		b.write(w, map[string]any{
			"@odata.id":           "/redfish/v1/Chassis",
			"@odata.type":         "#ChassisCollection.ChassisCollection",
			"Name":                "Chassis Collection",
			"Members@odata.count": len(members),
			"Members":             members,
		})
	default:
		b.handleChassis(w, r, path)
	}
}

func (b *fakeBMC) login(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		UserName string `json:"UserName"`
		Password string `json:"Password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if creds.UserName != b.username || creds.Password != b.password {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	b.mu.Lock()
	id := fmt.Sprintf("session%d", len(b.sessions)+1)
	b.sessions[id] = true
	b.mu.Unlock()

	location := "/redfish/v1/SessionService/Sessions/" + id
	w.Header().Set("X-Auth-Token", "token-"+id)
	w.Header().Set("Location", location)
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"@odata.id": location,
		"Id":        id,
		"UserName":  creds.UserName,
	})
}

func (b *fakeBMC) handleChassis(w http.ResponseWriter, r *http.Request, path string) {
	var idx int
	var rest string
	if _, err := fmt.Sscanf(path, "/redfish/v1/Chassis/%d", &idx); err != nil {
		http.NotFound(w, r)
		return
	}
	base := chassisPath(idx)
	rest = strings.TrimPrefix(path, base)

	b.mu.RLock()
	if idx < 0 || idx >= len(b.chassis) {
		b.mu.RUnlock()
		http.NotFound(w, r)
		return
	}
	c := b.chassis[idx]
	b.mu.RUnlock()

	switch {
	case rest == "":
		b.write(w, map[string]any{
			"@odata.id":      base,
			"@odata.type":    "#Chassis.v1_10_0.Chassis",
			"Id":             fmt.Sprint(idx),
			"Name":           "Chassis",
			"ChassisType":    "RackMount",
			"Power":          odataID(base + "/Power"),
			"PowerSubsystem": odataID(base + "/PowerSubsystem"),
		})
	case rest == "/Power" && !c.noPower:
		b.write(w, map[string]any{
			"@odata.id":   base + "/Power",
			"@odata.type": "#Power.v1_5_0.Power",
			"Id":          "Power",
			"Name":        "Power",
			"PowerControl": []map[string]any{{
				"@odata.id":          base + "/Power#/PowerControl/0",
				"MemberId":           "0",
				"Name":               "System Power Control",
				"PowerConsumedWatts": c.consumed,
			}},
		})
	case rest == "/PowerSubsystem" && !c.noSubsystem:
		b.write(w, map[string]any{
			"@odata.id":     base + "/PowerSubsystem",
			"@odata.type":   "#PowerSubsystem.v1_1_0.PowerSubsystem",
			"Id":            "PowerSubsystem",
			"Name":          "Power Subsystem",
			"PowerSupplies": odataID(base + "/PowerSubsystem/PowerSupplies"),
		})
	case rest == "/PowerSubsystem/PowerSupplies" && !c.noSubsystem:
		members := make([]map[string]any, len(c.supplies))
		for i := range c.supplies {
			members[i] = odataID(fmt.Sprintf("%s/PowerSubsystem/PowerSupplies/PS%d", base, i))
		}
		b.write(w, map[string]any{
			"@odata.id":           base + "/PowerSubsystem/PowerSupplies",
			"@odata.type":         "#PowerSupplyCollection.PowerSupplyCollection",
			"Name":                "Power Supply Collection",
			"Members@odata.count": len(members),
			"Members":             members,
		})
	case strings.HasPrefix(rest, "/PowerSubsystem/PowerSupplies/PS") && !c.noSubsystem:
		var ps int
		if _, err := fmt.Sscanf(rest, "/PowerSubsystem/PowerSupplies/PS%d", &ps); err != nil || ps >= len(c.supplies) {
			http.NotFound(w, r)
			return
		}
		b.write(w, map[string]any{
			"@odata.id":        path,
			"@odata.type":      "#PowerSupply.v1_6_0.PowerSupply",
			"Id":               fmt.Sprintf("PS%d", ps),
			"Name":             fmt.Sprintf("Power Supply %d", ps),
			"MemberId":         fmt.Sprint(ps),
			"PowerOutputWatts": c.supplies[ps],
		})
	default:
		http.NotFound(w, r)
	}
}

func (b *fakeBMC) write(w http.ResponseWriter, v any) {
	_ = json.NewEncoder(w).Encode(v)
}

func chassisPath(i int) string {
	return fmt.Sprintf("/redfish/v1/Chassis/%d", i)
}

func odataID(id string) map[string]any {
	return map[string]any{"@odata.id": id}
}
