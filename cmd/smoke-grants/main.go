package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"

	"medgrant.org/internal/ids"
)

// End-to-end smoke run against a live medgrant-api: register a patient,
// mint a grant, record an access, revoke, then verify the audit trail.

type client struct {
	base string
	http *http.Client
}

func main() {
	base := os.Getenv("MEDGRANT_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	c := &client{base: base, http: &http.Client{Timeout: 5 * time.Second}}

	suffix := fmt.Sprintf("%06d", rand.Intn(1_000_000))
	patientID := "smoke-patient-" + ids.New()
	ownerAccount := "smoke-owner-" + suffix
	doctorAccount := "smoke-doctor-" + suffix

	registrarToken := c.token("smoke-registrar", "registrar")
	ownerToken := c.token(ownerAccount, "patient")
	doctorToken := c.token(doctorAccount, "clinician")

	// Register and verify the patient record.
	c.post("/v1/patients", registrarToken, map[string]any{
		"id":            patientID,
		"owner_account": ownerAccount,
		"display_name":  "Smoke Test Patient",
	}, http.StatusCreated)
	c.post("/v1/patients/"+patientID+"/status", registrarToken, map[string]any{
		"status": "verified",
	}, http.StatusOK)

	// Mint a grant for the doctor.
	minted := c.post("/v1/grants", ownerToken, map[string]any{
		"owner_id":  patientID,
		"recipient": doctorAccount,
		"scopes":    []string{"read-lab", "read-consult"},
		"duration":  600,
		"terms":     "smoke run",
	}, http.StatusCreated)
	grantID := int64(minted["id"].(float64))
	grantPath := fmt.Sprintf("/v1/grants/%d", grantID)

	// Doctor has access, records one, then the owner revokes.
	if got := c.get(grantPath+"/access?account="+doctorAccount, doctorToken); got["has_access"] != true {
		log.Fatalf("expected access before revoke, got %v", got["has_access"])
	}
	c.post(grantPath+"/access", doctorToken, map[string]any{
		"notes": "smoke access",
	}, http.StatusOK)
	c.post(grantPath+"/revoke", ownerToken, nil, http.StatusOK)

	if got := c.get(grantPath+"/access?account="+doctorAccount, doctorToken); got["has_access"] != false {
		log.Fatalf("expected access gone after revoke, got %v", got["has_access"])
	}

	// Audit trail: minted, accessed, revoked at seq 0..2.
	for seq, want := range []string{"minted", "accessed", "revoked"} {
		entry := c.get(fmt.Sprintf("%s/audit/%d", grantPath, seq), ownerToken)
		if entry["action"] != want {
			log.Fatalf("audit seq %d: expected %q, got %v", seq, want, entry["action"])
		}
	}

	count := c.get("/v1/patients/"+patientID+"/grants/count", ownerToken)
	if count["minted"].(float64) != 1 {
		log.Fatalf("expected mint count 1, got %v", count["minted"])
	}

	fmt.Printf("✅ medgrant smoke test passed: patient=%s grant=%d\n", patientID, grantID)
}

func (c *client) token(account string, roles ...string) string {
	resp := c.post("/v1/auth/token", "", map[string]any{
		"account": account,
		"roles":   roles,
	}, http.StatusOK)
	token, _ := resp["token"].(string)
	if token == "" {
		log.Fatalf("empty token for %s", account)
	}
	return token
}

func (c *client) post(path, bearer string, body any, wantStatus int) map[string]any {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			log.Fatalf("marshal %s body: %v", path, err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("build %s request: %v", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return c.do(req, path, wantStatus)
}

func (c *client) get(path, bearer string) map[string]any {
	req, err := http.NewRequest(http.MethodGet, c.base+path, nil)
	if err != nil {
		log.Fatalf("build %s request: %v", path, err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return c.do(req, path, http.StatusOK)
}

func (c *client) do(req *http.Request, path string, wantStatus int) map[string]any {
	resp, err := c.http.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", req.Method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		log.Fatalf("decode %s response: %v", path, err)
	}
	if resp.StatusCode != wantStatus {
		log.Fatalf("%s %s: expected %d, got %d (%v)", req.Method, path, wantStatus, resp.StatusCode, out)
	}
	return out
}
