package escrow

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
)

const (
	testWebhookSecret = "whsec_test"
	testAdminSecret   = "admin_test_secret"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *Service, *MemoryStore, *fakeGateway) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc, store, gateway, bridge := newTestService(t)
	reconciler := NewReconciler(store, bridge)
	handler := NewHandler(svc, reconciler, testWebhookSecret, testAdminSecret)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)

	return r, svc, store, gateway
}

func doJSON(router *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createViaAPI(t *testing.T, router *gin.Engine) (escrowID, externalRef string) {
	t.Helper()
	w := doJSON(router, "POST", "/v1/escrow", testCreateRequest(), nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Escrow struct {
			ID                string `json:"id"`
			ExternalReference string `json:"externalReference"`
			Status            string `json:"status"`
		} `json:"escrow"`
		ClientSecret string `json:"clientSecret"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad create response: %v", err)
	}
	if resp.Escrow.Status != "pending" {
		t.Fatalf("expected pending, got %s", resp.Escrow.Status)
	}
	if resp.ClientSecret == "" {
		t.Fatal("expected clientSecret in create response")
	}
	return resp.Escrow.ID, resp.Escrow.ExternalReference
}

func TestHandler_FullLifecycle(t *testing.T) {
	router, _, _, gateway := setupTestRouter(t)

	id, ref := createViaAPI(t, router)
	gateway.authorize(ref)

	w := doJSON(router, "POST", "/v1/escrow/"+id+"/confirm", ConfirmRequest{ExternalReference: ref}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("confirm: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(router, "POST", "/v1/escrow/"+id+"/release", ReleaseRequest{ClientID: "usr_client"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("release: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(router, "GET", "/v1/escrow/"+id, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", w.Code)
	}
	var resp struct {
		Escrow struct {
			Status     string `json:"status"`
			ReleasedAt string `json:"releasedAt"`
		} `json:"escrow"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Escrow.Status != "released" {
		t.Errorf("expected released, got %s", resp.Escrow.Status)
	}
	if resp.Escrow.ReleasedAt == "" {
		t.Error("expected releasedAt in response")
	}
}

func TestHandler_CreateValidation(t *testing.T) {
	router, _, _, _ := setupTestRouter(t)

	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"missing project", CreateRequest{ClientID: "usr_client", FreelancerID: "usr_freelancer", Amount: 100}},
		{"missing client", CreateRequest{ProjectID: "prj_site", FreelancerID: "usr_freelancer", Amount: 100}},
		{"zero amount", CreateRequest{ProjectID: "prj_site", ClientID: "usr_client", FreelancerID: "usr_freelancer"}},
		{"bad currency", CreateRequest{ProjectID: "prj_site", ClientID: "usr_client", FreelancerID: "usr_freelancer", Amount: 100, Currency: "DOLLARS"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(router, "POST", "/v1/escrow", tc.req, nil)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestHandler_CreateConflictOnActiveEscrow(t *testing.T) {
	router, _, _, _ := setupTestRouter(t)

	createViaAPI(t, router)
	w := doJSON(router, "POST", "/v1/escrow", testCreateRequest(), nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_ReleaseAuthorization(t *testing.T) {
	router, _, _, gateway := setupTestRouter(t)

	id, ref := createViaAPI(t, router)
	gateway.authorize(ref)
	doJSON(router, "POST", "/v1/escrow/"+id+"/confirm", ConfirmRequest{ExternalReference: ref}, nil)

	w := doJSON(router, "POST", "/v1/escrow/"+id+"/release", ReleaseRequest{ClientID: "usr_freelancer"}, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-client release, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_RefundAsAdmin(t *testing.T) {
	router, _, _, gateway := setupTestRouter(t)

	id, ref := createViaAPI(t, router)
	gateway.authorize(ref)
	doJSON(router, "POST", "/v1/escrow/"+id+"/confirm", ConfirmRequest{ExternalReference: ref}, nil)

	// Wrong admin secret is an anonymous caller
	w := doJSON(router, "POST", "/v1/escrow/"+id+"/refund",
		RefundRequest{ClientID: "usr_support", Reason: "support action"},
		map[string]string{"X-Admin-Secret": "wrong"})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 with wrong admin secret, got %d", w.Code)
	}

	w = doJSON(router, "POST", "/v1/escrow/"+id+"/refund",
		RefundRequest{ClientID: "usr_support", Reason: "support action"},
		map[string]string{"X-Admin-Secret": testAdminSecret})
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with admin secret, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_ConfirmReferenceMismatch(t *testing.T) {
	router, _, _, _ := setupTestRouter(t)

	id, _ := createViaAPI(t, router)
	w := doJSON(router, "POST", "/v1/escrow/"+id+"/confirm", ConfirmRequest{ExternalReference: "pi_wrong"}, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_DoubleReleaseConflict(t *testing.T) {
	router, _, _, gateway := setupTestRouter(t)

	id, ref := createViaAPI(t, router)
	gateway.authorize(ref)
	doJSON(router, "POST", "/v1/escrow/"+id+"/confirm", ConfirmRequest{ExternalReference: ref}, nil)
	doJSON(router, "POST", "/v1/escrow/"+id+"/release", ReleaseRequest{ClientID: "usr_client"}, nil)

	w := doJSON(router, "POST", "/v1/escrow/"+id+"/release", ReleaseRequest{ClientID: "usr_client"}, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 on double release, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_GetNotFound(t *testing.T) {
	router, _, _, _ := setupTestRouter(t)

	w := doJSON(router, "GET", "/v1/escrow/esc_missing", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHandler_GetProjectEscrow(t *testing.T) {
	router, _, _, _ := setupTestRouter(t)

	id, _ := createViaAPI(t, router)
	w := doJSON(router, "GET", "/v1/projects/prj_site/escrow", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Escrow struct {
			ID string `json:"id"`
		} `json:"escrow"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Escrow.ID != id {
		t.Errorf("expected %s, got %s", id, resp.Escrow.ID)
	}

	w = doJSON(router, "GET", "/v1/projects/prj_other/escrow", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for project with no escrow, got %d", w.Code)
	}
}

func TestHandler_ListUserEscrows(t *testing.T) {
	router, _, _, _ := setupTestRouter(t)

	createViaAPI(t, router)
	w := doJSON(router, "GET", "/v1/users/usr_freelancer/escrows", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 1 {
		t.Errorf("expected 1 escrow, got %d", resp.Count)
	}
}

// signWebhook produces a Stripe-Signature header for the payload.
func signWebhook(payload []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func webhookPayload(eventType, intentID string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_test_1",
		"api_version": %q,
		"type": %q,
		"data": {"object": {"id": %q, "object": "payment_intent"}}
	}`, stripe.APIVersion, eventType, intentID))
}

func postWebhook(router *gin.Engine, payload []byte, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/v1/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", sig)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandler_WebhookMovesPendingToHeld(t *testing.T) {
	router, _, store, _ := setupTestRouter(t)

	id, ref := createViaAPI(t, router)

	payload := webhookPayload("payment_intent.amount_capturable_updated", ref)
	w := postWebhook(router, payload, signWebhook(payload, testWebhookSecret, time.Now()))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	e, _ := store.Get(context.Background(), id)
	if e.Status != StatusHeld {
		t.Errorf("expected held after webhook, got %s", e.Status)
	}
}

func TestHandler_WebhookBadSignature(t *testing.T) {
	router, _, store, _ := setupTestRouter(t)

	id, ref := createViaAPI(t, router)

	payload := webhookPayload("payment_intent.amount_capturable_updated", ref)
	w := postWebhook(router, payload, signWebhook(payload, "whsec_wrong", time.Now()))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad signature, got %d", w.Code)
	}

	e, _ := store.Get(context.Background(), id)
	if e.Status != StatusPending {
		t.Errorf("bad signature must not mutate the ledger, got %s", e.Status)
	}
}

func TestHandler_WebhookIrrelevantEventAcked(t *testing.T) {
	router, _, _, _ := setupTestRouter(t)

	payload := webhookPayload("charge.succeeded", "ch_123")
	w := postWebhook(router, payload, signWebhook(payload, testWebhookSecret, time.Now()))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for irrelevant event, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_WebhookUnknownReferenceAcked(t *testing.T) {
	router, _, _, _ := setupTestRouter(t)

	payload := webhookPayload("payment_intent.succeeded", "pi_not_ours")
	w := postWebhook(router, payload, signWebhook(payload, testWebhookSecret, time.Now()))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for unknown reference, got %d: %s", w.Code, w.Body.String())
	}
}
