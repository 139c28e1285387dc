package gitops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/narvanalabs/hubfleet/internal/models"
)

func TestHTTPDeliveryControllerSubmit(t *testing.T) {
	var got submitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/descriptors" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer bridge-token" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(submitResponse{CommitSHA: "abc123"})
	}))
	defer srv.Close()

	node := &models.EdgeNode{ID: "n1", Tier: models.TierProperty}
	dep := &models.FleetDeployment{ID: "d1", ServicePackageRef: "hub-core@1.0.0"}
	desc, err := BuildDescriptor(DefaultDescriptorConfig(), node, dep, "100.64.0.1")
	if err != nil {
		t.Fatal(err)
	}

	c := NewHTTPDeliveryController(srv.URL+"/", "bridge-token", time.Second)
	sha, err := c.SubmitDescriptor(context.Background(), desc)
	if err != nil {
		t.Fatal(err)
	}
	if sha != "abc123" {
		t.Errorf("sha = %s", sha)
	}
	if got.Path != "nodes/n1/application.yaml" || got.DeploymentID != "d1" {
		t.Errorf("request = %+v", got)
	}
	if !strings.Contains(got.Content, "kind: Application") {
		t.Errorf("content is not the rendered manifest:\n%s", got.Content)
	}
}

func TestHTTPDeliveryControllerSubmitError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "repository locked", http.StatusConflict)
	}))
	defer srv.Close()

	node := &models.EdgeNode{ID: "n1", Tier: models.TierProperty}
	dep := &models.FleetDeployment{ID: "d1", ServicePackageRef: "hub-core"}
	desc, _ := BuildDescriptor(DefaultDescriptorConfig(), node, dep, "100.64.0.1")

	_, err := NewHTTPDeliveryController(srv.URL, "", time.Second).SubmitDescriptor(context.Background(), desc)
	if err == nil || !strings.Contains(err.Error(), "repository locked") {
		t.Fatalf("err = %v", err)
	}
}

func TestHTTPDeliveryControllerStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/rollouts/known":
			_ = json.NewEncoder(w).Encode(statusResponse{Status: "degraded"})
		case "/v1/rollouts/bogus":
			_ = json.NewEncoder(w).Encode(statusResponse{Status: "on-fire"})
		case "/v1/rollouts/broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewHTTPDeliveryController(srv.URL, "", time.Second)
	ctx := context.Background()

	if st, err := c.GetStatus(ctx, "known"); err != nil || st != RolloutDegraded {
		t.Errorf("known: %s %v", st, err)
	}
	if st, err := c.GetStatus(ctx, "unseen"); err != nil || st != RolloutUnknown {
		t.Errorf("unseen: %s %v", st, err)
	}
	if _, err := c.GetStatus(ctx, "bogus"); err == nil {
		t.Error("unknown status accepted")
	}
	if _, err := c.GetStatus(ctx, "broken"); err == nil {
		t.Error("bad gateway accepted")
	}
}
