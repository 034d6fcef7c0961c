package gcpcloud

import (
	"context"
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"

	"github.com/opgate/opgate/pkg/engine"
)

type fakeCompute struct {
	calls     []string
	instances []*compute.Instance
	err       error
}

func (f *fakeCompute) ListInstances(_ context.Context, project, zone string) ([]*compute.Instance, error) {
	f.calls = append(f.calls, project+"/"+zone)
	if f.err != nil {
		return nil, f.err
	}
	return f.instances, nil
}

func newComputeAdapter(client ComputeAPI, project string) *Adapter {
	return NewWithClients(newFakeStorage(), client, Config{ProjectID: project}, zerolog.New(nil).Level(zerolog.Disabled))
}

func computeOp(params map[string]string) *engine.Operation {
	return &engine.Operation{
		ID:       "op-1",
		Provider: engine.ProviderGCP,
		Service:  "compute",
		Verb:     VerbListInstances,
		Params:   params,
	}
}

func vm(name, status string) *compute.Instance {
	return &compute.Instance{
		Name:        name,
		Zone:        "https://www.googleapis.com/compute/v1/projects/p/zones/us-central1-a",
		MachineType: "https://www.googleapis.com/compute/v1/projects/p/zones/us-central1-a/machineTypes/e2-small",
		Status:      status,
		NetworkInterfaces: []*compute.NetworkInterface{{
			NetworkIP: "10.128.0.2",
		}},
	}
}

func TestListInstances(t *testing.T) {
	web := vm("web", "RUNNING")
	web.NetworkInterfaces[0].AccessConfigs = []*compute.AccessConfig{{NatIP: "34.1.2.3"}}
	fake := &fakeCompute{instances: []*compute.Instance{web, vm("batch", "TERMINATED")}}
	a := newComputeAdapter(fake, "p")

	res, err := a.Execute(context.Background(), computeOp(map[string]string{"zone": "us-central1-a", "status": "running"}))
	if err != nil {
		t.Fatalf("Failed to list instances: %v", err)
	}
	if len(fake.calls) != 1 || fake.calls[0] != "p/us-central1-a" {
		t.Errorf("Expected one zonal call, got %v", fake.calls)
	}
	if len(res.Items) != 1 {
		t.Fatalf("Expected 1 running instance, got %d", len(res.Items))
	}
	want := map[string]interface{}{
		"name":         "web",
		"zone":         "us-central1-a",
		"machine_type": "e2-small",
		"status":       "RUNNING",
		"internal_ip":  "10.128.0.2",
		"external_ip":  "34.1.2.3",
	}
	for k, v := range want {
		if res.Items[0][k] != v {
			t.Errorf("Expected %s=%v, got %v", k, v, res.Items[0][k])
		}
	}
	if res.Summary != "1 instance(s) in p/us-central1-a (status RUNNING)" {
		t.Errorf("Unexpected summary: %q", res.Summary)
	}
}

func TestListInstancesAllZones(t *testing.T) {
	fake := &fakeCompute{instances: []*compute.Instance{vm("a", "RUNNING"), vm("b", "STOPPED")}}
	a := newComputeAdapter(fake, "p")

	// No service: the verb alone routes to Compute Engine.
	o := computeOp(nil)
	o.Service = ""
	res, err := a.Execute(context.Background(), o)
	if err != nil {
		t.Fatalf("Failed to list instances: %v", err)
	}
	if fake.calls[0] != "p/" {
		t.Errorf("Expected an aggregated call, got %v", fake.calls)
	}
	if len(res.Items) != 2 {
		t.Errorf("Expected 2 instances, got %d", len(res.Items))
	}
	if _, ok := res.Items[0]["external_ip"]; ok {
		t.Errorf("Expected no external ip without an access config")
	}
}

func TestComputeUnsupportedRequestsMakeNoCalls(t *testing.T) {
	tests := []struct {
		name    string
		project string
		client  bool
		op      *engine.Operation
	}{
		{"bad status", "p", true, computeOp(map[string]string{"status": "asleep"})},
		{"no project", "", true, computeOp(nil)},
		{"other compute verb", "p", true, &engine.Operation{Provider: engine.ProviderGCP, Service: "compute", Verb: "delete-instance"}},
		{"no compute client", "p", false, computeOp(nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeCompute{}
			var a *Adapter
			if tt.client {
				a = newComputeAdapter(fake, tt.project)
			} else {
				a = newTestAdapter(newFakeStorage(), tt.project)
			}

			_, err := a.Execute(context.Background(), tt.op)
			if engine.AdapterCode(err) != engine.ErrCodeUnsupported {
				t.Errorf("Expected UNSUPPORTED, got %v", err)
			}
			if len(fake.calls) != 0 {
				t.Errorf("Expected no calls, got %v", fake.calls)
			}
		})
	}
}

func TestListInstancesMapsErrors(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{http.StatusForbidden, engine.ErrCodePermissionDenied},
		{http.StatusNotFound, engine.ErrCodeNotFound},
		{http.StatusTooManyRequests, engine.ErrCodeThrottled},
		{http.StatusInternalServerError, engine.ErrCodeTransient},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			a := newComputeAdapter(&fakeCompute{err: &googleapi.Error{Code: tt.status}}, "p")

			_, err := a.Execute(context.Background(), computeOp(nil))
			if got := engine.AdapterCode(err); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestRenderCompute(t *testing.T) {
	a := newComputeAdapter(&fakeCompute{}, "p")

	tests := []struct {
		params map[string]string
		want   string
	}{
		{nil, "gcloud compute instances list --project p"},
		{map[string]string{"zone": "europe-west1-b"}, "gcloud compute instances list --zones europe-west1-b --project p"},
		{map[string]string{"status": "stopped"}, "gcloud compute instances list --filter 'status=STOPPED' --project p"},
	}

	for _, tt := range tests {
		got := a.Render(computeOp(tt.params))
		if len(got) != 1 || got[0] != tt.want {
			t.Errorf("Expected %q, got %v", tt.want, got)
		}
	}
}
