package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"microtile/internal/geometry"
	"microtile/internal/registration"
	"microtile/internal/session"
	"microtile/internal/storage"
	"microtile/internal/tilestore"
)

func pt(x, y float64) geometry.Point {
	return geometry.Pt(x, y)
}

func newTestServer(t *testing.T, mock *tilestore.Mock) (*Server, *httptest.Server, *storage.Store) {
	t.Helper()
	db, err := storage.New(filepath.Join(t.TempDir(), "microtile.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewServer("127.0.0.1:0", mock, db, session.Config{}, nil, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(s.Handler(ctx))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return s, srv, db
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	_, srv, _ := newTestServer(t, tilestore.NewMock())

	resp, err := http.Get(srv.URL + "/api/v1/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestFetchPyramidRecordsHandle(t *testing.T) {
	mock := tilestore.NewMock()
	h := mock.AddImage("scans/slide-07.tif", 10000, 8000)
	_, srv, db := newTestServer(t, mock)

	resp := postJSON(t, srv.URL+"/api/v1/pyramids", fetchPyramidRequest{Path: "scans/slide-07.tif"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got pyramidResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.ContentHash != h.ContentHash || got.TilesX != 40 || got.TilesY != 32 {
		t.Errorf("handle = %+v", got)
	}

	rec, err := db.PyramidByHash(h.ContentHash)
	if err != nil {
		t.Fatalf("handle not recorded: %v", err)
	}
	if rec.ImagePath != "scans/slide-07.tif" || rec.Width != 10000 {
		t.Errorf("record = %+v", rec)
	}

	// The recorded handle is also served back over GET.
	getResp, err := http.Get(srv.URL + "/api/v1/pyramids/" + h.ContentHash)
	if err != nil {
		t.Fatal(err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Errorf("GET status = %d", getResp.StatusCode)
	}
}

func TestFetchPyramidRequiresPath(t *testing.T) {
	_, srv, _ := newTestServer(t, tilestore.NewMock())

	resp := postJSON(t, srv.URL+"/api/v1/pyramids", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestGetPyramidUnknownHash(t *testing.T) {
	_, srv, _ := newTestServer(t, tilestore.NewMock())

	resp, err := http.Get(srv.URL + "/api/v1/pyramids/deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestRunRegistrationTranslation(t *testing.T) {
	mock := tilestore.NewMock()
	h := mock.AddImage("scans/overlay.tif", 512, 512)
	_, srv, db := newTestServer(t, mock)

	req := runRegistrationRequest{
		OverlayPath: "scans/overlay.tif",
		ContentHash: h.ContentHash,
		Width:       512,
		Height:      512,
		Pairs: []registration.PointPair{
			{Source: pt(0, 0), Target: pt(10, 10)},
			{Source: pt(10, 0), Target: pt(20, 10)},
			{Source: pt(0, 10), Target: pt(10, 20)},
		},
		Apply: true,
	}
	resp := postJSON(t, srv.URL+"/api/v1/registrations", req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got runRegistrationResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}

	want := [6]float64{1, 0, 10, 0, 1, 10}
	have := [6]float64{got.Matrix.A, got.Matrix.B, got.Matrix.TX, got.Matrix.C, got.Matrix.D, got.Matrix.TY}
	for i := range want {
		if math.Abs(have[i]-want[i]) > 1e-9 {
			t.Fatalf("matrix = %+v, want identity + (10,10)", got.Matrix)
		}
	}
	if got.Status != "applied" {
		t.Errorf("status = %q", got.Status)
	}

	rec, err := db.RegistrationByID(got.ID)
	if err != nil {
		t.Fatalf("registration not recorded: %v", err)
	}
	if rec.Status != "applied" || rec.AppliedAt == nil {
		t.Errorf("record = %+v", rec)
	}
}

func TestRunRegistrationCollinearRejected(t *testing.T) {
	_, srv, _ := newTestServer(t, tilestore.NewMock())

	req := runRegistrationRequest{
		Width:  512,
		Height: 512,
		Pairs: []registration.PointPair{
			{Source: pt(0, 0), Target: pt(0, 0)},
			{Source: pt(10, 10), Target: pt(10, 10)},
			{Source: pt(20, 20), Target: pt(20, 20)},
		},
	}
	resp := postJSON(t, srv.URL+"/api/v1/registrations", req)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestRunRegistrationApplyFailureMarksRecord(t *testing.T) {
	mock := tilestore.NewMock()
	h := mock.AddImage("scans/overlay.tif", 512, 512)
	mock.GenerateErr = &tilestore.TileGenerationError{Hash: h.ContentHash, Message: "warp kernel crashed"}
	_, srv, db := newTestServer(t, mock)

	req := runRegistrationRequest{
		OverlayPath: "scans/overlay.tif",
		ContentHash: h.ContentHash,
		Width:       512,
		Height:      512,
		Pairs: []registration.PointPair{
			{Source: pt(0, 0), Target: pt(10, 10)},
			{Source: pt(10, 0), Target: pt(20, 10)},
			{Source: pt(0, 10), Target: pt(10, 20)},
		},
		Apply: true,
	}
	resp := postJSON(t, srv.URL+"/api/v1/registrations", req)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	recs, err := db.RecentRegistrations(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Status != "failed" || recs[0].Error == "" {
		t.Errorf("records = %+v", recs)
	}
}

func TestListEndpoints(t *testing.T) {
	mock := tilestore.NewMock()
	for i := 0; i < 3; i++ {
		mock.AddImage(fmt.Sprintf("scans/slide-%d.tif", i), 1024, 768)
	}
	_, srv, _ := newTestServer(t, mock)

	for i := 0; i < 3; i++ {
		postJSON(t, srv.URL+"/api/v1/pyramids", fetchPyramidRequest{Path: fmt.Sprintf("scans/slide-%d.tif", i)})
	}

	resp, err := http.Get(srv.URL + "/api/v1/pyramids")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var recs []storage.PyramidRecord
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Errorf("pyramids = %d, want 3", len(recs))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, srv, _ := newTestServer(t, tilestore.NewMock())

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
