package controllers

import (
	"bytes"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripwatch/internal/config"
	"tripwatch/internal/ingest"
	"tripwatch/internal/models"
	"tripwatch/internal/store"
)

func setupBlobs(t *testing.T) {
	t.Helper()
	blobs, err := store.NewBlobStore(t.TempDir())
	require.NoError(t, err)
	config.Blobs = blobs
}

func pushEnvelope(payload string) []byte {
	data := base64.StdEncoding.EncodeToString([]byte(payload))
	return []byte(`{"subscription":"feed","message":{"data":"` + data + `"}}`)
}

func postPush(handler gin.HandlerFunc, body []byte) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/push", handler)
	req := httptest.NewRequest(http.MethodPost, "/push", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestPushDriversAppliesFeed(t *testing.T) {
	setupBlobs(t)

	body := pushEnvelope(`{"leasecars":[
		{"car_license":"AB-12-CD","car_kind":"company","driver_employee_number":7,
		 "driver_start_date":"2026-01-01T00:00:00Z","department_id":10}
	]}`)
	w := postPush(PushDrivers, body)
	assert.Equal(t, http.StatusNoContent, w.Code)

	var catalog models.DriverCatalog
	ok, err := config.Blobs.GetJSON(ingest.DriversBlob, &catalog)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, catalog["AB-12-CD"], 1)
}

func TestPushDepartmentsAppliesFeed(t *testing.T) {
	setupBlobs(t)

	body := pushEnvelope(`{"organigram":[
		{"department_id":10,"department_name":"Fleet","manager_mail":"m@example.com"}
	]}`)
	w := postPush(PushDepartments, body)
	assert.Equal(t, http.StatusNoContent, w.Code)

	var catalog models.DepartmentCatalog
	ok, err := config.Blobs.GetJSON(ingest.DepartmentsBlob, &catalog)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Fleet", catalog["10"].Name)
}

func TestPushRejectsBadEnvelope(t *testing.T) {
	setupBlobs(t)

	w := postPush(PushDrivers, []byte(`not an envelope`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPushRejectsUndecodablePayload(t *testing.T) {
	setupBlobs(t)

	w := postPush(PushDrivers, pushEnvelope(`not json`))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestExportTripsValidatesRange(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/trips/export", func(c *gin.Context) {
		c.Set("user", "manager@example.com")
		ExportTrips(c)
	})

	cases := []string{
		"/trips/export",
		"/trips/export?ended_after=bogus&ended_before=2026-04-01T00:00:00Z",
		"/trips/export?ended_after=2026-04-01T00:00:00Z&ended_before=2026-03-01T00:00:00Z",
		"/trips/export?ended_after=2026-03-01T00:00:00Z&ended_before=2026-03-01T00:00:00Z",
	}
	for _, url := range cases {
		req := httptest.NewRequest(http.MethodGet, url, nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, url)
	}
}
